package attendance

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"attendsync/internal/errs"
	"attendsync/internal/keylock"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
)

// RejectReason explains why a candidate was not admitted. Rejections are
// expected outcomes, not errors.
type RejectReason string

const (
	RejectLowConfidence   RejectReason = "low_confidence"
	RejectDuplicateWindow RejectReason = "duplicate_window"
)

// Candidate is a match emitted by the capture pipeline.
type Candidate struct {
	SubjectID  string
	DeviceID   string
	CapturedAt time.Time
	Confidence float64
}

// Decision is the result of Admit.
type Decision struct {
	Admitted   bool
	Reason     RejectReason
	Event      Event
	ConflictID string
}

// AdmitStore persists an event only if no non-purged event for the same
// (subject, device) lies within window of its capture time, as one atomic
// step. It returns a *WindowConflictError otherwise.
type AdmitStore interface {
	AppendAdmitted(ctx context.Context, evt Event, window time.Duration) (Event, error)
}

// GuardConfig holds the admission thresholds.
type GuardConfig struct {
	Threshold float64       // minimum confidence, in percent
	Window    time.Duration // dedup window per (subject, device)
}

// Guard admits or rejects candidates before they reach the store.
type Guard struct {
	store     AdmitStore
	locks     *keylock.Locker
	threshold float64
	window    time.Duration
	now       func() time.Time
}

// NewGuard creates a guard. Zero config values fall back to 95% and ten minutes.
func NewGuard(store AdmitStore, cfg GuardConfig) *Guard {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 95
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	return &Guard{
		store:     store,
		locks:     keylock.New(),
		threshold: cfg.Threshold,
		window:    cfg.Window,
		now:       time.Now,
	}
}

// Window returns the configured dedup window.
func (g *Guard) Window() time.Duration { return g.window }

// Admit applies the confidence threshold and the dedup window, then appends
// the event as pending. Concurrent candidates for the same (subject, device)
// are serialized so the second observes the first's record.
func (g *Guard) Admit(ctx context.Context, c Candidate) (Decision, error) {
	c.SubjectID = strings.TrimSpace(c.SubjectID)
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	if c.SubjectID == "" || c.DeviceID == "" {
		return Decision{}, errors.New("attendance: subject and device required")
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = g.now()
	}
	ctx = logging.WithAttrs(ctx,
		slog.String("subject_id", c.SubjectID),
		slog.String("device_id", c.DeviceID),
	)

	if math.IsNaN(c.Confidence) || c.Confidence < g.threshold {
		metrics.Admissions.WithLabelValues(string(RejectLowConfidence)).Inc()
		logging.Info(ctx, "recognition rejected",
			slog.String("reason", string(RejectLowConfidence)),
			slog.Float64("confidence", c.Confidence),
			slog.Float64("threshold", g.threshold),
		)
		return Decision{Reason: RejectLowConfidence}, nil
	}

	unlock := g.locks.Lock(c.SubjectID + "\x00" + c.DeviceID)
	defer unlock()

	evt, err := g.store.AppendAdmitted(ctx, Event{
		Class:      ClassAttendance,
		SubjectID:  c.SubjectID,
		DeviceID:   c.DeviceID,
		CapturedAt: c.CapturedAt.UTC(),
		Confidence: c.Confidence,
		Status:     StatusPending,
	}, g.window)
	if err != nil {
		var conflict *WindowConflictError
		if errors.As(err, &conflict) {
			metrics.Admissions.WithLabelValues(string(RejectDuplicateWindow)).Inc()
			logging.Info(ctx, "recognition rejected",
				slog.String("reason", string(RejectDuplicateWindow)),
				slog.String("existing_event_id", conflict.ExistingID),
			)
			return Decision{Reason: RejectDuplicateWindow, ConflictID: conflict.ExistingID}, nil
		}
		metrics.Admissions.WithLabelValues("error").Inc()
		logging.Error(ctx, "admission append failed", slog.Any("err", errs.Loggable(err)))
		return Decision{}, errs.Wrap(err, "admit recognition")
	}

	metrics.Admissions.WithLabelValues("admitted").Inc()
	logging.Info(ctx, "recognition admitted",
		slog.String("event_id", evt.ID),
		slog.Float64("confidence", evt.Confidence),
	)
	return Decision{Admitted: true, Event: evt}, nil
}
