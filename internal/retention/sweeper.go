// Package retention removes settled events once they age past the retention
// horizon. pending and submitted events are never touched.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"attendsync/internal/errs"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
)

// Mode selects what a sweep does with expired events.
type Mode string

const (
	// ModeDelete marks, deletes terminal events and their orphaned audit rows.
	ModeDelete Mode = "delete"
	// ModeSoft only marks confirmed and failed events as purged.
	ModeSoft Mode = "soft"
)

// ParseMode accepts "delete" and "soft".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDelete, ModeSoft:
		return Mode(s), nil
	}
	return "", fmt.Errorf("retention: unknown mode %q", s)
}

// Store is the retention surface of the Local Event Store.
type Store interface {
	MarkPurged(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOrphanedLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Report summarises one sweep.
type Report struct {
	Cutoff      time.Time `json:"cutoff"`
	Marked      int64     `json:"marked"`
	Deleted     int64     `json:"deleted"`
	LogsDeleted int64     `json:"logs_deleted"`
}

// Sweeper applies the retention policy.
type Sweeper struct {
	store Store
	mode  Mode
	now   func() time.Time
}

// NewSweeper creates a sweeper. An empty mode means ModeDelete.
func NewSweeper(store Store, mode Mode) *Sweeper {
	if mode == "" {
		mode = ModeDelete
	}
	return &Sweeper{store: store, mode: mode, now: time.Now}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep expires events captured before now - horizon.
func (s *Sweeper) Sweep(ctx context.Context, horizon time.Duration) (Report, error) {
	if horizon <= 0 {
		return Report{}, fmt.Errorf("retention: horizon must be positive, got %s", horizon)
	}
	report := Report{Cutoff: s.now().UTC().Add(-horizon)}
	ctx = logging.WithAttrs(ctx, slog.String("mode", string(s.mode)), slog.Time("cutoff", report.Cutoff))

	var err error
	if report.Marked, err = s.store.MarkPurged(ctx, report.Cutoff); err != nil {
		return report, errs.Wrap(err, "mark purged")
	}

	if s.mode == ModeDelete {
		if report.Deleted, err = s.store.PurgeBefore(ctx, report.Cutoff); err != nil {
			return report, errs.Wrap(err, "purge events")
		}
		metrics.EventsPurged.Add(float64(report.Deleted))

		if report.LogsDeleted, err = s.store.DeleteOrphanedLogs(ctx, report.Cutoff); err != nil {
			return report, errs.Wrap(err, "delete orphaned logs")
		}
	}

	logging.Info(ctx, "retention sweep finished",
		slog.Int64("marked", report.Marked),
		slog.Int64("deleted", report.Deleted),
		slog.Int64("logs_deleted", report.LogsDeleted),
	)
	return report, nil
}
