package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"attendsync/internal/attendance"
	"attendsync/internal/errs"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/store"
)

// ReferenceStore is the local reference-data cache.
type ReferenceStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	UpsertSubjects(ctx context.Context, subjects []attendance.Subject) error
	InFlightForInactiveSubjects(ctx context.Context) ([]attendance.Event, error)
}

// ReferenceSource serves subject changes from the remote store.
type ReferenceSource interface {
	FetchSubjects(ctx context.Context, since time.Time) ([]attendance.Subject, error)
}

// RefreshReport summarises one reference refresh.
type RefreshReport struct {
	Fetched   int       `json:"fetched"`
	Flagged   int       `json:"flagged"`
	Watermark time.Time `json:"watermark"`
}

// Refresher mirrors remote subjects into the local cache incrementally.
type Refresher struct {
	local       ReferenceStore
	source      ReferenceSource
	callTimeout time.Duration
}

// NewRefresher creates a refresher.
func NewRefresher(local ReferenceStore, source ReferenceSource, callTimeout time.Duration) *Refresher {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Refresher{local: local, source: source, callTimeout: callTimeout}
}

// Refresh fetches subjects changed at or after the stored watermark, upserts them
// and advances the watermark. Pending or submitted events whose subject is
// now unknown or inactive are flagged for manual reconciliation and left
// untouched.
func (f *Refresher) Refresh(ctx context.Context) (RefreshReport, error) {
	var report RefreshReport

	since, err := f.watermark(ctx)
	if err != nil {
		return report, err
	}
	report.Watermark = since

	callCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	subjects, err := f.source.FetchSubjects(callCtx, since)
	cancel()
	if err != nil {
		return report, errs.Wrap(err, "fetch subjects")
	}

	if len(subjects) > 0 {
		if err := f.local.UpsertSubjects(ctx, subjects); err != nil {
			return report, errs.Wrap(err, "upsert subjects")
		}
		for _, s := range subjects {
			if s.UpdatedAt.After(report.Watermark) {
				report.Watermark = s.UpdatedAt.UTC()
			}
		}
		if err := f.local.SetState(ctx, store.StateReferenceWatermark, report.Watermark.Format(time.RFC3339Nano)); err != nil {
			return report, errs.Wrap(err, "store watermark")
		}
	}
	report.Fetched = len(subjects)

	orphans, err := f.local.InFlightForInactiveSubjects(ctx)
	if err != nil {
		return report, errs.Wrap(err, "check in-flight subjects")
	}
	for _, evt := range orphans {
		logging.Warn(ctx, "in-flight event references unknown or inactive subject",
			slog.String("event_id", evt.ID),
			slog.String("subject_id", evt.SubjectID),
			slog.String("status", string(evt.Status)),
		)
	}
	report.Flagged = len(orphans)
	metrics.FlaggedSubjects.Set(float64(len(orphans)))

	logging.Info(ctx, "reference refresh finished",
		slog.Int("fetched", report.Fetched),
		slog.Int("flagged", report.Flagged),
		slog.Time("watermark", report.Watermark),
	)
	return report, nil
}

func (f *Refresher) watermark(ctx context.Context) (time.Time, error) {
	raw, ok, err := f.local.GetState(ctx, store.StateReferenceWatermark)
	if err != nil {
		return time.Time{}, errs.Wrap(err, "load watermark")
	}
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return t, nil
}
