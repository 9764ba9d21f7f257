// Package reconcile pushes locally admitted events to the remote system of
// record and mirrors reference data back.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attendsync/internal/attendance"
	"attendsync/internal/errs"
	"attendsync/internal/keylock"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
	"attendsync/internal/store"
)

// EventStore is the slice of the Local Event Store the reconciler mutates.
type EventStore interface {
	Get(ctx context.Context, id string) (attendance.Event, error)
	ListPending(ctx context.Context, class attendance.EventClass, limit int) ([]attendance.Event, error)
	ListByStatus(ctx context.Context, status attendance.SyncStatus) ([]attendance.Event, error)
	UpdateStatus(ctx context.Context, id string, to attendance.SyncStatus, u store.StatusUpdate) (attendance.Event, error)
	AttachRemoteID(ctx context.Context, id, remoteID string) error
	TouchDevice(ctx context.Context, d attendance.Device) error
}

// Validator is the external validation collaborator.
type Validator interface {
	Validate(ctx context.Context, p attendance.Payload) (string, error)
}

// Remote is the remote system of record.
type Remote interface {
	LookupEvent(ctx context.Context, eventID string) (string, bool, error)
	CommitEvent(ctx context.Context, p attendance.Payload, remoteID string) (string, error)
	TouchDevice(ctx context.Context, d attendance.Device) error
}

// Config tunes retry and timeout behaviour.
type Config struct {
	DeviceID    string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	CallTimeout time.Duration
}

// Report summarises one batch.
type Report struct {
	Attempted int `json:"attempted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Skipped   int `json:"skipped"`
}

func (r *Report) add(o result) {
	switch o {
	case resultConfirmed:
		r.Attempted++
		r.Confirmed++
	case resultFailed:
		r.Attempted++
		r.Failed++
	case resultRetried:
		r.Attempted++
		r.Retried++
	case resultSkipped:
		r.Skipped++
	}
}

type result int

const (
	resultSkipped result = iota
	resultConfirmed
	resultRetried
	resultFailed
)

// Reconciler drives events through pending -> submitted -> confirmed|failed.
type Reconciler struct {
	events    EventStore
	validator Validator
	remote    Remote
	cfg       Config
	locks     *keylock.Locker
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for backoff scheduling.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a reconciler. Zero config values take the documented defaults.
func New(events EventStore, validator Validator, remote Remote, cfg Config, opts ...Option) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Minute
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	r := &Reconciler{
		events:    events,
		validator: validator,
		remote:    remote,
		cfg:       cfg,
		locks:     keylock.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backoff returns the delay before attempt retry+1 becomes eligible.
func (r *Reconciler) Backoff(retry int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= r.cfg.BackoffCap {
			return r.cfg.BackoffCap
		}
	}
	return min(d, r.cfg.BackoffCap)
}

// SyncBatch pushes up to batchSize due events of class, oldest first. Once
// ctx is done no further item is started; the item in flight runs to
// completion under its own call timeouts. Per-item failures never abort the
// batch, they are joined into the returned error.
func (r *Reconciler) SyncBatch(ctx context.Context, class attendance.EventClass, batchSize int) (Report, error) {
	var report Report
	ctx = logging.WithAttrs(ctx, slog.String("class", string(class)))

	if class == attendance.ClassAttendance {
		r.touchDevice(ctx)
	}

	events, err := r.events.ListPending(ctx, class, batchSize)
	if err != nil {
		return report, errs.Wrap(err, "list pending")
	}

	var failures []error
	for _, evt := range events {
		if ctx.Err() != nil {
			logging.Warn(ctx, "sync cycle deadline reached",
				slog.Int("remaining", len(events)-report.Attempted-report.Skipped))
			break
		}
		res, err := r.syncOne(context.WithoutCancel(ctx), evt.ID, false)
		report.add(res)
		if err != nil {
			failures = append(failures, err)
		}
	}

	logging.Info(ctx, "sync batch finished",
		slog.Int("attempted", report.Attempted),
		slog.Int("confirmed", report.Confirmed),
		slog.Int("retried", report.Retried),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
	)
	return report, errors.Join(failures...)
}

// SyncEvent pushes a single event now, ignoring its backoff. Events that are
// not pending are left untouched, which makes re-invoking it on a confirmed
// event a no-op.
func (r *Reconciler) SyncEvent(ctx context.Context, id string) (Report, error) {
	var report Report
	res, err := r.syncOne(context.WithoutCancel(ctx), id, true)
	report.add(res)
	return report, err
}

// RecoverSubmitted resolves events left in submitted by a previous process.
// An event the remote store already holds, or can accept under the remote id
// attached before the crash, is confirmed. Any other counts as one transient
// failure: it returns to pending for an immediate retry, or to failed when
// its retries are used up.
func (r *Reconciler) RecoverSubmitted(ctx context.Context) (int, error) {
	stuck, err := r.events.ListByStatus(ctx, attendance.StatusSubmitted)
	if err != nil {
		return 0, errs.Wrap(err, "list submitted")
	}

	var failures []error
	recovered := 0
	for _, evt := range stuck {
		ectx := logging.WithAttrs(ctx, slog.String("event_id", evt.ID))
		to, err := r.recoverOne(ectx, evt)
		if err != nil {
			logging.Error(ectx, "recover submitted event failed", slog.Any("err", errs.Loggable(err)))
			failures = append(failures, err)
			continue
		}
		recovered++
		logging.Warn(ectx, "recovered interrupted submission", slog.String("status", string(to)))
	}
	return recovered, errors.Join(failures...)
}

func (r *Reconciler) recoverOne(ctx context.Context, evt attendance.Event) (attendance.SyncStatus, error) {
	unlock := r.locks.Lock(evt.ID)
	defer unlock()

	if remoteID, ok := r.settle(ctx, evt); ok {
		_, err := r.events.UpdateStatus(ctx, evt.ID, attendance.StatusConfirmed, store.StatusUpdate{
			RemoteID: remoteID,
			Attempt:  &attendance.SyncLogEntry{Outcome: attendance.OutcomeConfirmed, ErrorMessage: "confirmed on restart"},
		})
		if err != nil {
			return "", err
		}
		metrics.SyncAttempts.WithLabelValues(string(attendance.OutcomeConfirmed)).Inc()
		return attendance.StatusConfirmed, nil
	}

	to := attendance.StatusPending
	outcome := attendance.OutcomeRecovered
	if evt.RetryCount+1 >= r.cfg.MaxRetries {
		to = attendance.StatusFailed
		outcome = attendance.OutcomeFailed
	}
	detail := "submission interrupted by restart"
	_, err := r.events.UpdateStatus(ctx, evt.ID, to, store.StatusUpdate{
		Error:          detail,
		IncrementRetry: true,
		NextAttemptAt:  r.now().UTC(),
		Attempt:        &attendance.SyncLogEntry{Outcome: outcome, ErrorMessage: detail},
	})
	return to, err
}

// settle reports the remote id under which the remote store holds evt. With
// a remote id attached locally the commit is replayed, which is idempotent;
// otherwise the remote store is asked. Remote failures report false.
func (r *Reconciler) settle(ctx context.Context, evt attendance.Event) (string, bool) {
	if evt.RemoteID != "" {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		stored, err := r.remote.CommitEvent(callCtx, evt.Payload(), evt.RemoteID)
		if err != nil {
			logging.Warn(ctx, "replay remote commit failed", slog.Any("err", errs.Loggable(err)))
			return "", false
		}
		return stored, true
	}

	found, ok, err := r.lookup(ctx, evt.ID)
	if err != nil {
		logging.Warn(ctx, "remote lookup failed", slog.Any("err", errs.Loggable(err)))
		return "", false
	}
	return found, ok
}

func (r *Reconciler) syncOne(ctx context.Context, id string, force bool) (result, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx = logging.WithAttrs(ctx, slog.String("event_id", id))

	evt, err := r.events.Get(ctx, id)
	if err != nil {
		return resultSkipped, errs.Wrapf(err, "load event %s", id)
	}
	if evt.Status != attendance.StatusPending {
		logging.Debug(ctx, "event not pending, skipping", slog.String("status", string(evt.Status)))
		return resultSkipped, nil
	}
	if !force && evt.NextAttemptAt.After(r.now()) {
		return resultSkipped, nil
	}

	evt, err = r.events.UpdateStatus(ctx, id, attendance.StatusSubmitted, store.StatusUpdate{
		NextAttemptAt: evt.NextAttemptAt,
	})
	if err != nil {
		logging.Error(ctx, "mark submitted failed", slog.Any("err", errs.Loggable(err)))
		return resultSkipped, errs.Wrapf(err, "submit event %s", id)
	}

	remoteID, err := r.push(ctx, evt)
	if err != nil {
		return r.fail(ctx, evt, err)
	}

	if _, err := r.events.UpdateStatus(ctx, id, attendance.StatusConfirmed, store.StatusUpdate{
		RemoteID: remoteID,
		Attempt:  &attendance.SyncLogEntry{Outcome: attendance.OutcomeConfirmed},
	}); err != nil {
		// Remote holds the record; the next recovery or cycle finds it by lookup.
		logging.Error(ctx, "mark confirmed failed",
			slog.String("remote_id", remoteID), slog.Any("err", errs.Loggable(err)))
		return resultSkipped, errs.Wrapf(err, "confirm event %s", id)
	}
	metrics.SyncAttempts.WithLabelValues(string(attendance.OutcomeConfirmed)).Inc()
	logging.Info(ctx, "event confirmed", slog.String("remote_id", remoteID))
	return resultConfirmed, nil
}

// push obtains a remote id for evt and commits it remotely. Validation is
// called only when neither the local row nor the remote store already knows
// the event.
func (r *Reconciler) push(ctx context.Context, evt attendance.Event) (string, error) {
	payload := evt.Payload()
	remoteID := evt.RemoteID

	if remoteID == "" {
		found, ok, err := r.lookup(ctx, evt.ID)
		if err != nil {
			return "", err
		}
		if ok {
			logging.Info(ctx, "event already committed remotely", slog.String("remote_id", found))
			return found, nil
		}

		remoteID, err = r.validate(ctx, payload)
		if err != nil {
			return "", err
		}
		if err := r.events.AttachRemoteID(ctx, evt.ID, remoteID); err != nil {
			return "", errs.Wrap(err, "attach remote id")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	stored, err := r.remote.CommitEvent(callCtx, payload, remoteID)
	if err != nil {
		return "", err
	}
	return stored, nil
}

func (r *Reconciler) lookup(ctx context.Context, id string) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.remote.LookupEvent(callCtx, id)
}

func (r *Reconciler) validate(ctx context.Context, p attendance.Payload) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.validator.Validate(callCtx, p)
}

// fail applies the retry policy to a submitted event after err.
func (r *Reconciler) fail(ctx context.Context, evt attendance.Event, cause error) (result, error) {
	detail := cause.Error()

	if attendance.IsStorage(cause) {
		// Leave the event submitted; startup recovery resolves it.
		logging.Error(ctx, "sync aborted by storage error", slog.Any("err", errs.Loggable(cause)))
		return resultSkipped, cause
	}

	if !attendance.IsTransient(cause) && !errors.Is(cause, context.Canceled) {
		_, err := r.events.UpdateStatus(ctx, evt.ID, attendance.StatusFailed, store.StatusUpdate{
			Error:   detail,
			Attempt: &attendance.SyncLogEntry{Outcome: attendance.OutcomeRejected, ErrorMessage: detail},
		})
		if err != nil {
			return r.updateFailed(ctx, evt.ID, err)
		}
		metrics.SyncAttempts.WithLabelValues(string(attendance.OutcomeRejected)).Inc()
		logging.Error(ctx, "event rejected", slog.Any("err", errs.Loggable(cause)))
		return resultFailed, nil
	}

	retry := evt.RetryCount + 1
	if retry >= r.cfg.MaxRetries {
		_, err := r.events.UpdateStatus(ctx, evt.ID, attendance.StatusFailed, store.StatusUpdate{
			Error:          detail,
			IncrementRetry: true,
			Attempt:        &attendance.SyncLogEntry{Outcome: attendance.OutcomeFailed, ErrorMessage: detail},
		})
		if err != nil {
			return r.updateFailed(ctx, evt.ID, err)
		}
		metrics.SyncAttempts.WithLabelValues(string(attendance.OutcomeFailed)).Inc()
		logging.Error(ctx, "event failed after retries",
			slog.Int("retry_count", retry), slog.Any("err", errs.Loggable(cause)))
		return resultFailed, nil
	}

	delay := r.Backoff(retry)
	_, err := r.events.UpdateStatus(ctx, evt.ID, attendance.StatusPending, store.StatusUpdate{
		Error:          detail,
		IncrementRetry: true,
		NextAttemptAt:  r.now().UTC().Add(delay),
		Attempt:        &attendance.SyncLogEntry{Outcome: attendance.OutcomeRetry, ErrorMessage: detail},
	})
	if err != nil {
		return r.updateFailed(ctx, evt.ID, err)
	}
	metrics.SyncAttempts.WithLabelValues(string(attendance.OutcomeRetry)).Inc()
	logging.Warn(ctx, "transient sync failure, will retry",
		slog.Int("retry_count", retry),
		slog.Duration("backoff", delay),
		slog.Any("err", errs.Loggable(cause)),
	)
	return resultRetried, nil
}

func (r *Reconciler) updateFailed(ctx context.Context, id string, err error) (result, error) {
	logging.Error(ctx, "record sync outcome failed", slog.Any("err", errs.Loggable(err)))
	return resultSkipped, fmt.Errorf("record outcome for %s: %w", id, err)
}

func (r *Reconciler) touchDevice(ctx context.Context) {
	if r.cfg.DeviceID == "" {
		return
	}
	d := attendance.Device{ID: r.cfg.DeviceID, LastSeenAt: r.now().UTC()}
	if err := r.events.TouchDevice(ctx, d); err != nil {
		logging.Error(ctx, "local device touch failed", slog.Any("err", errs.Loggable(err)))
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	if err := r.remote.TouchDevice(callCtx, d); err != nil {
		logging.Warn(ctx, "remote device touch failed", slog.Any("err", errs.Loggable(err)))
	}
}
