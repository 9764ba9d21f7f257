package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"attendsync/internal/attendance"
)

const eventColumns = `id, class, subject_id, device_id, captured_at, confidence, status,
	remote_id, error_detail, retry_count, next_attempt_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (attendance.Event, error) {
	var evt attendance.Event
	var class, status string
	var captured, next, createdAt, updatedAt int64
	if err := row.Scan(&evt.ID, &class, &evt.SubjectID, &evt.DeviceID, &captured, &evt.Confidence, &status,
		&evt.RemoteID, &evt.ErrorDetail, &evt.RetryCount, &next, &createdAt, &updatedAt); err != nil {
		return attendance.Event{}, err
	}
	evt.Class = attendance.EventClass(class)
	evt.Status = attendance.SyncStatus(status)
	evt.CapturedAt = fromNanos(captured)
	evt.NextAttemptAt = fromNanos(next)
	evt.CreatedAt = fromNanos(createdAt)
	evt.UpdatedAt = fromNanos(updatedAt)
	return evt, nil
}

func isDuplicateKey(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Append durably stores evt and returns its id. An empty id is filled from
// the device counter. Appending an existing id fails with ErrDuplicateKey.
func (l *Local) Append(ctx context.Context, evt attendance.Event) (string, error) {
	var id string
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := l.insertEvent(ctx, tx, evt)
		id = stored.ID
		return err
	})
	if err != nil {
		if errors.Is(err, attendance.ErrDuplicateKey) {
			return "", err
		}
		return "", attendance.Storage("append event", err)
	}
	return id, nil
}

// AppendAdmitted inserts evt only if no non-purged event for the same
// subject and device was captured strictly less than window away from it.
// The check and the insert share one IMMEDIATE transaction.
func (l *Local) AppendAdmitted(ctx context.Context, evt attendance.Event, window time.Duration) (attendance.Event, error) {
	var stored attendance.Event
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		at := toNanos(evt.CapturedAt)
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM attendance_events
			WHERE subject_id = ? AND device_id = ? AND `+predNonPurged+`
			  AND captured_at > ? AND captured_at < ?
			ORDER BY captured_at ASC
			LIMIT 1
		`, evt.SubjectID, evt.DeviceID, at-int64(window), at+int64(window)).Scan(&existing)
		switch {
		case err == nil:
			return &attendance.WindowConflictError{ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("window check: %w", err)
		}

		stored, err = l.insertEvent(ctx, tx, evt)
		return err
	})
	if err != nil {
		if errors.Is(err, attendance.ErrDuplicateWindow) || errors.Is(err, attendance.ErrDuplicateKey) {
			return attendance.Event{}, err
		}
		return attendance.Event{}, attendance.Storage("append admitted event", err)
	}
	return stored, nil
}

func (l *Local) nextCounter(ctx context.Context, tx *sql.Tx, deviceID string) (int64, error) {
	var value int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO device_counters (device_id, value) VALUES (?, 1)
		ON CONFLICT (device_id) DO UPDATE SET value = value + 1
		RETURNING value
	`, deviceID).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next counter: %w", err)
	}
	return value, nil
}

func (l *Local) insertEvent(ctx context.Context, tx *sql.Tx, evt attendance.Event) (attendance.Event, error) {
	if evt.SubjectID == "" || evt.DeviceID == "" {
		return attendance.Event{}, errors.New("subject and device required")
	}
	now := l.clock()
	if evt.CapturedAt.IsZero() {
		evt.CapturedAt = now
	}
	evt.CapturedAt = evt.CapturedAt.UTC()
	if evt.Class == "" {
		evt.Class = attendance.ClassAttendance
	}
	if evt.Status == "" {
		evt.Status = attendance.StatusPending
	}
	if evt.ID == "" {
		counter, err := l.nextCounter(ctx, tx, evt.DeviceID)
		if err != nil {
			return attendance.Event{}, err
		}
		evt.ID = attendance.NewEventID(evt.DeviceID, counter, evt.CapturedAt)
	}
	evt.CreatedAt, evt.UpdatedAt = now, now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, string(evt.Class), evt.SubjectID, evt.DeviceID, toNanos(evt.CapturedAt), evt.Confidence,
		string(evt.Status), evt.RemoteID, evt.ErrorDetail, evt.RetryCount, toNanos(evt.NextAttemptAt),
		toNanos(evt.CreatedAt), toNanos(evt.UpdatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return attendance.Event{}, fmt.Errorf("event %s: %w", evt.ID, attendance.ErrDuplicateKey)
		}
		return attendance.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

// Get returns one event by id.
func (l *Local) Get(ctx context.Context, id string) (attendance.Event, error) {
	evt, err := scanEvent(l.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM attendance_events WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Event{}, fmt.Errorf("event %s: %w", id, attendance.ErrNotFound)
		}
		return attendance.Event{}, attendance.Storage("get event", err)
	}
	return evt, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (attendance.Event, error) {
	evt, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM attendance_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Event{}, fmt.Errorf("event %s: %w", id, attendance.ErrNotFound)
	}
	return evt, err
}

// StatusUpdate carries the optional fields of UpdateStatus.
type StatusUpdate struct {
	// RemoteID is recorded when non-empty.
	RemoteID string
	// Error replaces the error detail when non-empty. A transition to
	// confirmed always clears it.
	Error string
	// IncrementRetry bumps the retry count by one.
	IncrementRetry bool
	// NextAttemptAt is when a pending event becomes eligible again.
	NextAttemptAt time.Time
	// Attempt, when set, is appended to the audit trail in the same
	// transaction. ID, EventID, AttemptedAt and RetryCount are filled in.
	Attempt *attendance.SyncLogEntry
}

// UpdateStatus moves event id to status to. It fails with ErrNotFound when
// the event is absent and with ErrInvalidTransition when to is not reachable
// from the current status.
func (l *Local) UpdateStatus(ctx context.Context, id string, to attendance.SyncStatus, u StatusUpdate) (attendance.Event, error) {
	var updated attendance.Event
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := attendance.CheckTransition(id, cur.Status, to); err != nil {
			return err
		}

		now := l.clock()
		cur.Status = to
		cur.UpdatedAt = now
		if u.RemoteID != "" {
			cur.RemoteID = u.RemoteID
		}
		switch {
		case to == attendance.StatusConfirmed:
			cur.ErrorDetail = ""
		case u.Error != "":
			cur.ErrorDetail = u.Error
		}
		if u.IncrementRetry {
			cur.RetryCount++
		}
		cur.NextAttemptAt = u.NextAttemptAt

		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance_events
			SET status = ?, remote_id = ?, error_detail = ?, retry_count = ?, next_attempt_at = ?, updated_at = ?
			WHERE id = ?
		`, string(cur.Status), cur.RemoteID, cur.ErrorDetail, cur.RetryCount, toNanos(cur.NextAttemptAt), toNanos(now), id); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		if u.Attempt != nil {
			entry := *u.Attempt
			entry.EventID = id
			entry.RetryCount = cur.RetryCount
			if entry.AttemptedAt.IsZero() {
				entry.AttemptedAt = now
			}
			if err := appendLog(ctx, tx, entry); err != nil {
				return err
			}
		}
		updated = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) || errors.Is(err, attendance.ErrInvalidTransition) {
			return attendance.Event{}, err
		}
		return attendance.Event{}, attendance.Storage("update status", err)
	}
	return updated, nil
}

// AttachRemoteID records the remote id of a submitted event without changing
// its status, so a retry after a failed remote commit skips validation.
func (l *Local) AttachRemoteID(ctx context.Context, id, remoteID string) error {
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != attendance.StatusSubmitted {
			return fmt.Errorf("attach remote id to %s event %s: %w", cur.Status, id, attendance.ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE attendance_events SET remote_id = ?, updated_at = ? WHERE id = ?`,
			remoteID, toNanos(l.clock()), id)
		return err
	})
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) || errors.Is(err, attendance.ErrInvalidTransition) {
			return err
		}
		return attendance.Storage("attach remote id", err)
	}
	return nil
}

// Requeue is the manual failed -> pending path. The retry count and backoff
// are reset and the action is recorded in the audit trail.
func (l *Local) Requeue(ctx context.Context, id string) (attendance.Event, error) {
	var updated attendance.Event
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != attendance.StatusFailed {
			return &attendance.TransitionError{EventID: id, From: cur.Status, To: attendance.StatusPending}
		}

		now := l.clock()
		lastErr := cur.ErrorDetail
		cur.Status = attendance.StatusPending
		cur.RetryCount = 0
		cur.NextAttemptAt = time.Time{}
		cur.ErrorDetail = ""
		cur.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance_events
			SET status = ?, retry_count = 0, next_attempt_at = 0, error_detail = '', updated_at = ?
			WHERE id = ?
		`, string(cur.Status), toNanos(now), id); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}

		msg := "manual requeue"
		if lastErr != "" {
			msg += "; last error: " + lastErr
		}
		if err := appendLog(ctx, tx, attendance.SyncLogEntry{
			EventID:      id,
			AttemptedAt:  now,
			Outcome:      attendance.OutcomeRequeued,
			ErrorMessage: msg,
		}); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, attendance.ErrNotFound) || errors.Is(err, attendance.ErrInvalidTransition) {
			return attendance.Event{}, err
		}
		return attendance.Event{}, attendance.Storage("requeue", err)
	}
	return updated, nil
}

// ListPending returns up to limit pending events of class whose backoff has
// elapsed, oldest capture first.
func (l *Local) ListPending(ctx context.Context, class attendance.EventClass, limit int) ([]attendance.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	events, err := l.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM attendance_events
		WHERE class = ? AND `+predDue+`
		ORDER BY captured_at ASC, id ASC
		LIMIT ?
	`, string(class), toNanos(l.clock()), limit)
	if err != nil {
		return nil, attendance.Storage("list pending", err)
	}
	return events, nil
}

// ListByStatus returns every event currently in status, oldest capture first.
func (l *Local) ListByStatus(ctx context.Context, status attendance.SyncStatus) ([]attendance.Event, error) {
	events, err := l.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM attendance_events
		WHERE status = ?
		ORDER BY captured_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, attendance.Storage("list by status", err)
	}
	return events, nil
}

// EventFilter narrows ListEvents. Zero fields do not filter.
type EventFilter struct {
	Status    attendance.SyncStatus
	SubjectID string
	DeviceID  string
	Limit     int
	Offset    int
}

// ListEvents returns events matching f, newest capture first.
func (l *Local) ListEvents(ctx context.Context, f EventFilter) ([]attendance.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT ` + eventColumns + ` FROM attendance_events`
	args := []any{}
	clauses := []string{}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY captured_at DESC, id DESC LIMIT " + strconv.Itoa(f.Limit) + " OFFSET " + strconv.Itoa(f.Offset)

	events, err := l.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, attendance.Storage("list events", err)
	}
	return events, nil
}

// CountByStatus returns the number of events in each status.
func (l *Local) CountByStatus(ctx context.Context) (map[attendance.SyncStatus]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM attendance_events GROUP BY status`)
	if err != nil {
		return nil, attendance.Storage("count by status", err)
	}
	defer rows.Close()

	counts := make(map[attendance.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, attendance.Storage("count by status", err)
		}
		counts[attendance.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, attendance.Storage("count by status", err)
	}
	return counts, nil
}

// InFlightForInactiveSubjects returns pending or submitted events whose
// subject is unknown locally or has been deactivated.
func (l *Local) InFlightForInactiveSubjects(ctx context.Context) ([]attendance.Event, error) {
	events, err := l.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM attendance_events
		WHERE `+predInFlight+`
		  AND subject_id NOT IN (SELECT id FROM subjects WHERE `+predActiveSubject+`)
		ORDER BY captured_at ASC, id ASC
	`)
	if err != nil {
		return nil, attendance.Storage("list orphaned in-flight events", err)
	}
	return events, nil
}

func (l *Local) queryEvents(ctx context.Context, query string, args ...any) ([]attendance.Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []attendance.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func appendLog(ctx context.Context, tx *sql.Tx, entry attendance.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_log (id, event_id, attempted_at, outcome, error_message, retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.EventID, toNanos(entry.AttemptedAt), string(entry.Outcome), entry.ErrorMessage, entry.RetryCount)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// AppendLog writes one audit row outside of a status change.
func (l *Local) AppendLog(ctx context.Context, entry attendance.SyncLogEntry) error {
	if entry.AttemptedAt.IsZero() {
		entry.AttemptedAt = l.clock()
	}
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		return appendLog(ctx, tx, entry)
	})
	return attendance.Storage("append sync log", err)
}

// SyncLog returns the audit trail of one event, oldest first.
func (l *Local) SyncLog(ctx context.Context, eventID string) ([]attendance.SyncLogEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_id, attempted_at, outcome, error_message, retry_count
		FROM sync_log WHERE event_id = ?
		ORDER BY attempted_at ASC, rowid ASC
	`, eventID)
	if err != nil {
		return nil, attendance.Storage("read sync log", err)
	}
	defer rows.Close()

	var entries []attendance.SyncLogEntry
	for rows.Next() {
		var e attendance.SyncLogEntry
		var at int64
		var outcome string
		if err := rows.Scan(&e.ID, &e.EventID, &at, &outcome, &e.ErrorMessage, &e.RetryCount); err != nil {
			return nil, attendance.Storage("read sync log", err)
		}
		e.AttemptedAt = fromNanos(at)
		e.Outcome = attendance.AttemptOutcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, attendance.Storage("read sync log", err)
	}
	return entries, nil
}
