package store

import (
	"context"
	"time"

	"attendsync/internal/attendance"
)

// MarkPurged moves confirmed and failed events captured before cutoff to
// purged. It is the soft-delete half of retention.
func (l *Local) MarkPurged(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE attendance_events
		SET status = ?, updated_at = ?
		WHERE `+predPurgeable+` AND captured_at < ?
	`, string(attendance.StatusPurged), toNanos(l.clock()), toNanos(cutoff))
	if err != nil {
		return 0, attendance.Storage("mark purged", err)
	}
	n, err := res.RowsAffected()
	return n, attendance.Storage("mark purged", err)
}

// PurgeBefore deletes terminal events captured before cutoff. pending and
// submitted events are never removed. Nothing is written to the audit trail.
func (l *Local) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM attendance_events
		WHERE `+predTerminal+` AND captured_at < ?
	`, toNanos(cutoff))
	if err != nil {
		return 0, attendance.Storage("purge events", err)
	}
	n, err := res.RowsAffected()
	return n, attendance.Storage("purge events", err)
}

// DeleteOrphanedLogs removes audit rows older than cutoff whose event no
// longer exists.
func (l *Local) DeleteOrphanedLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM sync_log
		WHERE attempted_at < ?
		  AND NOT EXISTS (SELECT 1 FROM attendance_events e WHERE e.id = sync_log.event_id)
	`, toNanos(cutoff))
	if err != nil {
		return 0, attendance.Storage("delete orphaned sync log", err)
	}
	n, err := res.RowsAffected()
	return n, attendance.Storage("delete orphaned sync log", err)
}
