package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
	"attendsync/internal/store"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type seeded struct {
	pending, submitted, confirmed, failed, fresh string
}

func seed(t *testing.T) (*store.Local, seeded) {
	t.Helper()
	ctx := context.Background()
	l, err := store.OpenLocal(filepath.Join(t.TempDir(), "attendsync.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	old := now.Add(-60 * 24 * time.Hour)
	add := func(subject string, at time.Time, path ...attendance.SyncStatus) string {
		id, err := l.Append(ctx, attendance.Event{SubjectID: subject, DeviceID: "dev-1", CapturedAt: at, Confidence: 97})
		require.NoError(t, err)
		for _, to := range path {
			_, err := l.UpdateStatus(ctx, id, to, store.StatusUpdate{
				Attempt: &attendance.SyncLogEntry{Outcome: attendance.OutcomeRetry, AttemptedAt: at},
			})
			require.NoError(t, err)
		}
		return id
	}
	return l, seeded{
		pending:   add("a", old),
		submitted: add("b", old, attendance.StatusSubmitted),
		confirmed: add("c", old, attendance.StatusSubmitted, attendance.StatusConfirmed),
		failed:    add("d", old, attendance.StatusSubmitted, attendance.StatusFailed),
		fresh:     add("e", now.Add(-time.Hour), attendance.StatusSubmitted, attendance.StatusConfirmed),
	}
}

func TestSweep_DeleteMode(t *testing.T) {
	ctx := context.Background()
	l, ids := seed(t)

	report, err := NewSweeper(l, ModeDelete).WithClock(clock).Sweep(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Marked)
	assert.Equal(t, int64(2), report.Deleted)
	assert.Equal(t, int64(4), report.LogsDeleted)

	for _, id := range []string{ids.confirmed, ids.failed} {
		_, err := l.Get(ctx, id)
		assert.ErrorIs(t, err, attendance.ErrNotFound)
	}
	for id, want := range map[string]attendance.SyncStatus{
		ids.pending:   attendance.StatusPending,
		ids.submitted: attendance.StatusSubmitted,
		ids.fresh:     attendance.StatusConfirmed,
	} {
		evt, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Status)
	}

	entries, err := l.SyncLog(ctx, ids.submitted)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "audit rows of live events are kept")
}

func TestSweep_SoftMode(t *testing.T) {
	ctx := context.Background()
	l, ids := seed(t)

	report, err := NewSweeper(l, ModeSoft).WithClock(clock).Sweep(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Marked)
	assert.Zero(t, report.Deleted)

	for _, id := range []string{ids.confirmed, ids.failed} {
		evt, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attendance.StatusPurged, evt.Status)
	}
	entries, err := l.SyncLog(ctx, ids.confirmed)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSweep_NeverTouchesInFlight(t *testing.T) {
	ctx := context.Background()
	l, ids := seed(t)

	_, err := NewSweeper(l, ModeDelete).WithClock(clock).Sweep(ctx, time.Nanosecond)
	require.NoError(t, err)
	for id, want := range map[string]attendance.SyncStatus{
		ids.pending:   attendance.StatusPending,
		ids.submitted: attendance.StatusSubmitted,
	} {
		evt, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Status)
	}
	_, err = l.Get(ctx, ids.fresh)
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestSweep_RejectsNonPositiveHorizon(t *testing.T) {
	l, _ := seed(t)
	_, err := NewSweeper(l, ModeDelete).Sweep(context.Background(), 0)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("soft")
	require.NoError(t, err)
	assert.Equal(t, ModeSoft, m)
	_, err = ParseMode("shred")
	assert.Error(t, err)
}
