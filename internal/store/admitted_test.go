package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
)

func candidate(subject string, at time.Time) attendance.Event {
	return attendance.Event{SubjectID: subject, DeviceID: "dev-1", CapturedAt: at, Confidence: 97}
}

func TestAppendAdmitted_WindowBoundaries(t *testing.T) {
	l, _ := openTestStore(t)
	ctx := context.Background()
	window := 10 * time.Minute

	first, err := l.AppendAdmitted(ctx, candidate("s-1", baseTime), window)
	require.NoError(t, err)

	for _, offset := range []time.Duration{0, time.Minute, window - time.Nanosecond, -time.Minute} {
		_, err := l.AppendAdmitted(ctx, candidate("s-1", baseTime.Add(offset)), window)
		var conflict *attendance.WindowConflictError
		require.True(t, errors.As(err, &conflict), "offset %s", offset)
		assert.Equal(t, first.ID, conflict.ExistingID)
	}

	// Exactly one window apart is far enough, in either direction.
	_, err = l.AppendAdmitted(ctx, candidate("s-1", baseTime.Add(window)), window)
	require.NoError(t, err)
	_, err = l.AppendAdmitted(ctx, candidate("s-1", baseTime.Add(-window)), window)
	require.NoError(t, err)

	// Another subject on the same device is independent.
	_, err = l.AppendAdmitted(ctx, candidate("s-2", baseTime), window)
	require.NoError(t, err)
}

func TestAppendAdmitted_PurgedEventsDoNotBlock(t *testing.T) {
	l, _ := openTestStore(t)
	ctx := context.Background()
	window := 10 * time.Minute

	first, err := l.AppendAdmitted(ctx, candidate("s-1", baseTime), window)
	require.NoError(t, err)
	for _, to := range []attendance.SyncStatus{attendance.StatusSubmitted, attendance.StatusConfirmed} {
		_, err = l.UpdateStatus(ctx, first.ID, to, StatusUpdate{})
		require.NoError(t, err)
	}

	// Confirmed still counts.
	_, err = l.AppendAdmitted(ctx, candidate("s-1", baseTime.Add(time.Minute)), window)
	assert.True(t, errors.Is(err, attendance.ErrDuplicateWindow))

	n, err := l.MarkPurged(ctx, baseTime.Add(time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = l.AppendAdmitted(ctx, candidate("s-1", baseTime.Add(time.Minute)), window)
	assert.NoError(t, err)
}

func TestGuardOnLocalStore_ConcurrentSingleWinner(t *testing.T) {
	l, _ := openTestStore(t)
	g := attendance.NewGuard(l, attendance.GuardConfig{Threshold: 95, Window: 10 * time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := g.Admit(context.Background(), attendance.Candidate{
				SubjectID:  "s-1",
				DeviceID:   "dev-1",
				CapturedAt: baseTime.Add(time.Duration(i) * time.Second),
				Confidence: 99,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if d.Admitted {
				admitted++
			} else {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 11, rejected)

	events, err := l.ListEvents(context.Background(), EventFilter{SubjectID: "s-1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGuardOnLocalStore_Scenario(t *testing.T) {
	l, _ := openTestStore(t)
	g := attendance.NewGuard(l, attendance.GuardConfig{Threshold: 95, Window: 10 * time.Minute})
	ctx := context.Background()

	d, err := g.Admit(ctx, attendance.Candidate{SubjectID: "s-1", DeviceID: "dev-1", CapturedAt: baseTime, Confidence: 96})
	require.NoError(t, err)
	require.True(t, d.Admitted)

	d, err = g.Admit(ctx, attendance.Candidate{SubjectID: "s-1", DeviceID: "dev-1", CapturedAt: baseTime.Add(30 * time.Second), Confidence: 97})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, attendance.RejectDuplicateWindow, d.Reason)
}
