package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockingJob(name string, started chan<- struct{}, release <-chan struct{}) Job {
	return Job{
		Name: name,
		Run: func(ctx context.Context) error {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func TestRunCycle_SuppressedWhileRunning(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, s.Add(blockingJob(JobAttendance, started, release)))

	ok, err := s.Trigger(JobAttendance)
	require.NoError(t, err)
	require.True(t, ok)
	<-started

	ran, err := s.RunCycle(context.Background(), JobAttendance)
	require.NoError(t, err)
	assert.False(t, ran, "second cycle must be suppressed")

	ok, err = s.Trigger(JobAttendance)
	require.NoError(t, err)
	assert.False(t, ok)

	close(release)
	require.NoError(t, s.Stop(context.Background()))

	var runs int
	require.NoError(t, s.Add(Job{Name: "after", Run: func(context.Context) error { runs++; return nil }}))
	ran, err = s.RunCycle(context.Background(), "after")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, runs)
}

func TestJobsOfDifferentClassesRunConcurrently(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, s.Add(blockingJob(JobAttendance, started, release)))
	require.NoError(t, s.Add(blockingJob(JobReference, started, release)))

	for _, name := range []string{JobAttendance, JobReference} {
		ok, err := s.Trigger(name)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs did not run concurrently")
		}
	}
	close(release)
	require.NoError(t, s.Stop(context.Background()))
}

func TestRunCycle_Deadline(t *testing.T) {
	s := New(context.Background())
	require.NoError(t, s.Add(Job{
		Name:     JobAttendance,
		Deadline: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	ran, err := s.RunCycle(context.Background(), JobAttendance)
	assert.True(t, ran)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnknownJob(t *testing.T) {
	s := New(context.Background())
	_, err := s.Trigger("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = s.RunCycle(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestAddValidates(t *testing.T) {
	s := New(context.Background())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Name: "x"}))
	assert.Error(t, s.Add(Job{Run: noop}))
	assert.Error(t, s.Add(Job{Name: "bad", Spec: "not a cron spec", Run: noop}))
	require.NoError(t, s.Add(Job{Name: JobCleanup, Spec: "15 2 * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: JobCleanup, Run: noop}))
}

type flakyProber struct {
	mu   sync.Mutex
	down bool
}

func (p *flakyProber) Set(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *flakyProber) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("network unreachable")
	}
	return nil
}

func TestProbe_TriggersOnReconnect(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: JobAttendance, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	prober := &flakyProber{down: true}
	require.NoError(t, s.WithProbe(ProbeConfig{Prober: prober, OnReconnect: []string{JobAttendance}}))
	ctx := context.Background()

	assert.False(t, s.Probe(ctx))
	assert.False(t, s.Online())

	prober.Set(false)
	assert.True(t, s.Probe(ctx))
	assert.True(t, s.Online())
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, s.Probe(ctx), "staying online does not trigger")

	prober.Set(true)
	assert.False(t, s.Probe(ctx))
	prober.Set(false)
	assert.True(t, s.Probe(ctx))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
}

func TestStopCancelsRunningCycles(t *testing.T) {
	s := New(context.Background())
	started := make(chan struct{}, 1)
	require.NoError(t, s.Add(blockingJob(JobReference, started, nil)))

	ok, err := s.Trigger(JobReference)
	require.NoError(t, err)
	require.True(t, ok)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
