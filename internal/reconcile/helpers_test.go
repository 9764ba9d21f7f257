package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendsync/internal/attendance"
	"attendsync/internal/store"
)

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) (*store.Local, *testClock) {
	t.Helper()
	clock := &testClock{now: baseTime}
	l, err := store.OpenLocal(filepath.Join(t.TempDir(), "attendsync.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, clock
}

func seedEvent(t *testing.T, l *store.Local, subject string, at time.Time) string {
	t.Helper()
	id, err := l.Append(context.Background(), attendance.Event{
		SubjectID:  subject,
		DeviceID:   "dev-1",
		CapturedAt: at,
		Confidence: 97,
	})
	require.NoError(t, err)
	return id
}

// fakeValidator answers with the scripted results in order and repeats the
// last one when the script runs out.
type fakeValidator struct {
	mu     sync.Mutex
	script []func(attendance.Payload) (string, error)
	calls  int
	onCall func()
}

func (v *fakeValidator) Validate(_ context.Context, p attendance.Payload) (string, error) {
	v.mu.Lock()
	n := v.calls
	v.calls++
	hook := v.onCall
	step := v.script[min(n, len(v.script)-1)]
	v.mu.Unlock()
	if hook != nil {
		hook()
	}
	return step(p)
}

func (v *fakeValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func accept(remoteID string) func(attendance.Payload) (string, error) {
	return func(attendance.Payload) (string, error) { return remoteID, nil }
}

func acceptByEvent(p attendance.Payload) (string, error) { return "R-" + p.EventID, nil }

func timeout(attendance.Payload) (string, error) {
	return "", attendance.Transient("validation timed out", context.DeadlineExceeded)
}

func reject(reason string) func(attendance.Payload) (string, error) {
	return func(attendance.Payload) (string, error) { return "", attendance.Rejected(reason) }
}

// fakeRemote is an in-memory system of record keyed by event id.
type fakeRemote struct {
	mu         sync.Mutex
	records    map[string]string
	commitErrs []error
	commits    int
	lookups    int
	touched    int
	touchErr   error
}

func newFakeRemote() *fakeRemote { return &fakeRemote{records: map[string]string{}} }

func (r *fakeRemote) LookupEvent(_ context.Context, id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	remoteID, ok := r.records[id]
	return remoteID, ok, nil
}

func (r *fakeRemote) CommitEvent(_ context.Context, p attendance.Payload, remoteID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
	if len(r.commitErrs) > 0 {
		err := r.commitErrs[0]
		r.commitErrs = r.commitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if existing, ok := r.records[p.EventID]; ok {
		return existing, nil
	}
	r.records[p.EventID] = remoteID
	return remoteID, nil
}

func (r *fakeRemote) TouchDevice(context.Context, attendance.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched++
	return r.touchErr
}

func (r *fakeRemote) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

var errRemoteDown = attendance.Transient("remote store commit event", errors.New("connection reset"))

func testConfig() Config {
	return Config{
		DeviceID:    "dev-1",
		MaxRetries:  3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  5 * time.Minute,
		CallTimeout: time.Second,
	}
}
