package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClock is a settable time source shared with the store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

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

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Local, *testClock) {
	t.Helper()
	clock := newTestClock(baseTime)
	l, err := OpenLocal(filepath.Join(t.TempDir(), "attendsync.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, clock
}
