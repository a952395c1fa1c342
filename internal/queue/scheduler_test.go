package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLimit int

func (f fixedLimit) MaxConcurrent() int { return int(f) }

type liveLimit struct{ v atomic.Int64 }

func (l *liveLimit) MaxConcurrent() int { return int(l.v.Load()) }

// collector records admissions and lets the test hold slots open.
type collector struct {
	mu      sync.Mutex
	started []string
}

func (c *collector) start(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, id)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.started...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScheduler_AdmitsUpToLimit(t *testing.T) {
	c := &collector{}
	s := New(fixedLimit(2), c.start)

	s.Enqueue("a")
	s.Enqueue("b")
	s.Enqueue("c")

	waitFor(t, func() bool { return len(c.all()) == 2 })
	assert.Equal(t, []string{"a", "b"}, c.all())
	assert.Equal(t, 2, s.ActiveCount())
	assert.Equal(t, 1, s.PendingCount())
}

func TestScheduler_ReleaseAdmitsNextInOrder(t *testing.T) {
	c := &collector{}
	s := New(fixedLimit(1), c.start)

	s.Enqueue("a")
	s.Enqueue("b")
	s.Enqueue("c")
	waitFor(t, func() bool { return len(c.all()) == 1 })

	s.Release("a")
	waitFor(t, func() bool { return len(c.all()) == 2 })
	assert.Equal(t, []string{"a", "b"}, c.all())

	s.Release("b")
	waitFor(t, func() bool { return len(c.all()) == 3 })
	assert.Equal(t, []string{"a", "b", "c"}, c.all())
}

func TestScheduler_NeverExceedsLimit(t *testing.T) {
	c := &collector{}
	s := New(fixedLimit(3), c.start)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		s.Enqueue(id)
	}
	waitFor(t, func() bool { return len(c.all()) == 3 })

	// Churn: release one, cancel one pending, enqueue more.
	s.Release("a")
	s.Remove("e")
	s.Enqueue("g")

	waitFor(t, func() bool { return s.PendingCount() == 1 })
	assert.LessOrEqual(t, s.ActiveCount(), 3)
}

func TestScheduler_RemovePendingJob(t *testing.T) {
	c := &collector{}
	s := New(fixedLimit(1), c.start)

	s.Enqueue("a")
	s.Enqueue("b")
	waitFor(t, func() bool { return len(c.all()) == 1 })

	s.Remove("b")
	assert.Equal(t, 0, s.PendingCount())

	s.Release("a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a"}, c.all(), "removed job must never start")
}

func TestScheduler_DuplicateEnqueueIgnored(t *testing.T) {
	c := &collector{}
	s := New(fixedLimit(1), c.start)

	s.Enqueue("a")
	s.Enqueue("a")
	waitFor(t, func() bool { return len(c.all()) == 1 })

	s.Enqueue("a")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"a"}, c.all())
}

func TestScheduler_LiveLimitChangeTakesEffectOnKick(t *testing.T) {
	limit := &liveLimit{}
	limit.v.Store(1)

	c := &collector{}
	s := New(limit, c.start)

	s.Enqueue("a")
	s.Enqueue("b")
	s.Enqueue("c")
	waitFor(t, func() bool { return len(c.all()) == 1 })

	limit.v.Store(3)
	s.Kick()

	waitFor(t, func() bool { return len(c.all()) == 3 })
	assert.Equal(t, []string{"a", "b", "c"}, c.all())
}
