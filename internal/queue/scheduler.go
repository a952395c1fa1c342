// Package queue implements the admission control shared by both download
// adapters: a FIFO queue of pending job ids and an active set bounded by a
// live concurrency limit.
package queue

import (
	"sync"
)

// ConcurrencyProvider supplies the concurrency limit. It is consulted on
// every admission pass, never cached, so a live settings change takes
// effect on the next pass.
type ConcurrencyProvider interface {
	MaxConcurrent() int
}

// StartFunc is invoked (on its own goroutine) for each admitted job id.
type StartFunc func(id string)

// Scheduler admits queued jobs into the active set whenever slots free up.
type Scheduler struct {
	mu       sync.Mutex
	provider ConcurrencyProvider
	start    StartFunc
	pending  []string
	active   map[string]struct{}
}

// New creates a Scheduler delivering admitted ids to start.
func New(provider ConcurrencyProvider, start StartFunc) *Scheduler {
	return &Scheduler{
		provider: provider,
		start:    start,
		active:   make(map[string]struct{}),
	}
}

// Enqueue appends id to the pending queue and runs an admission pass.
// Re-enqueueing an id that is already pending or active is a no-op.
func (s *Scheduler) Enqueue(id string) {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return
	}
	for _, p := range s.pending {
		if p == id {
			s.mu.Unlock()
			return
		}
	}
	s.pending = append(s.pending, id)
	admitted := s.admitLocked()
	s.mu.Unlock()

	s.dispatch(admitted)
}

// Release frees the slot held by id (completion, failure, pause or
// cancellation of an active job) and runs an admission pass.
func (s *Scheduler) Release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	admitted := s.admitLocked()
	s.mu.Unlock()

	s.dispatch(admitted)
}

// Remove drops id from the queue entirely, wherever it is, and runs an
// admission pass in case a slot freed up.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.active, id)
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	admitted := s.admitLocked()
	s.mu.Unlock()

	s.dispatch(admitted)
}

// ActiveCount returns the number of jobs currently holding a slot.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// PendingCount returns the number of queued jobs.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Kick runs an admission pass. Called after a live concurrency increase.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	admitted := s.admitLocked()
	s.mu.Unlock()

	s.dispatch(admitted)
}

// admitLocked moves as many pending ids into the active set as the live
// limit allows and returns them in queue order.
func (s *Scheduler) admitLocked() []string {
	limit := s.provider.MaxConcurrent()
	if limit < 1 {
		limit = 1
	}
	available := limit - len(s.active)
	if available <= 0 || len(s.pending) == 0 {
		return nil
	}
	if available > len(s.pending) {
		available = len(s.pending)
	}

	admitted := make([]string, available)
	copy(admitted, s.pending[:available])
	s.pending = append([]string(nil), s.pending[available:]...)
	for _, id := range admitted {
		s.active[id] = struct{}{}
	}
	return admitted
}

func (s *Scheduler) dispatch(ids []string) {
	for _, id := range ids {
		go s.start(id)
	}
}
