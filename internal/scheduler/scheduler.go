// Package scheduler is the deferred-execution contract for abandonment
// evaluations: run a job at or after a given instant, identified by a key.
// Scheduling with a key that already has a pending entry replaces it, so
// the last webhook for a session wins the schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JobKey builds the deterministic job key for a cart's abandonment
// evaluation; re-scheduling with the same key replaces, never duplicates.
func JobKey(cartUUID string) string {
	return fmt.Sprintf("abandonment-task-%s", cartUUID)
}

// Handler processes a fired job. The payload is the cart UUID.
type Handler func(ctx context.Context, payload string)

// Scheduler schedules deferred jobs keyed for replacement.
type Scheduler interface {
	Schedule(jobKey string, runAt time.Time, payload string)
}

// MemoryScheduler fires jobs from in-process timers. It stands in for the
// platform's deferred-execution service; the at-most-once firing per key
// comes from timer replacement, while the evaluation pipeline itself stays
// idempotent against duplicate fires.
type MemoryScheduler struct {
	mu      sync.Mutex
	handler Handler
	pending map[string]*time.Timer
	stopped bool
}

// NewMemoryScheduler creates a scheduler delivering fired jobs to handler
// on their own goroutines.
func NewMemoryScheduler(handler Handler) *MemoryScheduler {
	return &MemoryScheduler{
		handler: handler,
		pending: make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the job identified by jobKey to fire at
// runAt. An instant in the past fires immediately.
func (s *MemoryScheduler) Schedule(jobKey string, runAt time.Time, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if timer, exists := s.pending[jobKey]; exists {
		timer.Stop()
	}

	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}

	s.pending[jobKey] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, jobKey)
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return
		}
		s.handler(context.Background(), payload)
	})
}

// PendingCount returns the number of armed jobs.
func (s *MemoryScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels all pending timers; jobs already firing still complete.
func (s *MemoryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, timer := range s.pending {
		timer.Stop()
		delete(s.pending, key)
	}
}
