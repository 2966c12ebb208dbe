// Package resilience holds the engine's concurrency-control primitives.
package resilience

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore bounding concurrent fetches.
// The scheduler relies on TryAcquire to skip a tick instead of queueing
// behind a full pool, so this is not a plain buffered channel.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity (minimum 1).
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// TryAcquire takes a permit without blocking; it reports whether one was
// available.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.TryAcquire() {
		return nil
	}

	s.mu.Lock()
	waiter := make(chan struct{})
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == waiter {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Permit was handed to us concurrently with cancellation.
		s.release()
		return ctx.Err()
	}
}

// Release returns a permit, waking one waiter if present.
func (s *Semaphore) Release() { s.release() }

func (s *Semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current <= 0 {
		return
	}
	if len(s.waiters) > 0 {
		waiter := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(waiter) // permit transfers to the waiter
		return
	}
	s.current--
}

// InUse returns the number of held permits.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Capacity returns the configured permit count.
func (s *Semaphore) Capacity() int { return s.capacity }
