// Package scheduler provides a single-slot delayed task.
package scheduler

import (
	"sync"
	"time"
)

// Slot holds at most one pending delayed task. Scheduling replaces any
// pending task; a replaced or cancelled task never runs.
type Slot struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Schedule runs fn after d, cancelling any pending task first. It is a no-op
// after Stop.
func (s *Slot) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked()

	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen || s.stopped {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending task, if any.
func (s *Slot) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Pending reports whether a task is waiting to run.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop cancels the pending task and refuses new ones.
func (s *Slot) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

func (s *Slot) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// A timer that already fired but has not taken the lock sees a new generation.
	s.gen++
}
