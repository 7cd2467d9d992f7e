package game

import (
	"strings"
	"sync"
	"time"
)

// Scheduler runs named one-shot tasks at absolute timestamps. Scheduling a
// name that already exists cancels and replaces the pending timer, so a
// phase re-entered after a resume can never double-fire. Targets in the past
// fire immediately.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	now    func() time.Time
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// At schedules fn to run at the absolute time at.
func (s *Scheduler) At(name string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[name]; ok {
		t.Stop()
	}

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.timers[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, name)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops a pending task. Returns false if no task was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, name)
	return ok
}

// CancelPrefix stops every pending task whose name starts with prefix and
// returns how many were cancelled.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for name, t := range s.timers {
		if strings.HasPrefix(name, prefix) {
			t.Stop()
			delete(s.timers, name)
			n++
		}
	}
	return n
}

// CancelAll stops every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}

// Pending reports the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
