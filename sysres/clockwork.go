package sysres

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ClockworkScheduler adapts a clockwork.Clock to the Scheduler interface,
// so production code and tests share the exact same scheduling primitive
// — a real clockwork.Clock in production, a clockwork.NewFakeClock() in
// tests, whose Advance(d) deterministically fires due timers.
type ClockworkScheduler struct {
	Clock clockwork.Clock

	mu sync.Mutex // serializes fired callbacks
}

// NewClockworkScheduler returns a Scheduler backed by clock.
func NewClockworkScheduler(clock clockwork.Clock) *ClockworkScheduler {
	return &ClockworkScheduler{Clock: clock}
}

// AfterFunc implements Scheduler.
func (s *ClockworkScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	var timer = s.Clock.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	})
	return func() { timer.Stop() }
}

// ClockworkClockAdapter adapts a clockwork.Clock to the Clock interface.
type ClockworkClockAdapter struct {
	Clock clockwork.Clock
}

// Now implements Clock.
func (c ClockworkClockAdapter) Now() time.Time { return c.Clock.Now() }
