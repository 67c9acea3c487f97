// Package schedule maps an operation id to a (period, handler) pair, arms smeared
// periodic or one-shot fires against an injected sysres.Scheduler, and
// coalesces duplicate scheduling requests for the same operation so that
// at most one future fire is ever pending per op id.
package schedule

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.ticl.dev/core/smear"
	"go.ticl.dev/core/sysres"
)

// Handler is invoked when an operation fires. It runs on the underlying
// sysres.Scheduler's single logical thread.
type Handler func()

// OperationScheduler coalesces scheduling requests per operation id and
// smears every delay it arms, so that a fleet of OperationSchedulers does
// not converge on synchronized firing.
//
// OperationScheduler is not itself safe for concurrent use from multiple
// goroutines; like the rest of the client engine it is only ever driven
// from the single logical thread sysres.Scheduler serializes onto. The
// mutex below guards the bookkeeping shared between those calls and fire,
// which the sysres.Scheduler runs on its own timer thread; fire releases
// it before invoking the handler.
type OperationScheduler struct {
	mu        sync.Mutex
	sched     sysres.Scheduler
	smearer   *smear.Smearer
	ops       map[string]*operation
	cancelled bool
}

type operation struct {
	period  time.Duration
	handler Handler
	pending sysres.CancelFunc // non-nil iff a fire is currently armed
}

// New returns an OperationScheduler that arms its timers against sched
// and smears every nominal delay with smearer.
func New(sched sysres.Scheduler, smearer *smear.Smearer) *OperationScheduler {
	return &OperationScheduler{
		sched:   sched,
		smearer: smearer,
		ops:     make(map[string]*operation),
	}
}

// Register associates opID with period and handler. period is the
// *nominal* period used for future recurring Schedule calls made without
// an explicit override; it may be changed later via SetPeriod. Handlers
// registered this way do not themselves recur — each fire must be
// re-armed by calling Schedule again (typically from within handler
// itself, for a periodic operation), matching the "ClientCore decides
// whether to re-arm" pattern needed for heartbeat/poll interval changes
// to take effect only on the *next* fire.
func (s *OperationScheduler) Register(opID string, period time.Duration, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[opID] = &operation{period: period, handler: handler}
}

// SetPeriod updates the nominal period used by future Schedule calls for
// opID. A fire already armed is unaffected; the new period takes effect
// starting with the next Schedule call.
func (s *OperationScheduler) SetPeriod(opID string, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.ops[opID]; ok {
		op.period = period
	}
}

// Schedule ensures exactly one future fire is pending for opID, smeared
// over the operation's registered nominal period. If a fire is already
// pending, this call is coalesced into it and does nothing.
func (s *OperationScheduler) Schedule(opID string) error {
	return s.scheduleAfter(opID, func(op *operation) time.Duration { return s.smearer.Smear(op.period) })
}

// ScheduleAfter is like Schedule, but arms the fire after exactly delay
// (not smeared, not the operation's registered period) — used for
// one-shot fires where the caller has already computed the delay itself,
// such as the first heartbeat after session establishment or a throttled
// batcher's deferred retry.
func (s *OperationScheduler) ScheduleAfter(opID string, delay time.Duration) error {
	return s.scheduleAfter(opID, func(*operation) time.Duration { return delay })
}

func (s *OperationScheduler) scheduleAfter(opID string, delayFor func(*operation) time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return nil // engine stopped; silently drop, matching "stop cancels all timers"
	}
	var op, ok = s.ops[opID]
	if !ok {
		return errors.Errorf("schedule: operation %q was never registered", opID)
	}
	if op.pending != nil {
		return nil // coalesced: a fire is already pending for this op
	}

	var delay = delayFor(op)
	op.pending = s.sched.AfterFunc(delay, func() { s.fire(opID) })
	return nil
}

// fire runs opID's handler and clears its pending marker so a subsequent
// Schedule call may arm a new fire.
func (s *OperationScheduler) fire(opID string) {
	s.mu.Lock()
	var op, ok = s.ops[opID]
	if ok {
		op.pending = nil
	}
	var cancelled = s.cancelled
	s.mu.Unlock()

	if ok && !cancelled {
		op.handler()
	}
}

// Cancel prevents opID's currently pending fire, if any, from running. It
// does not unregister the operation; a later Schedule call may arm a new
// fire for it.
func (s *OperationScheduler) Cancel(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.ops[opID]; ok && op.pending != nil {
		op.pending()
		op.pending = nil
	}
}

// Stop cancels every pending fire across every registered operation and
// marks the scheduler as stopped: subsequent Schedule calls are silent
// no-ops. This is the "engine stop cancels all pending fires" contract of
// engine stop.
func (s *OperationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	for _, op := range s.ops {
		if op.pending != nil {
			op.pending()
			op.pending = nil
		}
	}
}
