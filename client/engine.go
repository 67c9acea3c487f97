// Package client implements the session state machine, outbound message
// batcher, and inbound dispatch of the Ticl invalidation protocol client.
//
// Engine is the single type applications construct. It owns every other
// in-scope component (Smearer, Throttler, OperationScheduler,
// persistence.Codec, validate.Validator, registration.Manager) and drives
// them from one serialized task queue, matching the single-threaded
// cooperative model: no two engine-internal callbacks ever run
// concurrently, and each runs to completion before the next begins.
//
// The cross-thread API — Start, Stop, Register, Unregister, Receive, and
// NetworkStatus — may be called from any goroutine; each posts to the
// engine's task queue. All but Stop return immediately; Stop waits a
// bounded time for the engine to wind down.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/trace"

	"go.ticl.dev/core/listener"
	"go.ticl.dev/core/persistence"
	"go.ticl.dev/core/registration"
	"go.ticl.dev/core/schedule"
	"go.ticl.dev/core/smear"
	"go.ticl.dev/core/sysres"
	"go.ticl.dev/core/throttle"
	"go.ticl.dev/core/ticlpb"
	"go.ticl.dev/core/validate"
)

const (
	opBatcher    = "batcher"
	opHeartbeat  = "heartbeat"
	opPoll       = "poll"
	opInitialize = "initialize"
)

// sessionState is the client's session state: exactly one of Unassigned,
// AwaitingToken(nonce), Running(token), RunningStale.
type sessionState int

const (
	stateUnassigned sessionState = iota
	stateAwaitingToken
	stateRunning
	stateRunningStale
)

func (s sessionState) String() string {
	switch s {
	case stateUnassigned:
		return "Unassigned"
	case stateAwaitingToken:
		return "AwaitingToken"
	case stateRunning:
		return "Running"
	case stateRunningStale:
		return "RunningStale"
	default:
		return "?"
	}
}

// Engine is the top-level Ticl client. See package doc.
type Engine struct {
	opts     Options
	res      sysres.Resources
	codec    Codec
	listener listener.Listener

	smearer    *smear.Smearer
	throttler  *throttle.Throttler
	scheduler  *schedule.OperationScheduler
	persist    *persistence.Codec
	validator  *validate.Validator
	reg        *registration.Manager
	digestFunc ticlpb.DigestFunc

	// --- fields below are touched only from the single logical thread ---

	state         sessionState
	nonce         ticlpb.Nonce
	token         ticlpb.ClientToken
	lastMessageId int64
	// msgIdCeiling is the highest message id persistence has durably
	// recorded as "may already be in use" — buildHeader persists a fresh
	// ceiling, reserving a block ahead of the id it is about to assign,
	// whenever it would otherwise cross this line. This keeps message_id
	// strictly increasing across a crash/restart without a persistence
	// write on every single send.
	msgIdCeiling  int64
	maxServerTime int64

	pendingAcks map[ticlpb.InvalidationKey]ticlpb.Invalidation
	ackHandled  map[uint64]bool
	nextAckID   uint64

	heartbeatDue    bool
	pollDue         bool
	initializeNeed  bool
	infoRequested   []string
	initializeTries int

	networkUp bool

	stats Stats

	tr trace.EventLog

	// --- lifecycle plumbing ---

	taskCh      chan func()
	stopCh      chan struct{}
	stopped     atomic.Bool
	writeInFlt  sync.WaitGroup
}

// New constructs an Engine. opts, res, codec and appListener must all be
// non-nil (appListener may be a no-op implementation in tests).
func New(opts Options, res sysres.Resources, codec Codec, appListener listener.Listener, digestFunc ticlpb.DigestFunc) *Engine {
	var e = &Engine{
		opts:        opts,
		res:         res,
		codec:       codec,
		listener:    appListener,
		smearer:     smear.New(opts.SmearPercent, opts.RandSeed),
		persist:     persistence.NewCodec(digestFunc),
		validator:   validate.New(res.Log),
		reg:         registration.New(digestFunc),
		digestFunc:  digestFunc,
		state:       stateUnassigned,
		pendingAcks: make(map[ticlpb.InvalidationKey]ticlpb.Invalidation),
		ackHandled:  make(map[uint64]bool),
		networkUp:   true,
		taskCh:      make(chan func(), 256),
		stopCh:      make(chan struct{}),
	}

	var rules = make([]throttle.Rule, len(opts.ThrottleRules))
	for i, r := range opts.ThrottleRules {
		rules[i] = throttle.Rule{Window: r.Window, Max: r.MaxCount}
	}
	e.throttler = throttle.New(rules)
	e.scheduler = schedule.New(res.Scheduler, e.smearer)

	e.scheduler.Register(opBatcher, opts.BatchingDelay, func() { e.post(e.fireBatcher) })
	e.scheduler.Register(opHeartbeat, opts.HeartbeatInterval, func() { e.post(e.fireHeartbeat) })
	e.scheduler.Register(opPoll, opts.PollInterval, func() { e.post(e.firePoll) })
	e.scheduler.Register(opInitialize, opts.InitializeTimeout, func() { e.post(e.fireInitializeBackoff) })

	res.Transport.SetReceiveCallback(func(b []byte) { e.Receive(b) })
	res.Transport.SetStatusCallback(func(up bool) { e.NetworkStatus(up) })

	return e
}

// post submits fn to the engine's single logical thread. Safe to call
// from any goroutine; a no-op once the engine has stopped.
func (e *Engine) post(fn func()) {
	if e.stopped.Load() {
		return
	}
	select {
	case e.taskCh <- fn:
	case <-e.stopCh:
	}
}

// Start begins the engine's run loop and kicks off session establishment.
func (e *Engine) Start() {
	go e.run()
	e.post(e.onStart)
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.taskCh:
			fn()
		case <-e.stopCh:
			return
		}
	}
}

// Stop cancels all pending timers and halts the engine. In-flight
// handlers run to completion, but no task they reschedule will run.
// Stop blocks briefly (bounded by Options.StopDrainTimeout) for any
// in-flight persistence write to complete.
func (e *Engine) Stop() {
	var done = make(chan struct{})
	e.post(func() {
		e.scheduler.Stop()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(e.opts.StopDrainTimeout):
	}

	var drained = make(chan struct{})
	go func() { e.writeInFlt.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(e.opts.StopDrainTimeout):
		if e.res.Log != nil {
			e.res.Log.Warn("ticl: stopping with a persistence write still in flight")
		}
	}

	e.stopped.Store(true)
	close(e.stopCh)
}

// Register expresses application interest in id. Safe to call from any
// goroutine.
func (e *Engine) Register(id ticlpb.ObjectId) {
	e.post(func() { e.enqueueOp(id, ticlpb.Register) })
}

// Unregister withdraws application interest in id. Safe to call from any
// goroutine.
func (e *Engine) Unregister(id ticlpb.ObjectId) {
	e.post(func() { e.enqueueOp(id, ticlpb.Unregister) })
}

func (e *Engine) enqueueOp(id ticlpb.ObjectId, op ticlpb.RegistrationOpType) {
	e.reg.Enqueue(id, op)
	e.scheduleBatcherIfNeeded()
}

// Receive delivers inbound transport bytes to the engine. Safe to call
// from any goroutine — this is the callback a sysres.Transport invokes.
func (e *Engine) Receive(b []byte) {
	e.post(func() { e.handleIncoming(b) })
}

// NetworkStatus reports a transport up/down transition. Safe to call from
// any goroutine.
func (e *Engine) NetworkStatus(up bool) {
	e.post(func() {
		e.networkUp = up
		if up {
			e.scheduleBatcherIfNeeded()
		}
	})
}

// Stats returns a snapshot of the engine's diagnostic counters. Safe to
// call from any goroutine.
func (e *Engine) Stats() Stats {
	var out = make(chan Stats, 1)
	e.post(func() { out <- e.stats })
	select {
	case s := <-out:
		return s
	case <-time.After(e.opts.StopDrainTimeout):
		return Stats{}
	}
}

func (e *Engine) traceCtx() context.Context {
	if e.tr == nil {
		return context.Background()
	}
	return trace.NewContext(context.Background(), e.tr)
}
