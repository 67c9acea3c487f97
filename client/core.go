package client

import (
	"crypto/rand"

	"golang.org/x/net/trace"

	"go.ticl.dev/core/listener"
	"go.ticl.dev/core/persistence"
	"go.ticl.dev/core/ticlpb"
)

// onStart runs once, on the engine thread, when Start is called. It
// restores session identity from persistence if a validly-MAC'd blob is
// present, otherwise begins in Unassigned.
func (e *Engine) onStart() {
	e.tr = trace.NewEventLog("ticl.Engine", "session")

	if blob, err := e.res.Storage.Read(); err != nil {
		if e.res.Log != nil {
			e.res.Log.WithError(err).Warn("ticl: persistence read failed; starting Unassigned")
		}
		e.toUnassigned("persistence read error")
	} else if blob == nil {
		e.toUnassigned("no persisted state")
	} else if state, ok := e.persist.Read(blob); !ok {
		if e.res.Log != nil {
			e.res.Log.Warn("ticl: persisted blob failed MAC verification; starting Unassigned")
		}
		e.toUnassigned("MAC mismatch")
	} else {
		e.restoreFrom(state)
	}
}

// restoreFrom adopts a successfully-verified persisted State: the client
// resumes as Running(token) without a fresh Initialize round-trip, rather
// than forcing every restart through a full handshake.
func (e *Engine) restoreFrom(state persistence.State) {
	e.lastMessageId = state.LastMessageId
	e.msgIdCeiling = state.LastMessageId
	e.token = state.ClientToken
	e.state = stateRunning
	e.reg.ResetConfirmedSummary()
	addTrace(e.traceCtx(), "restored session from persistence, token=%x", []byte(e.token))
	e.scheduleBatcherIfNeeded()
	e.armHeartbeatAndPoll()
}

// toUnassigned transitions into Unassigned and immediately begins
// establishing a fresh session by generating a nonce and requesting an
// Initialize send.
func (e *Engine) toUnassigned(reason string) {
	e.state = stateUnassigned
	addTrace(e.traceCtx(), "entering Unassigned: %s", reason)
	e.beginInitialize()
}

// beginInitialize generates a fresh nonce, transitions to
// AwaitingToken(nonce), and schedules the batcher to emit an Initialize.
func (e *Engine) beginInitialize() {
	e.nonce = freshNonce()
	e.state = stateAwaitingToken
	e.initializeNeed = true
	addTrace(e.traceCtx(), "beginning Initialize, nonce=%x", []byte(e.nonce))
	e.scheduleBatcherIfNeeded()
	e.scheduler.Schedule(opInitialize) // arms the resend-if-no-response timer
}

func freshNonce() ticlpb.Nonce {
	var b = make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}

// fireInitializeBackoff resends Initialize if the prior one has gone
// unanswered. The resend schedule uses Smearer.Smear over an
// exponentially growing (capped) base so a fleet does not retry in
// lockstep.
func (e *Engine) fireInitializeBackoff() {
	if e.state != stateAwaitingToken {
		return // a response already arrived; nothing to resend
	}
	e.initializeTries++
	e.nonce = freshNonce()
	e.initializeNeed = true
	e.stats.Reinitializations++
	addTrace(e.traceCtx(), "Initialize timed out, resending with nonce=%x (try %d)", []byte(e.nonce), e.initializeTries)
	e.scheduleBatcherIfNeeded()

	var backoff = e.opts.InitializeTimeout << uint(e.initializeTries)
	if backoff > e.opts.InitializeBackoffCap || backoff <= 0 {
		backoff = e.opts.InitializeBackoffCap
	}
	e.scheduler.SetPeriod(opInitialize, backoff)
	_ = e.scheduler.Schedule(opInitialize)
}

// fireHeartbeat marks a heartbeat as due and schedules the batcher; the
// actual send (even if it carries nothing but the header) happens when
// the batcher fires.
func (e *Engine) fireHeartbeat() {
	if e.state != stateRunning {
		return
	}
	e.heartbeatDue = true
	e.scheduleBatcherIfNeeded()
	_ = e.scheduler.Schedule(opHeartbeat)
}

// firePoll mirrors fireHeartbeat for the inbound poll cadence.
func (e *Engine) firePoll() {
	if e.state != stateRunning {
		return
	}
	e.pollDue = true
	e.scheduleBatcherIfNeeded()
	_ = e.scheduler.Schedule(opPoll)
}

// armHeartbeatAndPoll arms the first heartbeat/poll fires after a
// successful session establishment, using
// Options.InitialPersistentHeartbeatDelay for the very first heartbeat.
func (e *Engine) armHeartbeatAndPoll() {
	_ = e.scheduler.ScheduleAfter(opHeartbeat, e.smearer.Smear(e.opts.InitialPersistentHeartbeatDelay))
	_ = e.scheduler.Schedule(opPoll)
}

// scheduleBatcherIfNeeded arms the batcher iff there is anything for it
// to send: pending registration ops, pending sync subtrees, a pending
// summary refresh, pending acks, a due heartbeat/poll, or a needed
// Initialize/InfoMessage.
func (e *Engine) scheduleBatcherIfNeeded() {
	if !e.networkUp {
		return // retained; NetworkStatus(true) re-arms on reconnect
	}
	if e.hasOutboundWork() {
		_ = e.scheduler.Schedule(opBatcher)
	}
}

func (e *Engine) hasOutboundWork() bool {
	return e.reg.HasPendingWork() ||
		len(e.pendingAcks) > 0 ||
		e.heartbeatDue ||
		e.pollDue ||
		e.initializeNeed ||
		len(e.infoRequested) > 0
}

// setToken installs newToken as the current client token. Any change of
// the stored token's value (including to empty) calls
// listener.AllRegistrationsLost exactly once and resets confirmedSummary
// to the empty-set digest, before the token change is persisted or any
// further message is sent.
func (e *Engine) setToken(newToken ticlpb.ClientToken) {
	if e.token.Equal(newToken) {
		return
	}
	e.token = newToken
	e.reg.ResetConfirmedSummary()
	e.listener.AllRegistrationsLost()
	e.persistState()
}

// msgIdReserveBlock is how many message ids buildHeader reserves ahead of
// use each time it persists a fresh ceiling, so persistState need not run
// on every single send to keep message_id crash-safe.
const msgIdReserveBlock = 64

// persistState writes the current (msgIdCeiling, token) pair via
// sysres.Storage, fire-and-forget with a logged outcome. msgIdCeiling, not
// lastMessageId, is what's persisted: it is always >= lastMessageId, so a
// restart resumes from a point no send has actually used yet.
func (e *Engine) persistState() {
	var blob = e.persist.Write(persistence.State{LastMessageId: e.msgIdCeiling, ClientToken: e.token})
	e.writeInFlt.Add(1)
	e.res.Storage.Write(blob, func(err error) {
		defer e.writeInFlt.Done()
		if err != nil && e.res.Log != nil {
			e.res.Log.WithError(err).Warn("ticl: persistence write failed; a later write will supersede it")
		}
	})
}

// --- RegistrationManager FailureListener adapter ---

var _ interface {
	RegistrationPermanentlyFailed(ticlpb.ObjectId, string)
	RegistrationTransientlyFailed(ticlpb.ObjectId, string)
	RegistrationConfirmed(ticlpb.ObjectId, ticlpb.RegistrationOpType)
} = (*engineRegListener)(nil)

// engineRegListener adapts Engine+listener.Listener to
// registration.FailureListener without exporting those methods on Engine
// itself.
type engineRegListener struct {
	e *Engine
}

func (r *engineRegListener) RegistrationPermanentlyFailed(id ticlpb.ObjectId, reason string) {
	r.e.listener.InformRegistrationFailure(id, false, reason)
	r.e.listener.InformRegistrationStatus(id, listener.RegistrationUnregistered)
}

func (r *engineRegListener) RegistrationTransientlyFailed(id ticlpb.ObjectId, reason string) {
	r.e.listener.InformRegistrationFailure(id, true, reason)
}

func (r *engineRegListener) RegistrationConfirmed(id ticlpb.ObjectId, op ticlpb.RegistrationOpType) {
	var state = listener.RegistrationRegistered
	if op == ticlpb.Unregister {
		state = listener.RegistrationUnregistered
	}
	r.e.listener.InformRegistrationStatus(id, state)
}

func (e *Engine) regListener() *engineRegListener { return &engineRegListener{e: e} }
