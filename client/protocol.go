package client

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.ticl.dev/core/listener"
	"go.ticl.dev/core/ticlpb"
)

// fireBatcher drains every pending unit of outbound work into a single
// ClientToServerEnvelope and sends it, subject to the outbound throttle.
// It is a no-op if nothing is actually pending (eg. the batcher fired
// after its work was already drained by an earlier, coalesced send).
func (e *Engine) fireBatcher() {
	if !e.hasOutboundWork() {
		return
	}

	var decision = e.throttler.TryFire(e.res.Clock.Now())
	if !decision.Allowed {
		e.stats.MessagesThrottled++
		addTrace(e.traceCtx(), "batcher throttled, deferring to %s", decision.DeferUntil)
		_ = e.scheduler.ScheduleAfter(opBatcher, decision.DeferUntil.Sub(e.res.Clock.Now()))
		return
	}

	var env = ClientToServerEnvelope{Header: e.buildHeader()}

	if e.initializeNeed {
		env.Initialize = &ticlpb.InitializeMsg{Nonce: e.nonce}
		e.initializeNeed = false
	}
	if len(e.infoRequested) > 0 {
		env.Info = &ticlpb.InfoMessage{
			Counters:      e.stats.asCounters(),
			ConfigParams:  e.stats.asConfigParams(e.opts),
			PerformedInfo: e.infoRequested,
		}
		e.infoRequested = nil
	}
	if ops := e.reg.DrainPendingOps(); len(ops) > 0 {
		env.Registration = &ticlpb.RegistrationMsg{Ops: ops}
	}
	if subtrees := e.reg.DrainSubtrees(); len(subtrees) > 0 {
		env.RegistrationSync = &ticlpb.RegistrationSyncMsg{Subtrees: subtrees}
	}
	if len(e.pendingAcks) > 0 {
		var acks = make([]ticlpb.Invalidation, 0, len(e.pendingAcks))
		for key, inv := range e.pendingAcks {
			acks = append(acks, inv)
			delete(e.pendingAcks, key)
		}
		env.InvalidationAck = &ticlpb.InvalidationAckMsg{Invalidations: acks}
		e.stats.InvalidationsAcked += int64(len(acks))
	}

	e.heartbeatDue = false
	e.pollDue = false

	e.sendEnvelope(env)
}

// buildHeader constructs the ClientHeader for the next outbound message,
// attaching a freshly-computed registration summary iff the manager has
// flagged one as needed.
func (e *Engine) buildHeader() ticlpb.ClientHeader {
	var h = ticlpb.ClientHeader{
		ProtocolVersion:      ProtocolVersion,
		ClientType:           e.opts.ClientType,
		ClientToken:          e.token,
		ClientTimeMs:         e.res.Clock.Now().UnixMilli(),
		MessageId:            e.lastMessageId + 1,
		MaxKnownServerTimeMs: e.maxServerTime,
	}
	if e.reg.NeedsSummaryRefresh() {
		var summary = e.reg.CurrentSummary()
		h.RegistrationSummary = summary
		e.reg.MarkSummarySent(summary)
	}
	if h.MessageId > e.msgIdCeiling {
		// Reserve and persist a fresh block boundary before this id goes
		// out, so a crash immediately after sending still restores a
		// ceiling strictly above it — message_id never gets reused.
		e.msgIdCeiling = h.MessageId + msgIdReserveBlock
		e.persistState()
	}
	e.lastMessageId = h.MessageId
	return h
}

// sendEnvelope validates env (panicking on an internally-built invariant
// violation), hands it to the codec, and transmits the resulting bytes.
func (e *Engine) sendEnvelope(env ClientToServerEnvelope) {
	e.validator.ValidateOutboundHeader(env.Header, e.state == stateAwaitingToken)
	if env.Initialize != nil {
		e.validator.ValidateOutboundPayload("Initialize", env.Initialize)
	}
	if env.Registration != nil {
		e.validator.ValidateOutboundPayload("Registration", env.Registration)
	}
	if env.InvalidationAck != nil {
		e.validator.ValidateOutboundPayload("InvalidationAck", env.InvalidationAck)
	}

	var b, err = e.codec.Encode(env)
	if err != nil {
		if e.res.Log != nil {
			e.res.Log.WithError(err).Error("ticl: encoding outbound message failed")
		}
		return
	}
	if err := e.res.Transport.Send(b); err != nil {
		if e.res.Log != nil {
			e.res.Log.WithError(err).Warn("ticl: transport send failed")
		}
		return
	}
	e.stats.MessagesSent++
}

// handleIncoming parses, validates, and dispatches one inbound message.
// Any failure at the parse or header-validation stage drops the whole
// message with a counted warning; per-payload validation failures drop
// only that message's effect, not the header-level bookkeeping already
// applied (eg. NextHeartbeatInterval still takes effect).
func (e *Engine) handleIncoming(b []byte) {
	var env, err = e.codec.Decode(b)
	if err != nil || env == nil {
		e.stats.MessagesDropped++
		if e.res.Log != nil {
			e.res.Log.WithError(err).Warn("ticl: dropping unparseable inbound message")
		}
		return
	}

	var allowUnassigned = e.state == stateAwaitingToken || e.state == stateUnassigned
	if err := e.validator.ValidateInboundHeader(env.Header, allowUnassigned); err != nil {
		e.stats.MessagesDropped++
		return
	}

	if e.state == stateRunning || e.state == stateRunningStale {
		if env.TokenControl == nil && !env.Header.ClientToken.Equal(e.token) {
			e.stats.MessagesDropped++
			addTrace(e.traceCtx(), "dropping message carrying stale token")
			return
		}
	}

	if env.Header.ServerTimeMs > e.maxServerTime {
		e.maxServerTime = env.Header.ServerTimeMs
	}
	if env.Header.NextHeartbeatInterval > 0 {
		e.scheduler.SetPeriod(opHeartbeat, time.Duration(env.Header.NextHeartbeatInterval)*time.Millisecond)
	}
	if env.Header.NextPollInterval > 0 {
		e.scheduler.SetPeriod(opPoll, time.Duration(env.Header.NextPollInterval)*time.Millisecond)
	}
	e.reg.CheckSummary(env.Header.RegistrationSummary)

	switch {
	case env.TokenControl != nil:
		e.handleTokenControl(*env.TokenControl)
	case env.Invalidation != nil:
		e.handleInvalidation(*env.Invalidation)
	case env.RegistrationStatus != nil:
		e.handleRegistrationStatus(*env.RegistrationStatus)
	case env.RegistrationSyncRequest != nil:
		if len(e.reg.Desired()) == 0 {
			// Nothing local to sync from: this process never relearned its
			// desired set (eg. a fresh restart that only persisted session
			// identity), so ask the host to rebuild it from scratch instead
			// of answering with an empty subtree.
			e.listener.ReissueRegistrations(nil, 0)
		}
		e.reg.ApplySyncRequest()
		e.scheduleBatcherIfNeeded()
	case env.InfoRequest != nil:
		e.infoRequested = append(e.infoRequested, env.InfoRequest.InfoTypes...)
		e.scheduleBatcherIfNeeded()
	case env.Error != nil:
		e.handleError(*env.Error)
	}

	e.scheduleBatcherIfNeeded()
}

func (e *Engine) handleTokenControl(msg ticlpb.TokenControlMsg) {
	if err := e.validator.ValidateInboundPayload("TokenControl", msg); err != nil {
		return
	}

	switch msg.Status {
	case ticlpb.TokenSuccess:
		if e.state != stateAwaitingToken || !msg.Nonce.Equal(e.nonce) {
			addTrace(e.traceCtx(), "dropping stale TokenControl success")
			return
		}
		e.scheduler.Cancel(opInitialize)
		e.initializeTries = 0
		e.setToken(msg.NewToken)
		e.state = stateRunning
		e.armHeartbeatAndPoll()
		addTrace(e.traceCtx(), "session established, token=%x", []byte(e.token))
		e.listener.Ready()

	case ticlpb.TokenAuthFailure:
		addTrace(e.traceCtx(), "token auth failure; re-initializing")
		e.setToken(nil)
		e.listener.InvalidateAll(noopAck)
		e.toUnassigned("auth failure")

	case ticlpb.TokenUnknownClient:
		addTrace(e.traceCtx(), "server forgot session; re-initializing")
		e.setToken(nil)
		e.listener.InvalidateAll(noopAck)
		// The server has no record of this client's registrations either;
		// the host's desired set is the only surviving copy, so ask it to
		// re-register everything, matching the RegistrationSyncRequest path.
		e.listener.ReissueRegistrations(nil, 0)
		e.toUnassigned("unknown client")
	}
}

func (e *Engine) handleInvalidation(msg ticlpb.InvalidationMsg) {
	if err := e.validator.ValidateInboundPayload("Invalidation", msg); err != nil {
		return
	}
	for _, inv := range msg.Invalidations {
		var ack = e.newAck(inv)
		if inv.UnknownVersion {
			e.listener.InvalidateUnknownVersion(inv.ObjectId, ack)
		} else {
			e.listener.Invalidate(inv, ack)
		}
	}
}

// noopAck satisfies the "invoked exactly once" Ack contract for upcalls
// that have no corresponding wire-level acknowledgment to queue, such as
// InvalidateAll.
func noopAck() {}

// newAck returns an Ack closure bound to inv. The closure is idempotent:
// the first call queues inv for the next outbound InvalidationAckMsg and
// wakes the batcher; every subsequent call is dropped, matching the
// "invoked exactly once" contract a Listener relies on.
func (e *Engine) newAck(inv ticlpb.Invalidation) listener.Ack {
	var id = e.nextAckID
	e.nextAckID++
	return func() {
		e.post(func() {
			if e.ackHandled[id] {
				return
			}
			e.ackHandled[id] = true
			e.pendingAcks[inv.Key()] = inv
			e.scheduleBatcherIfNeeded()
		})
	}
}

func (e *Engine) handleRegistrationStatus(msg ticlpb.RegistrationStatusMsg) {
	if err := e.validator.ValidateInboundPayload("RegistrationStatus", payloadRegistrationStatuses(msg)); err != nil {
		return
	}
	e.reg.ApplyStatus(msg.Statuses, e.regListener())
}

// payloadRegistrationStatuses exists only to satisfy validate.Validatable
// for a payload type that (unlike the others) carries no Validate method
// of its own worth enforcing beyond its elements' own ObjectId checks,
// already covered by RegistrationOp.Validate.
type payloadRegistrationStatuses ticlpb.RegistrationStatusMsg

func (m payloadRegistrationStatuses) Validate() error {
	for _, st := range m.Statuses {
		if err := st.Op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleError(msg ticlpb.ErrorMsg) {
	var err = status.New(codes.Code(msg.Code), msg.Message).Err()
	e.listener.InformError(err.Error())

	switch codes.Code(msg.Code) {
	case codes.Unauthenticated, codes.NotFound:
		// The session itself is no longer valid server-side; treat like an
		// explicit TokenAuthFailure rather than waiting for one.
		e.setToken(nil)
		e.toUnassigned("server error: " + err.Error())
	}
}
