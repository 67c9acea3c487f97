// Package registration tracks the application's desired registration
// set, the at-most-one-pending-op-per-object batching queue, and the last
// server-confirmed summary used to detect client/server divergence.
package registration

import (
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.ticl.dev/core/ticlpb"
)

// FailureListener is notified of the server's disposition of registration
// ops: permanent and transient failures, and confirmations. Implemented by
// the ClientCore so it can forward to the application listener's
// informRegistrationFailure / informRegistrationStatus upcalls.
type FailureListener interface {
	RegistrationPermanentlyFailed(id ticlpb.ObjectId, reason string)
	RegistrationTransientlyFailed(id ticlpb.ObjectId, reason string)
	RegistrationConfirmed(id ticlpb.ObjectId, op ticlpb.RegistrationOpType)
}

// Manager owns the desired registration set, the pending-ops batching
// queue, and the confirmed-summary bookkeeping. It is driven exclusively
// from the engine's single logical thread; like the rest of the core it
// performs no locking of its own.
type Manager struct {
	digest ticlpb.DigestFunc

	// pendingOps holds at most one entry per ObjectId: the most recently
	// enqueued intent for that object.
	pendingOps map[ticlpb.ObjectId]ticlpb.RegistrationOpType
	// desired mirrors the last locally-committed desired state.
	desired map[ticlpb.ObjectId]struct{}
	// confirmedSummary is the last server-acknowledged state.
	confirmedSummary ticlpb.RegistrationSummary
	// needsSummaryRefresh is set by CheckSummary on mismatch, so the next
	// outbound message includes a freshly computed local summary.
	needsSummaryRefresh bool
	// subtrees holds the sync subtrees built by ApplySyncRequest, flushed
	// on the next send.
	subtrees []ticlpb.RegistrationSubtree
}

// New returns an empty Manager using digest as its summary hash function.
func New(digest ticlpb.DigestFunc) *Manager {
	return &Manager{
		digest:           digest,
		pendingOps:       make(map[ticlpb.ObjectId]ticlpb.RegistrationOpType),
		desired:          make(map[ticlpb.ObjectId]struct{}),
		confirmedSummary: EmptySummary(),
	}
}

// EmptySummary returns the canonical summary of an empty desired set, the
// value ResetConfirmedSummary restores on any token change.
func EmptySummary() ticlpb.RegistrationSummary {
	return ticlpb.RegistrationSummary{NumRegistrations: 0, Digest: nil}
}

// ResetConfirmedSummary resets confirmedSummary to the empty-set digest.
// Called whenever the stored client token changes (including to unset).
func (m *Manager) ResetConfirmedSummary() {
	m.confirmedSummary = EmptySummary()
}

// Enqueue sets the pending intent for id to op, overwriting any previously
// pending op for the same object (the most recent intent always wins),
// and updates the optimistic desired set accordingly. It returns
// immediately; the op is sent on the next batcher fire.
func (m *Manager) Enqueue(id ticlpb.ObjectId, op ticlpb.RegistrationOpType) {
	m.pendingOps[id] = op
	switch op {
	case ticlpb.Register:
		m.desired[id] = struct{}{}
	case ticlpb.Unregister:
		delete(m.desired, id)
	}
}

// HasPendingWork reports whether there is anything to drain: pending ops,
// pending sync subtrees, or an outstanding summary refresh.
func (m *Manager) HasPendingWork() bool {
	return len(m.pendingOps) > 0 || len(m.subtrees) > 0 || m.needsSummaryRefresh
}

// DrainPendingOps removes and returns every currently pending
// RegistrationOp, in arbitrary order — order is not observable by
// correctness since the server handles each independently.
func (m *Manager) DrainPendingOps() []ticlpb.RegistrationOp {
	if len(m.pendingOps) == 0 {
		return nil
	}
	var ops = make([]ticlpb.RegistrationOp, 0, len(m.pendingOps))
	for id, op := range m.pendingOps {
		ops = append(ops, ticlpb.RegistrationOp{ObjectId: id, Op: op})
		delete(m.pendingOps, id)
	}
	return ops
}

// DrainSubtrees removes and returns the sync subtrees queued by
// ApplySyncRequest.
func (m *Manager) DrainSubtrees() []ticlpb.RegistrationSubtree {
	if len(m.subtrees) == 0 {
		return nil
	}
	var out = m.subtrees
	m.subtrees = nil
	return out
}

// CurrentSummary computes the RegistrationSummary of the current desired
// set, iterating in canonical (sorted) ObjectId order and combining each
// per-object digest by XOR, so the result is independent of insertion
// order.
func (m *Manager) CurrentSummary() ticlpb.RegistrationSummary {
	var ids = make([]ticlpb.ObjectId, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var combined []byte
	for _, id := range ids {
		var d = m.digest(objectIdBytes(id))
		if combined == nil {
			combined = append([]byte(nil), d...)
			continue
		}
		xorInto(combined, d)
	}
	return ticlpb.RegistrationSummary{NumRegistrations: len(ids), Digest: combined}
}

// NeedsSummaryRefresh reports whether the next outbound message must
// carry a freshly computed local summary, per CheckSummary.
func (m *Manager) NeedsSummaryRefresh() bool { return m.needsSummaryRefresh }

// MarkSummarySent clears the refresh flag once a fresh summary has
// actually been attached to an outbound message.
func (m *Manager) MarkSummarySent(sent ticlpb.RegistrationSummary) {
	m.needsSummaryRefresh = false
	m.confirmedSummary = sent
}

// CheckSummary compares serverSummary with the last confirmed summary; a
// mismatch schedules a fresh local summary onto the next outbound message
// and ensures a sync subtree will be produced if the server subsequently
// issues a RegistrationSyncRequest.
func (m *Manager) CheckSummary(serverSummary ticlpb.RegistrationSummary) {
	if !serverSummary.Equal(m.confirmedSummary) {
		m.needsSummaryRefresh = true
	}
}

// ApplyStatus applies the server's disposition of previously sent ops.
// Success confirms the op iff it still matches the current desired state
// (a later local Enqueue may have since superseded it, in which case the
// stale confirmation is dropped); PermanentFailure reverts desired and
// notifies listener; TransientFailure re-enqueues the op, unless a newer
// intent has already been enqueued for the same object.
func (m *Manager) ApplyStatus(statuses []ticlpb.RegistrationStatus, listener FailureListener) {
	for _, st := range statuses {
		switch st.Status {
		case ticlpb.StatusSuccess:
			if m.matchesDesired(st.Op) {
				listener.RegistrationConfirmed(st.Op.ObjectId, st.Op.Op)
			}
		case ticlpb.StatusPermanentFailure:
			m.revertDesired(st.Op)
			listener.RegistrationPermanentlyFailed(st.Op.ObjectId, failureReason(st))
		case ticlpb.StatusTransientFailure:
			if _, alreadyPending := m.pendingOps[st.Op.ObjectId]; !alreadyPending {
				m.pendingOps[st.Op.ObjectId] = st.Op.Op
			}
			listener.RegistrationTransientlyFailed(st.Op.ObjectId, failureReason(st))
		}
	}
}

// failureReason renders a server-reported registration failure as a
// human-readable string via the standard gRPC status formatting, so a
// server's codes.Code reaches application logs in its conventional form.
func failureReason(st ticlpb.RegistrationStatus) string {
	return status.New(codes.Code(st.Code), st.Op.Op.String()+" rejected by server").Err().Error()
}

// matchesDesired reports whether op's intent is consistent with the
// current desired state: a Register op confirms iff the object is still
// desired; an Unregister op confirms iff it is not.
func (m *Manager) matchesDesired(op ticlpb.RegistrationOp) bool {
	var _, isDesired = m.desired[op.ObjectId]
	switch op.Op {
	case ticlpb.Register:
		return isDesired
	case ticlpb.Unregister:
		return !isDesired
	default:
		return false
	}
}

// revertDesired undoes the optimistic desired-state update Enqueue made
// for op, restoring the state as if op had never been requested.
func (m *Manager) revertDesired(op ticlpb.RegistrationOp) {
	switch op.Op {
	case ticlpb.Register:
		delete(m.desired, op.ObjectId)
	case ticlpb.Unregister:
		m.desired[op.ObjectId] = struct{}{}
	}
	delete(m.pendingOps, op.ObjectId)
}

// ApplySyncRequest rebuilds subtrees covering the full desired set for
// the next send, in response to a server RegistrationSyncRequest.
func (m *Manager) ApplySyncRequest() {
	if len(m.desired) == 0 {
		m.subtrees = nil
		return
	}
	var ids = make([]ticlpb.ObjectId, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	ids = ticlpb.SortObjectIds(ids)

	// A single subtree covering the whole sorted desired set; a real
	// deployment might split this into several bounded-size subtrees, but
	// one subtree per sync is sufficient to satisfy the protocol contract
	// and keeps this manager free of message-size policy (that belongs to
	// MessageValidator / ProtocolHandler's batching).
	m.subtrees = []ticlpb.RegistrationSubtree{{
		Prefix: objectIdBytes(ids[0]),
		Length: len(ids),
	}}
}

// Desired returns a snapshot slice of the current desired ObjectIds, used
// by tests and by reissueRegistrations handling.
func (m *Manager) Desired() []ticlpb.ObjectId {
	var ids = make([]ticlpb.ObjectId, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	return ticlpb.SortObjectIds(ids)
}

func objectIdBytes(id ticlpb.ObjectId) []byte {
	var b = make([]byte, 0, len(id.Name)+8)
	b = append(b, byte(id.Source>>56), byte(id.Source>>48), byte(id.Source>>40), byte(id.Source>>32),
		byte(id.Source>>24), byte(id.Source>>16), byte(id.Source>>8), byte(id.Source))
	b = append(b, id.Name...)
	return b
}

func xorInto(dst, src []byte) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] ^= src[i]
	}
}
