// Package listener defines the application upcall surface the Ticl
// client core drives: the small set of callbacks an embedding
// application implements to be told about session readiness, pushed
// invalidations, registration status, and error conditions.
package listener

import "go.ticl.dev/core/ticlpb"

// Ack is handed to the application with every invalidate-shaped upcall.
// It must be invoked exactly once; repeat invocations are dropped. The
// engine does not ack the corresponding server message until Ack is
// called — there is no timeout.
type Ack func()

// Listener is the application upcall surface. All methods are invoked
// from the engine's single logical thread and must not block
// on further engine calls re-entrantly; a listener that wants to call
// back into the client (eg. Register) should post that work elsewhere if
// its own runtime requires it, exactly as the ack callback itself does.
type Listener interface {
	// Ready is called each time the client obtains an active,
	// server-confirmed session (ClientCore moves from AwaitingToken into
	// Running on a matching TokenControl success). It is not called when a
	// session is restored from persistence at Start.
	Ready()

	// Invalidate delivers a single versioned invalidation. ack must be
	// called once the application has durably recorded it.
	Invalidate(inv ticlpb.Invalidation, ack Ack)

	// InvalidateUnknownVersion delivers a version-less invalidation for
	// id — the server knows the object changed but not to what version,
	// typically because too much history has been lost to enumerate.
	InvalidateUnknownVersion(id ticlpb.ObjectId, ack Ack)

	// InvalidateAll tells the application to treat every currently
	// registered object as invalidated, typically following session loss
	// recovery where individual version tracking could not be preserved.
	InvalidateAll(ack Ack)

	// InformRegistrationStatus reports a change in the confirmed state of
	// a single registration.
	InformRegistrationStatus(id ticlpb.ObjectId, state RegistrationState)

	// InformRegistrationFailure reports that a registration op failed.
	// isTransient distinguishes a retryable failure (the engine will
	// retry automatically) from a permanent one (desired state has been
	// reverted; the application must re-register if it still wants it).
	InformRegistrationFailure(id ticlpb.ObjectId, isTransient bool, reason string)

	// ReissueRegistrations asks the host to re-call Register for every
	// object whose ObjectId.Name has the given prefix (of the given
	// length in bytes) — used after the engine cannot itself reconstruct
	// desired state (eg. a fresh process with only session identity
	// persisted).
	ReissueRegistrations(prefix []byte, length int)

	// InformError reports a non-fatal condition worth surfacing to the
	// application or its logs, without interrupting session operation.
	InformError(reason string)

	// AllRegistrationsLost is called exactly once on every change of the
	// stored client token (including to unset), before the next message
	// is sent. The application should treat
	// every previously confirmed registration as gone.
	AllRegistrationsLost()
}

// RegistrationState is the confirmed disposition of a single registration.
type RegistrationState int

const (
	// RegistrationUnknown: no confirmation has been received yet.
	RegistrationUnknown RegistrationState = iota
	// RegistrationRegistered: the server has confirmed interest is active.
	RegistrationRegistered
	// RegistrationUnregistered: the server has confirmed interest ended.
	RegistrationUnregistered
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationRegistered:
		return "REGISTERED"
	case RegistrationUnregistered:
		return "UNREGISTERED"
	default:
		return "UNKNOWN"
	}
}
