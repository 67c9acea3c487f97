// Package sysres defines the SystemResources surface the Ticl client core
// consumes but does not implement: a clock, a single-logical-thread delayed
// task scheduler, a byte-oriented transport, a persistent byte-blob store,
// and a logger: external collaborators described only by the interface
// the core consumes. This package is that interface boundary.
//
// Nothing in this package runs an event loop or owns a goroutine; it only
// names the shape a host environment (a mobile runtime, a desktop agent, a
// test fixture) must provide.
package sysres

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Clock reports the current wall-clock time. Production code wires a real
// clock (github.com/jonboulle/clockwork.NewRealClock()); tests wire a
// clockwork.FakeClock so delay math is deterministic.
type Clock interface {
	Now() time.Time
}

// CancelFunc cancels a previously scheduled task. Calling it after the
// task has already fired, or more than once, is a no-op.
type CancelFunc func()

// Scheduler runs delayed tasks on a single logical thread: two tasks
// scheduled against the same Scheduler never run concurrently with each
// other, matching the engine's serializability requirement. It is
// the raw timer primitive; op-id coalescing and periodic re-arming is the
// job of the in-scope schedule.OperationScheduler built atop it.
type Scheduler interface {
	// AfterFunc arranges for fn to run after d has elapsed, and returns a
	// CancelFunc that prevents that run if called beforehand.
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

// Transport is a fire-and-forget outbound byte channel paired with an
// inbound delivery callback. Send never blocks waiting on a response;
// failures are reported out-of-band via the status callback supplied to
// SetStatusCallback.
type Transport interface {
	// Send transmits b. A non-nil error indicates the send could not be
	// attempted at all (eg. no connection); the caller retains b for retry.
	Send(b []byte) error
	// SetReceiveCallback installs the function invoked with each inbound
	// message's raw bytes. Only one callback is active at a time.
	SetReceiveCallback(fn func(b []byte))
	// SetStatusCallback installs the function invoked with true when the
	// transport becomes able to send, and false when it stops being able to.
	SetStatusCallback(fn func(up bool))
}

// Storage is a persistent byte-blob store with exactly one logical slot
// (the session's PersistentStateBlob). Write is fire-and-forget; its
// callback reports completion asynchronously and the core does not wait
// for it, except that Engine.Stop waits a bounded time for writes still
// in flight.
type Storage interface {
	// Read returns the last successfully written blob, or (nil, nil) if
	// none has ever been written.
	Read() ([]byte, error)
	// Write persists b and invokes done (possibly on another goroutine)
	// once the write completes or fails.
	Write(b []byte, done func(error))
}

// Logger is satisfied directly by *logrus.Logger / *logrus.Entry, so a
// host can hand the engine its own configured logrus instance rather than
// the core constructing one.
type Logger = logrus.FieldLogger

// Resources bundles the full SystemResources surface the core requires.
type Resources struct {
	Clock     Clock
	Scheduler Scheduler
	Transport Transport
	Storage   Storage
	Log       Logger
}
