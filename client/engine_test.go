package client_test

import (
	"crypto/sha256"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	gc "github.com/go-check/check"

	"go.ticl.dev/core/client"
	"go.ticl.dev/core/listener"
	"go.ticl.dev/core/sysres"
	"go.ticl.dev/core/ticlpb"
)

func Test(t *testing.T) { gc.TestingT(t) }

type EngineSuite struct{}

var _ = gc.Suite(&EngineSuite{})

func sha256Digest(b []byte) []byte {
	var sum = sha256.Sum256(b)
	return sum[:]
}

// jsonCodec is a minimal client.Codec for these fixtures: one envelope per
// call, with no line framing — the fake transport below already delivers
// whole messages rather than a byte stream needing reassembly, unlike the
// production codec package.
type jsonCodec struct{}

func (jsonCodec) Encode(env client.ClientToServerEnvelope) ([]byte, error) {
	return json.Marshal(&env)
}

func (jsonCodec) Decode(b []byte) (*client.ServerToClientEnvelope, error) {
	var env client.ServerToClientEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// fakeTransport records every outbound send and notifies waiters via a
// buffered channel; deliver lets a test simulate an inbound message
// directly, bypassing any real connection.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	notify chan []byte
	recv   func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notify: make(chan []byte, 32)}
}

func (t *fakeTransport) Send(b []byte) error {
	t.mu.Lock()
	t.sent = append(t.sent, b)
	t.mu.Unlock()
	t.notify <- b
	return nil
}

func (t *fakeTransport) SetReceiveCallback(fn func([]byte)) { t.recv = fn }
func (t *fakeTransport) SetStatusCallback(fn func(bool))    { fn(true) }

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) deliver(env client.ServerToClientEnvelope) {
	var b, err = json.Marshal(&env)
	if err != nil {
		panic(err)
	}
	t.recv(b)
}

// fakeStorage is a single-slot in-memory sysres.Storage.
type fakeStorage struct {
	mu   sync.Mutex
	blob []byte
}

func (s *fakeStorage) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blob, nil
}

func (s *fakeStorage) Write(b []byte, done func(error)) {
	s.mu.Lock()
	s.blob = b
	s.mu.Unlock()
	done(nil)
}

type invDelivery struct {
	inv ticlpb.Invalidation
	ack listener.Ack
}

type regEvent struct {
	id    ticlpb.ObjectId
	state listener.RegistrationState
}

type reissueCall struct {
	prefix []byte
	length int
}

// fakeListener records every upcall on buffered channels so a test can wait
// for a specific one without polling engine-internal state from outside
// its single logical thread.
type fakeListener struct {
	ready         chan struct{}
	invalidations chan invDelivery
	regStatus     chan regEvent
	allLost       chan struct{}
	invalidateAll chan struct{}
	reissue       chan reissueCall
	errs          chan string
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		ready:         make(chan struct{}, 8),
		invalidations: make(chan invDelivery, 32),
		regStatus:     make(chan regEvent, 32),
		allLost:       make(chan struct{}, 8),
		invalidateAll: make(chan struct{}, 8),
		reissue:       make(chan reissueCall, 8),
		errs:          make(chan string, 32),
	}
}

func (f *fakeListener) Ready() { f.ready <- struct{}{} }

func (f *fakeListener) Invalidate(inv ticlpb.Invalidation, ack listener.Ack) {
	f.invalidations <- invDelivery{inv: inv, ack: ack}
}

func (f *fakeListener) InvalidateUnknownVersion(id ticlpb.ObjectId, ack listener.Ack) {
	f.invalidations <- invDelivery{inv: ticlpb.Invalidation{ObjectId: id, UnknownVersion: true}, ack: ack}
}

func (f *fakeListener) InvalidateAll(ack listener.Ack) {
	f.invalidateAll <- struct{}{}
	ack()
}

func (f *fakeListener) InformRegistrationStatus(id ticlpb.ObjectId, state listener.RegistrationState) {
	f.regStatus <- regEvent{id: id, state: state}
}

func (f *fakeListener) InformRegistrationFailure(ticlpb.ObjectId, bool, string) {}

func (f *fakeListener) ReissueRegistrations(prefix []byte, length int) {
	f.reissue <- reissueCall{prefix: prefix, length: length}
}

func (f *fakeListener) InformError(reason string) { f.errs <- reason }

func (f *fakeListener) AllRegistrationsLost() { f.allLost <- struct{}{} }

type fixture struct {
	engine    *client.Engine
	transport *fakeTransport
	storage   *fakeStorage
	listener  *fakeListener
	clock     clockwork.FakeClock
}

// newFixture builds an Engine wired to fully in-memory fakes. Batching is
// set aggressively short so tests don't need to wait out realistic
// production delays; heartbeat, poll and the Initialize resend timer are
// pushed out to an hour so they never fire incidentally during a scenario
// that isn't exercising them.
func newFixture(opts client.Options) *fixture {
	return newFixtureWithStorage(opts, &fakeStorage{})
}

// newFixtureWithStorage builds a fixture against an explicitly supplied
// storage, so a test can simulate a restart by constructing a second
// fixture over the same backing store.
func newFixtureWithStorage(opts client.Options, storage *fakeStorage) *fixture {
	var fake = clockwork.NewFakeClock()
	var fx = &fixture{
		transport: newFakeTransport(),
		storage:   storage,
		listener:  newFakeListener(),
		clock:     fake,
	}

	var res = sysres.Resources{
		Clock:     sysres.ClockworkClockAdapter{Clock: fake},
		Scheduler: sysres.NewClockworkScheduler(fake),
		Transport: fx.transport,
		Storage:   fx.storage,
	}
	fx.engine = client.New(opts, res, jsonCodec{}, fx.listener, sha256Digest)
	return fx
}

func defaultTestOptions() client.Options {
	var opts = client.DefaultOptions()
	opts.BatchingDelay = time.Millisecond
	opts.InitializeTimeout = time.Hour
	opts.InitializeBackoffCap = time.Hour
	opts.InitialPersistentHeartbeatDelay = time.Hour
	opts.HeartbeatInterval = time.Hour
	opts.PollInterval = time.Hour
	opts.ThrottleRules = []client.ThrottleRule{{Window: time.Millisecond, MaxCount: 1000}}
	return opts
}

// waitSent advances fx's fake clock in small steps, re-checking the
// transport's notify channel each time, until a message has gone out or
// the overall deadline passes. This tolerates the race between a timer
// being armed on the engine's own goroutine and the test goroutine's
// first Advance call, without requiring exact knowledge of how many
// timers are pending.
func waitSent(c *gc.C, fx *fixture) client.ClientToServerEnvelope {
	var deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.clock.Advance(500 * time.Millisecond)
		select {
		case b := <-fx.transport.notify:
			var env client.ClientToServerEnvelope
			c.Assert(json.Unmarshal(b, &env), gc.IsNil)
			return env
		case <-time.After(20 * time.Millisecond):
		}
	}
	c.Fatalf("timed out waiting for an outbound message")
	panic("unreachable")
}

func waitReady(c *gc.C, fx *fixture) {
	select {
	case <-fx.listener.ready:
	case <-time.After(2 * time.Second):
		c.Fatalf("timed out waiting for Ready()")
	}
}

func waitAllLost(c *gc.C, fx *fixture) {
	select {
	case <-fx.listener.allLost:
	case <-time.After(2 * time.Second):
		c.Fatalf("timed out waiting for AllRegistrationsLost()")
	}
}

func waitInvalidation(c *gc.C, fx *fixture) invDelivery {
	select {
	case d := <-fx.listener.invalidations:
		return d
	case <-time.After(2 * time.Second):
		c.Fatalf("timed out waiting for an Invalidate upcall")
		panic("unreachable")
	}
}

func waitInvalidateAll(c *gc.C, fx *fixture) {
	select {
	case <-fx.listener.invalidateAll:
	case <-time.After(2 * time.Second):
		c.Fatalf("timed out waiting for InvalidateAll()")
	}
}

func waitReissue(c *gc.C, fx *fixture) reissueCall {
	select {
	case r := <-fx.listener.reissue:
		return r
	case <-time.After(2 * time.Second):
		c.Fatalf("timed out waiting for ReissueRegistrations()")
		panic("unreachable")
	}
}

// establishSession drives a fresh fixture through Initialize/TokenControl
// and returns once the engine is Running, handing back the assigned token.
func establishSession(c *gc.C, fx *fixture) ticlpb.ClientToken {
	fx.engine.Start()

	var env = waitSent(c, fx)
	c.Assert(env.Initialize, gc.NotNil)

	var token ticlpb.ClientToken = []byte("session-token-1")
	fx.transport.deliver(client.ServerToClientEnvelope{
		Header: ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1},
		TokenControl: &ticlpb.TokenControlMsg{
			Status:   ticlpb.TokenSuccess,
			NewToken: token,
			Nonce:    env.Initialize.Nonce,
		},
	})

	waitReady(c, fx)
	return token
}

// TestInitializationHandshake exercises a fresh client's full handshake: it
// sends Initialize, and a matching TokenControl success moves it to
// Running and fires Ready().
func (s *EngineSuite) TestInitializationHandshake(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	establishSession(c, fx)
	fx.engine.Stop()
}

// TestRegisterIsSentAndConfirmed exercises the Register -> batched
// RegistrationMsg -> RegistrationStatusMsg -> InformRegistrationStatus
// round trip once a session is established.
func (s *EngineSuite) TestRegisterIsSentAndConfirmed(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	var token = establishSession(c, fx)

	var obj = ticlpb.ObjectId{Source: 1, Name: "object-a"}
	fx.engine.Register(obj)

	var env = waitSent(c, fx)
	c.Assert(env.Registration, gc.NotNil)
	c.Assert(env.Registration.Ops, gc.HasLen, 1)
	c.Check(env.Registration.Ops[0], gc.Equals, ticlpb.RegistrationOp{ObjectId: obj, Op: ticlpb.Register})

	fx.transport.deliver(client.ServerToClientEnvelope{
		Header: ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1, ClientToken: token},
		RegistrationStatus: &ticlpb.RegistrationStatusMsg{
			Statuses: []ticlpb.RegistrationStatus{
				{Op: ticlpb.RegistrationOp{ObjectId: obj, Op: ticlpb.Register}, Status: ticlpb.StatusSuccess},
			},
		},
	})

	select {
	case ev := <-fx.listener.regStatus:
		c.Check(ev.id, gc.Equals, obj)
		c.Check(ev.state, gc.Equals, listener.RegistrationRegistered)
	case <-time.After(2 * time.Second):
		c.Fatalf("timed out waiting for InformRegistrationStatus")
	}

	fx.engine.Stop()
}

// TestRegisterThenUnregisterCoalesces exercises the client-visible effect
// of RegistrationManager's coalescing: two back-to-back intents on the
// same object before the batcher drains collapse to a single op on the
// wire, equal to the most recent intent.
func (s *EngineSuite) TestRegisterThenUnregisterCoalesces(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	establishSession(c, fx)

	var obj = ticlpb.ObjectId{Source: 1, Name: "object-b"}
	fx.engine.Register(obj)
	fx.engine.Unregister(obj)

	var env = waitSent(c, fx)
	c.Assert(env.Registration, gc.NotNil)
	c.Assert(env.Registration.Ops, gc.HasLen, 1)
	c.Check(env.Registration.Ops[0], gc.Equals, ticlpb.RegistrationOp{ObjectId: obj, Op: ticlpb.Unregister})

	fx.engine.Stop()
}

// TestTokenAuthFailureReinitializes exercises the session-loss path: an
// unsolicited TokenAuthFailure forces AllRegistrationsLost and a fresh
// Initialize, without the application having to do anything itself.
func (s *EngineSuite) TestTokenAuthFailureReinitializes(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	var token = establishSession(c, fx)

	fx.transport.deliver(client.ServerToClientEnvelope{
		Header:       ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1, ClientToken: token},
		TokenControl: &ticlpb.TokenControlMsg{Status: ticlpb.TokenAuthFailure},
	})

	waitAllLost(c, fx)
	waitInvalidateAll(c, fx)

	var env = waitSent(c, fx)
	c.Assert(env.Initialize, gc.NotNil)

	fx.engine.Stop()
}

// TestTokenUnknownClientReissuesRegistrations exercises the GC-recovery
// path: the server has forgotten this client's session entirely, so the
// engine must treat every previously delivered invalidation as stale
// (InvalidateAll) and ask the host to re-register everything it wants,
// since the server-side registration record is gone along with the token.
func (s *EngineSuite) TestTokenUnknownClientReissuesRegistrations(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	var token = establishSession(c, fx)

	fx.transport.deliver(client.ServerToClientEnvelope{
		Header:       ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1, ClientToken: token},
		TokenControl: &ticlpb.TokenControlMsg{Status: ticlpb.TokenUnknownClient},
	})

	waitAllLost(c, fx)
	waitInvalidateAll(c, fx)
	var r = waitReissue(c, fx)
	c.Check(r.prefix, gc.IsNil)
	c.Check(r.length, gc.Equals, 0)

	var env = waitSent(c, fx)
	c.Assert(env.Initialize, gc.NotNil)

	fx.engine.Stop()
}

// TestRegistrationSyncRequestReissuesWhenDesiredEmpty exercises the other
// named ReissueRegistrations site: a server-initiated resync request that
// arrives while the engine's own desired set is empty (eg. a fresh process
// that only persisted session identity) cannot be answered with a useful
// subtree, so the engine instead asks the host to re-supply its desired
// registrations from scratch.
func (s *EngineSuite) TestRegistrationSyncRequestReissuesWhenDesiredEmpty(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	var token = establishSession(c, fx)

	fx.transport.deliver(client.ServerToClientEnvelope{
		Header:                  ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1, ClientToken: token},
		RegistrationSyncRequest: &ticlpb.RegistrationSyncRequestMsg{},
	})

	var r = waitReissue(c, fx)
	c.Check(r.prefix, gc.IsNil)
	c.Check(r.length, gc.Equals, 0)

	fx.engine.Stop()
}

// TestMessageIdNeverReusedAcrossRestart exercises the crash-recovery gap a
// too-infrequent persistence cadence would leave open: message ids sent
// well after the last persisted token change must still never be reissued
// by a freshly restarted engine sharing the same storage.
func (s *EngineSuite) TestMessageIdNeverReusedAcrossRestart(c *gc.C) {
	var storage = &fakeStorage{}
	var opts = defaultTestOptions()

	var fxA = newFixtureWithStorage(opts, storage)
	establishSession(c, fxA)

	fxA.engine.Register(ticlpb.ObjectId{Source: 1, Name: "o"})
	waitSent(c, fxA)
	fxA.engine.Unregister(ticlpb.ObjectId{Source: 1, Name: "o"})
	var env3 = waitSent(c, fxA)
	var lastUsed = env3.Header.MessageId

	fxA.engine.Stop() // simulates a crash: no persistence write happens here

	// A restored engine resumes Running without an Initialize, so its first
	// send is the initial heartbeat; bring that in from the fixture's hour.
	var optsB = opts
	optsB.InitialPersistentHeartbeatDelay = time.Second
	var fxB = newFixtureWithStorage(optsB, storage)
	fxB.engine.Start()
	var envB = waitSent(c, fxB)
	c.Check(envB.Header.MessageId > lastUsed, gc.Equals, true)

	fxB.engine.Stop()
}

// TestInvalidationAckIsIdempotentAndGated exercises the ack-gated
// invalidation pipeline: the server's Invalidation is delivered to the
// application immediately, but no InvalidationAckMsg goes out until the
// application calls Ack — and calling it twice only acks once.
func (s *EngineSuite) TestInvalidationAckIsIdempotentAndGated(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	var token = establishSession(c, fx)

	var inv = ticlpb.Invalidation{ObjectId: ticlpb.ObjectId{Source: 1, Name: "object-c"}, Version: 7}
	fx.transport.deliver(client.ServerToClientEnvelope{
		Header:       ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1, ClientToken: token},
		Invalidation: &ticlpb.InvalidationMsg{Invalidations: []ticlpb.Invalidation{inv}},
	})

	var d = waitInvalidation(c, fx)
	c.Check(d.inv, gc.DeepEquals, inv)

	// Nothing should go out purely from delivering the invalidation: no
	// heartbeat/poll is due (both pushed out to an hour) and the ack is
	// still pending application confirmation.
	select {
	case <-fx.transport.notify:
		c.Fatalf("an InvalidationAckMsg was sent before Ack was called")
	case <-time.After(50 * time.Millisecond):
	}

	d.ack()
	d.ack() // idempotent: must not double-queue the ack

	var env = waitSent(c, fx)
	c.Assert(env.InvalidationAck, gc.NotNil)
	c.Assert(env.InvalidationAck.Invalidations, gc.HasLen, 1)
	c.Check(env.InvalidationAck.Invalidations[0], gc.DeepEquals, inv)

	fx.engine.Stop()
}

// TestUnknownVersionInvalidationReachesListener exercises the
// version-less invalidation path: the server knows an object changed but
// not to what version, and the engine must route that to
// InvalidateUnknownVersion rather than dropping it at validation.
func (s *EngineSuite) TestUnknownVersionInvalidationReachesListener(c *gc.C) {
	var fx = newFixture(defaultTestOptions())
	var token = establishSession(c, fx)

	var id = ticlpb.ObjectId{Source: 1, Name: "object-d"}
	var inv = ticlpb.Invalidation{ObjectId: id, UnknownVersion: true}
	fx.transport.deliver(client.ServerToClientEnvelope{
		Header:       ticlpb.ClientHeader{ProtocolVersion: client.ProtocolVersion, MessageId: 1, ClientToken: token},
		Invalidation: &ticlpb.InvalidationMsg{Invalidations: []ticlpb.Invalidation{inv}},
	})

	var d = waitInvalidation(c, fx)
	c.Check(d.inv.UnknownVersion, gc.Equals, true)
	c.Check(d.inv.ObjectId, gc.Equals, id)

	d.ack()
	var env = waitSent(c, fx)
	c.Assert(env.InvalidationAck, gc.NotNil)
	c.Assert(env.InvalidationAck.Invalidations, gc.HasLen, 1)
	c.Check(env.InvalidationAck.Invalidations[0].UnknownVersion, gc.Equals, true)

	fx.engine.Stop()
}

// TestThrottlingDefersTheBatcher exercises the outbound throttle: once its
// single-per-window budget is spent on the Initialize send, a second
// batcher fire is deferred rather than sent immediately, and the deferred
// work still goes out once the window has passed.
func (s *EngineSuite) TestThrottlingDefersTheBatcher(c *gc.C) {
	var opts = defaultTestOptions()
	opts.ThrottleRules = []client.ThrottleRule{{Window: time.Second, MaxCount: 1}}
	var fx = newFixture(opts)
	establishSession(c, fx)

	var before = fx.engine.Stats().MessagesThrottled

	var obj = ticlpb.ObjectId{Source: 1, Name: "object-d"}
	fx.engine.Register(obj)

	// The registration can't go out yet: the window's single slot was
	// already spent on Initialize. Give the batcher a chance to fire and
	// observe itself throttled rather than sending.
	time.Sleep(50 * time.Millisecond)
	fx.clock.Advance(50 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	c.Check(fx.engine.Stats().MessagesThrottled > before, gc.Equals, true)

	var env = waitSent(c, fx)
	c.Assert(env.Registration, gc.NotNil)
	c.Assert(env.Registration.Ops, gc.HasLen, 1)
	c.Check(env.Registration.Ops[0].ObjectId, gc.Equals, obj)

	fx.engine.Stop()
}
