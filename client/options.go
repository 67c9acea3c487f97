package client

import "time"

// ProtocolVersion is the fixed protocol_version echoed in every
// ClientHeader.
const ProtocolVersion int32 = 3

// Options configures a client Engine. Every field has a documented
// default via DefaultOptions; none are required.
type Options struct {
	// ClientType identifies the embedding application to the server.
	ClientType int32

	// BatchingDelay is the nominal period of the outbound batcher.
	BatchingDelay time.Duration
	// HeartbeatInterval is the nominal floor for heartbeats until the
	// server overrides it via NextHeartbeatInterval.
	HeartbeatInterval time.Duration
	// PollInterval is the inbound poll cadence.
	PollInterval time.Duration
	// SmearPercent is the argument to smear.New: the ± fraction applied
	// to every scheduled delay.
	SmearPercent float64
	// ThrottleRules configures the outbound rate throttler.
	ThrottleRules []ThrottleRule
	// InitialPersistentHeartbeatDelay is the delay before the first
	// heartbeat after Start.
	InitialPersistentHeartbeatDelay time.Duration
	// InitializeTimeout bounds how long the engine waits for a
	// TokenControl response to an Initialize before resending.
	InitializeTimeout time.Duration
	// InitializeBackoffCap bounds the exponential backoff applied between
	// successive Initialize resends.
	InitializeBackoffCap time.Duration
	// StopDrainTimeout bounds how long Stop waits for an in-flight
	// persistence write to complete before proceeding regardless.
	StopDrainTimeout time.Duration
	// RandSeed seeds the injected Smearer PRNG.
	RandSeed int64
}

// ThrottleRule is the Options-facing mirror of throttle.Rule.
type ThrottleRule struct {
	Window   time.Duration
	MaxCount int
}

// DefaultOptions returns reasonable production defaults.
func DefaultOptions() Options {
	return Options{
		ClientType:                      0,
		BatchingDelay:                   500 * time.Millisecond,
		HeartbeatInterval:               20 * time.Minute,
		PollInterval:                    20 * time.Minute,
		SmearPercent:                    0.20,
		ThrottleRules:                   []ThrottleRule{{Window: time.Second, MaxCount: 1}, {Window: time.Minute, MaxCount: 6}},
		InitialPersistentHeartbeatDelay: 2 * time.Second,
		InitializeTimeout:               20 * time.Second,
		InitializeBackoffCap:            10 * time.Minute,
		StopDrainTimeout:                2 * time.Second,
		RandSeed:                        1,
	}
}
