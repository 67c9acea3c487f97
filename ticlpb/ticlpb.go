// Package ticlpb defines the wire data model of the Ticl invalidation
// protocol: the structural types shared by ClientToServer and
// ServerToClient messages, and the header carried on every message in
// both directions.
//
// Record bytes are produced and consumed by a host-supplied codec (see
// client.Codec); ticlpb itself only defines the Go-side shape
// of a message and the structural Validate() rules each type must satisfy
// before it is allowed onto the wire or dispatched from it, in the same
// spirit as a generated protobuf message's Validate() method elsewhere in
// the pack (eg. pc.ShardSpec.Validate()).
package ticlpb

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// ValidationError is returned by a Validate() method upon encountering a
// structurally invalid message. It is a distinct type (rather than a bare
// errors.New) so callers can distinguish "this message is malformed" from
// any other failure.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// NewValidationError builds a ValidationError, following the
// pb.NewValidationError(format, args...) convention used throughout the
// pack's broker/protocol package.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{msg: errors.Errorf(format, args...).Error()}
}

// IsValidationError reports whether err (or its cause) is a ValidationError.
func IsValidationError(err error) bool {
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

// DigestFunc computes H(data): an injected digest function shared by the
// persistence MAC envelope and the RegistrationManager's summary digest
// so a host wires exactly one hash primitive for the whole engine.
type DigestFunc func(data []byte) []byte

// RegistrationOpType enumerates the two registration intents a client may
// hold for an object.
type RegistrationOpType int

const (
	// Register expresses interest in invalidations for an ObjectId.
	Register RegistrationOpType = iota
	// Unregister withdraws interest in an ObjectId.
	Unregister
)

func (t RegistrationOpType) String() string {
	switch t {
	case Register:
		return "REGISTER"
	case Unregister:
		return "UNREGISTER"
	default:
		return "UNKNOWN"
	}
}

// ObjectId identifies an opaque object of interest. Equality is
// structural, and ObjectId is suitable as a map key.
type ObjectId struct {
	Source int
	Name   string // opaque bytes, held as string so ObjectId stays comparable
}

// Less provides a canonical total order over ObjectId, used by
// RegistrationManager to compute an insertion-order-independent digest.
func (o ObjectId) Less(other ObjectId) bool {
	if o.Source != other.Source {
		return o.Source < other.Source
	}
	return o.Name < other.Name
}

// Validate enforces that Name is non-empty; Source has no constraint
// beyond being a valid int (a zero source is a legitimate backend id).
func (o ObjectId) Validate() error {
	if len(o.Name) == 0 {
		return NewValidationError("ObjectId.Name must not be empty")
	}
	return nil
}

// Invalidation names a version change of an ObjectId, with an optional
// application-opaque payload. Equality is structural on ObjectId+Version;
// Payload does not participate in equality (two deliveries of the same
// version with differently-elided payloads are the same invalidation for
// ack-pipeline purposes).
//
// UnknownVersion marks a version-less invalidation: the server knows the
// object changed but not to what version, typically because too much
// history has been lost to enumerate. Version is meaningless (and always
// reported as 0) when UnknownVersion is set; it is a distinct flag rather
// than a sentinel negative Version so Validate can still enforce Version's
// own non-negative invariant unconditionally.
type Invalidation struct {
	ObjectId       ObjectId
	Version        int64
	UnknownVersion bool
	Payload        []byte
}

// Key returns the (ObjectId, Version, UnknownVersion) triple that defines
// Invalidation equality, suitable as a map/set key.
func (inv Invalidation) Key() InvalidationKey {
	return InvalidationKey{ObjectId: inv.ObjectId, Version: inv.Version, UnknownVersion: inv.UnknownVersion}
}

// InvalidationKey is the comparable identity of an Invalidation.
type InvalidationKey struct {
	ObjectId       ObjectId
	Version        int64
	UnknownVersion bool
}

// Validate enforces ObjectId validity and, for a version-carrying
// invalidation, a non-negative version. UnknownVersion invalidations carry
// no meaningful version and are exempt from that check.
func (inv Invalidation) Validate() error {
	if err := inv.ObjectId.Validate(); err != nil {
		return errors.Wrap(err, "Invalidation.ObjectId")
	}
	if !inv.UnknownVersion && inv.Version < 0 {
		return NewValidationError("Invalidation.Version must be >= 0, got %d", inv.Version)
	}
	return nil
}

// RegistrationOp pairs an ObjectId with the registration intent the
// client holds for it.
type RegistrationOp struct {
	ObjectId ObjectId
	Op       RegistrationOpType
}

// Validate enforces ObjectId validity.
func (op RegistrationOp) Validate() error {
	if err := op.ObjectId.Validate(); err != nil {
		return errors.Wrap(err, "RegistrationOp.ObjectId")
	}
	return nil
}

// RegistrationStatusCode reports the server's disposition of a
// RegistrationOp previously sent by the client.
type RegistrationStatusCode int

const (
	// StatusSuccess: the op was applied as requested.
	StatusSuccess RegistrationStatusCode = iota
	// StatusPermanentFailure: the op will never succeed; desired state
	// reverts and the listener is notified with is_transient=false.
	StatusPermanentFailure
	// StatusTransientFailure: the op should be retried on the next batch.
	StatusTransientFailure
)

// RegistrationStatus is the server's report on the outcome of one
// previously-sent RegistrationOp.
type RegistrationStatus struct {
	Op     RegistrationOp
	Status RegistrationStatusCode
	// Code is a google.golang.org/grpc/codes.Code value giving the
	// server's reason for a non-success Status; meaningless when Status
	// is StatusSuccess.
	Code int32
}

// RegistrationSummary is a commutative digest over a client's desired
// registration set, compared against the server's own view to detect
// divergence without transmitting the full set on every message.
type RegistrationSummary struct {
	NumRegistrations int
	Digest           []byte
}

// Equal reports structural equality of two summaries.
func (s RegistrationSummary) Equal(o RegistrationSummary) bool {
	return s.NumRegistrations == o.NumRegistrations && bytes.Equal(s.Digest, o.Digest)
}

// RegistrationSubtree names a prefix-delimited slice of the desired set,
// sent in response to a server-requested re-sync.
type RegistrationSubtree struct {
	Prefix []byte
	Length int
}

// ClientToken is the opaque, server-issued session identifier. A nil or
// empty ClientToken denotes "unassigned".
type ClientToken []byte

// Assigned reports whether t is a real, server-issued token.
func (t ClientToken) Assigned() bool { return len(t) > 0 }

// Equal performs a bytewise comparison.
func (t ClientToken) Equal(o ClientToken) bool { return bytes.Equal(t, o) }

// Nonce is a client-generated correlator for an in-flight Initialize.
type Nonce []byte

// Equal performs a bytewise comparison.
func (n Nonce) Equal(o Nonce) bool { return bytes.Equal(n, o) }

// ClientHeader is carried on every message, in both directions.
type ClientHeader struct {
	ProtocolVersion       int32
	ClientType            int32
	ClientToken           ClientToken // omitted (nil) when unassigned
	RegistrationSummary   RegistrationSummary
	ClientTimeMs          int64
	MessageId             int64
	MaxKnownServerTimeMs  int64
	MessageIdDebugString  string // optional, human-readable
	ServerTimeMs          int64  // only meaningful on ServerToClient
	NextHeartbeatInterval int64  // ms; 0 = no change requested
	NextPollInterval      int64  // ms; 0 = no change requested
}

// Validate enforces the structural preconditions every header must
// satisfy: token must be non-empty unless explicitly exempted by the
// caller (the AwaitingToken state is exempted by passing
// allowUnassignedToken=true).
func (h ClientHeader) Validate(allowUnassignedToken bool) error {
	if h.ProtocolVersion == 0 {
		return NewValidationError("ClientHeader.ProtocolVersion must be set")
	}
	if !allowUnassignedToken && !h.ClientToken.Assigned() {
		return NewValidationError("ClientHeader.ClientToken must be non-empty outside AwaitingToken")
	}
	if h.MessageId < 0 {
		return NewValidationError("ClientHeader.MessageId must be >= 0, got %d", h.MessageId)
	}
	return nil
}

// InitializeMsg requests a fresh ClientToken be assigned, correlated by
// Nonce.
type InitializeMsg struct {
	Nonce               Nonce
	ApplicationClientId string
}

// Validate enforces a non-empty nonce.
func (m InitializeMsg) Validate() error {
	if len(m.Nonce) == 0 {
		return NewValidationError("InitializeMsg.Nonce must not be empty")
	}
	return nil
}

// InfoMessage carries performance counters and configuration parameters
// for server-side diagnostics. The client sends one only in response to
// an InfoRequest.
type InfoMessage struct {
	Counters      map[string]int64
	ConfigParams  map[string]string
	PerformedInfo []string
}

// RegistrationMsg batches a set of registration intents for the server.
type RegistrationMsg struct {
	Ops []RegistrationOp
}

// Validate enforces each op is individually valid and the set is
// non-empty (an empty RegistrationMsg is never constructed; the batcher
// only emits one when pending_ops is non-empty).
func (m RegistrationMsg) Validate() error {
	if len(m.Ops) == 0 {
		return NewValidationError("RegistrationMsg.Ops must not be empty")
	}
	for i, op := range m.Ops {
		if err := op.Validate(); err != nil {
			return errors.Wrapf(err, "RegistrationMsg.Ops[%d]", i)
		}
	}
	return nil
}

// RegistrationSyncMsg answers a RegistrationSyncRequest with the subtrees
// covering the client's desired set.
type RegistrationSyncMsg struct {
	Subtrees []RegistrationSubtree
}

// InvalidationAckMsg acknowledges a set of previously delivered
// Invalidations.
type InvalidationAckMsg struct {
	Invalidations []Invalidation
}

// Validate enforces each invalidation is individually valid and the set
// is non-empty.
func (m InvalidationAckMsg) Validate() error {
	if len(m.Invalidations) == 0 {
		return NewValidationError("InvalidationAckMsg.Invalidations must not be empty")
	}
	for i, inv := range m.Invalidations {
		if err := inv.Validate(); err != nil {
			return errors.Wrapf(err, "InvalidationAckMsg.Invalidations[%d]", i)
		}
	}
	return nil
}

// TokenControlStatus reports the server's disposition of a token request
// or an existing session.
type TokenControlStatus int

const (
	// TokenSuccess: NewToken is a freshly-assigned, valid ClientToken.
	TokenSuccess TokenControlStatus = iota
	// TokenAuthFailure: the client's current token is no longer valid;
	// the client must fully re-initialize.
	TokenAuthFailure
	// TokenUnknownClient: the server has no record of this client (GC'd
	// session); the client must fully re-initialize.
	TokenUnknownClient
)

// TokenControlMsg is the server's response to an Initialize, or an
// unsolicited notice that the current token is no longer valid.
type TokenControlMsg struct {
	NewToken ClientToken // non-nil iff Status == TokenSuccess
	Nonce    Nonce       // echoes the Initialize's nonce; empty for unsolicited notices
	Status   TokenControlStatus
}

// Validate enforces NewToken is present iff Status == TokenSuccess.
func (m TokenControlMsg) Validate() error {
	if m.Status == TokenSuccess && !m.NewToken.Assigned() {
		return NewValidationError("TokenControlMsg: Status=Success requires a non-empty NewToken")
	}
	if m.Status != TokenSuccess && m.NewToken.Assigned() {
		return NewValidationError("TokenControlMsg: NewToken must be empty unless Status=Success")
	}
	return nil
}

// InvalidationMsg delivers one or more server-pushed invalidations.
type InvalidationMsg struct {
	Invalidations []Invalidation
}

// Validate enforces a non-empty, individually-valid invalidation list.
func (m InvalidationMsg) Validate() error {
	if len(m.Invalidations) == 0 {
		return NewValidationError("InvalidationMsg.Invalidations must not be empty")
	}
	for i, inv := range m.Invalidations {
		if err := inv.Validate(); err != nil {
			return errors.Wrapf(err, "InvalidationMsg.Invalidations[%d]", i)
		}
	}
	return nil
}

// RegistrationStatusMsg reports the server's disposition of previously
// sent RegistrationOps.
type RegistrationStatusMsg struct {
	Statuses []RegistrationStatus
}

// RegistrationSyncRequestMsg asks the client to send a fresh
// RegistrationSyncMsg covering its full desired set.
type RegistrationSyncRequestMsg struct{}

// InfoRequestMsg asks the client to send a fresh InfoMessage.
type InfoRequestMsg struct {
	InfoTypes []string
}

// ErrorMsg carries a terminal or advisory server-side status. Status
// reuses grpc's codes.Code + message shape (via google.golang.org/grpc/status)
// rather than a bespoke enum, matching how the rest of the pack's RPC
// surface (broker/protocol) represents failure.
type ErrorMsg struct {
	Code    int32 // a google.golang.org/grpc/codes.Code value
	Message string
}

// SortObjectIds returns a freshly allocated, canonically (lexicographically
// on Source then Name) sorted copy of ids, used by RegistrationManager to
// compute an order-independent summary digest.
func SortObjectIds(ids []ObjectId) []ObjectId {
	var out = make([]ObjectId, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
