// Package validate enforces structural preconditions on every inbound
// and outbound protocol message. Invalid inbound messages are dropped
// with a warning and a counter increment; an invalid outbound message
// indicates the engine itself built something illegal and is treated as
// a fatal internal bug.
package validate

import (
	"github.com/pkg/errors"

	"go.ticl.dev/core/sysres"
	"go.ticl.dev/core/ticlpb"
)

// Validatable is satisfied by every ticlpb payload type that defines
// structural preconditions.
type Validatable interface {
	Validate() error
}

// Validator applies each message type's structural rules and tracks how many
// inbound messages have been dropped for failing them.
type Validator struct {
	log     sysres.Logger
	dropped int64
}

// New returns a Validator that logs drops against log.
func New(log sysres.Logger) *Validator {
	return &Validator{log: log}
}

// DroppedCount returns the number of inbound messages this Validator has
// dropped so far.
func (v *Validator) DroppedCount() int64 { return v.dropped }

// ValidateInboundHeader checks a ServerToClient header. allowUnassignedToken
// is true only while the ClientCore is in AwaitingToken or Unassigned.
func (v *Validator) ValidateInboundHeader(h ticlpb.ClientHeader, allowUnassignedToken bool) error {
	return v.dropIfInvalid("header", h.Validate(allowUnassignedToken))
}

// ValidateInboundPayload validates an inbound payload of the named kind.
// On failure, the message should be dropped and a warning logged; the
// caller does this by checking the returned error and not dispatching.
func (v *Validator) ValidateInboundPayload(kind string, payload Validatable) error {
	return v.dropIfInvalid(kind, payload.Validate())
}

func (v *Validator) dropIfInvalid(kind string, err error) error {
	if err == nil {
		return nil
	}
	v.dropped++
	if v.log != nil {
		v.log.WithError(err).WithField("kind", kind).Warn("ticl: dropping malformed inbound message")
	}
	return err
}

// ValidateOutboundHeader checks a ClientToServer header the engine itself
// just built. A failure here means the engine constructed an invalid
// header, which is a fatal internal bug: it panics
// rather than silently dropping the engine's own outbound traffic.
func (v *Validator) ValidateOutboundHeader(h ticlpb.ClientHeader, allowUnassignedToken bool) {
	if err := h.Validate(allowUnassignedToken); err != nil {
		panic(errors.Wrap(err, "ticl: internal invariant violation building outbound header").Error())
	}
}

// ValidateOutboundPayload checks a payload the engine itself just built,
// panicking on failure for the same reason ValidateOutboundHeader does.
func (v *Validator) ValidateOutboundPayload(kind string, payload Validatable) {
	if payload == nil {
		return
	}
	if err := payload.Validate(); err != nil {
		panic(errors.Wrapf(err, "ticl: internal invariant violation building outbound %s", kind).Error())
	}
}
