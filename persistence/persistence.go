// Package persistence MAC-wraps a session's persisted state for on-disk
// storage and verifies the MAC on read, discarding the blob as absent on
// any mismatch or parse failure.
package persistence

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"go.ticl.dev/core/ticlpb"
)

// DigestFunc computes H(data), an injected digest function. A typical
// production value is NewHMACSHA256(key), which computes a fresh
// HMAC-SHA256 over data on each call.
type DigestFunc = ticlpb.DigestFunc

// State is the serializable session identity persisted across restarts:
// a message id ceiling safe to resume counting from, and the current
// client token. LastMessageId may be somewhat ahead of the last id a
// message actually carried — callers reserve a block of ids ahead of use
// so this doesn't need writing on every send — but it is never behind it,
// so restoring from it can never reissue an id already placed on the
// wire. This is the *only* state persistence.Codec carries —
// registrations are deliberately not persisted.
type State struct {
	LastMessageId int64
	ClientToken   ticlpb.ClientToken
}

// Codec MAC-wraps and MAC-verifies a State for storage behind an opaque
// []byte blob, using an injected DigestFunc.
type Codec struct {
	digest DigestFunc
}

// NewCodec returns a Codec using digest as its MAC function.
func NewCodec(digest DigestFunc) *Codec {
	return &Codec{digest: digest}
}

// Write serializes state, computes its MAC, and returns the encoded
// envelope bytes ready for sysres.Storage.Write.
func (c *Codec) Write(state State) []byte {
	var body = encodeState(state)
	var mac = c.digest(body)
	return encodeEnvelope(body, mac)
}

// Read parses an envelope previously produced by Write, recomputes the
// MAC over the embedded state, and returns the state iff the MACs match
// bytewise. Any parse failure or MAC mismatch returns (State{}, false),
// a blob whose recomputed mac mismatches the stored mac is discarded as
// if absent.
func (c *Codec) Read(blob []byte) (State, bool) {
	var body, mac, err = decodeEnvelope(blob)
	if err != nil {
		return State{}, false
	}
	var recomputed = c.digest(body)
	if !bytes.Equal(recomputed, mac) {
		return State{}, false
	}
	var state, ok = decodeState(body)
	if !ok {
		return State{}, false
	}
	return state, true
}

// envelope wire format: [u32 bodyLen][body][u32 macLen][mac]
func encodeEnvelope(body, mac []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(mac)))
	buf.Write(mac)
	return buf.Bytes()
}

func decodeEnvelope(blob []byte) (body, mac []byte, err error) {
	var r = bytes.NewReader(blob)

	var bodyLen uint32
	if err = binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return nil, nil, errors.Wrap(err, "persistence: reading body length")
	}
	body = make([]byte, bodyLen)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Wrap(err, "persistence: reading body")
	}

	var macLen uint32
	if err = binary.Read(r, binary.BigEndian, &macLen); err != nil {
		return nil, nil, errors.Wrap(err, "persistence: reading mac length")
	}
	mac = make([]byte, macLen)
	if _, err = io.ReadFull(r, mac); err != nil {
		return nil, nil, errors.Wrap(err, "persistence: reading mac")
	}

	if r.Len() != 0 {
		return nil, nil, errors.New("persistence: trailing bytes after envelope")
	}
	return body, mac, nil
}

// state wire format: [i64 lastMessageId][u32 tokenLen][token bytes]
func encodeState(s State) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, s.LastMessageId)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(s.ClientToken)))
	buf.Write(s.ClientToken)
	return buf.Bytes()
}

func decodeState(body []byte) (State, bool) {
	var r = bytes.NewReader(body)

	var lastMessageId int64
	if err := binary.Read(r, binary.BigEndian, &lastMessageId); err != nil {
		return State{}, false
	}

	var tokenLen uint32
	if err := binary.Read(r, binary.BigEndian, &tokenLen); err != nil {
		return State{}, false
	}
	var token = make([]byte, tokenLen)
	if _, err := io.ReadFull(r, token); err != nil {
		return State{}, false
	}
	if r.Len() != 0 {
		return State{}, false
	}

	var tok ticlpb.ClientToken
	if tokenLen > 0 {
		tok = token
	}
	return State{LastMessageId: lastMessageId, ClientToken: tok}, true
}
