// Package codec provides a concrete client.Codec: a line-delimited JSON
// encoding of protocol envelopes, in the style of the ecosystem's
// line-framed journal records (one marshalled record per line).
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"go.ticl.dev/core/client"
)

// JSONLines implements client.Codec by marshalling each envelope as a
// single line of JSON text. It has no internal state and its zero value
// is ready to use.
type JSONLines struct{}

// ContentType names the wire content type this codec produces, following
// the labels.ContentType_* convention used elsewhere in the pack for
// describing a framing's encoding.
const ContentType = "application/x-ndjson; charset=utf-8"

// Encode implements client.Codec.
func (JSONLines) Encode(env client.ClientToServerEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	var bw = bufio.NewWriter(&buf)
	if err := json.NewEncoder(bw).Encode(&env); err != nil {
		return nil, errors.Wrap(err, "codec: marshalling ClientToServerEnvelope")
	}
	if err := bw.Flush(); err != nil {
		return nil, errors.Wrap(err, "codec: flushing encoded frame")
	}
	return buf.Bytes(), nil
}

// Decode implements client.Codec. b is expected to hold exactly one
// newline-terminated (or unterminated, if it is the final frame) JSON
// record, matching what Encode produces; a transport that reassembles a
// byte stream into discrete records is responsible for framing before
// handing bytes to Decode.
func (JSONLines) Decode(b []byte) (*client.ServerToClientEnvelope, error) {
	var line, err = unpackLine(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, errors.Wrap(err, "codec: unpacking frame")
	}
	var env client.ServerToClientEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, errors.Wrap(err, "codec: unmarshalling ServerToClientEnvelope")
	}
	return &env, nil
}

// unpackLine reads through the next newline (or to EOF, for a final
// unterminated frame) and returns the line with any trailing delimiter
// stripped.
func unpackLine(r *bufio.Reader) ([]byte, error) {
	var line, err = r.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\n"), nil
}
