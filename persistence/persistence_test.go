package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.ticl.dev/core/ticlpb"
)

func TestRoundTripWithSameDigest(t *testing.T) {
	var codec = NewCodec(NewHMACSHA256([]byte("key-a")))
	var state = State{LastMessageId: 42, ClientToken: ticlpb.ClientToken("tok-1")}

	var blob = codec.Write(state)
	var got, ok = codec.Read(blob)

	require.True(t, ok)
	require.Equal(t, state, got)
}

func TestMismatchedDigestIsDiscarded(t *testing.T) {
	var writer = NewCodec(NewHMACSHA256([]byte("key-a")))
	var reader = NewCodec(NewHMACSHA256([]byte("key-b")))

	var blob = writer.Write(State{LastMessageId: 1, ClientToken: ticlpb.ClientToken("t")})
	var _, ok = reader.Read(blob)

	require.False(t, ok)
}

func TestCorruptedBlobIsDiscarded(t *testing.T) {
	var codec = NewCodec(NewHMACSHA256([]byte("key-a")))
	var blob = codec.Write(State{LastMessageId: 1, ClientToken: ticlpb.ClientToken("t")})

	blob[len(blob)-1] ^= 0xFF // flip every bit of the MAC's last byte

	var _, ok = codec.Read(blob)
	require.False(t, ok)
}

func TestTruncatedBlobIsDiscarded(t *testing.T) {
	var codec = NewCodec(NewHMACSHA256([]byte("key-a")))
	var blob = codec.Write(State{LastMessageId: 1, ClientToken: ticlpb.ClientToken("t")})

	var _, ok = codec.Read(blob[:len(blob)-3])
	require.False(t, ok)
}

func TestEmptyTokenRoundTrips(t *testing.T) {
	var codec = NewCodec(NewHMACSHA256([]byte("key-a")))
	var state = State{LastMessageId: 0}

	var blob = codec.Write(state)
	var got, ok = codec.Read(blob)

	require.True(t, ok)
	require.Equal(t, state, got)
}
