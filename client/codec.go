package client

import "go.ticl.dev/core/ticlpb"

// ClientToServerEnvelope is the full shape of one outbound message: a
// header plus exactly one of the known payload kinds.
type ClientToServerEnvelope struct {
	Header ticlpb.ClientHeader

	Initialize       *ticlpb.InitializeMsg
	Info             *ticlpb.InfoMessage
	Registration     *ticlpb.RegistrationMsg
	RegistrationSync *ticlpb.RegistrationSyncMsg
	InvalidationAck  *ticlpb.InvalidationAckMsg
}

// ServerToClientEnvelope is the full shape of one inbound message.
type ServerToClientEnvelope struct {
	Header ticlpb.ClientHeader

	TokenControl            *ticlpb.TokenControlMsg
	Invalidation             *ticlpb.InvalidationMsg
	RegistrationStatus       *ticlpb.RegistrationStatusMsg
	RegistrationSyncRequest  *ticlpb.RegistrationSyncRequestMsg
	InfoRequest              *ticlpb.InfoRequestMsg
	Error                    *ticlpb.ErrorMsg
}

// Codec is the byte-exact wire serializer/parser; the engine treats it as
// an opaque encode(Msg) -> bytes / parse(bytes) -> Msg? collaborator.
// Decode returning (nil, nil) denotes an unparseable message, handled
// identically to a validation failure (dropped with a warning).
type Codec interface {
	Encode(ClientToServerEnvelope) ([]byte, error)
	Decode([]byte) (*ServerToClientEnvelope, error)
}
