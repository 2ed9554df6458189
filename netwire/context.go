package netwire

import (
	"github.com/btcsuite/btcd/wire"
)

const (
	// ExtendedMsgMinVersion is the lowest protocol version that supports
	// extended message headers.
	ExtendedMsgMinVersion uint32 = 70016
)

// DecodeContext carries everything a codec needs to decode one body. It is
// immutable and passed by value into every decode call.
type DecodeContext struct {
	// Net is the network magic frames must carry.
	Net wire.BitcoinNet

	// ProtocolVersion is the version negotiated with the peer, or the
	// local version before the handshake completes.
	ProtocolVersion uint32

	// Encoding selects the witness or base transaction encoding.
	Encoding wire.MessageEncoding

	// MaxBytesToRead is the exact number of body bytes the codec must
	// consume.
	MaxBytesToRead uint64

	// InsideVersionMsg is set while decoding a version message, which is
	// always decoded with the local protocol version.
	InsideVersionMsg bool

	// CalculateHashes asks streaming decoders to compute transaction
	// hashes while parsing.
	CalculateHashes bool
}

// ExtendedAllowed reports whether extended headers may be used at this
// context's protocol version.
func (c DecodeContext) ExtendedAllowed() bool {
	return c.ProtocolVersion >= ExtendedMsgMinVersion
}

// EncodeContext carries the parameters used to serialize an outgoing frame.
type EncodeContext struct {
	// Net is the network magic written into the header.
	Net wire.BitcoinNet

	// ProtocolVersion is the version negotiated with the peer.
	ProtocolVersion uint32

	// Encoding selects the witness or base transaction encoding.
	Encoding wire.MessageEncoding
}

// ExtendedAllowed reports whether extended headers may be used at this
// context's protocol version.
func (c EncodeContext) ExtendedAllowed() bool {
	return c.ProtocolVersion >= ExtendedMsgMinVersion
}
