package events

import "fmt"

// DisconnectReason describes why a connection was closed.
type DisconnectReason uint8

const (
	// DisconnectRequested is used when a handler or the application asked
	// for the disconnection.
	DisconnectRequested DisconnectReason = iota

	// DisconnectRemoteClosed is used when the remote peer closed the
	// connection.
	DisconnectRemoteClosed

	// DisconnectStreamCorrupted is used when the incoming stream could
	// not be deserialized.
	DisconnectStreamCorrupted

	// DisconnectWriteFailed is used when a frame could not be written.
	DisconnectWriteFailed

	// DisconnectHandshakeFailed is used when the handshake was rejected.
	DisconnectHandshakeFailed

	// DisconnectPingPongFailed is used when the peer failed a liveness
	// check.
	DisconnectPingPongFailed

	// DisconnectShutdown is used when the network is stopping.
	DisconnectShutdown
)

// String returns a human readable reason.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRequested:
		return "Requested"
	case DisconnectRemoteClosed:
		return "RemoteClosed"
	case DisconnectStreamCorrupted:
		return "StreamCorrupted"
	case DisconnectWriteFailed:
		return "WriteFailed"
	case DisconnectHandshakeFailed:
		return "HandshakeFailed"
	case DisconnectPingPongFailed:
		return "PingPongFailed"
	case DisconnectShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", uint8(r))
	}
}

// RejectReason describes why a connection was refused or could not be
// established.
type RejectReason uint8

const (
	// RejectDialFailed is used when the outbound connection failed.
	RejectDialFailed RejectReason = iota

	// RejectBlacklisted is used when the host is blacklisted.
	RejectBlacklisted

	// RejectDuplicate is used when the peer is already connected.
	RejectDuplicate

	// RejectMaxPeers is used when the connection limit is reached.
	RejectMaxPeers
)

// String returns a human readable reason.
func (r RejectReason) String() string {
	switch r {
	case RejectDialFailed:
		return "DialFailed"
	case RejectBlacklisted:
		return "Blacklisted"
	case RejectDuplicate:
		return "Duplicate"
	case RejectMaxPeers:
		return "MaxPeers"
	default:
		return fmt.Sprintf("RejectReason(%d)", uint8(r))
	}
}

// HandshakeRejectReason describes why a handshake failed.
type HandshakeRejectReason uint8

const (
	// HandshakeWrongVersion is used when the peer protocol version is
	// below the minimum.
	HandshakeWrongVersion HandshakeRejectReason = iota

	// HandshakeWrongUserAgent is used when the user agent is refused.
	HandshakeWrongUserAgent

	// HandshakeWrongStartHeight is used when the peer is behind the
	// minimum start height.
	HandshakeWrongStartHeight

	// HandshakeSelfConnection is used when we connected to ourselves.
	HandshakeSelfConnection

	// HandshakeMaxPeers is used when the handshaked peer limit is
	// reached.
	HandshakeMaxPeers

	// HandshakeTimeout is used when the exchange did not complete in
	// time.
	HandshakeTimeout

	// HandshakeProtocolViolation is used when the peer sent unexpected
	// messages during the exchange.
	HandshakeProtocolViolation
)

// String returns a human readable reason.
func (r HandshakeRejectReason) String() string {
	switch r {
	case HandshakeWrongVersion:
		return "WrongVersion"
	case HandshakeWrongUserAgent:
		return "WrongUserAgent"
	case HandshakeWrongStartHeight:
		return "WrongStartHeight"
	case HandshakeSelfConnection:
		return "SelfConnection"
	case HandshakeMaxPeers:
		return "MaxPeers"
	case HandshakeTimeout:
		return "Timeout"
	case HandshakeProtocolViolation:
		return "ProtocolViolation"
	default:
		return fmt.Sprintf("HandshakeRejectReason(%d)", uint8(r))
	}
}

// PingPongFailure describes a failed liveness check.
type PingPongFailure uint8

const (
	// PingPongTimeout is used when no pong arrived in time.
	PingPongTimeout PingPongFailure = iota

	// PingPongMissingPing is used when a pong arrived with no ping
	// outstanding.
	PingPongMissingPing

	// PingPongWrongNonce is used when the pong nonce does not match the
	// outstanding ping.
	PingPongWrongNonce
)

// String returns a human readable failure.
func (f PingPongFailure) String() string {
	switch f {
	case PingPongTimeout:
		return "Timeout"
	case PingPongMissingPing:
		return "MissingPing"
	case PingPongWrongNonce:
		return "WrongNonce"
	default:
		return fmt.Sprintf("PingPongFailure(%d)", uint8(f))
	}
}

// BlacklistReason is the cause of a host being blacklisted. The persisted
// record stores its string form.
type BlacklistReason uint8

const (
	// BlacklistFailedHandshake is used after repeated failed handshakes.
	BlacklistFailedHandshake BlacklistReason = iota + 1

	// BlacklistSerializationError is used after repeated corrupted
	// streams.
	BlacklistSerializationError

	// BlacklistConnectionRejected is used after repeated refused
	// connections.
	BlacklistConnectionRejected

	// BlacklistClient is used when the application blacklisted the host.
	BlacklistClient
)

// String returns the persisted name of the reason.
func (r BlacklistReason) String() string {
	switch r {
	case BlacklistFailedHandshake:
		return "FAILED_HANDSHAKE"
	case BlacklistSerializationError:
		return "SERIALIZATION_ERROR"
	case BlacklistConnectionRejected:
		return "CONNECTION_REJECTED"
	case BlacklistClient:
		return "CLIENT"
	default:
		return fmt.Sprintf("BlacklistReason(%d)", uint8(r))
	}
}

// ParseBlacklistReason parses the persisted name of a reason.
func ParseBlacklistReason(s string) (BlacklistReason, error) {
	for r := BlacklistFailedHandshake; r <= BlacklistClient; r++ {
		if r.String() == s {
			return r, nil
		}
	}

	return 0, fmt.Errorf("unknown blacklist reason %q", s)
}
