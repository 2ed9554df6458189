// Package events defines every message exchanged over the network event bus.
// Events report something that happened, requests ask a handler to act. Both
// are closed sets: only the types of this package implement them.
package events

import (
	"net/netip"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/netwire"
)

// Event is a notification published on the bus.
type Event interface {
	isEvent()
}

// Bus is the event bus the network handlers are wired to.
type Bus = eventbus.Bus

// PeerConnectedEvent is published when a connection is established.
type PeerConnectedEvent struct {
	Peer    netwire.PeerAddress
	Inbound bool
}

// PeerDisconnectedEvent is published once a connection is closed and its
// goroutines exited.
type PeerDisconnectedEvent struct {
	Peer   netwire.PeerAddress
	Reason DisconnectReason
	Err    error
}

// PeerRejectedEvent is published when a connection is refused by admission
// or an outbound connection could not be established.
type PeerRejectedEvent struct {
	Peer   netwire.PeerAddress
	Reason RejectReason
	Err    error
}

// PeerHandshakedEvent is published when version and verack were exchanged in
// both directions.
type PeerHandshakedEvent struct {
	Peer    netwire.PeerAddress
	Inbound bool

	// Version is the version message sent by the peer.
	Version *wire.MsgVersion

	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion uint32
}

// PeerHandshakeRejectedEvent is published when the handshake failed.
type PeerHandshakeRejectedEvent struct {
	Peer   netwire.PeerAddress
	Reason HandshakeRejectReason
	Detail string
}

// MsgReceivedEvent is published for every complete message received.
type MsgReceivedEvent struct {
	Peer   netwire.PeerAddress
	Header *netwire.HeaderMsg
	Msg    wire.Message

	// Cached is set when the body was served from the message cache.
	Cached bool
}

// PartialMsgReceivedEvent is published for every piece of a message that is
// streamed.
type PartialMsgReceivedEvent struct {
	Peer    netwire.PeerAddress
	Header  *netwire.HeaderMsg
	Partial netwire.PartialMessage
}

// MsgSentEvent is published once a message was written to the peer.
type MsgSentEvent struct {
	Peer    netwire.PeerAddress
	Command string
	Bytes   int
}

// PeerStreamCorruptedEvent is published when the incoming stream of a peer
// can no longer be deserialized.
type PeerStreamCorruptedEvent struct {
	Peer netwire.PeerAddress
	Err  error
}

// PingPongFailedEvent is published when a peer failed a liveness check.
type PingPongFailedEvent struct {
	Peer   netwire.PeerAddress
	Reason PingPongFailure
}

// PingPongSucceededEvent is published after every validated pong.
type PingPongSucceededEvent struct {
	Peer netwire.PeerAddress
	RTT  time.Duration
}

// HostsBlacklistedEvent carries hosts newly blacklisted since the previous
// one.
type HostsBlacklistedEvent struct {
	Hosts map[netip.Addr]BlacklistReason
}

// HostsWhitelistedEvent carries hosts removed from the blacklist.
type HostsWhitelistedEvent struct {
	Hosts []netip.Addr
}

// BlockDownloadedEvent is published when a block was fully received.
type BlockDownloadedEvent struct {
	Peer     netwire.PeerAddress
	Hash     chainhash.Hash
	Bytes    uint64
	Duration time.Duration

	// Block is nil when the block was streamed, its content was then
	// delivered through PartialMsgReceivedEvent.
	Block *wire.MsgBlock
}

// BlockDiscardedEvent is published when a block could not be downloaded
// within the allowed attempts.
type BlockDiscardedEvent struct {
	Hash     chainhash.Hash
	Attempts int
	Reason   string
}

// NetStartedEvent is published once every handler started.
type NetStartedEvent struct{}

// NetStoppedEvent is published while the network is stopping.
type NetStoppedEvent struct{}

func (PeerConnectedEvent) isEvent()         {}
func (PeerDisconnectedEvent) isEvent()      {}
func (PeerRejectedEvent) isEvent()          {}
func (PeerHandshakedEvent) isEvent()        {}
func (PeerHandshakeRejectedEvent) isEvent() {}
func (MsgReceivedEvent) isEvent()           {}
func (PartialMsgReceivedEvent) isEvent()    {}
func (MsgSentEvent) isEvent()               {}
func (PeerStreamCorruptedEvent) isEvent()   {}
func (PingPongFailedEvent) isEvent()        {}
func (PingPongSucceededEvent) isEvent()     {}
func (HostsBlacklistedEvent) isEvent()      {}
func (HostsWhitelistedEvent) isEvent()      {}
func (BlockDownloadedEvent) isEvent()       {}
func (BlockDiscardedEvent) isEvent()        {}
func (NetStartedEvent) isEvent()            {}
func (NetStoppedEvent) isEvent()            {}

// Command returns the command of the received message.
func (e MsgReceivedEvent) Command() string {
	return e.Msg.Command()
}
