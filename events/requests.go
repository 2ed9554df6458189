package events

import (
	"net/netip"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/netwire"
)

// Request asks a handler to perform an action.
type Request interface {
	isRequest()
}

// SendMsgRequest asks the controller to send a message to one peer.
type SendMsgRequest struct {
	Peer netwire.PeerAddress
	Msg  wire.Message
}

// BroadcastMsgRequest asks the controller to send a message to every
// handshaked peer except the excluded ones.
type BroadcastMsgRequest struct {
	Msg     wire.Message
	Exclude []netwire.PeerAddress
}

// ConnectPeerRequest asks the controller to connect to a peer.
type ConnectPeerRequest struct {
	Peer netwire.PeerAddress
}

// DisconnectPeerRequest asks the controller to close a connection.
type DisconnectPeerRequest struct {
	Peer   netwire.PeerAddress
	Reason DisconnectReason
}

// BlocksDownloadRequest asks the downloader to fetch blocks from any
// suitable peer.
type BlocksDownloadRequest struct {
	Hashes []chainhash.Hash

	// WithPriority puts the blocks ahead of the pending queue.
	WithPriority bool
}

// BlocksDownloadFromPeerRequest asks the downloader to fetch blocks
// preferably, or only when Exclusive is set, from the given peer.
type BlocksDownloadFromPeerRequest struct {
	Peer      netwire.PeerAddress
	Hashes    []chainhash.Hash
	Exclusive bool
}

// BlocksCancelDownloadRequest stops assigning the given blocks.
type BlocksCancelDownloadRequest struct {
	Hashes []chainhash.Hash
}

// EnablePingPongRequest resumes liveness checks for a peer.
type EnablePingPongRequest struct {
	Peer netwire.PeerAddress
}

// DisablePingPongRequest suspends liveness checks for a peer. Incoming pings
// are still answered.
type DisablePingPongRequest struct {
	Peer netwire.PeerAddress
}

// BlacklistHostRequest blacklists a host on behalf of the application.
type BlacklistHostRequest struct {
	Host netip.Addr
}

// WhitelistHostRequest removes a host from the blacklist.
type WhitelistHostRequest struct {
	Host netip.Addr
}

func (SendMsgRequest) isRequest()                {}
func (BroadcastMsgRequest) isRequest()           {}
func (ConnectPeerRequest) isRequest()            {}
func (DisconnectPeerRequest) isRequest()         {}
func (BlocksDownloadRequest) isRequest()         {}
func (BlocksDownloadFromPeerRequest) isRequest() {}
func (BlocksCancelDownloadRequest) isRequest()   {}
func (EnablePingPongRequest) isRequest()         {}
func (DisablePingPongRequest) isRequest()        {}
func (BlacklistHostRequest) isRequest()          {}
func (WhitelistHostRequest) isRequest()          {}

// Handle subscribes handler to every event or request of type T.
func Handle[T any](bus *Bus, name string, handler func(T),
	opts ...eventbus.SubscribeOption) (*eventbus.Subscription, error) {

	return eventbus.Subscribe(bus, name, handler, opts...)
}

// Dispatch subscribes handler to every event and request published on bus.
// The handler switches over the types it serves and ignores the rest. All of
// them arrive through one queue, so the events of a peer are handled in the
// order they were published.
func Dispatch(bus *Bus, name string,
	handler func(any)) (*eventbus.Subscription, error) {

	return bus.SubscribeAny(name, nil, handler)
}

// Subscriptions collects the subscriptions of one handler so they can be
// cancelled together.
type Subscriptions struct {
	subs []*eventbus.Subscription
	err  error
}

// Add registers a subscription created by Handle, keeping the first error.
func (s *Subscriptions) Add(sub *eventbus.Subscription, err error) {
	if err != nil {
		if s.err == nil {
			s.err = err
		}
		return
	}

	s.subs = append(s.subs, sub)
}

// Err returns the first subscription error.
func (s *Subscriptions) Err() error {
	return s.err
}

// Cancel cancels every collected subscription.
func (s *Subscriptions) Cancel() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}
