package handshake

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
)

const (
	// DefaultTimeout is the default time a handshake may take.
	DefaultTimeout = 30 * time.Second

	// DefaultMinVersion is the lowest protocol version accepted by
	// default.
	DefaultMinVersion = wire.SendHeadersVersion

	// DefaultUserAgentName is the default name advertised in version.
	DefaultUserAgentName = "btcp2p"

	// DefaultUserAgentVersion is the default version advertised in
	// version.
	DefaultUserAgentVersion = "0.1.0"

	// checkInterval is the period of the timeout check.
	checkInterval = time.Second
)

// Config holds the local identity and the accept policy of the Handler.
type Config struct {
	// Bus is used to receive connections and messages, and to send the
	// handshake messages.
	Bus *events.Bus

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives the timeout check.
	Ticker ticker.Ticker

	// ProtocolVersion is the local protocol version.
	ProtocolVersion uint32

	// Services are the services advertised in version.
	Services wire.ServiceFlag

	// UserAgentName and UserAgentVersion form the advertised user agent.
	UserAgentName    string
	UserAgentVersion string

	// RelayTx asks peers to relay transactions.
	RelayTx bool

	// BestHeight returns the height advertised in version.
	BestHeight func() int32

	// MinVersion is the lowest accepted peer protocol version.
	MinVersion uint32

	// UserAgentBlacklist rejects peers whose user agent contains any of
	// these strings.
	UserAgentBlacklist []string

	// UserAgentWhitelist, when not empty, only accepts peers whose user
	// agent contains one of these strings.
	UserAgentWhitelist []string

	// MinStartHeight is the lowest accepted peer start height.
	MinStartHeight int32

	// MaxPeers bounds the number of handshaked peers. Zero disables the
	// bound.
	MaxPeers int

	// Timeout is the time a handshake may take.
	Timeout time.Duration

	// LocalAddr is advertised as our address in version.
	LocalAddr netwire.PeerAddress
}

// peerHandshake is the progress of the handshake with one peer.
type peerHandshake struct {
	inbound   bool
	startedAt time.Time

	versionSent bool
	verackSent  bool
	remote      *wire.MsgVersion
	verackRcvd  bool
	localNonce  uint64
	negotiated  uint32
	completed   bool
}

// Handler drives the version/verack exchange of every new connection and
// applies the accept policy to the version sent by the peer.
type Handler struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	mu          sync.Mutex
	peers       map[netwire.PeerAddress]*peerHandshake
	localNonces map[uint64]struct{}
	handshaked  int

	subs events.Subscriptions

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(checkInterval)
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = wire.ProtocolVersion
	}
	if cfg.UserAgentName == "" {
		cfg.UserAgentName = DefaultUserAgentName
	}
	if cfg.UserAgentVersion == "" {
		cfg.UserAgentVersion = DefaultUserAgentVersion
	}
	if cfg.BestHeight == nil {
		cfg.BestHeight = func() int32 { return 0 }
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Handler{
		cfg:         cfg,
		peers:       make(map[netwire.PeerAddress]*peerHandshake),
		localNonces: make(map[uint64]struct{}),
		quit:        make(chan struct{}),
	}
}

// Name returns the name of the handler.
func (h *Handler) Name() string {
	return "handshake"
}

// Start subscribes the handler and launches the timeout check.
func (h *Handler) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Handshake handler starting (pver=%d, min=%d)",
		h.cfg.ProtocolVersion, h.cfg.MinVersion)

	bus := h.cfg.Bus
	h.subs.Add(events.Dispatch(bus, "handshake", h.handleEvent))
	if err := h.subs.Err(); err != nil {
		h.subs.Cancel()
		return err
	}

	h.cfg.Ticker.Resume()

	h.wg.Add(1)
	go h.timeoutChecker()

	return nil
}

// Stop cancels the subscriptions and the timeout check.
func (h *Handler) Stop() error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Handshake handler shutting down...")

	h.subs.Cancel()
	close(h.quit)
	h.wg.Wait()
	h.cfg.Ticker.Stop()

	return nil
}

// Handshaked returns the number of peers that completed the handshake.
func (h *Handler) Handshaked() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.handshaked
}

// timeoutChecker rejects the handshakes that took too long.
//
// NOTE: This method MUST be run as a goroutine.
func (h *Handler) timeoutChecker() {
	defer h.wg.Done()

	for {
		select {
		case <-h.cfg.Ticker.Ticks():
			h.checkTimeouts()

		case <-h.quit:
			return
		}
	}
}

// checkTimeouts rejects every pending handshake older than the timeout.
func (h *Handler) checkTimeouts() {
	now := h.cfg.Clock.Now()

	var expired []netwire.PeerAddress
	h.mu.Lock()
	for addr, hs := range h.peers {
		if !hs.completed && now.Sub(hs.startedAt) > h.cfg.Timeout {
			expired = append(expired, addr)
		}
	}
	h.mu.Unlock()

	for _, addr := range expired {
		h.reject(addr, events.HandshakeTimeout,
			fmt.Sprintf("no handshake after %v", h.cfg.Timeout))
	}
}

// handleEvent dispatches the events and requests the handler serves.
func (h *Handler) handleEvent(event any) {
	switch e := event.(type) {
	case events.PeerConnectedEvent:
		h.handlePeerConnected(e)

	case events.PeerDisconnectedEvent:
		h.handlePeerDisconnected(e)

	case events.MsgReceivedEvent:
		h.handleMsgReceived(e)
	}
}

// handlePeerConnected starts the handshake with a new connection. Outbound
// connections send their version first.
func (h *Handler) handlePeerConnected(e events.PeerConnectedEvent) {
	hs := &peerHandshake{
		inbound:   e.Inbound,
		startedAt: h.cfg.Clock.Now(),
	}

	h.mu.Lock()
	if _, ok := h.peers[e.Peer]; ok {
		// The version of an inbound peer was delivered first.
		h.mu.Unlock()
		return
	}
	h.peers[e.Peer] = hs
	var version *wire.MsgVersion
	if !e.Inbound {
		version = h.newVersion(e.Peer, hs)
	}
	h.mu.Unlock()

	if version != nil {
		h.send(e.Peer, version)
	}
}

// handlePeerDisconnected forgets the handshake of a closed connection.
func (h *Handler) handlePeerDisconnected(e events.PeerDisconnectedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.peers[e.Peer]
	if !ok {
		return
	}
	if hs.completed {
		h.handshaked--
	}
	delete(h.localNonces, hs.localNonce)
	delete(h.peers, e.Peer)
}

// handleMsgReceived processes version and verack messages.
func (h *Handler) handleMsgReceived(e events.MsgReceivedEvent) {
	switch msg := e.Msg.(type) {
	case *wire.MsgVersion:
		h.handleVersion(e.Peer, msg)

	case *wire.MsgVerAck:
		h.handleVerAck(e.Peer)
	}
}

// rejection is a failed policy check.
type rejection struct {
	reason events.HandshakeRejectReason
	detail string
}

// handleVersion applies the policy to the version of a peer and answers it.
func (h *Handler) handleVersion(addr netwire.PeerAddress,
	msg *wire.MsgVersion) {

	h.mu.Lock()
	hs, ok := h.peers[addr]
	if !ok {
		// Connection and message events travel on separate queues, so
		// the version of an inbound peer may overtake its connection.
		hs = &peerHandshake{
			inbound:   true,
			startedAt: h.cfg.Clock.Now(),
		}
		h.peers[addr] = hs
	}

	if hs.remote != nil {
		h.mu.Unlock()
		h.reject(addr, events.HandshakeProtocolViolation,
			"duplicate version message")

		return
	}

	if rej := h.checkVersion(msg); rej != nil {
		h.mu.Unlock()
		h.reject(addr, rej.reason, rej.detail)

		return
	}

	hs.remote = msg
	hs.negotiated = uint32(msg.ProtocolVersion)
	if hs.negotiated > h.cfg.ProtocolVersion {
		hs.negotiated = h.cfg.ProtocolVersion
	}

	var out []wire.Message
	if !hs.versionSent {
		out = append(out, h.newVersion(addr, hs))
	}
	hs.verackSent = true
	out = append(out, wire.NewMsgVerAck())
	h.mu.Unlock()

	log.Debugf("Received version from %v: pver=%d agent=%s height=%d",
		addr, msg.ProtocolVersion, msg.UserAgent, msg.LastBlock)

	for _, m := range out {
		h.send(addr, m)
	}

	h.maybeComplete(addr)
}

// checkVersion applies the accept policy. It must be called with the mutex
// held.
func (h *Handler) checkVersion(msg *wire.MsgVersion) *rejection {
	if _, ok := h.localNonces[msg.Nonce]; ok {
		return &rejection{
			reason: events.HandshakeSelfConnection,
			detail: "connected to ourselves",
		}
	}

	if msg.ProtocolVersion < int32(h.cfg.MinVersion) {
		return &rejection{
			reason: events.HandshakeWrongVersion,
			detail: fmt.Sprintf("protocol version %d below %d",
				msg.ProtocolVersion, h.cfg.MinVersion),
		}
	}

	agent := strings.ToLower(msg.UserAgent)
	for _, banned := range h.cfg.UserAgentBlacklist {
		if strings.Contains(agent, strings.ToLower(banned)) {
			return &rejection{
				reason: events.HandshakeWrongUserAgent,
				detail: fmt.Sprintf("user agent %q banned",
					msg.UserAgent),
			}
		}
	}

	if len(h.cfg.UserAgentWhitelist) > 0 {
		allowed := false
		for _, agentPart := range h.cfg.UserAgentWhitelist {
			if strings.Contains(agent, strings.ToLower(agentPart)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &rejection{
				reason: events.HandshakeWrongUserAgent,
				detail: fmt.Sprintf("user agent %q not allowed",
					msg.UserAgent),
			}
		}
	}

	if msg.LastBlock < h.cfg.MinStartHeight {
		return &rejection{
			reason: events.HandshakeWrongStartHeight,
			detail: fmt.Sprintf("start height %d below %d",
				msg.LastBlock, h.cfg.MinStartHeight),
		}
	}

	return nil
}

// handleVerAck records the verack of a peer.
func (h *Handler) handleVerAck(addr netwire.PeerAddress) {
	h.mu.Lock()
	hs, ok := h.peers[addr]
	if !ok {
		h.mu.Unlock()
		return
	}

	violation := !hs.versionSent || hs.verackRcvd
	hs.verackRcvd = true
	h.mu.Unlock()

	if violation {
		h.reject(addr, events.HandshakeProtocolViolation,
			"unexpected verack")

		return
	}

	h.maybeComplete(addr)
}

// maybeComplete publishes the handshake once both sides exchanged version
// and verack.
func (h *Handler) maybeComplete(addr netwire.PeerAddress) {
	h.mu.Lock()
	hs, ok := h.peers[addr]
	if !ok || hs.completed || hs.remote == nil || !hs.verackRcvd ||
		!hs.verackSent {

		h.mu.Unlock()
		return
	}

	if h.cfg.MaxPeers > 0 && h.handshaked >= h.cfg.MaxPeers {
		h.mu.Unlock()
		h.reject(addr, events.HandshakeMaxPeers,
			fmt.Sprintf("%d peers already handshaked",
				h.cfg.MaxPeers))

		return
	}

	hs.completed = true
	h.handshaked++
	event := events.PeerHandshakedEvent{
		Peer:            addr,
		Inbound:         hs.inbound,
		Version:         hs.remote,
		ProtocolVersion: hs.negotiated,
	}
	h.mu.Unlock()

	log.Infof("Handshake with %v completed (pver=%d, agent=%s)", addr,
		event.ProtocolVersion, event.Version.UserAgent)

	h.cfg.Bus.MustPublish(event)
}

// reject forgets the handshake of addr and asks for its disconnection.
func (h *Handler) reject(addr netwire.PeerAddress,
	reason events.HandshakeRejectReason, detail string) {

	h.mu.Lock()
	hs, ok := h.peers[addr]
	if ok {
		if hs.completed {
			h.handshaked--
		}
		delete(h.localNonces, hs.localNonce)
		delete(h.peers, addr)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	log.Infof("Handshake with %v rejected: %v (%s)", addr, reason, detail)

	h.cfg.Bus.MustPublish(events.PeerHandshakeRejectedEvent{
		Peer:   addr,
		Reason: reason,
		Detail: detail,
	})
	h.cfg.Bus.MustPublish(events.DisconnectPeerRequest{
		Peer:   addr,
		Reason: events.DisconnectHandshakeFailed,
	})
}

// newVersion builds our version message for addr and records its nonce. It
// must be called with the mutex held.
func (h *Handler) newVersion(addr netwire.PeerAddress,
	hs *peerHandshake) *wire.MsgVersion {

	nonce, err := wire.RandomUint64()
	if err != nil {
		log.Warnf("Unable to generate version nonce: %v", err)
	}

	you := wire.NewNetAddressIPPort(
		net.IP(addr.IP.AsSlice()), addr.Port, 0,
	)
	me := wire.NewNetAddressIPPort(
		net.IP(h.cfg.LocalAddr.IP.AsSlice()), h.cfg.LocalAddr.Port,
		h.cfg.Services,
	)

	msg := wire.NewMsgVersion(me, you, nonce, h.cfg.BestHeight())
	msg.ProtocolVersion = int32(h.cfg.ProtocolVersion)
	msg.Services = h.cfg.Services
	msg.DisableRelayTx = !h.cfg.RelayTx
	if err := msg.AddUserAgent(
		h.cfg.UserAgentName, h.cfg.UserAgentVersion,
	); err != nil {
		log.Warnf("Invalid user agent: %v", err)
	}

	hs.versionSent = true
	hs.localNonce = nonce
	h.localNonces[nonce] = struct{}{}

	return msg
}

// send asks the controller to send msg to addr.
func (h *Handler) send(addr netwire.PeerAddress, msg wire.Message) {
	h.cfg.Bus.MustPublish(events.SendMsgRequest{
		Peer: addr,
		Msg:  msg,
	})
}
