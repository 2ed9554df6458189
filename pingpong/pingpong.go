package pingpong

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
)

const (
	// DefaultInactivityTimeout is the default silence after which a ping is
	// sent.
	DefaultInactivityTimeout = 240 * time.Second

	// DefaultResponseTimeout is the default time a peer has to answer a
	// ping.
	DefaultResponseTimeout = 180 * time.Second

	// DefaultCheckInterval is the default period of the liveness check.
	DefaultCheckInterval = time.Second
)

// Config is a structure containing the parameters that govern how the
// Handler behaves.
type Config struct {
	// Bus is used to receive messages and to send pings, pongs and
	// disconnection requests.
	Bus *events.Bus

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives the periodic liveness check. Defaults to a ticker
	// firing every CheckInterval.
	Ticker ticker.Ticker

	// InactivityTimeout is the silence after which a ping is sent.
	InactivityTimeout time.Duration

	// ResponseTimeout is the time a peer has to answer a ping.
	ResponseTimeout time.Duration

	// CheckInterval is the period of the liveness check.
	CheckInterval time.Duration

	// NewNonce returns the nonce of the next ping.
	NewNonce func() uint64
}

// outstandingPing is a ping waiting for its pong.
type outstandingPing struct {
	nonce  uint64
	sentAt time.Time
}

// peerState is the liveness record of one handshaked peer.
type peerState struct {
	mu sync.Mutex

	lastActivity time.Time
	ping         fn.Option[outstandingPing]
	enabled      bool
	rtt          time.Duration
}

// PeerInfo is a snapshot of the liveness record of a peer.
type PeerInfo struct {
	LastActivity time.Time
	PingPending  bool
	Enabled      bool

	// RTT is the round trip of the last successful ping, zero if none
	// completed yet.
	RTT time.Duration
}

// Handler keeps every handshaked peer alive. It pings peers that stayed
// silent for too long, answers their pings and disconnects the ones that
// fail to answer correctly.
type Handler struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	mu    sync.RWMutex
	peers map[netwire.PeerAddress]*peerState

	subs events.Subscriptions

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(cfg.CheckInterval)
	}
	if cfg.NewNonce == nil {
		cfg.NewNonce = randomNonce
	}

	return &Handler{
		cfg:   cfg,
		peers: make(map[netwire.PeerAddress]*peerState),
		quit:  make(chan struct{}),
	}
}

// randomNonce returns a random ping nonce.
func randomNonce() uint64 {
	nonce, err := wire.RandomUint64()
	if err != nil {
		log.Warnf("Unable to generate ping nonce: %v", err)
	}

	return nonce
}

// Name returns the name of the handler.
func (h *Handler) Name() string {
	return "pingpong"
}

// Start subscribes the handler and launches the liveness check.
func (h *Handler) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("PingPong handler starting (inactivity=%v, response=%v)",
		h.cfg.InactivityTimeout, h.cfg.ResponseTimeout)

	bus := h.cfg.Bus
	h.subs.Add(events.Dispatch(bus, "pingpong", h.handleEvent))
	if err := h.subs.Err(); err != nil {
		h.subs.Cancel()
		return err
	}

	h.cfg.Ticker.Resume()

	h.wg.Add(1)
	go h.checker()

	return nil
}

// Stop cancels the subscriptions and the liveness check.
func (h *Handler) Stop() error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("PingPong handler shutting down...")

	h.subs.Cancel()
	close(h.quit)
	h.wg.Wait()
	h.cfg.Ticker.Stop()

	return nil
}

// checker runs the liveness check on every tick.
//
// NOTE: This method MUST be run as a goroutine.
func (h *Handler) checker() {
	defer h.wg.Done()

	for {
		select {
		case <-h.cfg.Ticker.Ticks():
			h.checkPeers()

		case <-h.quit:
			return
		}
	}
}

// snapshot returns the tracked peers.
func (h *Handler) snapshot() map[netwire.PeerAddress]*peerState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make(map[netwire.PeerAddress]*peerState, len(h.peers))
	for addr, state := range h.peers {
		peers[addr] = state
	}

	return peers
}

// peer returns the state of addr, if tracked.
func (h *Handler) peer(addr netwire.PeerAddress) fn.Option[*peerState] {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, ok := h.peers[addr]
	if !ok {
		return fn.None[*peerState]()
	}

	return fn.Some(state)
}

// checkPeers sends pings to silent peers and fails the ones whose ping timed
// out.
func (h *Handler) checkPeers() {
	now := h.cfg.Clock.Now()

	var (
		timedOut []netwire.PeerAddress
		toPing   = make(map[netwire.PeerAddress]uint64)
	)
	for addr, state := range h.snapshot() {
		state.mu.Lock()
		if !state.enabled {
			state.mu.Unlock()
			continue
		}

		switch {
		case state.ping.IsSome():
			ping := state.ping.UnwrapOr(outstandingPing{})
			if now.Sub(ping.sentAt) > h.cfg.ResponseTimeout {
				timedOut = append(timedOut, addr)
			}

		case now.Sub(state.lastActivity) > h.cfg.InactivityTimeout:
			nonce := h.cfg.NewNonce()
			state.ping = fn.Some(outstandingPing{
				nonce:  nonce,
				sentAt: now,
			})
			toPing[addr] = nonce
		}
		state.mu.Unlock()
	}

	for addr, nonce := range toPing {
		log.Debugf("Pinging inactive peer %v (nonce=%d)", addr, nonce)

		h.cfg.Bus.MustPublish(events.SendMsgRequest{
			Peer: addr,
			Msg:  wire.NewMsgPing(nonce),
		})
	}

	for _, addr := range timedOut {
		h.fail(addr, events.PingPongTimeout)
	}
}

// fail forgets addr and asks for its disconnection.
func (h *Handler) fail(addr netwire.PeerAddress,
	reason events.PingPongFailure) {

	h.mu.Lock()
	_, ok := h.peers[addr]
	delete(h.peers, addr)
	h.mu.Unlock()

	if !ok {
		return
	}

	log.Infof("Peer %v failed ping/pong: %v", addr, reason)

	h.cfg.Bus.MustPublish(events.PingPongFailedEvent{
		Peer:   addr,
		Reason: reason,
	})
	h.cfg.Bus.MustPublish(events.DisconnectPeerRequest{
		Peer:   addr,
		Reason: events.DisconnectPingPongFailed,
	})
}

// handleEvent dispatches the events and requests the handler serves.
func (h *Handler) handleEvent(event any) {
	switch e := event.(type) {
	case events.PeerHandshakedEvent:
		h.handlePeerHandshaked(e)

	case events.PeerDisconnectedEvent:
		h.handlePeerDisconnected(e)

	case events.MsgReceivedEvent:
		h.handleMsgReceived(e)

	case events.PartialMsgReceivedEvent:
		h.handlePartialMsgReceived(e)

	case events.EnablePingPongRequest:
		h.handleEnable(e)

	case events.DisablePingPongRequest:
		h.handleDisable(e)
	}
}

// handlePeerHandshaked starts tracking a peer.
func (h *Handler) handlePeerHandshaked(e events.PeerHandshakedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.peers[e.Peer] = &peerState{
		lastActivity: h.cfg.Clock.Now(),
		enabled:      true,
	}
}

// handlePeerDisconnected forgets a peer.
func (h *Handler) handlePeerDisconnected(e events.PeerDisconnectedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.peers, e.Peer)
}

// handleMsgReceived records activity, answers pings and validates pongs.
func (h *Handler) handleMsgReceived(e events.MsgReceivedEvent) {
	// Pings are answered even for peers with the check disabled.
	if ping, ok := e.Msg.(*wire.MsgPing); ok {
		h.cfg.Bus.MustPublish(events.SendMsgRequest{
			Peer: e.Peer,
			Msg:  wire.NewMsgPong(ping.Nonce),
		})
	}

	h.peer(e.Peer).WhenSome(func(state *peerState) {
		now := h.cfg.Clock.Now()

		pong, ok := e.Msg.(*wire.MsgPong)
		if !ok {
			state.mu.Lock()
			state.lastActivity = now
			state.mu.Unlock()

			return
		}

		h.handlePong(e.Peer, state, pong, now)
	})
}

// handlePong validates a pong against the outstanding ping.
func (h *Handler) handlePong(addr netwire.PeerAddress, state *peerState,
	pong *wire.MsgPong, now time.Time) {

	state.mu.Lock()
	state.lastActivity = now

	if state.ping.IsNone() {
		state.mu.Unlock()
		h.fail(addr, events.PingPongMissingPing)

		return
	}

	ping := state.ping.UnwrapOr(outstandingPing{})
	if ping.nonce != pong.Nonce {
		state.mu.Unlock()

		log.Debugf("Peer %v answered nonce %d, expected %d", addr,
			pong.Nonce, ping.nonce)
		h.fail(addr, events.PingPongWrongNonce)

		return
	}

	rtt := now.Sub(ping.sentAt)
	state.rtt = rtt
	state.ping = fn.None[outstandingPing]()
	state.mu.Unlock()

	log.Tracef("Peer %v ping round trip %v", addr, rtt)

	h.cfg.Bus.MustPublish(events.PingPongSucceededEvent{
		Peer: addr,
		RTT:  rtt,
	})
}

// handlePartialMsgReceived records the activity of a streaming peer.
func (h *Handler) handlePartialMsgReceived(e events.PartialMsgReceivedEvent) {
	h.peer(e.Peer).WhenSome(func(state *peerState) {
		state.mu.Lock()
		state.lastActivity = h.cfg.Clock.Now()
		state.mu.Unlock()
	})
}

// handleEnable resumes the check of a peer.
func (h *Handler) handleEnable(r events.EnablePingPongRequest) {
	h.setEnabled(r.Peer, true)
}

// handleDisable suspends the check of a peer.
func (h *Handler) handleDisable(r events.DisablePingPongRequest) {
	h.setEnabled(r.Peer, false)
}

// setEnabled toggles the check of a peer. Re-enabling restarts the
// inactivity window.
func (h *Handler) setEnabled(addr netwire.PeerAddress, enabled bool) {
	h.peer(addr).WhenSome(func(state *peerState) {
		state.mu.Lock()
		defer state.mu.Unlock()

		if enabled && !state.enabled {
			state.lastActivity = h.cfg.Clock.Now()
		}
		state.enabled = enabled
	})

	log.Debugf("PingPong for %v enabled=%v", addr, enabled)
}

// PeerInfo returns the liveness record of addr.
func (h *Handler) PeerInfo(addr netwire.PeerAddress) fn.Option[PeerInfo] {
	return fn.MapOption(func(state *peerState) PeerInfo {
		state.mu.Lock()
		defer state.mu.Unlock()

		return PeerInfo{
			LastActivity: state.lastActivity,
			PingPending:  state.ping.IsSome(),
			Enabled:      state.enabled,
			RTT:          state.rtt,
		}
	})(h.peer(addr))
}
