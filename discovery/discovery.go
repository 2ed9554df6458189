package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
	"golang.org/x/time/rate"
)

const (
	// DefaultPoolSize is the default number of addresses kept.
	DefaultPoolSize = 5_000

	// DefaultBootstrapAddrs is the default number of addresses requested
	// from the bootstrappers.
	DefaultBootstrapAddrs = 100

	// DefaultAttemptRate is the default number of new connection attempts
	// per second.
	DefaultAttemptRate = 5

	// DefaultRetryInterval is the default time before an address is tried
	// again.
	DefaultRetryInterval = 10 * time.Minute

	// DefaultMaxAttempts is the default number of failed attempts after
	// which an address is forgotten.
	DefaultMaxAttempts = 3

	// DefaultBootstrapTimeout is the default time the bootstrap may take.
	DefaultBootstrapTimeout = time.Minute

	// maxAddrResponse is the maximum number of addresses sent in reply to
	// a getaddr.
	maxAddrResponse = wire.MaxAddrPerMsg
)

var (
	// ErrNoAddress is returned when no address can be handed out.
	ErrNoAddress = errors.New("no peer address available")

	// ErrRateLimited is returned when addresses are requested faster than
	// the configured attempt rate.
	ErrRateLimited = errors.New("connection attempt rate exceeded")
)

// Config holds the sources and the pacing of the Handler.
type Config struct {
	// Bus is used to learn addresses and to follow the peer set.
	Bus *events.Bus

	// Clock is the time source.
	Clock clock.Clock

	// Bootstrappers are queried once at start.
	Bootstrappers []PeerBootstrapper

	// PoolSize bounds the number of addresses kept.
	PoolSize uint64

	// BootstrapAddrs is the number of addresses requested from the
	// bootstrappers.
	BootstrapAddrs uint32

	// BootstrapTimeout bounds the time spent bootstrapping.
	BootstrapTimeout time.Duration

	// AttemptRate bounds the number of addresses handed out per second.
	AttemptRate rate.Limit

	// AttemptBurst is the number of addresses that may be handed out at
	// once.
	AttemptBurst int

	// RetryInterval is the time before an address is tried again.
	RetryInterval time.Duration

	// MaxAttempts is the number of failed attempts after which an address
	// is forgotten.
	MaxAttempts uint32
}

// Handler maintains the pool of known peer addresses and hands out the next
// address to connect to.
type Handler struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	pool    *AddressPool
	limiter *rate.Limiter

	mu          sync.Mutex
	connected   map[netwire.PeerAddress]struct{}
	blacklisted map[netip.Addr]struct{}

	subs events.Subscriptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.BootstrapAddrs == 0 {
		cfg.BootstrapAddrs = DefaultBootstrapAddrs
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if cfg.AttemptRate <= 0 {
		cfg.AttemptRate = DefaultAttemptRate
	}
	if cfg.AttemptBurst <= 0 {
		cfg.AttemptBurst = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return &Handler{
		cfg:         cfg,
		pool:        NewAddressPool(cfg.PoolSize, cfg.Clock),
		limiter:     rate.NewLimiter(cfg.AttemptRate, cfg.AttemptBurst),
		connected:   make(map[netwire.PeerAddress]struct{}),
		blacklisted: make(map[netip.Addr]struct{}),
	}
}

// Name returns the name of the handler.
func (h *Handler) Name() string {
	return "discovery"
}

// Start subscribes the handler and bootstraps the pool in the background.
func (h *Handler) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Discovery handler starting with %d bootstrappers",
		len(h.cfg.Bootstrappers))

	bus := h.cfg.Bus
	h.subs.Add(events.Dispatch(bus, "discovery", h.handleEvent))
	if err := h.subs.Err(); err != nil {
		h.subs.Cancel()
		return err
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), h.cfg.BootstrapTimeout,
	)
	h.cancel = cancel

	h.wg.Add(1)
	go h.bootstrap(ctx)

	return nil
}

// Stop cancels the subscriptions and any bootstrap in progress.
func (h *Handler) Stop() error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Discovery handler shutting down...")

	h.subs.Cancel()
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	return nil
}

// bootstrap fills the pool from the bootstrappers.
//
// NOTE: This method MUST be run as a goroutine.
func (h *Handler) bootstrap(ctx context.Context) {
	defer h.wg.Done()

	addrs := MultiSourceBootstrap(
		ctx, nil, h.cfg.BootstrapAddrs, h.cfg.Bootstrappers...,
	)

	added := 0
	for _, addr := range addrs {
		if h.pool.Add(addr, 0, "bootstrap") {
			added++
		}
	}

	log.Infof("Bootstrapped address pool with %d new addresses", added)
}

// AddAddress inserts addr in the pool.
func (h *Handler) AddAddress(addr netwire.PeerAddress) bool {
	return h.pool.Add(addr, 0, "client")
}

// KnownAddresses returns the number of addresses in the pool.
func (h *Handler) KnownAddresses() int {
	return h.pool.Len()
}

// skip reports whether addr must not be handed out.
func (h *Handler) skip(addr netwire.PeerAddress, lastAttempt time.Time) bool {
	if !lastAttempt.IsZero() &&
		h.cfg.Clock.Now().Sub(lastAttempt) < h.cfg.RetryInterval {

		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connected[addr]; ok {
		return true
	}
	_, ok := h.blacklisted[addr.Host()]

	return ok
}

// GetNewAddress returns the next address to connect to. Connected, recently
// tried and blacklisted addresses are skipped.
//
// NOTE: This is used as the connmgr.Config.GetNewAddress callback.
func (h *Handler) GetNewAddress() (net.Addr, error) {
	if !h.limiter.Allow() {
		return nil, ErrRateLimited
	}

	sampled := h.pool.Sample(1, h.skip)
	if len(sampled) == 0 {
		return nil, ErrNoAddress
	}

	ip, _ := netip.AddrFromSlice(sampled[0].IP)
	addr := netwire.NewPeerAddress(ip, sampled[0].Port)
	h.pool.Attempted(addr)

	log.Debugf("Handing out address %v", addr)

	return addr, nil
}

// handleEvent dispatches the events and requests the handler serves.
func (h *Handler) handleEvent(event any) {
	switch e := event.(type) {
	case events.PeerConnectedEvent:
		h.handlePeerConnected(e)

	case events.PeerDisconnectedEvent:
		h.handlePeerDisconnected(e)

	case events.PeerRejectedEvent:
		h.handlePeerRejected(e)

	case events.PeerHandshakedEvent:
		h.handlePeerHandshaked(e)

	case events.MsgReceivedEvent:
		h.handleMsgReceived(e)

	case events.HostsBlacklistedEvent:
		h.handleHostsBlacklisted(e)

	case events.HostsWhitelistedEvent:
		h.handleHostsWhitelisted(e)
	}
}

// handlePeerConnected marks the peer as connected.
func (h *Handler) handlePeerConnected(e events.PeerConnectedEvent) {
	h.mu.Lock()
	h.connected[e.Peer] = struct{}{}
	h.mu.Unlock()

	if !e.Inbound {
		h.pool.Good(e.Peer)
	}
}

// handlePeerDisconnected marks the peer as no longer connected.
func (h *Handler) handlePeerDisconnected(e events.PeerDisconnectedEvent) {
	h.mu.Lock()
	delete(h.connected, e.Peer)
	h.mu.Unlock()
}

// handlePeerRejected forgets the addresses we repeatedly failed to dial.
func (h *Handler) handlePeerRejected(e events.PeerRejectedEvent) {
	if e.Reason != events.RejectDialFailed {
		return
	}

	if h.pool.Attempted(e.Peer) >= h.cfg.MaxAttempts {
		log.Debugf("Forgetting address %v after %d failed attempts",
			e.Peer, h.cfg.MaxAttempts)

		h.pool.Remove(e.Peer)
	}
}

// handlePeerHandshaked asks the new peer for the addresses it knows.
func (h *Handler) handlePeerHandshaked(e events.PeerHandshakedEvent) {
	h.cfg.Bus.MustPublish(events.SendMsgRequest{
		Peer: e.Peer,
		Msg:  wire.NewMsgGetAddr(),
	})
}

// handleMsgReceived learns from addr messages and answers getaddr ones.
func (h *Handler) handleMsgReceived(e events.MsgReceivedEvent) {
	switch msg := e.Msg.(type) {
	case *wire.MsgAddr:
		added := 0
		for _, na := range msg.AddrList {
			ip, ok := netip.AddrFromSlice(na.IP)
			if !ok {
				continue
			}

			addr := netwire.NewPeerAddress(ip, na.Port)
			if h.pool.Add(addr, na.Services, e.Peer.String()) {
				added++
			}
		}

		log.Debugf("Learned %d new addresses out of %d from %v",
			added, len(msg.AddrList), e.Peer)

	case *wire.MsgGetAddr:
		reply := wire.NewMsgAddr()
		sampled := h.pool.Sample(maxAddrResponse,
			func(addr netwire.PeerAddress, _ time.Time) bool {
				return addr == e.Peer
			},
		)
		if err := reply.AddAddresses(sampled...); err != nil {
			log.Errorf("Unable to build addr reply: %v", err)
			return
		}

		h.cfg.Bus.MustPublish(events.SendMsgRequest{
			Peer: e.Peer,
			Msg:  reply,
		})
	}
}

// handleHostsBlacklisted stops handing out the blacklisted hosts.
func (h *Handler) handleHostsBlacklisted(e events.HostsBlacklistedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for host := range e.Hosts {
		h.blacklisted[host] = struct{}{}
	}
}

// handleHostsWhitelisted hands out the whitelisted hosts again.
func (h *Handler) handleHostsWhitelisted(e events.HostsWhitelistedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, host := range e.Hosts {
		delete(h.blacklisted, host)
	}
}
