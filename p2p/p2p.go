package p2p

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/blacklist"
	"github.com/netkit/btcp2p/discovery"
	"github.com/netkit/btcp2p/download"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/handshake"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
	"github.com/netkit/btcp2p/pingpong"
	"github.com/netkit/btcp2p/pool"
	"golang.org/x/sync/errgroup"
)

// DefaultCachePurgeInterval is the default period of the message cache
// purge.
const DefaultCachePurgeInterval = time.Minute

// Handler is a component wired to the event bus.
type Handler interface {
	// Name returns a short name used in logs.
	Name() string

	// Start subscribes the handler and launches its jobs.
	Start() error

	// Stop cancels the subscriptions and waits for the jobs to exit.
	Stop() error
}

// Config gathers the configuration of every component of the network. The
// Bus fields of the component configurations are set by New.
type Config struct {
	// Bus configures the event bus.
	Bus eventbus.Config

	// EventBus is used instead of a new bus when set, so handlers can be
	// built on it before the network.
	EventBus *events.Bus

	// Controller configures the connections.
	Controller ControllerConfig

	// StreamWorkers bounds the concurrent streaming decodes. Zero uses
	// the pool default.
	StreamWorkers int

	// Cache enables the shared message cache when set.
	Cache *msgstream.CacheConfig

	// CachePurgeInterval is the period of the cache purge.
	CachePurgeInterval time.Duration

	Handshake handshake.Config
	PingPong  pingpong.Config
	Blacklist blacklist.Config
	Download  download.Config

	// Discovery is optional. Without it, only the permanent peers and
	// explicit requests are dialed.
	Discovery *discovery.Config

	// Handlers are additional application handlers started with the
	// built-in ones.
	Handlers []Handler
}

// P2P is the network facade. It builds the event bus and every handler,
// starts and stops them together and exposes the application requests.
type P2P struct {
	started atomic.Bool
	stopped atomic.Bool

	bus *events.Bus

	controller *Controller
	handshake  *handshake.Handler
	pingPong   *pingpong.Handler
	blacklist  *blacklist.Handler
	discovery  *discovery.Handler
	downloader *download.Downloader

	workers *pool.Worker
	cache   *msgstream.MessageCache

	purgeTicker ticker.Ticker

	// handlers are started before the controller and stopped after it.
	handlers []Handler

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds the network from cfg.
func New(cfg Config) (*P2P, error) {
	bus := cfg.EventBus
	if bus == nil {
		bus = eventbus.New(cfg.Bus)
	}

	p := &P2P{
		bus:  bus,
		quit: make(chan struct{}),
	}

	p.workers = pool.NewWorker(&pool.WorkerConfig{
		NumWorkers: cfg.StreamWorkers,
	})

	if cfg.Cache != nil {
		p.cache = msgstream.NewMessageCache(*cfg.Cache)
		cfg.Controller.Stream.Cache = p.cache

		interval := cfg.CachePurgeInterval
		if interval <= 0 {
			interval = DefaultCachePurgeInterval
		}
		p.purgeTicker = ticker.New(interval)
	}

	cfg.Blacklist.Bus = bus
	p.blacklist = blacklist.New(cfg.Blacklist)

	cfg.Handshake.Bus = bus
	p.handshake = handshake.New(cfg.Handshake)

	cfg.PingPong.Bus = bus
	p.pingPong = pingpong.New(cfg.PingPong)

	cfg.Download.Bus = bus
	p.downloader = download.New(cfg.Download)

	p.handlers = []Handler{
		p.blacklist, p.handshake, p.pingPong, p.downloader,
	}

	if cfg.Discovery != nil {
		cfg.Discovery.Bus = bus
		p.discovery = discovery.New(*cfg.Discovery)
		p.handlers = append(p.handlers, p.discovery)

		if cfg.Controller.GetNewAddress == nil {
			cfg.Controller.GetNewAddress = p.discovery.GetNewAddress
		}
	}

	p.handlers = append(p.handlers, cfg.Handlers...)

	cfg.Controller.Bus = bus
	cfg.Controller.StreamWorkers = p.workers
	if cfg.Controller.IsBlacklisted == nil {
		cfg.Controller.IsBlacklisted = p.blacklist.IsBlacklisted
	}

	controller, err := NewController(cfg.Controller)
	if err != nil {
		return nil, fmt.Errorf("unable to create controller: %w", err)
	}
	p.controller = controller

	return p, nil
}

// Start starts the bus, the handlers concurrently, then the controller.
func (p *P2P) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("P2P network starting")

	if err := p.bus.Start(); err != nil {
		return fmt.Errorf("unable to start event bus: %w", err)
	}
	if err := p.workers.Start(); err != nil {
		return fmt.Errorf("unable to start stream workers: %w", err)
	}

	var eg errgroup.Group
	for _, h := range p.handlers {
		eg.Go(func() error {
			log.Debugf("Starting handler %s", h.Name())

			if err := h.Start(); err != nil {
				return fmt.Errorf("unable to start %s: %w",
					h.Name(), err)
			}

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		p.stopHandlers()
		_ = p.bus.Stop()

		return err
	}

	// Connections are only accepted once every handler listens.
	if err := p.controller.Start(); err != nil {
		p.stopHandlers()
		_ = p.bus.Stop()

		return err
	}

	if p.purgeTicker != nil {
		p.purgeTicker.Resume()

		p.wg.Add(1)
		go p.cachePurger()
	}

	p.bus.MustPublish(events.NetStartedEvent{})

	log.Info("P2P network started")

	return nil
}

// Stop closes every connection, then stops the handlers and the bus.
func (p *P2P) Stop() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("P2P network shutting down...")
	defer log.Info("P2P network shutdown complete")

	p.bus.MustPublish(events.NetStoppedEvent{})

	close(p.quit)
	p.wg.Wait()
	if p.purgeTicker != nil {
		p.purgeTicker.Stop()
	}

	if err := p.controller.Stop(); err != nil {
		log.Errorf("Unable to stop controller: %v", err)
	}

	p.stopHandlers()

	if err := p.workers.Stop(); err != nil {
		log.Errorf("Unable to stop stream workers: %v", err)
	}

	return p.bus.Stop()
}

// stopHandlers stops every handler in reverse order.
func (p *P2P) stopHandlers() {
	for i := len(p.handlers) - 1; i >= 0; i-- {
		h := p.handlers[i]
		if err := h.Stop(); err != nil {
			log.Errorf("Unable to stop %s: %v", h.Name(), err)
		}
	}
}

// cachePurger drops the idle entries of the message cache.
//
// NOTE: This method MUST be run as a goroutine.
func (p *P2P) cachePurger() {
	defer p.wg.Done()

	for {
		select {
		case <-p.purgeTicker.Ticks():
			if n := p.cache.PurgeExpired(); n > 0 {
				hits, misses := p.cache.Stats()
				log.Debugf("Purged %d cached messages "+
					"(hits=%d, misses=%d)", n, hits, misses)
			}

		case <-p.quit:
			return
		}
	}
}

// Events returns the bus applications subscribe to with events.Handle.
func (p *P2P) Events() *events.Bus {
	return p.bus
}

// Send queues msg to one peer.
func (p *P2P) Send(peer netwire.PeerAddress, msg wire.Message) error {
	return p.bus.Publish(events.SendMsgRequest{Peer: peer, Msg: msg})
}

// Broadcast queues msg to every handshaked peer but the excluded ones.
func (p *P2P) Broadcast(msg wire.Message,
	exclude ...netwire.PeerAddress) error {

	return p.bus.Publish(events.BroadcastMsgRequest{
		Msg:     msg,
		Exclude: exclude,
	})
}

// DownloadBlocks asks the downloader to fetch the blocks.
func (p *P2P) DownloadBlocks(withPriority bool,
	hashes ...chainhash.Hash) error {

	return p.bus.Publish(events.BlocksDownloadRequest{
		Hashes:       hashes,
		WithPriority: withPriority,
	})
}

// DownloadBlocksFromPeer asks the downloader to fetch the blocks from peer,
// only from it when exclusive is set.
func (p *P2P) DownloadBlocksFromPeer(peer netwire.PeerAddress,
	exclusive bool, hashes ...chainhash.Hash) error {

	return p.bus.Publish(events.BlocksDownloadFromPeerRequest{
		Peer:      peer,
		Hashes:    hashes,
		Exclusive: exclusive,
	})
}

// CancelDownload stops assigning the blocks.
func (p *P2P) CancelDownload(hashes ...chainhash.Hash) error {
	return p.bus.Publish(events.BlocksCancelDownloadRequest{
		Hashes: hashes,
	})
}

// EnablePingPong resumes the liveness checks of peer.
func (p *P2P) EnablePingPong(peer netwire.PeerAddress) error {
	return p.bus.Publish(events.EnablePingPongRequest{Peer: peer})
}

// DisablePingPong suspends the liveness checks of peer.
func (p *P2P) DisablePingPong(peer netwire.PeerAddress) error {
	return p.bus.Publish(events.DisablePingPongRequest{Peer: peer})
}

// Connect asks the controller to dial peer.
func (p *P2P) Connect(peer netwire.PeerAddress) error {
	return p.bus.Publish(events.ConnectPeerRequest{Peer: peer})
}

// Disconnect asks the controller to close the connection with peer.
func (p *P2P) Disconnect(peer netwire.PeerAddress) error {
	return p.bus.Publish(events.DisconnectPeerRequest{
		Peer:   peer,
		Reason: events.DisconnectRequested,
	})
}

// BlacklistHost blacklists host on behalf of the application.
func (p *P2P) BlacklistHost(host netip.Addr) error {
	return p.bus.Publish(events.BlacklistHostRequest{Host: host})
}

// WhitelistHost removes host from the blacklist.
func (p *P2P) WhitelistHost(host netip.Addr) error {
	return p.bus.Publish(events.WhitelistHostRequest{Host: host})
}

// Peers returns a snapshot of every connection.
func (p *P2P) Peers() []PeerInfo {
	return p.controller.Peers()
}

// Handshaked returns the number of handshaked peers.
func (p *P2P) Handshaked() int {
	return p.handshake.Handshaked()
}

// Blacklisted returns the blacklisted hosts and their reason.
func (p *P2P) Blacklisted() map[netip.Addr]events.BlacklistReason {
	return p.blacklist.Blacklisted()
}

// DownloadStats returns the progress of the downloader.
func (p *P2P) DownloadStats() download.Stats {
	return p.downloader.Stats()
}

// Registries returns the registries the download strategies decide upon,
// so the application can set exclusivity and priority directly.
func (p *P2P) Registries() *download.Registries {
	return p.downloader.Registries()
}

// PingPongInfo returns the liveness record of peer.
func (p *P2P) PingPongInfo(peer netwire.PeerAddress) (pingpong.PeerInfo,
	bool) {

	info := p.pingPong.PeerInfo(peer)
	return info.UnwrapOr(pingpong.PeerInfo{}), info.IsSome()
}

// AddAddress adds a candidate peer to the discovery pool. It returns false
// when discovery is disabled or the address was already known.
func (p *P2P) AddAddress(peer netwire.PeerAddress) bool {
	if p.discovery == nil {
		return false
	}

	return p.discovery.AddAddress(peer)
}

// A compile time check to ensure the components implement the Handler
// interface.
var (
	_ Handler = (*Controller)(nil)
	_ Handler = (*handshake.Handler)(nil)
	_ Handler = (*pingpong.Handler)(nil)
	_ Handler = (*blacklist.Handler)(nil)
	_ Handler = (*discovery.Handler)(nil)
	_ Handler = (*download.Downloader)(nil)
)
