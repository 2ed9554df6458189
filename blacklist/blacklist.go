package blacklist

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/events"
)

const (
	// DefaultCheckInterval is the default period of the expiry job.
	DefaultCheckInterval = 5 * time.Minute

	// DefaultMaxHosts is the default number of hosts tracked.
	DefaultMaxHosts = 10_000

	// DefaultFailedHandshakes is the default number of failed handshakes
	// that blacklists a host.
	DefaultFailedHandshakes = 3

	// DefaultSerializationErrors is the default number of corrupted
	// streams that blacklists a host.
	DefaultSerializationErrors = 3

	// DefaultConnectionRejections is the default number of refused
	// connections that blacklists a host.
	DefaultConnectionRejections = 3
)

// DefaultExpirations returns how long each reason keeps a host blacklisted.
// Reasons without an entry never expire.
func DefaultExpirations() map[events.BlacklistReason]time.Duration {
	return map[events.BlacklistReason]time.Duration{
		events.BlacklistConnectionRejected: 10 * time.Minute,
		events.BlacklistSerializationError: 24 * time.Hour,
	}
}

// Store persists the blacklisted hosts across restarts.
type Store interface {
	// Load returns the persisted hosts.
	Load() ([]Record, error)

	// Save replaces the persisted hosts.
	Save(records []Record) error
}

// Config holds the thresholds and dependencies of the Handler.
type Config struct {
	// Bus is used to observe failures and to publish blacklist changes.
	Bus *events.Bus

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives the expiry job. Defaults to CheckInterval.
	Ticker ticker.Ticker

	// CheckInterval is the period of the expiry job.
	CheckInterval time.Duration

	// MaxHosts bounds the number of hosts tracked.
	MaxHosts uint64

	// FailedHandshakes blacklists a host once reached.
	FailedHandshakes uint32

	// SerializationErrors blacklists a host once reached.
	SerializationErrors uint32

	// ConnectionRejections blacklists a host once reached.
	ConnectionRejections uint32

	// Expirations maps a reason to the time it keeps a host blacklisted.
	Expirations map[events.BlacklistReason]time.Duration

	// Store persists the blacklisted hosts. Optional.
	Store Store
}

// hostInfo is the reputation of one host.
type hostInfo struct {
	mu sync.Mutex

	failedHandshakes     uint32
	failedPingPongs      uint32
	connectionRejections uint32
	serializationErrors  uint32

	reason    fn.Option[events.BlacklistReason]
	since     time.Time
	published bool
}

// Size returns the "size" of an entry.
func (h *hostInfo) Size() (uint64, error) {
	return 1, nil
}

// HostInfo is a snapshot of the reputation of a host.
type HostInfo struct {
	FailedHandshakes     uint32
	FailedPingPongs      uint32
	ConnectionRejections uint32
	SerializationErrors  uint32

	// Reason is set while the host is blacklisted.
	Reason fn.Option[events.BlacklistReason]
	Since  time.Time
}

// Handler keeps the reputation of every host seen. Hosts failing too often
// are blacklisted, which only prevents future connections, and whitelisted
// again once the expiration tied to their reason elapsed.
type Handler struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	// mu guards the creation of host entries and moves between hosts and
	// banned.
	mu sync.Mutex

	// hosts holds the hosts that are not blacklisted. The least recently
	// seen are evicted once MaxHosts is reached.
	hosts *lru.Cache[netip.Addr, *hostInfo]

	// banned holds the blacklisted hosts. They are never evicted, only
	// whitelisted.
	banned map[netip.Addr]*hostInfo

	subs events.Subscriptions

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Handler.
func New(cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(cfg.CheckInterval)
	}
	if cfg.MaxHosts == 0 {
		cfg.MaxHosts = DefaultMaxHosts
	}
	if cfg.FailedHandshakes == 0 {
		cfg.FailedHandshakes = DefaultFailedHandshakes
	}
	if cfg.SerializationErrors == 0 {
		cfg.SerializationErrors = DefaultSerializationErrors
	}
	if cfg.ConnectionRejections == 0 {
		cfg.ConnectionRejections = DefaultConnectionRejections
	}
	if cfg.Expirations == nil {
		cfg.Expirations = DefaultExpirations()
	}

	return &Handler{
		cfg:   cfg,
		hosts:  lru.NewCache[netip.Addr, *hostInfo](cfg.MaxHosts),
		banned: make(map[netip.Addr]*hostInfo),
		quit:   make(chan struct{}),
	}
}

// Name returns the name of the handler.
func (h *Handler) Name() string {
	return "blacklist"
}

// Start loads the persisted hosts, publishes them and launches the expiry
// job.
func (h *Handler) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Blacklist handler starting")

	if err := h.load(); err != nil {
		return err
	}

	bus := h.cfg.Bus
	h.subs.Add(events.Dispatch(bus, "blacklist", h.handleEvent))
	if err := h.subs.Err(); err != nil {
		h.subs.Cancel()
		return err
	}

	h.cfg.Ticker.Resume()

	h.wg.Add(1)
	go h.expiryJob()

	return nil
}

// Stop halts the expiry job and persists the blacklisted hosts.
func (h *Handler) Stop() error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Blacklist handler shutting down...")

	h.subs.Cancel()
	close(h.quit)
	h.wg.Wait()
	h.cfg.Ticker.Stop()

	return h.save()
}

// load restores the persisted hosts and publishes them.
func (h *Handler) load() error {
	if h.cfg.Store == nil {
		return nil
	}

	records, err := h.cfg.Store.Load()
	if err != nil {
		return err
	}

	loaded := make(map[netip.Addr]events.BlacklistReason, len(records))
	for _, r := range records {
		info := h.host(r.Host)

		info.mu.Lock()
		info.reason = fn.Some(r.Reason)
		info.since = r.Since
		info.published = true
		info.mu.Unlock()

		h.pin(r.Host, info)
		loaded[r.Host] = r.Reason
	}

	log.Infof("Loaded %d blacklisted hosts", len(loaded))

	if len(loaded) > 0 {
		h.cfg.Bus.MustPublish(events.HostsBlacklistedEvent{
			Hosts: loaded,
		})
	}

	return nil
}

// save persists the blacklisted hosts.
func (h *Handler) save() error {
	if h.cfg.Store == nil {
		return nil
	}

	var records []Record
	for addr, info := range h.bannedHosts() {
		info.mu.Lock()
		info.reason.WhenSome(func(reason events.BlacklistReason) {
			records = append(records, Record{
				Host:   addr,
				Since:  info.since,
				Reason: reason,
			})
		})
		info.mu.Unlock()
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Host.Less(records[j].Host)
	})

	log.Infof("Persisting %d blacklisted hosts", len(records))

	return h.cfg.Store.Save(records)
}

// expiryJob runs the expiry check on every tick.
//
// NOTE: This method MUST be run as a goroutine.
func (h *Handler) expiryJob() {
	defer h.wg.Done()

	for {
		select {
		case <-h.cfg.Ticker.Ticks():
			h.checkHosts()

		case <-h.quit:
			return
		}
	}
}

// checkHosts whitelists the hosts whose blacklisting expired and publishes
// the changes since the previous run.
func (h *Handler) checkHosts() {
	now := h.cfg.Clock.Now()

	var (
		blacklisted = make(map[netip.Addr]events.BlacklistReason)
		whitelisted []netip.Addr
	)
	for addr, info := range h.bannedHosts() {
		info.mu.Lock()
		if info.reason.IsNone() {
			info.mu.Unlock()
			continue
		}
		reason := info.reason.UnwrapOr(0)

		expiry, ok := h.cfg.Expirations[reason]
		if ok && expiry > 0 && now.Sub(info.since) >= expiry {
			info.clear(reason)
			info.mu.Unlock()

			h.unpin(addr, info)
			whitelisted = append(whitelisted, addr)

			continue
		}

		if !info.published {
			info.published = true
			blacklisted[addr] = reason
		}
		info.mu.Unlock()
	}

	if len(blacklisted) > 0 {
		log.Infof("Blacklisted %d hosts", len(blacklisted))

		h.cfg.Bus.MustPublish(events.HostsBlacklistedEvent{
			Hosts: blacklisted,
		})
	}

	if len(whitelisted) > 0 {
		log.Infof("Whitelisted %d hosts", len(whitelisted))

		h.cfg.Bus.MustPublish(events.HostsWhitelistedEvent{
			Hosts: whitelisted,
		})
	}
}

// clear lifts the blacklisting of the host and resets the counter tied to
// reason. It must be called with the mutex held.
func (i *hostInfo) clear(reason events.BlacklistReason) {
	switch reason {
	case events.BlacklistFailedHandshake:
		i.failedHandshakes = 0
	case events.BlacklistSerializationError:
		i.serializationErrors = 0
	case events.BlacklistConnectionRejected:
		i.connectionRejections = 0
	}

	i.reason = fn.None[events.BlacklistReason]()
	i.since = time.Time{}
	i.published = false
}

// host returns the entry of addr, creating it if needed.
func (h *Handler) host(addr netip.Addr) *hostInfo {
	addr = addr.Unmap()

	h.mu.Lock()
	defer h.mu.Unlock()

	if info, ok := h.banned[addr]; ok {
		return info
	}

	info, err := h.hosts.Get(addr)
	if err == nil {
		return info
	}

	info = &hostInfo{}
	if _, err := h.hosts.Put(addr, info); err != nil {
		log.Errorf("Unable to track host %v: %v", addr, err)
	}

	return info
}

// pin moves the entry of a blacklisted host out of reach of the eviction.
func (h *Handler) pin(addr netip.Addr, info *hostInfo) {
	addr = addr.Unmap()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.banned[addr] = info
	h.hosts.Delete(addr)
}

// unpin hands the entry of a whitelisted host back to the evictable set.
func (h *Handler) unpin(addr netip.Addr, info *hostInfo) {
	addr = addr.Unmap()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.banned[addr] != info {
		return
	}
	delete(h.banned, addr)

	if _, err := h.hosts.Put(addr, info); err != nil {
		log.Errorf("Unable to track host %v: %v", addr, err)
	}
}

// bannedHosts returns a snapshot of the blacklisted entries.
func (h *Handler) bannedHosts() map[netip.Addr]*hostInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	banned := make(map[netip.Addr]*hostInfo, len(h.banned))
	for addr, info := range h.banned {
		banned[addr] = info
	}

	return banned
}

// lookup returns the entry of addr, if tracked.
func (h *Handler) lookup(addr netip.Addr) fn.Option[*hostInfo] {
	addr = addr.Unmap()

	h.mu.Lock()
	banned, ok := h.banned[addr]
	h.mu.Unlock()
	if ok {
		return fn.Some(banned)
	}

	info, err := h.hosts.Get(addr)
	switch {
	case errors.Is(err, cache.ErrElementNotFound):
		return fn.None[*hostInfo]()

	case err != nil:
		log.Errorf("Unable to look up host %v: %v", addr, err)
		return fn.None[*hostInfo]()
	}

	return fn.Some(info)
}

// record applies update to the entry of addr and blacklists the host when a
// threshold is reached.
func (h *Handler) record(addr netip.Addr, update func(*hostInfo)) {
	info := h.host(addr)

	info.mu.Lock()
	update(info)

	blacklisted := false
	if info.reason.IsNone() {
		h.evaluate(info).WhenSome(func(reason events.BlacklistReason) {
			log.Infof("Blacklisting host %v: %v", addr, reason)

			info.reason = fn.Some(reason)
			info.since = h.cfg.Clock.Now()
			info.published = false
			blacklisted = true
		})
	}
	info.mu.Unlock()

	if blacklisted {
		h.pin(addr, info)
	}
}

// evaluate returns the first reason, in priority order, whose threshold the
// host reached. It must be called with the mutex held.
func (h *Handler) evaluate(info *hostInfo) fn.Option[events.BlacklistReason] {
	switch {
	case info.failedHandshakes >= h.cfg.FailedHandshakes:
		return fn.Some(events.BlacklistFailedHandshake)

	case info.serializationErrors >= h.cfg.SerializationErrors:
		return fn.Some(events.BlacklistSerializationError)

	case info.connectionRejections >= h.cfg.ConnectionRejections:
		return fn.Some(events.BlacklistConnectionRejected)
	}

	return fn.None[events.BlacklistReason]()
}

// handleEvent dispatches the events and requests the handler serves.
func (h *Handler) handleEvent(event any) {
	switch e := event.(type) {
	case events.PeerConnectedEvent:
		h.handlePeerConnected(e)

	case events.PeerRejectedEvent:
		h.handlePeerRejected(e)

	case events.PeerHandshakeRejectedEvent:
		h.handleHandshakeRejected(e)

	case events.PingPongFailedEvent:
		h.handlePingPongFailed(e)

	case events.PeerStreamCorruptedEvent:
		h.handleStreamCorrupted(e)

	case events.BlacklistHostRequest:
		h.handleBlacklistHost(e)

	case events.WhitelistHostRequest:
		h.handleWhitelistHost(e)
	}
}

// handlePeerConnected clears the refused connections of a host that we could
// connect to.
func (h *Handler) handlePeerConnected(e events.PeerConnectedEvent) {
	h.lookup(e.Peer.Host()).WhenSome(func(info *hostInfo) {
		info.mu.Lock()
		info.connectionRejections = 0
		info.mu.Unlock()
	})
}

// handlePeerRejected counts the connections that could not be established.
// Rejections decided by our own admission policy are not the host's fault.
func (h *Handler) handlePeerRejected(e events.PeerRejectedEvent) {
	if e.Reason != events.RejectDialFailed {
		return
	}

	h.record(e.Peer.Host(), func(info *hostInfo) {
		info.connectionRejections++
	})
}

// handleHandshakeRejected counts the failed handshakes.
func (h *Handler) handleHandshakeRejected(e events.PeerHandshakeRejectedEvent) {
	if e.Reason == events.HandshakeMaxPeers {
		return
	}

	h.record(e.Peer.Host(), func(info *hostInfo) {
		info.failedHandshakes++
	})
}

// handlePingPongFailed counts the failed liveness checks.
func (h *Handler) handlePingPongFailed(e events.PingPongFailedEvent) {
	h.record(e.Peer.Host(), func(info *hostInfo) {
		info.failedPingPongs++
	})
}

// handleStreamCorrupted counts the corrupted streams.
func (h *Handler) handleStreamCorrupted(e events.PeerStreamCorruptedEvent) {
	h.record(e.Peer.Host(), func(info *hostInfo) {
		info.serializationErrors++
	})
}

// handleBlacklistHost blacklists a host on behalf of the application. It is
// published right away.
func (h *Handler) handleBlacklistHost(r events.BlacklistHostRequest) {
	info := h.host(r.Host)

	info.mu.Lock()
	info.reason = fn.Some(events.BlacklistClient)
	info.since = h.cfg.Clock.Now()
	info.published = true
	info.mu.Unlock()

	h.pin(r.Host, info)

	log.Infof("Host %v blacklisted by client", r.Host)

	h.cfg.Bus.MustPublish(events.HostsBlacklistedEvent{
		Hosts: map[netip.Addr]events.BlacklistReason{
			r.Host.Unmap(): events.BlacklistClient,
		},
	})
}

// handleWhitelistHost lifts the blacklisting of a host on behalf of the
// application.
func (h *Handler) handleWhitelistHost(r events.WhitelistHostRequest) {
	cleared := false
	h.lookup(r.Host).WhenSome(func(info *hostInfo) {
		info.mu.Lock()
		info.reason.WhenSome(func(reason events.BlacklistReason) {
			info.clear(reason)
			cleared = true
		})
		info.mu.Unlock()

		if cleared {
			h.unpin(r.Host, info)
		}
	})

	if !cleared {
		return
	}

	log.Infof("Host %v whitelisted by client", r.Host)

	h.cfg.Bus.MustPublish(events.HostsWhitelistedEvent{
		Hosts: []netip.Addr{r.Host.Unmap()},
	})
}

// IsBlacklisted reports whether host is currently blacklisted.
func (h *Handler) IsBlacklisted(host netip.Addr) bool {
	blacklisted := false
	h.lookup(host).WhenSome(func(info *hostInfo) {
		info.mu.Lock()
		blacklisted = info.reason.IsSome()
		info.mu.Unlock()
	})

	return blacklisted
}

// HostInfo returns the reputation of host, if tracked.
func (h *Handler) HostInfo(host netip.Addr) fn.Option[HostInfo] {
	return fn.MapOption(func(info *hostInfo) HostInfo {
		info.mu.Lock()
		defer info.mu.Unlock()

		return HostInfo{
			FailedHandshakes:     info.failedHandshakes,
			FailedPingPongs:      info.failedPingPongs,
			ConnectionRejections: info.connectionRejections,
			SerializationErrors:  info.serializationErrors,
			Reason:               info.reason,
			Since:                info.since,
		}
	})(h.lookup(host))
}

// Blacklisted returns every blacklisted host with its reason.
func (h *Handler) Blacklisted() map[netip.Addr]events.BlacklistReason {
	hosts := make(map[netip.Addr]events.BlacklistReason)
	for addr, info := range h.bannedHosts() {
		info.mu.Lock()
		info.reason.WhenSome(func(reason events.BlacklistReason) {
			hosts[addr] = reason
		})
		info.mu.Unlock()
	}

	return hosts
}
