package download

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/build"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
)

const (
	// DefaultMaxAttempts is the default number of attempts made before a
	// block is discarded.
	DefaultMaxAttempts = 3

	// DefaultDownloadTimeout is the default time a block download may
	// take.
	DefaultDownloadTimeout = 10 * time.Minute

	// DefaultIdleTimeout is the default time a download may go without
	// receiving any byte.
	DefaultIdleTimeout = time.Minute

	// DefaultCheckInterval is the default period of the housekeeping
	// job.
	DefaultCheckInterval = time.Second

	// DefaultMaxInFlightPerPeer is the default number of blocks a peer
	// downloads at once.
	DefaultMaxInFlightPerPeer = 1
)

// Config holds the strategy and the limits of the Downloader.
type Config struct {
	// Bus is used to receive requests, announcements and blocks, and to
	// send getdata messages.
	Bus *events.Bus

	// Clock is the time source.
	Clock clock.Clock

	// Ticker drives the housekeeping job.
	Ticker ticker.Ticker

	// Registries hold the exclusivity, priority and announcements.
	Registries *Registries

	// Strategy decides which peer downloads each block. Defaults to the
	// chain built from Registries.
	Strategy Strategy

	// IBD enables the initial block download mode: blocks are assigned
	// strictly in order.
	IBD bool

	// NotAvailablePolicy and NoAnnouncerPolicy configure the announcer
	// strategy.
	NotAvailablePolicy AnnouncerPolicy
	NoAnnouncerPolicy  AnnouncerPolicy

	// WaitUndecided keeps a block pending when the strategy has no
	// opinion. Otherwise it is assigned.
	WaitUndecided bool

	// Witness requests blocks with their witness data.
	Witness bool

	// MaxAttempts is the number of attempts before a block is discarded.
	MaxAttempts int

	// DownloadTimeout bounds the time a download may take.
	DownloadTimeout time.Duration

	// IdleTimeout bounds the time a download may go without progress.
	IdleTimeout time.Duration

	// MaxInFlightPerPeer is the number of blocks a peer downloads at
	// once.
	MaxInFlightPerPeer int
}

// blockState is the progress of one requested block.
type blockState struct {
	hash     chainhash.Hash
	attempts int

	inFlight     bool
	peer         netwire.PeerAddress
	startedAt    time.Time
	lastActivity time.Time
	bytes        uint64

	// failed holds the peers that failed to deliver the block.
	failed map[netwire.PeerAddress]struct{}
}

// peerState is the download activity of one handshaked peer.
type peerState struct {
	inFlight map[chainhash.Hash]struct{}
}

// Stats is a snapshot of the downloader activity.
type Stats struct {
	Pending    int
	InFlight   int
	Downloaded uint64
	Discarded  uint64
}

// Downloader assigns the requested blocks to the handshaked peers according
// to the strategy, sends the getdata messages and follows every download
// until it completes, is cancelled or is discarded after too many attempts.
type Downloader struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	mu      sync.Mutex
	pending []chainhash.Hash
	blocks  map[chainhash.Hash]*blockState
	peers   map[netwire.PeerAddress]*peerState

	downloaded atomic.Uint64
	discarded  atomic.Uint64

	subs events.Subscriptions

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Downloader.
func New(cfg Config) *Downloader {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultCheckInterval)
	}
	if cfg.Registries == nil {
		cfg.Registries = NewRegistries()
	}
	if cfg.Strategy == nil {
		cfg.Strategy = cfg.Registries.NewStrategy(
			cfg.IBD, cfg.NotAvailablePolicy, cfg.NoAnnouncerPolicy,
		)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxInFlightPerPeer <= 0 {
		cfg.MaxInFlightPerPeer = DefaultMaxInFlightPerPeer
	}

	return &Downloader{
		cfg:    cfg,
		blocks: make(map[chainhash.Hash]*blockState),
		peers:  make(map[netwire.PeerAddress]*peerState),
		quit:   make(chan struct{}),
	}
}

// Name returns the name of the handler.
func (d *Downloader) Name() string {
	return "download"
}

// Start subscribes the downloader and launches the housekeeping job.
func (d *Downloader) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Block downloader starting (ibd=%v, max_attempts=%d)",
		d.cfg.IBD, d.cfg.MaxAttempts)

	bus := d.cfg.Bus
	d.subs.Add(events.Dispatch(bus, "download", d.handleEvent))
	if err := d.subs.Err(); err != nil {
		d.subs.Cancel()
		return err
	}

	d.cfg.Ticker.Resume()

	d.wg.Add(1)
	go d.housekeeping()

	return nil
}

// Stop cancels the subscriptions and the housekeeping job.
func (d *Downloader) Stop() error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Block downloader shutting down...")

	d.subs.Cancel()
	close(d.quit)
	d.wg.Wait()
	d.cfg.Ticker.Stop()

	return nil
}

// Registries returns the registries the strategies decide upon.
func (d *Downloader) Registries() *Registries {
	return d.cfg.Registries
}

// Stats returns a snapshot of the downloader activity.
func (d *Downloader) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	inFlight := 0
	for _, state := range d.blocks {
		if state.inFlight {
			inFlight++
		}
	}

	return Stats{
		Pending:    len(d.pending),
		InFlight:   inFlight,
		Downloaded: d.downloaded.Load(),
		Discarded:  d.discarded.Load(),
	}
}

// InFlightFrom returns the blocks being downloaded from peer.
func (d *Downloader) InFlightFrom(peer netwire.PeerAddress) []chainhash.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.peers[peer]
	if !ok {
		return nil
	}

	hashes := make([]chainhash.Hash, 0, len(state.inFlight))
	for hash := range state.inFlight {
		hashes = append(hashes, hash)
	}

	return hashes
}

// housekeeping checks the timeouts of the downloads on every tick.
//
// NOTE: This method MUST be run as a goroutine.
func (d *Downloader) housekeeping() {
	defer d.wg.Done()

	for {
		select {
		case <-d.cfg.Ticker.Ticks():
			d.checkTimeouts()

		case <-d.quit:
			return
		}
	}
}

// checkTimeouts fails the downloads that took too long or stopped making
// progress, then assigns the freed blocks.
func (d *Downloader) checkTimeouts() {
	now := d.cfg.Clock.Now()

	var discarded []events.BlockDiscardedEvent

	d.mu.Lock()
	for _, state := range d.blocks {
		if !state.inFlight {
			continue
		}

		var reason string
		switch {
		case now.Sub(state.startedAt) >= d.cfg.DownloadTimeout:
			reason = "download timeout"

		case now.Sub(state.lastActivity) >= d.cfg.IdleTimeout:
			reason = "idle timeout"

		default:
			continue
		}

		if e, ok := d.failLocked(state, reason); ok {
			discarded = append(discarded, e)
		}
	}
	d.mu.Unlock()

	d.publishDiscarded(discarded)
	d.dispatch()
}

// failLocked ends the current attempt of state. The block is retried unless
// it reached the maximum attempts, in which case it is discarded and the
// event to publish is returned. It must be called with the mutex held.
func (d *Downloader) failLocked(state *blockState,
	reason string) (events.BlockDiscardedEvent, bool) {

	log.Debugf("Download of block %v from %v failed (attempt %d/%d): %v",
		state.hash, state.peer, state.attempts, d.cfg.MaxAttempts,
		reason)

	if peer, ok := d.peers[state.peer]; ok {
		delete(peer.inFlight, state.hash)
	}
	state.failed[state.peer] = struct{}{}
	state.inFlight = false
	state.bytes = 0

	if state.attempts < d.cfg.MaxAttempts {
		// Retried first.
		d.pending = append([]chainhash.Hash{state.hash}, d.pending...)
		return events.BlockDiscardedEvent{}, false
	}

	log.Infof("Discarding block %v after %d attempts: %v", state.hash,
		state.attempts, reason)

	delete(d.blocks, state.hash)
	d.cfg.Registries.Forget(state.hash)
	d.discarded.Add(1)

	return events.BlockDiscardedEvent{
		Hash:     state.hash,
		Attempts: state.attempts,
		Reason:   reason,
	}, true
}

// publishDiscarded publishes the discarded blocks.
func (d *Downloader) publishDiscarded(discarded []events.BlockDiscardedEvent) {
	for _, e := range discarded {
		d.cfg.Bus.MustPublish(e)
	}
}

// enqueue adds the blocks not tracked yet to the pending queue.
func (d *Downloader) enqueue(hashes []chainhash.Hash, front bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var added []chainhash.Hash
	for _, hash := range hashes {
		if _, ok := d.blocks[hash]; ok {
			continue
		}

		d.blocks[hash] = &blockState{
			hash:   hash,
			failed: make(map[netwire.PeerAddress]struct{}),
		}
		added = append(added, hash)
	}

	if front {
		d.pending = append(added, d.pending...)
	} else {
		d.pending = append(d.pending, added...)
	}

	log.Debugf("Queued %d blocks for download (%d pending)", len(added),
		len(d.pending))
}

// sortedPeers splits the handshaked peers between the ones able to download
// and the busy ones. It must be called with the mutex held.
func (d *Downloader) sortedPeers() ([]netwire.PeerAddress,
	[]netwire.PeerAddress) {

	var available, notAvailable []netwire.PeerAddress
	for addr, state := range d.peers {
		if len(state.inFlight) < d.cfg.MaxInFlightPerPeer {
			available = append(available, addr)
		} else {
			notAvailable = append(notAvailable, addr)
		}
	}

	byAddr := func(peers []netwire.PeerAddress) func(i, j int) bool {
		return func(i, j int) bool {
			return peers[i].AddrPort().Compare(
				peers[j].AddrPort(),
			) < 0
		}
	}
	sort.Slice(available, byAddr(available))
	sort.Slice(notAvailable, byAddr(notAvailable))

	return available, notAvailable
}

// decide returns whether peer may download hash. A strategy without opinion
// assigns the block unless WaitUndecided is set.
func (d *Downloader) decide(req Request, available,
	notAvailable []netwire.PeerAddress) bool {

	resp := d.cfg.Strategy.RequestDownload(req, available, notAvailable)

	assigned := !d.cfg.WaitUndecided
	resp.WhenSome(func(r Response) {
		log.Tracef("Strategy decision: %v", r)
		assigned = r.Assigned
	})

	return assigned
}

// dispatch assigns the pending blocks to the available peers and sends the
// getdata messages.
func (d *Downloader) dispatch() {
	getData := make(map[netwire.PeerAddress]*wire.MsgGetData)

	d.mu.Lock()
	available, notAvailable := d.sortedPeers()

	var stillPending []chainhash.Hash
	for i, hash := range d.pending {
		state := d.blocks[hash]

		assigned := false
		for _, peer := range d.candidates(state, available) {
			req := Request{Peer: peer, Hash: hash}
			if !d.decide(req, available, notAvailable) {
				continue
			}

			d.assignLocked(state, peer)
			assigned = true

			msg, ok := getData[peer]
			if !ok {
				msg = wire.NewMsgGetData()
				getData[peer] = msg
			}
			_ = msg.AddInvVect(wire.NewInvVect(d.invType(), &hash))

			available, notAvailable = d.sortedPeers()
			break
		}

		if assigned {
			continue
		}
		stillPending = append(stillPending, hash)

		// Blocks are downloaded strictly in order during the initial
		// block download.
		if d.cfg.IBD {
			stillPending = append(stillPending, d.pending[i+1:]...)
			break
		}
	}
	d.pending = stillPending
	d.mu.Unlock()

	for peer, msg := range getData {
		log.Debugf("Requesting %d blocks from %v", len(msg.InvList),
			peer)
		log.Tracef("getdata to %v: %v", peer,
			build.SpewLogClosure(msg.InvList))

		d.cfg.Bus.MustPublish(events.SendMsgRequest{
			Peer: peer,
			Msg:  msg,
		})
	}
}

// candidates returns the available peers that may be asked for the block.
// Peers that already failed it are skipped, unless every one of them did.
func (d *Downloader) candidates(state *blockState,
	available []netwire.PeerAddress) []netwire.PeerAddress {

	var peers []netwire.PeerAddress
	for _, peer := range available {
		if _, ok := state.failed[peer]; !ok {
			peers = append(peers, peer)
		}
	}
	if len(peers) > 0 || len(state.failed) < len(d.peers) {
		return peers
	}

	clear(state.failed)
	return available
}

// invType returns the inventory type used to request blocks.
func (d *Downloader) invType() wire.InvType {
	if d.cfg.Witness {
		return wire.InvTypeWitnessBlock
	}

	return wire.InvTypeBlock
}

// assignLocked records that peer downloads the block. It must be called with
// the mutex held.
func (d *Downloader) assignLocked(state *blockState, peer netwire.PeerAddress) {
	now := d.cfg.Clock.Now()

	state.attempts++
	state.inFlight = true
	state.peer = peer
	state.startedAt = now
	state.lastActivity = now
	state.bytes = 0

	d.peers[peer].inFlight[state.hash] = struct{}{}

	log.Debugf("Assigned block %v to %v (attempt %d)", state.hash, peer,
		state.attempts)
}

// inFlightLocked returns the state of hash if it is being downloaded from
// peer. It must be called with the mutex held.
func (d *Downloader) inFlightLocked(peer netwire.PeerAddress,
	hash chainhash.Hash) (*blockState, bool) {

	state, ok := d.blocks[hash]
	if !ok || !state.inFlight || state.peer != peer {
		return nil, false
	}

	return state, true
}

// complete ends the download of hash from peer.
func (d *Downloader) complete(peer netwire.PeerAddress, hash chainhash.Hash,
	bytes uint64, block *wire.MsgBlock) {

	d.mu.Lock()
	state, ok := d.inFlightLocked(peer, hash)
	if !ok {
		d.mu.Unlock()

		log.Tracef("Ignoring unrequested block %v from %v", hash, peer)
		return
	}

	delete(d.blocks, hash)
	if p, ok := d.peers[peer]; ok {
		delete(p.inFlight, hash)
	}
	d.cfg.Registries.Forget(hash)
	d.downloaded.Add(1)

	duration := d.cfg.Clock.Now().Sub(state.startedAt)
	d.mu.Unlock()

	log.Debugf("Downloaded block %v from %v (%d bytes in %v)", hash, peer,
		bytes, duration)

	d.cfg.Bus.MustPublish(events.BlockDownloadedEvent{
		Peer:     peer,
		Hash:     hash,
		Bytes:    bytes,
		Duration: duration,
		Block:    block,
	})

	d.dispatch()
}

// handleEvent dispatches the events and requests the downloader serves.
func (d *Downloader) handleEvent(event any) {
	switch e := event.(type) {
	case events.PeerHandshakedEvent:
		d.handlePeerHandshaked(e)

	case events.PeerDisconnectedEvent:
		d.handlePeerDisconnected(e)

	case events.MsgReceivedEvent:
		d.handleMsgReceived(e)

	case events.PartialMsgReceivedEvent:
		d.handlePartialReceived(e)

	case events.BlocksDownloadRequest:
		d.handleDownload(e)

	case events.BlocksDownloadFromPeerRequest:
		d.handleDownloadFromPeer(e)

	case events.BlocksCancelDownloadRequest:
		d.handleCancel(e)
	}
}

// handlePeerHandshaked makes the peer available for downloads.
func (d *Downloader) handlePeerHandshaked(e events.PeerHandshakedEvent) {
	d.mu.Lock()
	d.peers[e.Peer] = &peerState{
		inFlight: make(map[chainhash.Hash]struct{}),
	}
	d.mu.Unlock()

	d.dispatch()
}

// handlePeerDisconnected puts the blocks of the peer back in the queue.
func (d *Downloader) handlePeerDisconnected(e events.PeerDisconnectedEvent) {
	d.cfg.Registries.Announcements.RemovePeer(e.Peer)

	var discarded []events.BlockDiscardedEvent

	d.mu.Lock()
	if state, ok := d.peers[e.Peer]; ok {
		for hash := range state.inFlight {
			block := d.blocks[hash]
			if ev, ok := d.failLocked(block, "peer disconnected"); ok {
				discarded = append(discarded, ev)
			}
		}
		delete(d.peers, e.Peer)
	}
	d.mu.Unlock()

	d.publishDiscarded(discarded)
	d.dispatch()
}

// handleMsgReceived records announcements and completes downloads.
func (d *Downloader) handleMsgReceived(e events.MsgReceivedEvent) {
	switch msg := e.Msg.(type) {
	case *wire.MsgInv:
		var hashes []chainhash.Hash
		for _, inv := range msg.InvList {
			switch inv.Type {
			case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
				hashes = append(hashes, inv.Hash)
			}
		}
		if len(hashes) == 0 {
			return
		}

		d.cfg.Registries.Announcements.Announce(e.Peer, hashes...)
		d.dispatch()

	case *wire.MsgHeaders:
		if len(msg.Headers) == 0 {
			return
		}

		hashes := make([]chainhash.Hash, 0, len(msg.Headers))
		for _, header := range msg.Headers {
			hashes = append(hashes, header.BlockHash())
		}

		d.cfg.Registries.Announcements.Announce(e.Peer, hashes...)
		d.dispatch()

	case *wire.MsgBlock:
		var bytes uint64
		if e.Header != nil {
			bytes = e.Header.Length
		} else {
			bytes = uint64(msg.SerializeSize())
		}

		d.complete(e.Peer, msg.BlockHash(), bytes, msg)

	case *wire.MsgNotFound:
		d.handleNotFound(e.Peer, msg)
	}
}

// handleNotFound fails the blocks the peer does not have.
func (d *Downloader) handleNotFound(peer netwire.PeerAddress,
	msg *wire.MsgNotFound) {

	var discarded []events.BlockDiscardedEvent

	d.mu.Lock()
	for _, inv := range msg.InvList {
		state, ok := d.inFlightLocked(peer, inv.Hash)
		if !ok {
			continue
		}

		if ev, ok := d.failLocked(state, "not found"); ok {
			discarded = append(discarded, ev)
		}
	}
	d.mu.Unlock()

	d.publishDiscarded(discarded)
	d.dispatch()
}

// handlePartialReceived follows the progress of streamed blocks.
func (d *Downloader) handlePartialReceived(e events.PartialMsgReceivedEvent) {
	var (
		hash  chainhash.Hash
		bytes uint64
		last  bool
	)
	switch partial := e.Partial.(type) {
	case *netwire.PartialBlockHeader:
		hash = partial.Hash
		bytes = wire.MaxBlockHeaderPayload

	case *netwire.PartialBlockTxs:
		hash = partial.BlockHash
		bytes = partial.Bytes
		last = partial.Last

	default:
		return
	}

	var total uint64

	d.mu.Lock()
	state, ok := d.inFlightLocked(e.Peer, hash)
	if ok {
		state.bytes += bytes
		state.lastActivity = d.cfg.Clock.Now()
		total = state.bytes
	}
	d.mu.Unlock()

	if !ok || !last {
		return
	}

	if e.Header != nil {
		total = e.Header.Length
	}
	d.complete(e.Peer, hash, total, nil)
}

// handleDownload queues the requested blocks.
func (d *Downloader) handleDownload(r events.BlocksDownloadRequest) {
	d.enqueue(r.Hashes, r.WithPriority)
	d.dispatch()
}

// handleDownloadFromPeer queues the requested blocks with the peer set as
// priority or exclusive peer.
func (d *Downloader) handleDownloadFromPeer(
	r events.BlocksDownloadFromPeerRequest) {

	if r.Exclusive {
		d.cfg.Registries.Exclusive.Set(r.Peer, r.Hashes...)
	} else {
		d.cfg.Registries.Priority.Add(r.Peer, r.Hashes...)
	}

	d.enqueue(r.Hashes, false)
	d.dispatch()
}

// handleCancel stops assigning the blocks. Downloads in progress are not
// aborted, their result is ignored.
func (d *Downloader) handleCancel(r events.BlocksCancelDownloadRequest) {
	cancelled := make(map[chainhash.Hash]struct{}, len(r.Hashes))

	d.mu.Lock()
	for _, hash := range r.Hashes {
		state, ok := d.blocks[hash]
		if !ok {
			continue
		}

		if state.inFlight {
			if p, ok := d.peers[state.peer]; ok {
				delete(p.inFlight, hash)
			}
		}
		delete(d.blocks, hash)
		cancelled[hash] = struct{}{}
	}

	pending := d.pending[:0]
	for _, hash := range d.pending {
		if _, ok := cancelled[hash]; !ok {
			pending = append(pending, hash)
		}
	}
	d.pending = pending
	d.mu.Unlock()

	d.cfg.Registries.Forget(r.Hashes...)

	log.Debugf("Cancelled download of %d blocks", len(cancelled))

	d.dispatch()
}

// String returns a short description of the downloader for logging.
func (d *Downloader) String() string {
	s := d.Stats()
	return fmt.Sprintf("downloader(pending=%d, in_flight=%d)", s.Pending,
		s.InFlight)
}
