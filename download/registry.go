package download

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/netkit/btcp2p/netwire"
)

type peerSet = map[netwire.PeerAddress]struct{}

type hashSet = map[chainhash.Hash]struct{}

// ExclusivityRegistry maps a block to the only peer allowed to download it.
type ExclusivityRegistry struct {
	mu    sync.RWMutex
	peers map[chainhash.Hash]netwire.PeerAddress
}

// NewExclusivityRegistry returns an empty registry.
func NewExclusivityRegistry() *ExclusivityRegistry {
	return &ExclusivityRegistry{
		peers: make(map[chainhash.Hash]netwire.PeerAddress),
	}
}

// Set gives peer the exclusivity of the blocks.
func (r *ExclusivityRegistry) Set(peer netwire.PeerAddress,
	hashes ...chainhash.Hash) {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range hashes {
		r.peers[hash] = peer
	}
}

// Get returns the peer holding the exclusivity of hash.
func (r *ExclusivityRegistry) Get(hash chainhash.Hash) (netwire.PeerAddress,
	bool) {

	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[hash]
	return peer, ok
}

// Remove drops the exclusivity of the blocks.
func (r *ExclusivityRegistry) Remove(hashes ...chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range hashes {
		delete(r.peers, hash)
	}
}

// Len returns the number of blocks with an exclusivity.
func (r *ExclusivityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// PriorityRegistry maps a block to the peers preferred to download it.
type PriorityRegistry struct {
	mu    sync.RWMutex
	peers map[chainhash.Hash]peerSet
}

// NewPriorityRegistry returns an empty registry.
func NewPriorityRegistry() *PriorityRegistry {
	return &PriorityRegistry{
		peers: make(map[chainhash.Hash]peerSet),
	}
}

// Add makes peer a priority peer of the blocks.
func (r *PriorityRegistry) Add(peer netwire.PeerAddress,
	hashes ...chainhash.Hash) {

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range hashes {
		set, ok := r.peers[hash]
		if !ok {
			set = make(peerSet)
			r.peers[hash] = set
		}
		set[peer] = struct{}{}
	}
}

// Get returns the priority peers of hash.
func (r *PriorityRegistry) Get(hash chainhash.Hash) []netwire.PeerAddress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.peers[hash]
	peers := make([]netwire.PeerAddress, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}

	return peers
}

// Remove drops the priority peers of the blocks.
func (r *PriorityRegistry) Remove(hashes ...chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range hashes {
		delete(r.peers, hash)
	}
}

// Len returns the number of blocks with priority peers.
func (r *PriorityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// AnnouncementRegistry records the blocks each peer announced through inv or
// headers messages.
type AnnouncementRegistry struct {
	mu         sync.RWMutex
	byPeer     map[netwire.PeerAddress]hashSet
	announcers map[chainhash.Hash]peerSet
}

// NewAnnouncementRegistry returns an empty registry.
func NewAnnouncementRegistry() *AnnouncementRegistry {
	return &AnnouncementRegistry{
		byPeer:     make(map[netwire.PeerAddress]hashSet),
		announcers: make(map[chainhash.Hash]peerSet),
	}
}

// Announce records that peer has the blocks.
func (r *AnnouncementRegistry) Announce(peer netwire.PeerAddress,
	hashes ...chainhash.Hash) {

	r.mu.Lock()
	defer r.mu.Unlock()

	blocks, ok := r.byPeer[peer]
	if !ok {
		blocks = make(hashSet)
		r.byPeer[peer] = blocks
	}

	for _, hash := range hashes {
		blocks[hash] = struct{}{}

		set, ok := r.announcers[hash]
		if !ok {
			set = make(peerSet)
			r.announcers[hash] = set
		}
		set[peer] = struct{}{}
	}
}

// Announcers returns the peers that announced hash.
func (r *AnnouncementRegistry) Announcers(
	hash chainhash.Hash) []netwire.PeerAddress {

	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.announcers[hash]
	peers := make([]netwire.PeerAddress, 0, len(set))
	for peer := range set {
		peers = append(peers, peer)
	}

	return peers
}

// Announced reports whether peer announced hash.
func (r *AnnouncementRegistry) Announced(peer netwire.PeerAddress,
	hash chainhash.Hash) bool {

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byPeer[peer][hash]
	return ok
}

// RemoveBlocks forgets every announcement of the blocks.
func (r *AnnouncementRegistry) RemoveBlocks(hashes ...chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hash := range hashes {
		for peer := range r.announcers[hash] {
			blocks := r.byPeer[peer]
			delete(blocks, hash)
			if len(blocks) == 0 {
				delete(r.byPeer, peer)
			}
		}
		delete(r.announcers, hash)
	}
}

// RemovePeer forgets every announcement of peer.
func (r *AnnouncementRegistry) RemovePeer(peer netwire.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hash := range r.byPeer[peer] {
		set := r.announcers[hash]
		delete(set, peer)
		if len(set) == 0 {
			delete(r.announcers, hash)
		}
	}
	delete(r.byPeer, peer)
}

// Len returns the number of announced blocks.
func (r *AnnouncementRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.announcers)
}

// Registries groups the state the strategies decide upon.
type Registries struct {
	Exclusive     *ExclusivityRegistry
	Priority      *PriorityRegistry
	Announcements *AnnouncementRegistry
}

// NewRegistries returns empty registries.
func NewRegistries() *Registries {
	return &Registries{
		Exclusive:     NewExclusivityRegistry(),
		Priority:      NewPriorityRegistry(),
		Announcements: NewAnnouncementRegistry(),
	}
}

// Forget removes the blocks from every registry. It is called once a block
// is downloaded, discarded or cancelled.
func (r *Registries) Forget(hashes ...chainhash.Hash) {
	r.Exclusive.Remove(hashes...)
	r.Priority.Remove(hashes...)
	r.Announcements.RemoveBlocks(hashes...)
}

// NewStrategy returns the strategy chain built upon the registries. During
// the initial block download, blocks not constrained by the application are
// always assigned. Otherwise they are routed to their announcers according
// to the policies.
func (r *Registries) NewStrategy(ibd bool, notAvailable,
	noAnnouncer AnnouncerPolicy) Strategy {

	base := &PriorityStrategy{
		Exclusive: r.Exclusive,
		Priority:  r.Priority,
	}

	if ibd {
		return Chain{&IBDStrategy{Base: base}}
	}

	return Chain{&AnnouncerStrategy{
		Base:          base,
		Announcements: r.Announcements,
		NotAvailable:  notAvailable,
		NoAnnouncer:   noAnnouncer,
	}}
}
