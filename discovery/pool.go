package discovery

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/netkit/btcp2p/netwire"
)

// knownAddress is a peer address kept by the pool.
type knownAddress struct {
	addr        netwire.PeerAddress
	services    wire.ServiceFlag
	source      string
	lastSeen    time.Time
	lastAttempt time.Time
	attempts    uint32
}

// Size returns the "size" of an entry.
func (k *knownAddress) Size() (uint64, error) {
	return 1, nil
}

// AddressPool is a bounded set of known peer addresses. Once full, the least
// recently added or used addresses are evicted.
type AddressPool struct {
	clock clock.Clock

	mu    sync.Mutex
	addrs *lru.Cache[netwire.PeerAddress, *knownAddress]

	// hashAccumulator is a set of 32 random bytes read upon the creation
	// of the pool. We use this value to randomly select addresses. After
	// each selection, we rotate the accumulator by hashing it with
	// itself.
	hashAccumulator [32]byte
}

// NewAddressPool returns a pool holding at most size addresses.
func NewAddressPool(size uint64, clk clock.Clock) *AddressPool {
	p := &AddressPool{
		clock: clk,
		addrs: lru.NewCache[netwire.PeerAddress, *knownAddress](size),
	}

	if _, err := rand.Read(p.hashAccumulator[:]); err != nil {
		log.Errorf("Unable to seed address sampling: %v", err)
	}

	return p
}

// Add inserts addr, or refreshes it if already known. It returns true if the
// address is new.
func (p *AddressPool) Add(addr netwire.PeerAddress, services wire.ServiceFlag,
	source string) bool {

	if !addr.IsValid() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if known, err := p.addrs.Get(addr); err == nil {
		known.lastSeen = now
		known.services |= services

		return false
	}

	_, err := p.addrs.Put(addr, &knownAddress{
		addr:     addr,
		services: services,
		source:   source,
		lastSeen: now,
	})
	if err != nil {
		log.Errorf("Unable to add address %v: %v", addr, err)
		return false
	}

	return true
}

// Remove forgets addr.
func (p *AddressPool) Remove(addr netwire.PeerAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.addrs.Delete(addr)
}

// Len returns the number of known addresses.
func (p *AddressPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.addrs.Len()
}

// Contains reports whether addr is known.
func (p *AddressPool) Contains(addr netwire.PeerAddress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.addrs.Get(addr)
	return err == nil
}

// Attempted records a connection attempt to addr and returns the number of
// attempts made since the last success.
func (p *AddressPool) Attempted(addr netwire.PeerAddress) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	known, err := p.addrs.Get(addr)
	if err != nil {
		return 0
	}

	known.attempts++
	known.lastAttempt = p.clock.Now()

	return known.attempts
}

// Good records a successful connection to addr.
func (p *AddressPool) Good(addr netwire.PeerAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	known, err := p.addrs.Get(addr)
	if err != nil {
		return
	}

	known.attempts = 0
	known.lastSeen = p.clock.Now()
}

// Sample returns at most num addresses chosen at random among the ones for
// which skip returns false. The addresses are ordered by lottery number.
func (p *AddressPool) Sample(num int,
	skip func(netwire.PeerAddress, time.Time) bool) []*wire.NetAddress {

	p.mu.Lock()
	defer p.mu.Unlock()

	// In order to sample, we'll iterate all the addresses in the pool and
	// assign each one a lottery number as a sequence of bytes. The lottery
	// number of each address is the hash of the address and our
	// accumulator. The lowest num lottery numbers are kept as winners.
	type winner struct {
		known *knownAddress
		hash  [32]byte
	}
	var winners []winner

	p.addrs.Range(func(addr netwire.PeerAddress, k *knownAddress) bool {
		if skip != nil && skip(addr, k.lastAttempt) {
			return true
		}

		winners = append(winners, winner{
			known: k,
			hash:  p.lottery(addr),
		})

		return true
	})

	sort.Slice(winners, func(i, j int) bool {
		return bytes.Compare(winners[i].hash[:], winners[j].hash[:]) < 0
	})
	if len(winners) > num {
		winners = winners[:num]
	}

	// We'll now rotate our hash accumulator one value forwards.
	p.hashAccumulator = sha256.Sum256(p.hashAccumulator[:])

	sampled := make([]*wire.NetAddress, 0, len(winners))
	for _, w := range winners {
		addr := w.known.addr
		sampled = append(sampled, &wire.NetAddress{
			Timestamp: w.known.lastSeen.Truncate(time.Second),
			Services:  w.known.services,
			IP:        addr.IP.AsSlice(),
			Port:      addr.Port,
		})
	}

	return sampled
}

// lottery returns the lottery number of addr. It must be called with the
// mutex held.
func (p *AddressPool) lottery(addr netwire.PeerAddress) [32]byte {
	ip := addr.IP.As16()

	var b bytes.Buffer
	b.Write(p.hashAccumulator[:])
	b.Write(ip[:])
	b.WriteByte(byte(addr.Port >> 8))
	b.WriteByte(byte(addr.Port))

	return sha256.Sum256(b.Bytes())
}
