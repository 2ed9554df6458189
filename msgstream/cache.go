package msgstream

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/netkit/btcp2p/netwire"
)

const (
	// DefaultCacheMaxBytes is the default byte budget of the cache.
	DefaultCacheMaxBytes = 16 * 1024 * 1024

	// DefaultCacheExpiry is the default idle time after which an entry is
	// dropped.
	DefaultCacheExpiry = 10 * time.Minute

	// DefaultCacheMaxBodySize is the default largest body that is cached.
	DefaultCacheMaxBodySize = 256 * 1024
)

// DefaultCacheCommands are the commands whose bodies typically arrive
// identically from many peers.
var DefaultCacheCommands = []string{wire.CmdTx, wire.CmdHeaders}

// CacheConfig parameterizes a MessageCache.
type CacheConfig struct {
	// MaxBytes bounds the sum of the body sizes held.
	MaxBytes uint64

	// Expiry is how long an entry may stay unused before it is dropped.
	Expiry time.Duration

	// MaxBodySize is the largest body that is cached.
	MaxBodySize uint64

	// Commands lists the cacheable commands.
	Commands []string

	// StrictKey extends the key with the command and the length, so two
	// bodies only share an entry when their checksum, command and length
	// all match.
	StrictKey bool

	// Clock is the time source used for expiry.
	Clock clock.Clock
}

// CacheKey identifies a cached body. By default it is the body checksum
// alone, a false hit between different bodies with the same four byte
// checksum is tolerated.
type CacheKey struct {
	Checksum [netwire.ChecksumSize]byte
	Command  string
	Length   uint64
}

// cachedMsg is a decoded body held by the cache.
type cachedMsg struct {
	msg        wire.Message
	size       uint64
	lastAccess atomic.Int64
}

// Size returns the byte cost of the entry.
//
// NOTE: this is part of the cache.Value interface.
func (c *cachedMsg) Size() (uint64, error) {
	return c.size, nil
}

// MessageCache memoizes decoded small bodies shared across every peer. Cached
// messages are shared values and must be treated as read only.
type MessageCache struct {
	cfg      CacheConfig
	commands fn.Set[string]
	entries  *lru.Cache[CacheKey, *cachedMsg]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewMessageCache creates a new message cache.
func NewMessageCache(cfg CacheConfig) *MessageCache {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultCacheMaxBytes
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultCacheExpiry
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultCacheMaxBodySize
	}
	if cfg.Commands == nil {
		cfg.Commands = DefaultCacheCommands
	}

	commands := fn.NewSet[string]()
	for _, cmd := range cfg.Commands {
		commands.Add(strings.ToUpper(cmd))
	}

	return &MessageCache{
		cfg:      cfg,
		commands: commands,
		entries:  lru.NewCache[CacheKey, *cachedMsg](cfg.MaxBytes),
	}
}

// Cacheable reports whether a frame with this header is eligible.
func (c *MessageCache) Cacheable(h *netwire.HeaderMsg) bool {
	return !h.Extended && h.Length <= c.cfg.MaxBodySize &&
		c.commands.Contains(strings.ToUpper(h.Command))
}

// key derives the cache key of a header.
func (c *MessageCache) key(h *netwire.HeaderMsg) CacheKey {
	k := CacheKey{Checksum: h.Checksum}
	if c.cfg.StrictKey {
		k.Command = strings.ToUpper(h.Command)
		k.Length = h.Length
	}

	return k
}

// Get returns the cached body for the header, if present and not expired.
func (c *MessageCache) Get(h *netwire.HeaderMsg) fn.Option[wire.Message] {
	key := c.key(h)

	entry, err := c.entries.Get(key)
	if err != nil {
		if !errors.Is(err, cache.ErrElementNotFound) {
			log.Warnf("Unable to query message cache: %v", err)
		}
		c.misses.Add(1)

		return fn.None[wire.Message]()
	}

	now := c.cfg.Clock.Now()
	if c.expired(entry, now) {
		c.entries.Delete(key)
		c.misses.Add(1)

		return fn.None[wire.Message]()
	}

	entry.lastAccess.Store(now.UnixNano())
	c.hits.Add(1)

	return fn.Some(entry.msg)
}

// Put stores a decoded body for the header.
func (c *MessageCache) Put(h *netwire.HeaderMsg, msg wire.Message) {
	entry := &cachedMsg{msg: msg, size: h.Length}

	// Empty bodies would otherwise be free and never evicted by size.
	if entry.size == 0 {
		entry.size = 1
	}
	entry.lastAccess.Store(c.cfg.Clock.Now().UnixNano())

	if _, err := c.entries.Put(c.key(h), entry); err != nil {
		log.Warnf("Unable to cache %v: %v", h, err)
	}
}

// PurgeExpired drops every entry idle for longer than the expiry and returns
// how many were dropped.
func (c *MessageCache) PurgeExpired() int {
	now := c.cfg.Clock.Now()

	var expired []CacheKey
	c.entries.Range(func(k CacheKey, v *cachedMsg) bool {
		if c.expired(v, now) {
			expired = append(expired, k)
		}

		return true
	})

	for _, k := range expired {
		c.entries.Delete(k)
	}

	return len(expired)
}

// Stats returns the number of hits and misses since creation.
func (c *MessageCache) Stats() (uint64, uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *MessageCache) expired(entry *cachedMsg, now time.Time) bool {
	last := time.Unix(0, entry.lastAccess.Load())
	return now.Sub(last) > c.cfg.Expiry
}
