package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/msgstream"
)

// Cache holds the settings of the message cache.
//
//nolint:ll
type Cache struct {
	Enable bool `long:"enable" description:"Memoize the decoded bodies of cacheable commands."`

	MaxBytes uint64 `long:"maxbytes" description:"The sum of body sizes held by the cache."`

	MaxBodySize uint64 `long:"maxbodysize" description:"The largest body that is cached."`

	Expiry time.Duration `long:"expiry" description:"How long an unused entry stays in the cache."`

	PurgeInterval time.Duration `long:"purgeinterval" description:"The period of the purge of expired entries."`

	Commands []string `long:"command" description:"A command whose bodies are cached. Can be set multiple times."`

	StrictKey bool `long:"strictkey" description:"Key the entries by checksum, command and length instead of checksum alone."`
}

// DefaultCache returns the default cache settings.
func DefaultCache() *Cache {
	return &Cache{
		MaxBytes:      msgstream.DefaultCacheMaxBytes,
		MaxBodySize:   msgstream.DefaultCacheMaxBodySize,
		Expiry:        msgstream.DefaultCacheExpiry,
		PurgeInterval: time.Minute,
		Commands: append(
			[]string(nil), msgstream.DefaultCacheCommands...,
		),
	}
}

// Validate checks the cache settings. A disabled cache is always valid.
//
// NOTE: Part of the Validator interface.
func (c *Cache) Validate() error {
	if !c.Enable {
		return nil
	}

	if c.MaxBytes == 0 || c.MaxBodySize == 0 {
		return fmt.Errorf("cache sizes must be positive")
	}

	if c.MaxBodySize > c.MaxBytes {
		return fmt.Errorf("cache max body size %d exceeds max bytes %d",
			c.MaxBodySize, c.MaxBytes)
	}

	if c.Expiry <= 0 || c.PurgeInterval <= 0 {
		return fmt.Errorf("cache expiry and purge interval must be " +
			"positive")
	}

	if len(c.Commands) == 0 {
		return fmt.Errorf("cache enabled without cacheable commands")
	}

	return nil
}
