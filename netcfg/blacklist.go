package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/blacklist"
	"github.com/netkit/btcp2p/events"
)

// Blacklist holds the thresholds of the blacklist.
//
//nolint:ll
type Blacklist struct {
	CheckInterval time.Duration `long:"checkinterval" description:"The period of the job whitelisting expired hosts."`

	MaxHosts uint64 `long:"maxhosts" description:"The maximum number of hosts tracked."`

	FailedHandshakes uint32 `long:"failedhandshakes" description:"Failed handshakes after which a host is blacklisted."`

	SerializationErrors uint32 `long:"serializationerrors" description:"Corrupted streams after which a host is blacklisted."`

	ConnectionRejections uint32 `long:"connectionrejections" description:"Failed dials after which a host is blacklisted."`

	ConnectionRejectedExpiry time.Duration `long:"connectionrejectedexpiry" description:"How long a host stays blacklisted for failed dials. Zero never expires."`

	SerializationErrorExpiry time.Duration `long:"serializationerrorexpiry" description:"How long a host stays blacklisted for corrupted streams. Zero never expires."`

	FailedHandshakeExpiry time.Duration `long:"failedhandshakeexpiry" description:"How long a host stays blacklisted for failed handshakes. Zero never expires."`

	NoPersist bool `long:"nopersist" description:"Do not save the blacklisted hosts across restarts."`
}

// DefaultBlacklist returns the default blacklist thresholds.
func DefaultBlacklist() *Blacklist {
	expirations := blacklist.DefaultExpirations()
	rejected := expirations[events.BlacklistConnectionRejected]
	corrupted := expirations[events.BlacklistSerializationError]

	return &Blacklist{
		CheckInterval:            blacklist.DefaultCheckInterval,
		MaxHosts:                 blacklist.DefaultMaxHosts,
		FailedHandshakes:         blacklist.DefaultFailedHandshakes,
		SerializationErrors:      blacklist.DefaultSerializationErrors,
		ConnectionRejections:     blacklist.DefaultConnectionRejections,
		ConnectionRejectedExpiry: rejected,
		SerializationErrorExpiry: corrupted,
	}
}

// Expirations returns the expiry of each reason. Reasons with a zero expiry
// are left out and never expire.
func (b *Blacklist) Expirations() map[events.BlacklistReason]time.Duration {
	expirations := make(map[events.BlacklistReason]time.Duration)

	set := func(reason events.BlacklistReason, d time.Duration) {
		if d > 0 {
			expirations[reason] = d
		}
	}
	set(events.BlacklistConnectionRejected, b.ConnectionRejectedExpiry)
	set(events.BlacklistSerializationError, b.SerializationErrorExpiry)
	set(events.BlacklistFailedHandshake, b.FailedHandshakeExpiry)

	return expirations
}

// Validate checks the blacklist thresholds.
//
// NOTE: Part of the Validator interface.
func (b *Blacklist) Validate() error {
	if b.CheckInterval <= 0 {
		return fmt.Errorf("blacklist check interval must be positive")
	}

	if b.MaxHosts == 0 {
		return fmt.Errorf("blacklist maxhosts must be positive")
	}

	if b.FailedHandshakes == 0 || b.SerializationErrors == 0 ||
		b.ConnectionRejections == 0 {

		return fmt.Errorf("blacklist thresholds must be positive")
	}

	if b.ConnectionRejectedExpiry < 0 || b.SerializationErrorExpiry < 0 ||
		b.FailedHandshakeExpiry < 0 {

		return fmt.Errorf("blacklist expiries must not be negative")
	}

	return nil
}
