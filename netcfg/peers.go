package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/handshake"
	"github.com/netkit/btcp2p/p2p"
	"github.com/netkit/btcp2p/peerconn"
)

// Peers holds the connection settings.
//
//nolint:ll
type Peers struct {
	MaxPeers int `long:"maxpeers" description:"The maximum number of connected peers."`

	MaxHandshaked int `long:"maxhandshaked" description:"The maximum number of handshaked peers. Zero disables the limit."`

	TargetOutbound uint32 `long:"targetoutbound" description:"The number of outbound connections to maintain."`

	Listen []string `long:"listen" description:"Add an interface/port to listen for peer connections."`

	NoListen bool `long:"nolisten" description:"Disable listening for incoming peer connections."`

	Connect []string `long:"connect" description:"Add a peer to keep connected to. Reconnected on failure."`

	DialTimeout time.Duration `long:"dialtimeout" description:"The time allowed to establish an outbound connection."`

	RetryDuration time.Duration `long:"retryduration" description:"The delay before a failed permanent connection is retried."`

	WriteTimeout time.Duration `long:"writetimeout" description:"The deadline of a single socket write."`

	ProcessQueueSize int `long:"processqueuesize" description:"The number of read chunks waiting for the deserializer of a peer."`

	WriteQueueSize int `long:"writequeuesize" description:"The number of messages waiting to be written to a peer."`

	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"The time a handshake may take."`

	MinStartHeight int32 `long:"minstartheight" description:"The lowest start height accepted from peers."`

	UserAgentBlacklist []string `long:"uablacklist" description:"Reject peers whose user agent contains this string."`

	UserAgentWhitelist []string `long:"uawhitelist" description:"Only accept peers whose user agent contains one of these strings."`
}

// DefaultPeers returns the default connection settings.
func DefaultPeers() *Peers {
	return &Peers{
		MaxPeers:         p2p.DefaultMaxPeers,
		TargetOutbound:   p2p.DefaultTargetOutbound,
		DialTimeout:      p2p.DefaultDialTimeout,
		RetryDuration:    p2p.DefaultRetryDuration,
		WriteTimeout:     peerconn.DefaultWriteTimeout,
		ProcessQueueSize: peerconn.DefaultProcessQueueSize,
		WriteQueueSize:   peerconn.DefaultWriteQueueSize,
		HandshakeTimeout: handshake.DefaultTimeout,
	}
}

// Validate checks the connection settings.
//
// NOTE: Part of the Validator interface.
func (p *Peers) Validate() error {
	if p.MaxPeers < 1 {
		return fmt.Errorf("maxpeers must be positive, got %d",
			p.MaxPeers)
	}

	if p.MaxHandshaked < 0 {
		return fmt.Errorf("maxhandshaked must not be negative, got %d",
			p.MaxHandshaked)
	}

	if int(p.TargetOutbound) > p.MaxPeers {
		return fmt.Errorf("targetoutbound %d exceeds maxpeers %d",
			p.TargetOutbound, p.MaxPeers)
	}

	durations := map[string]time.Duration{
		"dialtimeout":      p.DialTimeout,
		"retryduration":    p.RetryDuration,
		"writetimeout":     p.WriteTimeout,
		"handshaketimeout": p.HandshakeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}

	if p.ProcessQueueSize < 1 || p.WriteQueueSize < 1 {
		return fmt.Errorf("queue sizes must be positive")
	}

	return nil
}
