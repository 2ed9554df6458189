package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/pingpong"
)

// PingPong holds the liveness check settings.
//
//nolint:ll
type PingPong struct {
	InactivityTimeout time.Duration `long:"inactivitytimeout" description:"The silence after which a peer is pinged."`

	ResponseTimeout time.Duration `long:"responsetimeout" description:"The time a peer has to answer a ping."`

	CheckInterval time.Duration `long:"checkinterval" description:"The period of the liveness check."`
}

// DefaultPingPong returns the default liveness check settings.
func DefaultPingPong() *PingPong {
	return &PingPong{
		InactivityTimeout: pingpong.DefaultInactivityTimeout,
		ResponseTimeout:   pingpong.DefaultResponseTimeout,
		CheckInterval:     pingpong.DefaultCheckInterval,
	}
}

// Validate checks the liveness check settings.
//
// NOTE: Part of the Validator interface.
func (p *PingPong) Validate() error {
	if p.InactivityTimeout <= 0 || p.ResponseTimeout <= 0 {
		return fmt.Errorf("ping timeouts must be positive")
	}

	if p.CheckInterval <= 0 {
		return fmt.Errorf("ping check interval must be positive")
	}

	if p.CheckInterval > p.ResponseTimeout {
		return fmt.Errorf("ping check interval %v exceeds response "+
			"timeout %v", p.CheckInterval, p.ResponseTimeout)
	}

	return nil
}
