package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/discovery"
)

// Discovery holds the settings of the address discovery.
//
//nolint:ll
type Discovery struct {
	Disable bool `long:"disable" description:"Only connect to the configured peers."`

	SeedFile string `long:"seedfile" description:"A CSV file of ip[,port] lines used to bootstrap the address pool."`

	NoDNSSeeds bool `long:"nodnsseeds" description:"Do not query the DNS seeds of the network."`

	DNSSeeds []string `long:"dnsseed" description:"A DNS seed queried in place of the seeds of the network. Can be set multiple times."`

	DNSServer string `long:"dnsserver" description:"The host:port of the DNS server used to resolve the seeds. Defaults to the system resolver."`

	PoolSize uint64 `long:"poolsize" description:"The maximum number of addresses kept."`

	BootstrapAddrs uint32 `long:"bootstrapaddrs" description:"The number of addresses requested when bootstrapping."`

	BootstrapTimeout time.Duration `long:"bootstraptimeout" description:"The time the bootstrap may take."`

	AttemptRate float64 `long:"attemptrate" description:"The number of new connection attempts per second."`

	AttemptBurst int `long:"attemptburst" description:"The number of connection attempts that may be made at once."`

	RetryInterval time.Duration `long:"retryinterval" description:"The time before a failed address is tried again."`

	MaxAttempts uint32 `long:"maxattempts" description:"The number of failed attempts after which an address is forgotten."`
}

// DefaultDiscovery returns the default discovery settings.
func DefaultDiscovery() *Discovery {
	return &Discovery{
		PoolSize:         discovery.DefaultPoolSize,
		BootstrapAddrs:   discovery.DefaultBootstrapAddrs,
		BootstrapTimeout: discovery.DefaultBootstrapTimeout,
		AttemptRate:      discovery.DefaultAttemptRate,
		AttemptBurst:     1,
		RetryInterval:    discovery.DefaultRetryInterval,
		MaxAttempts:      discovery.DefaultMaxAttempts,
	}
}

// Validate checks the discovery settings. Disabled discovery is always
// valid.
//
// NOTE: Part of the Validator interface.
func (d *Discovery) Validate() error {
	if d.Disable {
		return nil
	}

	if d.PoolSize == 0 {
		return fmt.Errorf("discovery pool size must be positive")
	}

	if d.AttemptRate <= 0 || d.AttemptBurst < 1 {
		return fmt.Errorf("discovery attempt rate and burst must be " +
			"positive")
	}

	if d.BootstrapTimeout <= 0 || d.RetryInterval <= 0 {
		return fmt.Errorf("discovery timeouts must be positive")
	}

	if d.MaxAttempts == 0 {
		return fmt.Errorf("discovery max attempts must be positive")
	}

	return nil
}
