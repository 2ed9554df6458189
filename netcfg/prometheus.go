package netcfg

import (
	"fmt"
	"net"

	"github.com/netkit/btcp2p/monitoring"
)

// Prometheus is the set of configuration data that specifies the listening
// address of the Prometheus exporter.
//
//nolint:ll
type Prometheus struct {
	// Enable indicates whether to export metrics to Prometheus.
	Enable bool `long:"enable" description:"Enable Prometheus exporting of node metrics."`

	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"The interface the Prometheus exporter should listen on."`

	// Namespace prefixes every metric name.
	Namespace string `long:"namespace" description:"The prefix of the metric names."`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen:    monitoring.DefaultListen,
		Namespace: monitoring.DefaultNamespace,
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}

// Validate checks the exporter settings.
//
// NOTE: Part of the Validator interface.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus listen address %q: %w",
			p.Listen, err)
	}

	return nil
}
