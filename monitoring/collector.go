package monitoring

import (
	"time"

	"github.com/netkit/btcp2p/p2p"
	"github.com/prometheus/client_golang/prometheus"
)

// PeerSource returns a snapshot of the connected peers.
type PeerSource interface {
	Peers() []p2p.PeerInfo
}

// peerCollector exports the connected peers. A custom collector reads the
// snapshot once per scrape and drops the peers that disappeared by itself.
type peerCollector struct {
	source PeerSource

	countDesc           *prometheus.Desc
	countByProtocolDesc *prometheus.Desc
	handshakedDesc      *prometheus.Desc

	// By peer address.
	bytesSentDesc *prometheus.Desc
	bytesRecvDesc *prometheus.Desc
	uptimeDesc    *prometheus.Desc
}

// NewPeerCollector returns a collector exporting the peers of source.
func NewPeerCollector(namespace string,
	source PeerSource) prometheus.Collector {

	if namespace == "" {
		namespace = DefaultNamespace
	}
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "peer", n)
	}
	labels := []string{"peer", "direction"}

	return &peerCollector{
		source: source,
		countDesc: prometheus.NewDesc(
			name("count"),
			"Number of connected peers.",
			nil, nil,
		),
		countByProtocolDesc: prometheus.NewDesc(
			name("count_by_protocol"),
			"Number of connected peers by IP version.",
			[]string{"protocol"}, nil,
		),
		handshakedDesc: prometheus.NewDesc(
			name("handshaked_count"),
			"Number of handshaked peers.",
			nil, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			name("bytes_sent_by_peer"),
			"Bytes sent to the peer.",
			labels, nil,
		),
		bytesRecvDesc: prometheus.NewDesc(
			name("bytes_recv_by_peer"),
			"Bytes received from the peer.",
			labels, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			name("uptime_seconds_by_peer"),
			"Time since the connection was established.",
			labels, nil,
		),
	}
}

// Describe sends the descriptors of the peer metrics.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *peerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.countDesc
	ch <- c.countByProtocolDesc
	ch <- c.handshakedDesc
	ch <- c.bytesSentDesc
	ch <- c.bytesRecvDesc
	ch <- c.uptimeDesc
}

// Collect sends the metrics of every connected peer.
//
// NOTE: Part of the prometheus.Collector interface.
func (c *peerCollector) Collect(ch chan<- prometheus.Metric) {
	peers := c.source.Peers()

	ch <- prometheus.MustNewConstMetric(
		c.countDesc, prometheus.GaugeValue, float64(len(peers)),
	)

	var ipv4, ipv6, handshaked uint64
	now := time.Now()
	for _, peer := range peers {
		if peer.Addr.IP.Unmap().Is4() {
			ipv4++
		} else {
			ipv6++
		}
		if peer.Handshaked {
			handshaked++
		}

		direction := "outbound"
		if peer.Inbound {
			direction = "inbound"
		}
		labelValues := []string{peer.Addr.String(), direction}

		ch <- prometheus.MustNewConstMetric(
			c.bytesSentDesc, prometheus.CounterValue,
			float64(peer.BytesWritten), labelValues...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRecvDesc, prometheus.CounterValue,
			float64(peer.BytesRead), labelValues...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.uptimeDesc, prometheus.GaugeValue,
			now.Sub(peer.ConnectedAt).Seconds(), labelValues...,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.countByProtocolDesc, prometheus.GaugeValue, float64(ipv4),
		"ipv4",
	)
	ch <- prometheus.MustNewConstMetric(
		c.countByProtocolDesc, prometheus.GaugeValue, float64(ipv6),
		"ipv6",
	)
	ch <- prometheus.MustNewConstMetric(
		c.handshakedDesc, prometheus.GaugeValue, float64(handshaked),
	)
}
