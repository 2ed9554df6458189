package monitoring

import (
	"fmt"
	"sync/atomic"

	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "btcp2p"

// unknownCommand labels the messages of unregistered commands, whose names
// are chosen by the remote peer.
const unknownCommand = "unknown"

// MetricsConfig holds the dependencies of the Metrics handler.
type MetricsConfig struct {
	// Bus is observed to update the metrics.
	Bus *events.Bus

	// Registry receives the metrics. Defaults to a new registry.
	Registry *prometheus.Registry

	// Namespace prefixes every metric name.
	Namespace string
}

// Metrics turns the events of the network into Prometheus metrics.
type Metrics struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg MetricsConfig

	connections    *prometheus.CounterVec
	disconnections *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	handshakes     *prometheus.CounterVec

	msgsReceived  *prometheus.CounterVec
	bytesReceived *prometheus.CounterVec
	msgsSent      *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	cacheHits     prometheus.Counter

	corruptedStreams prometheus.Counter
	pingFailures     *prometheus.CounterVec
	pingRTT          prometheus.Histogram

	blacklistedHosts prometheus.Gauge

	blocksDownloaded prometheus.Counter
	blockBytes       prometheus.Counter
	blockDuration    prometheus.Histogram
	blocksDiscarded  prometheus.Counter

	subs events.Subscriptions
}

// NewMetrics creates the metrics and registers them.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	ns := cfg.Namespace
	counterVec := func(subsystem, name, help string,
		labels ...string) *prometheus.CounterVec {

		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		cfg: cfg,
		connections: counterVec("peer", "connections_total",
			"Connections established by direction.", "direction"),
		disconnections: counterVec("peer", "disconnections_total",
			"Connections closed by reason.", "reason"),
		rejections: counterVec("peer", "rejections_total",
			"Connections refused or failed by reason.", "reason"),
		handshakes: counterVec("peer", "handshakes_total",
			"Handshakes by result.", "result"),
		msgsReceived: counterVec("wire", "messages_received_total",
			"Messages received by command.", "command"),
		bytesReceived: counterVec("wire", "bytes_received_total",
			"Bytes received by command, headers included.",
			"command"),
		msgsSent: counterVec("wire", "messages_sent_total",
			"Messages sent by command.", "command"),
		bytesSent: counterVec("wire", "bytes_sent_total",
			"Bytes sent by command, headers included.", "command"),
		cacheHits: counter("wire", "cache_hits_total",
			"Messages served from the message cache."),
		corruptedStreams: counter("wire", "corrupted_streams_total",
			"Incoming streams that could not be deserialized."),
		pingFailures: counterVec("pingpong", "failures_total",
			"Failed liveness checks by reason.", "reason"),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "pingpong",
			Name:      "rtt_seconds",
			Help:      "Round trip of the successful pings.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		blacklistedHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "blacklist",
			Name:      "hosts",
			Help:      "Hosts currently blacklisted.",
		}),
		blocksDownloaded: counter("download", "blocks_total",
			"Blocks downloaded."),
		blockBytes: counter("download", "bytes_total",
			"Bytes of the downloaded blocks."),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "download",
			Name:      "duration_seconds",
			Help:      "Time taken to download a block.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		blocksDiscarded: counter("download", "discarded_total",
			"Blocks discarded after too many attempts."),
	}

	all := []prometheus.Collector{
		m.connections, m.disconnections, m.rejections, m.handshakes,
		m.msgsReceived, m.bytesReceived, m.msgsSent, m.bytesSent,
		m.cacheHits, m.corruptedStreams, m.pingFailures, m.pingRTT,
		m.blacklistedHosts, m.blocksDownloaded, m.blockBytes,
		m.blockDuration, m.blocksDiscarded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range all {
		if err := cfg.Registry.Register(c); err != nil {
			return nil, fmt.Errorf("unable to register metric: %w",
				err)
		}
	}

	return m, nil
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.cfg.Registry
}

// Name returns the name of the handler.
func (m *Metrics) Name() string {
	return "metrics"
}

// Start subscribes the metrics to the bus. The message subscriptions use
// several workers since counting does not need ordering.
func (m *Metrics) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	bus := m.cfg.Bus
	m.subs.Add(events.Handle(bus, "metrics-connected",
		m.handlePeerConnected))
	m.subs.Add(events.Handle(bus, "metrics-disconnected",
		m.handlePeerDisconnected))
	m.subs.Add(events.Handle(bus, "metrics-rejected",
		m.handlePeerRejected))
	m.subs.Add(events.Handle(bus, "metrics-handshaked",
		m.handlePeerHandshaked))
	m.subs.Add(events.Handle(bus, "metrics-handshake-rejected",
		m.handleHandshakeRejected))
	m.subs.Add(events.Handle(bus, "metrics-received",
		m.handleMsgReceived, eventbus.WithWorkers(4)))
	m.subs.Add(events.Handle(bus, "metrics-sent",
		m.handleMsgSent, eventbus.WithWorkers(4)))
	m.subs.Add(events.Handle(bus, "metrics-corrupted",
		m.handleStreamCorrupted))
	m.subs.Add(events.Handle(bus, "metrics-ping-failed",
		m.handlePingPongFailed))
	m.subs.Add(events.Handle(bus, "metrics-ping-succeeded",
		m.handlePingPongSucceeded))
	m.subs.Add(events.Handle(bus, "metrics-blacklisted",
		m.handleHostsBlacklisted))
	m.subs.Add(events.Handle(bus, "metrics-whitelisted",
		m.handleHostsWhitelisted))
	m.subs.Add(events.Handle(bus, "metrics-downloaded",
		m.handleBlockDownloaded))
	m.subs.Add(events.Handle(bus, "metrics-discarded",
		m.handleBlockDiscarded))

	if err := m.subs.Err(); err != nil {
		m.subs.Cancel()
		return fmt.Errorf("unable to subscribe metrics: %w", err)
	}

	return nil
}

// Stop cancels the subscriptions.
func (m *Metrics) Stop() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}

	m.subs.Cancel()

	return nil
}

func (m *Metrics) handlePeerConnected(e events.PeerConnectedEvent) {
	direction := "outbound"
	if e.Inbound {
		direction = "inbound"
	}
	m.connections.WithLabelValues(direction).Inc()
}

func (m *Metrics) handlePeerDisconnected(e events.PeerDisconnectedEvent) {
	m.disconnections.WithLabelValues(e.Reason.String()).Inc()
}

func (m *Metrics) handlePeerRejected(e events.PeerRejectedEvent) {
	m.rejections.WithLabelValues(e.Reason.String()).Inc()
}

func (m *Metrics) handlePeerHandshaked(events.PeerHandshakedEvent) {
	m.handshakes.WithLabelValues("ok").Inc()
}

func (m *Metrics) handleHandshakeRejected(
	e events.PeerHandshakeRejectedEvent) {

	m.handshakes.WithLabelValues(e.Reason.String()).Inc()
}

// handleMsgReceived counts a received message and its frame size.
func (m *Metrics) handleMsgReceived(e events.MsgReceivedEvent) {
	command := e.Command()
	if _, ok := e.Msg.(*netwire.RawMessage); ok {
		command = unknownCommand
	}

	m.msgsReceived.WithLabelValues(command).Inc()
	if e.Header != nil {
		size := float64(e.Header.Size()) + float64(e.Header.Length)
		m.bytesReceived.WithLabelValues(command).Add(size)
	}
	if e.Cached {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) handleMsgSent(e events.MsgSentEvent) {
	m.msgsSent.WithLabelValues(e.Command).Inc()
	m.bytesSent.WithLabelValues(e.Command).Add(float64(e.Bytes))
}

func (m *Metrics) handleStreamCorrupted(events.PeerStreamCorruptedEvent) {
	m.corruptedStreams.Inc()
}

func (m *Metrics) handlePingPongFailed(e events.PingPongFailedEvent) {
	m.pingFailures.WithLabelValues(e.Reason.String()).Inc()
}

func (m *Metrics) handlePingPongSucceeded(e events.PingPongSucceededEvent) {
	m.pingRTT.Observe(e.RTT.Seconds())
}

func (m *Metrics) handleHostsBlacklisted(e events.HostsBlacklistedEvent) {
	m.blacklistedHosts.Add(float64(len(e.Hosts)))
}

func (m *Metrics) handleHostsWhitelisted(e events.HostsWhitelistedEvent) {
	m.blacklistedHosts.Sub(float64(len(e.Hosts)))
}

func (m *Metrics) handleBlockDownloaded(e events.BlockDownloadedEvent) {
	m.blocksDownloaded.Inc()
	m.blockBytes.Add(float64(e.Bytes))
	m.blockDuration.Observe(e.Duration.Seconds())
}

func (m *Metrics) handleBlockDiscarded(events.BlockDiscardedEvent) {
	m.blocksDiscarded.Inc()
}
