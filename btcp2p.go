package btcp2p

import (
	"fmt"
	"strings"

	"github.com/netkit/btcp2p/build"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/monitoring"
	"github.com/netkit/btcp2p/p2p"
	"github.com/netkit/btcp2p/signal"
)

// Main is the true entry point of the daemon. It runs the network until a
// shutdown is requested through the interceptor. It is separated from the
// main package so the defers run on a graceful shutdown.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	// Set up the logging first: every subsystem writes to stdout and to
	// the rotating log file.
	rotator := build.NewRotatingLogWriter()
	if !cfg.Logging.NoFile {
		err := rotator.InitLogRotator(cfg.Logging, cfg.LogFile())
		if err != nil {
			return err
		}
	}
	defer func() {
		_ = rotator.Close()
	}()

	logMgr := NewSubLoggerManager(
		build.NewDefaultHandler(cfg.Logging, rotator),
	)
	SetupLoggers(logMgr, interceptor.RequestShutdown)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			logMgr.SupportedSubsystems())
		return nil
	}
	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return err
	}

	log.Infof("Starting btcp2pd on %v, config id %v",
		cfg.Protocol.Network, cfg.ConfigID)

	netCfg, err := NewNetConfigBuilder(cfg).Build()
	if err != nil {
		return fmt.Errorf("unable to build network config: %w", err)
	}

	// The bus is created here so the metrics handler can observe it from
	// the first event on.
	bus := eventbus.New(eventbus.Config{})
	netCfg.EventBus = bus

	var metrics *monitoring.Metrics
	if cfg.Prometheus.Enabled() {
		metrics, err = monitoring.NewMetrics(monitoring.MetricsConfig{
			Bus:       bus,
			Namespace: cfg.Prometheus.Namespace,
		})
		if err != nil {
			return err
		}
		netCfg.Handlers = append(netCfg.Handlers, metrics)
	}

	network, err := p2p.New(netCfg)
	if err != nil {
		return err
	}
	if err := network.Start(); err != nil {
		_ = network.Stop()
		return fmt.Errorf("unable to start network: %w", err)
	}
	defer func() {
		if err := network.Stop(); err != nil {
			log.Errorf("Unable to stop network: %v", err)
		}
	}()

	if metrics != nil {
		err := metrics.Registry().Register(monitoring.NewPeerCollector(
			cfg.Prometheus.Namespace, network,
		))
		if err != nil {
			return err
		}

		exporter := monitoring.NewExporter(monitoring.ExporterConfig{
			Listen:   cfg.Prometheus.Listen,
			Gatherer: metrics.Registry(),
		})
		if err := exporter.Start(); err != nil {
			return err
		}
		defer func() {
			_ = exporter.Stop()
		}()
	}

	log.Infof("Listening on %v", strings.Join(cfg.Peers.Listen, ", "))

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	log.Info("Shutdown complete")

	return nil
}
