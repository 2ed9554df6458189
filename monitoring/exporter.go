package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultListen is the address the exporter listens on by default.
	DefaultListen = "127.0.0.1:8989"

	// shutdownTimeout bounds the time given to in-flight scrapes once the
	// exporter is stopped.
	shutdownTimeout = 5 * time.Second
)

// ExporterConfig holds the settings of the metrics HTTP endpoint.
type ExporterConfig struct {
	// Listen is the address to serve /metrics on.
	Listen string

	// Listener overrides Listen when set.
	Listener net.Listener

	// Gatherer provides the metrics.
	Gatherer prometheus.Gatherer
}

// Exporter serves the metrics of a registry over HTTP.
type Exporter struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg    ExporterConfig
	server *http.Server
	addr   net.Addr

	wg sync.WaitGroup
}

// NewExporter creates an exporter. Call Start to begin serving.
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		cfg.Gatherer, promhttp.HandlerOpts{},
	))

	return &Exporter{
		cfg: cfg,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens and serves the metrics in the background.
func (e *Exporter) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	l := e.cfg.Listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			return fmt.Errorf("unable to listen for metrics on %v: %w",
				e.cfg.Listen, err)
		}
	}
	e.addr = l.Addr()

	log.Infof("Prometheus exporter listening on %v", e.addr)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter stopped: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the exporter listens on once started.
func (e *Exporter) Addr() net.Addr {
	return e.addr
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	if !e.started.Load() || !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	err := e.server.Shutdown(ctx)
	e.wg.Wait()

	return err
}
