package btcp2p

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/blacklist"
	"github.com/netkit/btcp2p/discovery"
	"github.com/netkit/btcp2p/download"
	"github.com/netkit/btcp2p/handshake"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netcfg"
	"github.com/netkit/btcp2p/netwire"
	"github.com/netkit/btcp2p/p2p"
	"github.com/netkit/btcp2p/pingpong"
	"golang.org/x/time/rate"
)

// parsePort parses the decimal port of a network.
func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}

	return uint16(port), nil
}

// NetConfigBuilder turns a validated Config into the configuration of the
// network.
type NetConfigBuilder struct {
	cfg *Config

	// Listen creates the peer listeners. Defaults to net.Listen.
	Listen func(network, addr string) (net.Listener, error)
}

// NewNetConfigBuilder returns a builder for cfg.
func NewNetConfigBuilder(cfg *Config) *NetConfigBuilder {
	return &NetConfigBuilder{
		cfg:    cfg,
		Listen: net.Listen,
	}
}

// Build returns the network configuration. The listeners it opens are closed
// when an error is returned.
func (b *NetConfigBuilder) Build() (p2p.Config, error) {
	cfg := b.cfg

	params, err := netcfg.ChainParams(cfg.Protocol.Network)
	if err != nil {
		return p2p.Config{}, err
	}
	defaultPort, err := parsePort(params.DefaultPort)
	if err != nil {
		return p2p.Config{}, err
	}

	magic, err := cfg.Protocol.Net()
	if err != nil {
		return p2p.Config{}, err
	}

	encoding := wire.BaseEncoding
	if cfg.Protocol.Witness {
		encoding = wire.WitnessEncoding
	}

	registry := netwire.NewDefaultRegistry(cfg.Stream.BatchSize)
	stream := msgstream.Config{
		Registry:        registry,
		Net:             magic,
		LocalVersion:    cfg.Protocol.Version,
		Encoding:        encoding,
		LargeThreshold:  cfg.Stream.LargeThreshold,
		MaxMessageSize:  cfg.Stream.MaxMessageSize,
		MaxStreamSize:   cfg.Stream.MaxStreamSize,
		MaxChunkSize:    cfg.Stream.MaxChunkSize,
		SkipUnknown:     cfg.Protocol.SkipUnknown,
		CalculateHashes: cfg.Stream.CalculateHashes,
		Rate: netwire.RateConfig{
			MinBytesPerSec: cfg.Stream.MinBytesPerSec,
			Window:         cfg.Stream.RateWindow,
		},
	}

	permanent, err := netcfg.ParsePeerAddresses(
		cfg.Peers.Connect, defaultPort,
	)
	if err != nil {
		return p2p.Config{}, err
	}

	var localAddr netwire.PeerAddress
	if cfg.ExternalIP != "" {
		localAddr, err = netcfg.ParsePeerAddress(
			cfg.ExternalIP, defaultPort,
		)
		if err != nil {
			return p2p.Config{}, err
		}
	}

	notAvailable, noAnnouncer, err := cfg.Download.Policies()
	if err != nil {
		return p2p.Config{}, err
	}

	var store blacklist.Store
	if !cfg.Blacklist.NoPersist {
		store = blacklist.NewFileStore(cfg.DataDir, cfg.ConfigID)
	}

	netCfg := p2p.Config{
		Controller: p2p.ControllerConfig{
			Stream:           stream,
			TargetOutbound:   cfg.Peers.TargetOutbound,
			MaxPeers:         cfg.Peers.MaxPeers,
			RetryDuration:    cfg.Peers.RetryDuration,
			DialTimeout:      cfg.Peers.DialTimeout,
			PermanentPeers:   permanent,
			ProcessQueueSize: cfg.Peers.ProcessQueueSize,
			WriteQueueSize:   cfg.Peers.WriteQueueSize,
			WriteTimeout:     cfg.Peers.WriteTimeout,
		},
		StreamWorkers: cfg.Stream.DecodeWorkers,
		Handshake: handshake.Config{
			ProtocolVersion:    cfg.Protocol.Version,
			Services:           wire.ServiceFlag(cfg.Protocol.Services),
			UserAgentName:      cfg.Protocol.UserAgentName,
			UserAgentVersion:   cfg.Protocol.UserAgentVersion,
			RelayTx:            cfg.Protocol.RelayTx,
			MinVersion:         cfg.Protocol.MinVersion,
			UserAgentBlacklist: cfg.Peers.UserAgentBlacklist,
			UserAgentWhitelist: cfg.Peers.UserAgentWhitelist,
			MinStartHeight:     cfg.Peers.MinStartHeight,
			MaxPeers:           cfg.Peers.MaxHandshaked,
			Timeout:            cfg.Peers.HandshakeTimeout,
			LocalAddr:          localAddr,
		},
		PingPong: pingpong.Config{
			InactivityTimeout: cfg.PingPong.InactivityTimeout,
			ResponseTimeout:   cfg.PingPong.ResponseTimeout,
			CheckInterval:     cfg.PingPong.CheckInterval,
		},
		Blacklist: blacklist.Config{
			CheckInterval:        cfg.Blacklist.CheckInterval,
			MaxHosts:             cfg.Blacklist.MaxHosts,
			FailedHandshakes:     cfg.Blacklist.FailedHandshakes,
			SerializationErrors:  cfg.Blacklist.SerializationErrors,
			ConnectionRejections: cfg.Blacklist.ConnectionRejections,
			Expirations:          cfg.Blacklist.Expirations(),
			Store:                store,
		},
		Download: download.Config{
			IBD:                cfg.Download.IBD,
			NotAvailablePolicy: notAvailable,
			NoAnnouncerPolicy:  noAnnouncer,
			WaitUndecided:      cfg.Download.WaitUndecided,
			Witness:            cfg.Protocol.Witness,
			MaxAttempts:        cfg.Download.MaxAttempts,
			DownloadTimeout:    cfg.Download.Timeout,
			IdleTimeout:        cfg.Download.IdleTimeout,
			MaxInFlightPerPeer: cfg.Download.MaxInFlightPerPeer,
		},
	}

	if cfg.Cache.Enable {
		netCfg.Cache = &msgstream.CacheConfig{
			MaxBytes:    cfg.Cache.MaxBytes,
			Expiry:      cfg.Cache.Expiry,
			MaxBodySize: cfg.Cache.MaxBodySize,
			Commands:    cfg.Cache.Commands,
			StrictKey:   cfg.Cache.StrictKey,
		}
		netCfg.CachePurgeInterval = cfg.Cache.PurgeInterval
	}

	if !cfg.Discovery.Disable {
		bootstrappers, err := b.bootstrappers(
			params.DNSSeeds, defaultPort,
		)
		if err != nil {
			return p2p.Config{}, err
		}

		netCfg.Discovery = &discovery.Config{
			Bootstrappers:    bootstrappers,
			PoolSize:         cfg.Discovery.PoolSize,
			BootstrapAddrs:   cfg.Discovery.BootstrapAddrs,
			BootstrapTimeout: cfg.Discovery.BootstrapTimeout,
			AttemptRate:      rate.Limit(cfg.Discovery.AttemptRate),
			AttemptBurst:     cfg.Discovery.AttemptBurst,
			RetryInterval:    cfg.Discovery.RetryInterval,
			MaxAttempts:      cfg.Discovery.MaxAttempts,
		}
	}

	listeners := make([]net.Listener, 0, len(cfg.Peers.Listen))
	for _, addr := range cfg.Peers.Listen {
		l, err := b.Listen("tcp", addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}

			return p2p.Config{}, fmt.Errorf("unable to listen on "+
				"%v: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	netCfg.Controller.Listeners = listeners

	return netCfg, nil
}

// bootstrappers returns the address sources of the discovery: the seed file
// and the DNS seeds.
func (b *NetConfigBuilder) bootstrappers(networkSeeds []chaincfg.DNSSeed,
	defaultPort uint16) ([]discovery.PeerBootstrapper, error) {

	cfg := b.cfg.Discovery

	var bootstrappers []discovery.PeerBootstrapper
	if cfg.SeedFile != "" {
		bootstrappers = append(bootstrappers,
			discovery.NewSeedFileBootstrapper(
				cfg.SeedFile, defaultPort,
			),
		)
	}

	if cfg.NoDNSSeeds {
		return bootstrappers, nil
	}

	seeds := cfg.DNSSeeds
	if len(seeds) == 0 {
		for _, seed := range networkSeeds {
			seeds = append(seeds, seed.Host)
		}
	}
	if len(seeds) == 0 {
		return bootstrappers, nil
	}

	dnsSeeds, err := discovery.NewDNSSeedBootstrapper(
		seeds, cfg.DNSServer, defaultPort, dnsTimeout(cfg),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create DNS seed "+
			"bootstrapper: %w", err)
	}

	return append(bootstrappers, dnsSeeds), nil
}

// dnsTimeout bounds a single DNS query to a fraction of the bootstrap.
func dnsTimeout(cfg *netcfg.Discovery) time.Duration {
	return cfg.BootstrapTimeout / 4
}
