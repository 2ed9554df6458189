// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package btcp2p

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/netkit/btcp2p/build"
	"github.com/netkit/btcp2p/handshake"
	"github.com/netkit/btcp2p/netcfg"
)

const (
	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogFilename = "btcp2p.log"
	defaultLogLevel    = "info"
)

var (
	// DefaultHomeDir is the default directory holding the configuration,
	// data and logs.
	DefaultHomeDir = btcutil.AppDataDir("btcp2p", false)

	// DefaultConfigFile is the default full path of the configuration
	// file.
	DefaultConfigFile = filepath.Join(
		DefaultHomeDir, netcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultHomeDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultHomeDir, defaultLogDirname)
)

// Config defines the configuration options for the daemon.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	HomeDir    string `long:"homedir" description:"The base directory that contains the configuration, data and logs."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the blacklist and other persisted state within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	ConfigID string `long:"configid" description:"Identifies this network configuration in the names of persisted files. Defaults to the network name."`

	ExternalIP string `long:"externalip" description:"The address advertised to peers in version messages."`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	Protocol *netcfg.Protocol `group:"protocol" namespace:"protocol"`

	Peers *netcfg.Peers `group:"peers" namespace:"peers"`

	PingPong *netcfg.PingPong `group:"pingpong" namespace:"pingpong"`

	Blacklist *netcfg.Blacklist `group:"blacklist" namespace:"blacklist"`

	Stream *netcfg.Stream `group:"stream" namespace:"stream"`

	Cache *netcfg.Cache `group:"cache" namespace:"cache"`

	Discovery *netcfg.Discovery `group:"discovery" namespace:"discovery"`

	Download *netcfg.Download `group:"download" namespace:"download"`

	Prometheus *netcfg.Prometheus `group:"prometheus" namespace:"prometheus"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		HomeDir:    DefaultHomeDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Logging:    build.DefaultLogConfig(),
		Protocol:   netcfg.DefaultProtocol(),
		Peers:      netcfg.DefaultPeers(),
		PingPong:   netcfg.DefaultPingPong(),
		Blacklist:  netcfg.DefaultBlacklist(),
		Stream:     netcfg.DefaultStream(),
		Cache:      netcfg.DefaultCache(),
		Discovery:  netcfg.DefaultDiscovery(),
		Download:   netcfg.DefaultDownload(),
		Prometheus: netcfg.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Println("btcp2pd version", handshake.DefaultUserAgentVersion)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their home directory, then we should assume they intend to
	// use the config file within it.
	configFileDir := netcfg.CleanAndExpandPath(preCfg.HomeDir)
	configFilePath := netcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultHomeDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, netcfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.NewParser(&cfg, flags.Default).ParseArgs(
		args,
	); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided home directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	homeDir := netcfg.CleanAndExpandPath(cfg.HomeDir)
	if homeDir != DefaultHomeDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(homeDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(homeDir, defaultLogDirname)
		}
	}

	cfg.HomeDir = homeDir
	cfg.DataDir = netcfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = netcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Discovery.SeedFile = netcfg.CleanAndExpandPath(
		cfg.Discovery.SeedFile,
	)

	err := netcfg.Validate(
		cfg.Logging, cfg.Protocol, cfg.Peers, cfg.PingPong,
		cfg.Blacklist, cfg.Stream, cfg.Cache, cfg.Discovery,
		cfg.Download, cfg.Prometheus,
	)
	if err != nil {
		return nil, err
	}

	// The network name keys the data and log directories, so testnet3
	// and testnet share them.
	network := netcfg.NormalizeNetwork(cfg.Protocol.Network)
	if cfg.ConfigID == "" {
		cfg.ConfigID = network
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, network)
	cfg.LogDir = filepath.Join(cfg.LogDir, network)

	params, err := netcfg.ChainParams(cfg.Protocol.Network)
	if err != nil {
		return nil, err
	}
	defaultPort := params.DefaultPort

	cfg.Peers.Listen, err = netcfg.NormalizeAddresses(
		cfg.Peers.Listen, defaultPort,
	)
	if err != nil {
		return nil, err
	}
	if len(cfg.Peers.Listen) == 0 && !cfg.Peers.NoListen {
		cfg.Peers.Listen = []string{":" + defaultPort}
	}
	if cfg.Peers.NoListen {
		cfg.Peers.Listen = nil
	}

	if len(cfg.Peers.Connect) > 0 && len(cfg.Discovery.DNSSeeds) == 0 &&
		cfg.Discovery.SeedFile == "" {

		// Like btcd, explicit peers disable the DNS seeds.
		cfg.Discovery.NoDNSSeeds = true
	}

	if cfg.ExternalIP != "" {
		port, err := parsePort(defaultPort)
		if err != nil {
			return nil, err
		}
		if _, err := netcfg.ParsePeerAddress(
			cfg.ExternalIP, port,
		); err != nil {
			return nil, err
		}
	}

	// Create the directories that will hold the persisted state and the
	// logs if they don't already exist.
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory "+
				"%v: %w", dir, err)
		}
	}

	return &cfg, nil
}

// LogFile returns the path of the log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}
