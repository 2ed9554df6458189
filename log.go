package btcp2p

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btclog/v2"
	"github.com/netkit/btcp2p/blacklist"
	"github.com/netkit/btcp2p/build"
	"github.com/netkit/btcp2p/discovery"
	"github.com/netkit/btcp2p/download"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/handshake"
	"github.com/netkit/btcp2p/monitoring"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
	"github.com/netkit/btcp2p/p2p"
	"github.com/netkit/btcp2p/peerconn"
	"github.com/netkit/btcp2p/pingpong"
	"github.com/netkit/btcp2p/signal"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "BP2P"

// log is the daemon logger. Until SetupLoggers runs it is disabled, like the
// loggers of every package.
var log btclog.Logger = build.NewSubLogger(Subsystem, nil)

// SubLoggerManager derives every subsystem logger from a single handler and
// keeps track of them so their levels can be changed at runtime.
type SubLoggerManager struct {
	handler btclog.Handler

	loggers build.SubLoggers
	mu      sync.Mutex
}

// A compile-time check to ensure SubLoggerManager implements the
// LeveledSubLogger interface.
var _ build.LeveledSubLogger = (*SubLoggerManager)(nil)

// NewSubLoggerManager returns a manager writing through handler.
func NewSubLoggerManager(handler btclog.Handler) *SubLoggerManager {
	return &SubLoggerManager{
		handler: handler,
		loggers: make(build.SubLoggers),
	}
}

// GenSubLogger creates and registers the logger of a subsystem.
func (m *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := btclog.NewSLogger(m.handler).SubSystem(subsystem)
	m.loggers[subsystem] = logger

	return logger
}

// SubLoggers returns the map of all registered subsystem loggers.
//
// NOTE: Part of the build.LeveledSubLogger interface.
func (m *SubLoggerManager) SubLoggers() build.SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(build.SubLoggers, len(m.loggers))
	for subsystem, logger := range m.loggers {
		loggers[subsystem] = logger
	}

	return loggers
}

// SupportedSubsystems returns a sorted slice of the names of the supported
// subsystems.
//
// NOTE: Part of the build.LeveledSubLogger interface.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.loggers))
	for subsystem := range m.loggers {
		subsystems = append(subsystems, subsystem)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel assigns an individual subsystem logger a new log level.
//
// NOTE: Part of the build.LeveledSubLogger interface.
func (m *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels assigns all subsystem loggers the same new log level.
//
// NOTE: Part of the build.LeveledSubLogger interface.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range m.loggers {
		logger.SetLevel(level)
	}
}

// SetupLoggers initializes all package-global logger variables. A critical
// message on any of them calls shutdown.
func SetupLoggers(root *SubLoggerManager, shutdown func()) {
	log = build.NewShutdownLogger(
		build.NewSubLogger(Subsystem, root.GenSubLogger), shutdown,
	)

	AddSubLogger(root, p2p.Subsystem, shutdown, p2p.UseLogger)
	AddSubLogger(root, netwire.Subsystem, shutdown, netwire.UseLogger)
	AddSubLogger(root, msgstream.Subsystem, shutdown, msgstream.UseLogger)
	AddSubLogger(root, peerconn.Subsystem, shutdown, peerconn.UseLogger)
	AddSubLogger(root, eventbus.Subsystem, shutdown, eventbus.UseLogger)
	AddSubLogger(root, handshake.Subsystem, shutdown, handshake.UseLogger)
	AddSubLogger(root, pingpong.Subsystem, shutdown, pingpong.UseLogger)
	AddSubLogger(root, blacklist.Subsystem, shutdown, blacklist.UseLogger)
	AddSubLogger(root, discovery.Subsystem, shutdown, discovery.UseLogger)
	AddSubLogger(root, download.Subsystem, shutdown, download.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, shutdown, monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, shutdown, signal.UseLogger)
	AddSubLogger(root, "CMGR", shutdown, func(logger btclog.Logger) {
		connmgr.UseLogger(logger)
	})
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *SubLoggerManager, subsystem string, shutdown func(),
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewShutdownLogger(
		build.NewSubLogger(subsystem, root.GenSubLogger), shutdown,
	)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
