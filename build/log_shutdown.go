package build

import (
	"github.com/btcsuite/btclog/v2"
)

// ShutdownLogger is a logger that requests a shutdown of the daemon whenever
// a critical message is logged.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger wraps logger so that Critical and Criticalf call
// shutdown after writing the message.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs the formatted message and requests a shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...any) {
	s.Logger.Criticalf(format, params...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

// Critical logs the message and requests a shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...any) {
	s.Logger.Critical(v...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}
