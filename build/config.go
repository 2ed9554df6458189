package build

import (
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btclog/v2"
)

const (
	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 10
)

// LogConfig holds logging configuration options.
//
//nolint:lll
type LogConfig struct {
	NoTimestamps   bool `long:"no-timestamps" description:"Omit timestamps from log lines."`
	Styled         bool `long:"styled" description:"Use styled (coloured) output on the console."`
	NoFile         bool `long:"no-file" description:"Do not write logs to the log file."`
	MaxLogFiles    int  `long:"max-files" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int  `long:"max-file-size" description:"Maximum logfile size in MB"`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		MaxLogFiles:    DefaultMaxLogFiles,
		MaxLogFileSize: DefaultMaxLogFileSize,
	}
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	if c.MaxLogFiles < 0 {
		return fmt.Errorf("max-files must be non-negative, got %d",
			c.MaxLogFiles)
	}
	if c.MaxLogFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive, got %d",
			c.MaxLogFileSize)
	}

	return nil
}

// HandlerOptions returns the set of btclog.HandlerOptions that the state of the
// config struct translates to.
func (c *LogConfig) HandlerOptions() []btclog.HandlerOption {
	var opts []btclog.HandlerOption
	if c.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}
	if c.Styled {
		opts = append(opts, styledOutputOptions()...)
	}

	return opts
}

// NewDefaultHandler returns the handler every subsystem logger of the daemon
// is derived from. Output goes to stdout and, unless disabled, to the rotating
// log file.
func NewDefaultHandler(cfg *LogConfig,
	rotator *RotatingLogWriter) btclog.Handler {

	var w io.Writer = os.Stdout
	if !cfg.NoFile && rotator != nil {
		w = io.MultiWriter(os.Stdout, rotator)
	}

	return btclog.NewDefaultHandler(w, cfg.HandlerOptions()...)
}
