package netcfg

import (
	"fmt"
	"time"

	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
	"github.com/netkit/btcp2p/pool"
)

// Stream holds the settings of the frame deserializer.
//
//nolint:ll
type Stream struct {
	LargeThreshold uint64 `long:"largethreshold" description:"The body size from which blocks are decoded while they are received."`

	MaxMessageSize uint64 `long:"maxmessagesize" description:"The largest body that is buffered before decoding."`

	MaxStreamSize uint64 `long:"maxstreamsize" description:"The largest body that is decoded while received."`

	MaxChunkSize int `long:"maxchunksize" description:"The largest chunk handed to a streaming decoder at once."`

	MinBytesPerSec uint64 `long:"minbytespersec" description:"The minimum throughput a peer must sustain while streaming a large message. Zero disables the check."`

	RateWindow time.Duration `long:"ratewindow" description:"The period over which the streaming throughput is measured."`

	BatchSize int `long:"batchsize" description:"The number of transactions per batch emitted while streaming a block."`

	DecodeWorkers int `long:"decodeworkers" description:"The maximum number of large messages decoded at once."`

	CalculateHashes bool `long:"calculatehashes" description:"Compute transaction hashes while streaming blocks."`
}

// DefaultStream returns the default deserializer settings.
func DefaultStream() *Stream {
	return &Stream{
		LargeThreshold: msgstream.DefaultLargeThreshold,
		MaxMessageSize: msgstream.DefaultMaxMessageSize,
		MaxStreamSize:  msgstream.DefaultMaxStreamSize,
		MaxChunkSize:   msgstream.DefaultMaxChunkSize,
		RateWindow:     netwire.DefaultRateWindow,
		BatchSize:      netwire.DefaultBatchSize,
		DecodeWorkers:  pool.DefaultNumWorkers,
	}
}

// Validate checks the deserializer settings.
//
// NOTE: Part of the Validator interface.
func (s *Stream) Validate() error {
	if s.LargeThreshold == 0 {
		return fmt.Errorf("large threshold must be positive")
	}

	if s.LargeThreshold > s.MaxMessageSize {
		return fmt.Errorf("large threshold %d exceeds max message "+
			"size %d", s.LargeThreshold, s.MaxMessageSize)
	}

	if s.MaxStreamSize < s.LargeThreshold {
		return fmt.Errorf("max stream size %d is below large "+
			"threshold %d", s.MaxStreamSize, s.LargeThreshold)
	}

	if s.MaxChunkSize < 1 {
		return fmt.Errorf("max chunk size must be positive")
	}

	if s.RateWindow <= 0 {
		return fmt.Errorf("rate window must be positive")
	}

	if s.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d",
			s.BatchSize)
	}

	if s.DecodeWorkers < 1 {
		return fmt.Errorf("decode workers must be positive, got %d",
			s.DecodeWorkers)
	}

	return nil
}
