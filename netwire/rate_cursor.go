package netwire

import (
	"io"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultRateWindow is the default period over which the producer's
	// throughput is measured.
	DefaultRateWindow = 5 * time.Second

	// DefaultMaxBuffered is the default number of bytes a rate limited
	// cursor holds before the producer is blocked.
	DefaultMaxBuffered = 4 * 1024 * 1024
)

// RateConfig holds the parameters of a RateLimitedCursor.
type RateConfig struct {
	// MinBytesPerSec is the minimum throughput the producer must sustain
	// while the consumer is waiting for data. Zero disables the check.
	MinBytesPerSec uint64

	// Window is the period over which throughput is measured.
	Window time.Duration

	// MaxBuffered bounds the unconsumed bytes held by the cursor. Feed
	// blocks while the bound is reached.
	MaxBuffered int

	// Clock is the time source.
	Clock clock.Clock
}

// RateLimitedCursor is a blocking ByteCursor fed by a producer goroutine and
// drained by a consumer goroutine. It bounds the memory held between them and
// fails the consumer with ErrThroughputTooLow when the producer is too slow,
// so a peer trickling a huge message cannot hold resources forever.
type RateLimitedCursor struct {
	cfg RateConfig

	mu  sync.Mutex
	buf []byte
	eof bool
	err error

	// windowWaited is the time the consumer spent blocked in the current
	// measurement window, and windowBytes the bytes fed during it.
	windowWaited time.Duration
	windowBytes  uint64

	dataSignal  chan struct{}
	spaceSignal chan struct{}

	abortOnce sync.Once
	quit      chan struct{}
}

// NewRateLimitedCursor creates a new rate limited cursor.
func NewRateLimitedCursor(cfg RateConfig) *RateLimitedCursor {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateWindow
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}

	return &RateLimitedCursor{
		cfg:         cfg,
		dataSignal:  make(chan struct{}, 1),
		spaceSignal: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
}

// Feed hands bytes from the producer to the cursor. It blocks while the
// cursor is full and returns the abort error once the consumer gave up.
func (c *RateLimitedCursor) Feed(p []byte) error {
	for {
		c.mu.Lock()
		switch {
		case c.err != nil:
			err := c.err
			c.mu.Unlock()
			return err

		case c.eof:
			c.mu.Unlock()
			return ErrCursorClosed
		}

		// A single chunk larger than the bound is accepted when the
		// cursor is empty, otherwise the producer would never proceed.
		if len(c.buf) == 0 || len(c.buf)+len(p) <= c.cfg.MaxBuffered {
			c.buf = append(c.buf, p...)
			c.windowBytes += uint64(len(p))
			c.mu.Unlock()

			notify(c.dataSignal)
			return nil
		}
		c.mu.Unlock()

		select {
		case <-c.spaceSignal:
		case <-c.quit:
		}
	}
}

// CloseFeed signals that the producer will not feed more bytes. Buffered bytes
// can still be consumed, after which reads return io.EOF.
func (c *RateLimitedCursor) CloseFeed() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()

	notify(c.dataSignal)
}

// Abort fails every pending and future operation on the cursor with err.
func (c *RateLimitedCursor) Abort(err error) {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.buf = nil
		c.mu.Unlock()

		close(c.quit)
	})
}

// Err returns the error the cursor was aborted with, if any.
func (c *RateLimitedCursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Available returns the number of bytes buffered.
func (c *RateLimitedCursor) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buf)
}

// Read consumes up to len(p) bytes, blocking until at least one is available.
func (c *RateLimitedCursor) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if err := c.waitFor(1); err != nil {
		return 0, err
	}

	c.mu.Lock()
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	c.mu.Unlock()

	notify(c.spaceSignal)

	return n, nil
}

// Peek blocks until n bytes are buffered and returns them without consuming.
func (c *RateLimitedCursor) Peek(n int) ([]byte, error) {
	if err := c.waitFor(n); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, n)
	copy(out, c.buf)

	return out, nil
}

// Next blocks until n bytes are buffered and consumes them.
func (c *RateLimitedCursor) Next(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(c, out); err != nil {
		return nil, err
	}

	return out, nil
}

// waitFor blocks until n bytes are buffered, the producer closed, or the
// throughput check fails.
func (c *RateLimitedCursor) waitFor(n int) error {
	// Peeking beyond the bound would deadlock against a blocked producer.
	if n > c.cfg.MaxBuffered {
		return ErrCursorFull
	}

	for {
		c.mu.Lock()
		switch {
		case c.err != nil:
			err := c.err
			c.mu.Unlock()
			return err

		case len(c.buf) >= n:
			c.mu.Unlock()
			return nil

		case c.eof:
			c.mu.Unlock()
			return io.EOF
		}
		remaining := c.cfg.Window - c.windowWaited
		c.mu.Unlock()

		// The deadline covers the rest of the window, so data arriving
		// in between does not postpone the measurement.
		waitStart := c.cfg.Clock.Now()
		select {
		case <-c.dataSignal:
		case <-c.cfg.Clock.TickAfter(remaining):
		case <-c.quit:
			continue
		}

		if err := c.checkThroughput(waitStart); err != nil {
			c.Abort(err)
			return err
		}
	}
}

// checkThroughput adds the wait that began at waitStart to the current
// window. Once the consumer waited a full window, the window is closed and
// the check fails when the producer delivered less than the configured
// minimum during it.
func (c *RateLimitedCursor) checkThroughput(waitStart time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.windowWaited += c.cfg.Clock.Now().Sub(waitStart)
	if c.windowWaited < c.cfg.Window {
		return nil
	}

	waited := c.windowWaited
	bytesPerSec := uint64(float64(c.windowBytes) / waited.Seconds())

	c.windowWaited = 0
	c.windowBytes = 0

	if c.cfg.MinBytesPerSec > 0 && bytesPerSec < c.cfg.MinBytesPerSec {
		log.Debugf("Stream throughput %d B/s below minimum %d B/s",
			bytesPerSec, c.cfg.MinBytesPerSec)

		return ErrThroughputTooLow
	}

	return nil
}

// notify performs a non blocking send on a signal channel.
func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// A compile time check to ensure RateLimitedCursor implements the ByteCursor
// interface.
var _ ByteCursor = (*RateLimitedCursor)(nil)
