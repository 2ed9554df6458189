package netwire

import (
	"io"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestBufferCursor checks the bounded cursor accounting.
func TestBufferCursor(t *testing.T) {
	t.Parallel()

	c := NewBufferCursor(8)

	_, err := c.Write([]byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	_, err = c.Write([]byte{7, 8, 9})
	require.ErrorIs(t, err, ErrCursorFull)

	b, err := c.Peek(2)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, b)
	require.Equal(t, 6, c.Available())

	b, err = c.Next(4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, b)

	// Space freed by consumption can be reused.
	_, err = c.Write([]byte{7, 8, 9, 10, 11, 12})
	require.NoError(t, err)
	require.Equal(t, 8, c.Available())

	_, err = c.Next(9)
	require.ErrorIs(t, err, ErrNotEnoughBytes)

	v, err := ReadUint32(c)
	require.NoError(t, err)
	require.EqualValues(t, 0x08070605, v)

	require.Equal(t, []byte{9, 10, 11, 12}, c.Drain())

	_, err = c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

// TestRateLimitedCursorFeed checks that bytes fed by a producer are read in
// order and that reads end with io.EOF once the feed is closed.
func TestRateLimitedCursorFeed(t *testing.T) {
	t.Parallel()

	c := NewRateLimitedCursor(RateConfig{MaxBuffered: 4})

	go func() {
		for i := byte(0); i < 16; i++ {
			if err := c.Feed([]byte{i}); err != nil {
				return
			}
		}
		c.CloseFeed()
	}()

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Len(t, got, 16)
	for i, b := range got {
		require.EqualValues(t, i, b)
	}

	require.ErrorIs(t, c.Feed([]byte{1}), ErrCursorClosed)
}

// TestRateLimitedCursorPeek checks that peeking blocks until enough bytes
// arrive and does not consume them.
func TestRateLimitedCursorPeek(t *testing.T) {
	t.Parallel()

	c := NewRateLimitedCursor(RateConfig{})

	go func() {
		_ = c.Feed([]byte{1, 2})
		_ = c.Feed([]byte{3})
	}()

	b, err := c.Peek(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)
	require.Equal(t, 3, c.Available())

	b, err = c.Next(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)
}

// TestRateLimitedCursorThroughput checks that a stalled producer fails the
// consumer and unblocks the producer.
func TestRateLimitedCursorThroughput(t *testing.T) {
	t.Parallel()

	c := NewRateLimitedCursor(RateConfig{
		MinBytesPerSec: 1024,
		Window:         50 * time.Millisecond,
		MaxBuffered:    16,
		Clock:          clock.NewDefaultClock(),
	})

	require.NoError(t, c.Feed([]byte{1, 2, 3}))

	start := time.Now()
	_, err := c.Next(4)
	require.ErrorIs(t, err, ErrThroughputTooLow)
	require.Less(t, time.Since(start), 5*time.Second)

	require.ErrorIs(t, c.Feed([]byte{4}), ErrThroughputTooLow)
	require.ErrorIs(t, c.Err(), ErrThroughputTooLow)
}

// TestRateLimitedCursorTrickle checks that a producer delivering a byte now
// and then, often enough to wake the consumer but far below the minimum
// throughput, still fails the consumer.
func TestRateLimitedCursorTrickle(t *testing.T) {
	t.Parallel()

	c := NewRateLimitedCursor(RateConfig{
		MinBytesPerSec: 1000,
		Window:         100 * time.Millisecond,
		Clock:          clock.NewDefaultClock(),
	})

	quit := make(chan struct{})
	defer close(quit)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.Feed([]byte{1}); err != nil {
					return
				}

			case <-quit:
				return
			}
		}
	}()

	start := time.Now()
	_, err := c.Next(100)
	require.ErrorIs(t, err, ErrThroughputTooLow)
	require.Less(t, time.Since(start), time.Second)
}
