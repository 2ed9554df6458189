package pool

import (
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/netkit/btcp2p/buffer"
)

const (
	// DefaultReadBufferGCInterval is the default interval that a
	// ReadBuffer will check its free list for expired buffers.
	DefaultReadBufferGCInterval = 15 * time.Second

	// DefaultReadBufferExpiryInterval is the default, minimum time that
	// must elapse before a returned read buffer is released.
	DefaultReadBufferExpiryInterval = 30 * time.Second

	// returnQueueSize is the number of buffers each free list holds
	// before returned buffers are dropped.
	returnQueueSize = 100
)

// ReadBuffer is a pool of socket read buffers shared by every connection. It
// keeps separate free lists for the small and large read modes, and releases
// buffers that stayed unused for longer than the expiry interval.
type ReadBuffer struct {
	small *queue.GCQueue
	large *queue.GCQueue
}

// NewReadBuffer creates a new ReadBuffer pool.
func NewReadBuffer(gcInterval, expiryInterval time.Duration) *ReadBuffer {
	return &ReadBuffer{
		small: queue.NewGCQueue(
			func() interface{} { return buffer.NewSmallRead() },
			returnQueueSize, gcInterval, expiryInterval,
		),
		large: queue.NewGCQueue(
			func() interface{} { return buffer.NewLargeRead() },
			returnQueueSize, gcInterval, expiryInterval,
		),
	}
}

// Take returns a free buffer for the requested mode, allocating one if the
// free list is empty.
func (p *ReadBuffer) Take(large bool) *buffer.Read {
	if large {
		return p.large.Take().(*buffer.Read)
	}

	return p.small.Take().(*buffer.Read)
}

// Return hands a buffer back to the free list of its mode.
func (p *ReadBuffer) Return(buf *buffer.Read) {
	if buf.Large() {
		p.large.Return(buf)
		return
	}

	p.small.Return(buf)
}
