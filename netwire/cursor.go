package netwire

import (
	"encoding/binary"
	"io"
)

// ByteCursor is a sequential reader over a byte stream that supports looking
// ahead without consuming.
type ByteCursor interface {
	io.Reader

	// Available returns the number of bytes that can be consumed without
	// blocking.
	Available() int

	// Peek returns the next n bytes without consuming them.
	Peek(n int) ([]byte, error)

	// Next consumes and returns the next n bytes.
	Next(n int) ([]byte, error)
}

// BufferCursor is a bounded in-memory ByteCursor. Bytes are appended with
// Write and consumed from the front. It never blocks: reads beyond the
// buffered data fail with ErrNotEnoughBytes.
//
// NOTE: a BufferCursor is not safe for concurrent use.
type BufferCursor struct {
	buf      []byte
	off      int
	capacity int
}

// NewBufferCursor returns a cursor that holds at most capacity unconsumed
// bytes. A capacity of zero disables the bound.
func NewBufferCursor(capacity int) *BufferCursor {
	return &BufferCursor{capacity: capacity}
}

// Write appends p to the cursor.
func (c *BufferCursor) Write(p []byte) (int, error) {
	if c.capacity > 0 && c.Available()+len(p) > c.capacity {
		return 0, ErrCursorFull
	}

	// Reclaim the consumed prefix before growing the buffer.
	if c.off > 0 && len(c.buf)+len(p) > cap(c.buf) {
		n := copy(c.buf, c.buf[c.off:])
		c.buf = c.buf[:n]
		c.off = 0
	}
	c.buf = append(c.buf, p...)

	return len(p), nil
}

// Available returns the number of unconsumed bytes.
func (c *BufferCursor) Available() int {
	return len(c.buf) - c.off
}

// Peek returns the next n bytes without consuming them. The returned slice is
// only valid until the next Write.
func (c *BufferCursor) Peek(n int) ([]byte, error) {
	if n > c.Available() {
		return nil, ErrNotEnoughBytes
	}

	return c.buf[c.off : c.off+n], nil
}

// Next consumes and returns the next n bytes. The returned slice is only valid
// until the next Write.
func (c *BufferCursor) Next(n int) ([]byte, error) {
	b, err := c.Peek(n)
	if err != nil {
		return nil, err
	}
	c.off += n

	if c.off == len(c.buf) {
		c.buf = c.buf[:0]
		c.off = 0
	}

	return b, nil
}

// Read consumes up to len(p) bytes into p. It returns io.EOF when the cursor
// is empty.
func (c *BufferCursor) Read(p []byte) (int, error) {
	if c.Available() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	n := copy(p, c.buf[c.off:])
	_, _ = c.Next(n)

	return n, nil
}

// Drain returns and consumes every buffered byte.
func (c *BufferCursor) Drain() []byte {
	out := make([]byte, c.Available())
	copy(out, c.buf[c.off:])
	c.Reset()

	return out
}

// Reset discards every buffered byte.
func (c *BufferCursor) Reset() {
	c.buf = c.buf[:0]
	c.off = 0
}

// ReadUint32 consumes a little endian uint32 from the cursor.
func ReadUint32(c ByteCursor) (uint32, error) {
	b, err := c.Next(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 consumes a little endian uint64 from the cursor.
func ReadUint64(c ByteCursor) (uint64, error) {
	b, err := c.Next(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// A compile time check to ensure BufferCursor implements the ByteCursor
// interface.
var _ ByteCursor = (*BufferCursor)(nil)
