package buffer

const (
	// SmallReadSize is the size of the buffers a connection reads into
	// while it only receives small messages.
	SmallReadSize = 64 * 1024

	// LargeReadSize is the size of the buffers a connection reads into
	// while a large message is streaming in.
	LargeReadSize = 1024 * 1024
)

// Read is a socket read buffer. Its size depends on the read mode of the
// connection that took it from the pool.
type Read struct {
	b []byte
}

// NewSmallRead returns a buffer sized for the small read mode.
func NewSmallRead() *Read {
	return &Read{b: make([]byte, SmallReadSize)}
}

// NewLargeRead returns a buffer sized for the large read mode.
func NewLargeRead() *Read {
	return &Read{b: make([]byte, LargeReadSize)}
}

// Bytes returns the full backing slice to read into.
func (r *Read) Bytes() []byte {
	return r.b
}

// Large reports whether the buffer is sized for the large read mode.
func (r *Read) Large() bool {
	return len(r.b) >= LargeReadSize
}
