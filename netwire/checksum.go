package netwire

import (
	"crypto/sha256"
	"hash"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// ChecksumSize is the size of the header checksum field.
	ChecksumSize = 4

	// IncrementalChecksumThreshold is the body size from which checksums
	// are computed over successive chunks instead of a single buffer.
	IncrementalChecksumThreshold = 2 * 1024 * 1024 * 1024

	// checksumChunkSize is the chunk size used for incremental hashing.
	checksumChunkSize = 1024 * 1024
)

// Checksum returns the first four bytes of the double SHA-256 of body.
func Checksum(body []byte) [ChecksumSize]byte {
	var sum [ChecksumSize]byte
	copy(sum[:], chainhash.DoubleHashB(body))

	return sum
}

// ChecksumWriter computes a message checksum incrementally over successive
// chunks, so bodies too large to be held in memory can be verified while they
// stream through.
type ChecksumWriter struct {
	inner hash.Hash
	n     uint64
}

// NewChecksumWriter returns an empty incremental checksum.
func NewChecksumWriter() *ChecksumWriter {
	return &ChecksumWriter{inner: sha256.New()}
}

// Write adds p to the checksum. It never fails.
func (w *ChecksumWriter) Write(p []byte) (int, error) {
	w.n += uint64(len(p))
	return w.inner.Write(p)
}

// Len returns the number of bytes hashed so far.
func (w *ChecksumWriter) Len() uint64 {
	return w.n
}

// Sum returns the checksum of every byte written so far.
func (w *ChecksumWriter) Sum() [ChecksumSize]byte {
	first := w.inner.Sum(nil)
	second := sha256.Sum256(first)

	var sum [ChecksumSize]byte
	copy(sum[:], second[:ChecksumSize])

	return sum
}

// ChecksumReader computes the checksum of the next size bytes of r. Bodies
// below IncrementalChecksumThreshold are read into a single buffer, larger
// ones are hashed chunk by chunk.
func ChecksumReader(r io.Reader, size uint64) ([ChecksumSize]byte, error) {
	if size < IncrementalChecksumThreshold {
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return [ChecksumSize]byte{}, err
		}

		return Checksum(body), nil
	}

	w := NewChecksumWriter()
	chunk := make([]byte, checksumChunkSize)
	_, err := io.CopyBuffer(w, io.LimitReader(r, int64(size)), chunk)
	if err != nil {
		return [ChecksumSize]byte{}, err
	}
	if w.Len() != size {
		return [ChecksumSize]byte{}, io.ErrUnexpectedEOF
	}

	return w.Sum(), nil
}
