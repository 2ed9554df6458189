package netwire

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEnoughBytes is returned by a cursor when fewer bytes than
	// requested are buffered.
	ErrNotEnoughBytes = errors.New("not enough bytes buffered")

	// ErrCursorFull is returned when appending to a bounded cursor would
	// exceed its capacity.
	ErrCursorFull = errors.New("cursor capacity exceeded")

	// ErrCursorClosed is returned when reading from a cursor whose
	// producer has closed and all buffered bytes have been consumed.
	ErrCursorClosed = errors.New("cursor closed")

	// ErrThroughputTooLow is returned by the rate limited cursor when the
	// producer falls below the configured minimum throughput.
	ErrThroughputTooLow = errors.New("stream throughput below minimum")

	// ErrBadMagic is returned when a header carries a network magic other
	// than the configured one.
	ErrBadMagic = errors.New("unexpected network magic")

	// ErrChecksumMismatch is returned when the header checksum does not
	// match the body.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")

	// ErrBodyUnderRead is returned when a codec consumed fewer bytes than
	// the header announced.
	ErrBodyUnderRead = errors.New("message body not fully consumed")

	// ErrBodyOverRead is returned when a codec tried to consume more bytes
	// than the header announced.
	ErrBodyOverRead = errors.New("message body read past its length")

	// ErrMessageTooLarge is returned when a header announces a body larger
	// than the configured maximum.
	ErrMessageTooLarge = errors.New("message body too large")

	// ErrInvalidCommand is returned when a command does not fit in the
	// 12 byte header field or contains non printable characters.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrExtendedNotAllowed is returned when an extended header is seen
	// or needed but the protocol version does not support it.
	ErrExtendedNotAllowed = errors.New("extended messages not allowed")
)

// UnknownMessageError is returned when a frame carries a command for which no
// codec is registered.
type UnknownMessageError struct {
	Command string
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type: %q", u.Command)
}
