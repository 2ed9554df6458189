package msgstream

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/netwire"
)

// State is the position of a Deserializer within the frame being parsed.
type State uint8

const (
	// StateSeekingHeader waits for a complete header.
	StateSeekingHeader State = iota

	// StateSeekingBody decides how the announced body will be consumed.
	StateSeekingBody

	// StateAwaitingFullBody buffers a body below the streaming threshold
	// until it is complete. It is the waiting half of SeekingBody: a
	// stream closed here was still seeking the body of its frame.
	StateAwaitingFullBody

	// StateDeserializingBodyRealtime routes the body to a streaming
	// decoder as it arrives.
	StateDeserializingBodyRealtime

	// StateCorrupted is terminal: the stream can no longer be framed.
	StateCorrupted

	// StateClosed is terminal: the owner closed the deserializer.
	StateClosed
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case StateSeekingHeader:
		return "SeekingHeader"
	case StateSeekingBody:
		return "SeekingBody"
	case StateAwaitingFullBody:
		return "AwaitingFullBody"
	case StateDeserializingBodyRealtime:
		return "DeserializingBodyRealtime"
	case StateCorrupted:
		return "Corrupted"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// SeekingBody reports whether a complete header was read and the body of the
// frame is still being collected for a buffered decode.
func (s State) SeekingBody() bool {
	return s == StateSeekingBody || s == StateAwaitingFullBody
}

var (
	// ErrCorrupted is returned when feeding a deserializer that already
	// failed.
	ErrCorrupted = errors.New("stream corrupted")

	// ErrClosed is returned when feeding a closed deserializer.
	ErrClosed = errors.New("deserializer closed")
)

// CorruptedStreamError describes the failure that made a stream unusable.
type CorruptedStreamError struct {
	// State is the state the failure happened in.
	State State

	// Header is the header of the frame being parsed, if known.
	Header *netwire.HeaderMsg

	Err error
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (e *CorruptedStreamError) Error() string {
	if e.Header != nil {
		return fmt.Sprintf("stream corrupted in %v parsing %v: %v",
			e.State, e.Header, e.Err)
	}

	return fmt.Sprintf("stream corrupted in %v: %v", e.State, e.Err)
}

// Unwrap returns the underlying error.
func (e *CorruptedStreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match every CorruptedStreamError against ErrCorrupted.
func (e *CorruptedStreamError) Is(target error) bool {
	return target == ErrCorrupted
}

// TruncatedFrameError is returned by Close when the stream ended in the
// middle of a frame. It is a normal disconnect, not a corruption.
type TruncatedFrameError struct {
	State   State
	Header  *netwire.HeaderMsg
	Pending int
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("stream closed in %v with %d pending bytes",
		e.State, e.Pending)
}

// Frame is a complete message decoded from the stream.
type Frame struct {
	Header *netwire.HeaderMsg
	Body   wire.Message

	// Cached is set when the body was served from the message cache.
	Cached bool
}

// Sink receives everything a Deserializer produces. OnFrame is called from
// the goroutine calling Feed, in stream order. OnPartial is called from the
// goroutine streaming a large message. OnError is called at most once.
type Sink interface {
	// OnFrame delivers a fully decoded message.
	OnFrame(frame Frame)

	// OnPartial delivers a piece of a message that is still streaming.
	OnPartial(header *netwire.HeaderMsg, partial netwire.PartialMessage)

	// OnError reports the failure that moved the stream to the
	// corrupted state.
	OnError(err error)
}
