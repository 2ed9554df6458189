package msgstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/netwire"
)

const (
	// DefaultLargeThreshold is the default body size from which a message
	// with a streaming decoder is streamed instead of buffered.
	DefaultLargeThreshold = 10 * 1024 * 1024

	// DefaultMaxMessageSize is the default largest buffered body.
	DefaultMaxMessageSize = 32 * 1024 * 1024

	// DefaultMaxStreamSize is the default largest streamed body.
	DefaultMaxStreamSize = 8 * 1024 * 1024 * 1024

	// DefaultMaxChunkSize is the default largest chunk passed to Feed.
	DefaultMaxChunkSize = 1024 * 1024

	// partialBacklog is the number of partial messages a stream may
	// produce ahead of the sink.
	partialBacklog = 16
)

// Config holds the dependencies and limits of a Deserializer.
type Config struct {
	// Registry resolves codecs and streaming decoders.
	Registry *netwire.Registry

	// Net is the network magic every frame must carry.
	Net wire.BitcoinNet

	// LocalVersion is the local protocol version, used until the
	// negotiated version is set.
	LocalVersion uint32

	// Encoding selects the witness or base transaction encoding.
	Encoding wire.MessageEncoding

	// LargeThreshold is the body size from which messages with a
	// streaming decoder are streamed.
	LargeThreshold uint64

	// MaxMessageSize is the largest body that is buffered.
	MaxMessageSize uint64

	// MaxStreamSize is the largest body that is streamed.
	MaxStreamSize uint64

	// MaxChunkSize is the largest chunk passed to Feed.
	MaxChunkSize int

	// SkipUnknown delivers frames of unregistered commands as
	// netwire.RawMessage instead of failing the stream.
	SkipUnknown bool

	// CalculateHashes asks streaming decoders for transaction hashes.
	CalculateHashes bool

	// Rate configures the cursor feeding streaming decoders.
	Rate netwire.RateConfig

	// Cache optionally memoizes small bodies.
	Cache *MessageCache

	// RunStream schedules a streaming decode. It returns an error when
	// the task could not be scheduled. Defaults to a new goroutine.
	RunStream func(task func()) error

	// Sink receives frames, partial messages and errors.
	Sink Sink
}

// largeStream is the state of a body being streamed to a decoder.
type largeStream struct {
	header    *netwire.HeaderMsg
	cursor    *netwire.RateLimitedCursor
	remaining uint64
	checksum  *netwire.ChecksumWriter
}

// Deserializer turns the byte stream of one connection into frames. Small
// bodies are buffered and decoded at once, large bodies with a streaming
// decoder are decoded while they arrive. Feed and Close must be called from a
// single goroutine.
type Deserializer struct {
	cfg Config

	state  State
	buf    *netwire.BufferCursor
	header *netwire.HeaderMsg
	large  *largeStream

	negotiated atomic.Uint32

	failOnce sync.Once
	failErr  atomic.Pointer[error]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeserializer creates a deserializer in the SeekingHeader state.
func NewDeserializer(cfg Config) *Deserializer {
	if cfg.LargeThreshold == 0 {
		cfg.LargeThreshold = DefaultLargeThreshold
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxStreamSize == 0 {
		cfg.MaxStreamSize = DefaultMaxStreamSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.LocalVersion == 0 {
		cfg.LocalVersion = wire.ProtocolVersion
	}
	if cfg.RunStream == nil {
		cfg.RunStream = func(task func()) error {
			go task()
			return nil
		}
	}

	// The buffer holds at most one body below the streaming threshold or
	// the buffering limit, its header and one chunk.
	maxBody := cfg.MaxMessageSize
	if cfg.LargeThreshold > maxBody {
		maxBody = cfg.LargeThreshold
	}
	capacity := int(maxBody) + netwire.ExtendedHeaderSize + cfg.MaxChunkSize

	ctx, cancel := context.WithCancel(context.Background())

	return &Deserializer{
		cfg:    cfg,
		state:  StateSeekingHeader,
		buf:    netwire.NewBufferCursor(capacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current state. It must be called from the goroutine
// calling Feed.
func (d *Deserializer) State() State {
	return d.state
}

// Streaming reports whether a large body is currently being received.
func (d *Deserializer) Streaming() bool {
	return d.state == StateDeserializingBodyRealtime
}

// SetProtocolVersion records the version negotiated with the peer. Bodies
// other than version are decoded with it from now on.
func (d *Deserializer) SetProtocolVersion(pver uint32) {
	d.negotiated.Store(pver)
}

// ProtocolVersion returns the version bodies are decoded with.
func (d *Deserializer) ProtocolVersion() uint32 {
	if v := d.negotiated.Load(); v != 0 {
		return v
	}

	return d.cfg.LocalVersion
}

// Feed consumes the next chunk of the stream, delivering every frame it
// completes to the sink. Once an error is returned the deserializer is
// corrupted and further calls fail with ErrCorrupted.
func (d *Deserializer) Feed(data []byte) error {
	if err := d.checkUsable(); err != nil {
		return err
	}

	if d.state == StateDeserializingBodyRealtime {
		var err error
		data, err = d.feedLarge(data)
		if err != nil {
			return d.corrupt(err)
		}

		if d.state == StateDeserializingBodyRealtime {
			return nil
		}
	}

	if len(data) > 0 {
		if _, err := d.buf.Write(data); err != nil {
			return d.corrupt(err)
		}
	}

	return d.process()
}

// process advances the state machine over the buffered bytes.
func (d *Deserializer) process() error {
	for {
		switch d.state {
		case StateSeekingHeader:
			h, err := netwire.DecodeHeader(
				d.buf, d.ProtocolVersion() >=
					netwire.ExtendedMsgMinVersion,
			)
			if errors.Is(err, netwire.ErrNotEnoughBytes) {
				return nil
			}
			if err != nil {
				return d.corrupt(err)
			}

			if h.Magic != d.cfg.Net {
				return d.corrupt(fmt.Errorf("%w: got %v, want %v",
					netwire.ErrBadMagic, h.Magic, d.cfg.Net))
			}

			d.header = h
			d.state = StateSeekingBody

		case StateSeekingBody:
			if d.streamable(d.header) {
				if err := d.startLarge(d.header); err != nil {
					return d.corrupt(err)
				}

				// Hand over the body bytes already buffered.
				n := d.large.remaining
				if avail := uint64(d.buf.Available()); avail < n {
					n = avail
				}
				chunk, _ := d.buf.Next(int(n))
				if _, err := d.feedLarge(chunk); err != nil {
					return d.corrupt(err)
				}

				if d.state == StateDeserializingBodyRealtime {
					return nil
				}

				continue
			}

			if d.header.Length > d.cfg.MaxMessageSize {
				return d.corrupt(fmt.Errorf("%w: %v exceeds %d "+
					"bytes", netwire.ErrMessageTooLarge,
					d.header, d.cfg.MaxMessageSize))
			}

			// Still seeking the body, now waiting for all of it.
			d.state = StateAwaitingFullBody

		case StateAwaitingFullBody:
			if uint64(d.buf.Available()) < d.header.Length {
				return nil
			}

			body, _ := d.buf.Next(int(d.header.Length))
			frame, err := d.decodeFrame(d.header, body)
			if err != nil {
				return d.corrupt(err)
			}

			d.header = nil
			d.state = StateSeekingHeader

			d.cfg.Sink.OnFrame(frame)

		default:
			return nil
		}
	}
}

// streamable reports whether the body announced by h is streamed.
func (d *Deserializer) streamable(h *netwire.HeaderMsg) bool {
	if h.Length < d.cfg.LargeThreshold {
		return false
	}

	return d.cfg.Registry.StreamDecoder(h.Command).IsSome()
}

// decodeFrame verifies and decodes a fully buffered body.
func (d *Deserializer) decodeFrame(h *netwire.HeaderMsg,
	body []byte) (Frame, error) {

	if !h.Extended && netwire.Checksum(body) != h.Checksum {
		return Frame{}, fmt.Errorf("%w: %v", netwire.ErrChecksumMismatch,
			h)
	}

	cacheable := d.cfg.Cache != nil && d.cfg.Cache.Cacheable(h)
	if cacheable {
		cached := d.cfg.Cache.Get(h)
		if cached.IsSome() {
			return Frame{
				Header: h,
				Body:   cached.UnwrapOr(nil),
				Cached: true,
			}, nil
		}
	}

	msg, err := d.cfg.Registry.DecodeBody(
		h.Command, body, d.decodeContext(h),
	)

	var unknownErr *netwire.UnknownMessageError
	if errors.As(err, &unknownErr) && d.cfg.SkipUnknown {
		log.Debugf("Skipping unknown message %v", h)

		payload := make([]byte, len(body))
		copy(payload, body)

		return Frame{
			Header: h,
			Body:   &netwire.RawMessage{Cmd: h.Command, Payload: payload},
		}, nil
	}
	if err != nil {
		return Frame{}, err
	}

	if cacheable {
		d.cfg.Cache.Put(h, msg)
	}

	return Frame{Header: h, Body: msg}, nil
}

// decodeContext builds the context a body announced by h is decoded with.
func (d *Deserializer) decodeContext(h *netwire.HeaderMsg) netwire.DecodeContext {
	ctx := netwire.DecodeContext{
		Net:              d.cfg.Net,
		ProtocolVersion:  d.ProtocolVersion(),
		Encoding:         d.cfg.Encoding,
		MaxBytesToRead:   h.Length,
		InsideVersionMsg: h.Command == wire.CmdVersion,
		CalculateHashes:  d.cfg.CalculateHashes,
	}
	if ctx.InsideVersionMsg {
		ctx.ProtocolVersion = d.cfg.LocalVersion
	}

	return ctx
}

// startLarge launches the streaming decode of the body announced by h.
func (d *Deserializer) startLarge(h *netwire.HeaderMsg) error {
	if h.Length > d.cfg.MaxStreamSize {
		return fmt.Errorf("%w: %v exceeds %d streamed bytes",
			netwire.ErrMessageTooLarge, h, d.cfg.MaxStreamSize)
	}

	ls := &largeStream{
		header:    h,
		cursor:    netwire.NewRateLimitedCursor(d.cfg.Rate),
		remaining: h.Length,
	}
	if !h.Extended {
		ls.checksum = netwire.NewChecksumWriter()
	}

	log.Debugf("Streaming %v", h)

	dctx := d.decodeContext(h)
	sink := make(chan netwire.PartialMessage, partialBacklog)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()

		for partial := range sink {
			d.cfg.Sink.OnPartial(h, partial)
		}
	}()

	err := d.cfg.RunStream(func() {
		defer d.wg.Done()
		defer close(sink)

		err := d.cfg.Registry.DecodeStream(
			d.ctx, h.Command, ls.cursor, dctx, sink,
		)
		if err == nil {
			return
		}

		ls.cursor.Abort(err)

		// Failures caused by Close or by an earlier corruption are
		// not reported again.
		if d.ctx.Err() == nil {
			d.fail(StateDeserializingBodyRealtime, h, err)
		}
	})
	if err != nil {
		d.wg.Done()
		close(sink)

		return fmt.Errorf("unable to schedule stream of %v: %w", h, err)
	}

	d.large = ls
	d.header = nil
	d.state = StateDeserializingBodyRealtime

	return nil
}

// feedLarge routes the body bytes of the in flight stream and returns the
// bytes that belong to the following frames.
func (d *Deserializer) feedLarge(data []byte) ([]byte, error) {
	ls := d.large

	n := ls.remaining
	if uint64(len(data)) < n {
		n = uint64(len(data))
	}
	chunk, rest := data[:n], data[n:]

	if len(chunk) > 0 {
		if ls.checksum != nil {
			_, _ = ls.checksum.Write(chunk)
		}
		if err := ls.cursor.Feed(chunk); err != nil {
			return nil, err
		}
		ls.remaining -= n
	}

	if ls.remaining > 0 {
		return rest, nil
	}

	// The whole body has been handed over, the decoder finishes on its
	// own while the following frames are parsed.
	ls.cursor.CloseFeed()
	d.large = nil
	d.state = StateSeekingHeader

	if ls.checksum != nil && ls.checksum.Sum() != ls.header.Checksum {
		err := fmt.Errorf("%w: %v", netwire.ErrChecksumMismatch,
			ls.header)
		ls.cursor.Abort(err)

		return nil, err
	}

	return rest, nil
}

// checkUsable fails when the deserializer reached a terminal state, either
// here or in a streaming decoder.
func (d *Deserializer) checkUsable() error {
	switch d.state {
	case StateClosed:
		return ErrClosed
	case StateCorrupted:
		return ErrCorrupted
	}

	if errPtr := d.failErr.Load(); errPtr != nil {
		d.state = StateCorrupted
		d.stopStream()

		return *errPtr
	}

	return nil
}

// corrupt moves the deserializer to the corrupted state and reports err.
func (d *Deserializer) corrupt(err error) error {
	state, header := d.state, d.header
	d.state = StateCorrupted

	err = d.fail(state, header, err)
	d.stopStream()

	return err
}

// fail reports the first failure to the sink. It is safe to call from the
// streaming goroutine.
func (d *Deserializer) fail(state State, header *netwire.HeaderMsg,
	err error) error {

	var corruptErr error = &CorruptedStreamError{
		State:  state,
		Header: header,
		Err:    err,
	}

	d.failOnce.Do(func() {
		d.failErr.Store(&corruptErr)
		d.cancel()

		log.Debugf("Stream failed: %v", corruptErr)
		d.cfg.Sink.OnError(corruptErr)
	})

	return *d.failErr.Load()
}

// stopStream aborts the in flight stream, if any.
func (d *Deserializer) stopStream() {
	if d.large != nil {
		d.large.cursor.Abort(ErrClosed)
		d.large = nil
	}
}

// Close releases the deserializer and waits for streaming decoders to exit.
// When the stream ended in the middle of a frame, a TruncatedFrameError is
// returned.
func (d *Deserializer) Close() error {
	if d.state == StateClosed {
		return nil
	}

	var err error
	pending := d.buf.Available()
	switch {
	case d.state == StateCorrupted:

	case d.state == StateDeserializingBodyRealtime:
		err = &TruncatedFrameError{
			State:   d.state,
			Header:  d.large.header,
			Pending: int(d.large.remaining),
		}

	case d.state != StateSeekingHeader || pending > 0:
		err = &TruncatedFrameError{
			State:   d.state,
			Header:  d.header,
			Pending: pending,
		}
	}

	d.state = StateClosed
	d.cancel()
	d.stopStream()
	d.wg.Wait()
	d.buf.Reset()

	return err
}
