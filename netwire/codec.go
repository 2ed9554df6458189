package netwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Codec decodes and encodes the body of one message type.
type Codec interface {
	// Decode reads a body from r. The reader is a *bytes.Buffer holding
	// exactly ctx.MaxBytesToRead bytes.
	Decode(r io.Reader, ctx DecodeContext) (wire.Message, error)

	// Encode writes the body of msg to w.
	Encode(msg wire.Message, w io.Writer, ctx EncodeContext) error
}

// WireCodec is a Codec backed by a btcd wire message type.
type WireCodec struct {
	// New returns an empty message ready to be decoded into.
	New func() wire.Message
}

// Decode reads a body from r into a fresh message.
//
// NOTE: this is part of the Codec interface.
func (c WireCodec) Decode(r io.Reader, ctx DecodeContext) (wire.Message,
	error) {

	msg := c.New()
	if err := msg.BtcDecode(r, ctx.ProtocolVersion, ctx.Encoding); err != nil {
		return nil, err
	}

	return msg, nil
}

// Encode writes the body of msg to w.
//
// NOTE: this is part of the Codec interface.
func (c WireCodec) Encode(msg wire.Message, w io.Writer,
	ctx EncodeContext) error {

	return msg.BtcEncode(w, ctx.ProtocolVersion, ctx.Encoding)
}

// RawMessage is a message whose body is kept as opaque bytes. It carries
// frames of commands without a registered codec.
type RawMessage struct {
	Cmd     string
	Payload []byte
}

// BtcDecode reads the remainder of r as the payload.
//
// NOTE: this is part of the wire.Message interface.
func (m *RawMessage) BtcDecode(r io.Reader, _ uint32,
	_ wire.MessageEncoding) error {

	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Payload = payload

	return nil
}

// BtcEncode writes the payload.
//
// NOTE: this is part of the wire.Message interface.
func (m *RawMessage) BtcEncode(w io.Writer, _ uint32,
	_ wire.MessageEncoding) error {

	_, err := w.Write(m.Payload)
	return err
}

// Command returns the command the payload was received with.
//
// NOTE: this is part of the wire.Message interface.
func (m *RawMessage) Command() string {
	return m.Cmd
}

// MaxPayloadLength returns the largest payload a regular header can announce.
//
// NOTE: this is part of the wire.Message interface.
func (m *RawMessage) MaxPayloadLength(uint32) uint32 {
	return math.MaxUint32
}

// RawCodec returns a codec producing RawMessages for the given command.
func RawCodec(command string) Codec {
	return WireCodec{New: func() wire.Message {
		return &RawMessage{Cmd: command}
	}}
}

// Registry maps commands to codecs and streaming decoders. Lookups are case
// insensitive: commands are stored upper cased. A Registry is built
// explicitly and injected where needed.
type Registry struct {
	mu      sync.RWMutex
	codecs  map[string]Codec
	streams map[string]StreamDecoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		codecs:  make(map[string]Codec),
		streams: make(map[string]StreamDecoder),
	}
}

// NewDefaultRegistry returns a registry with codecs for every message the
// engine speaks and a streaming decoder for blocks emitting batches of
// batchSize transactions.
func NewDefaultRegistry(batchSize int) *Registry {
	r := NewRegistry()

	msgs := []func() wire.Message{
		func() wire.Message { return &wire.MsgVersion{} },
		func() wire.Message { return &wire.MsgVerAck{} },
		func() wire.Message { return &wire.MsgPing{} },
		func() wire.Message { return &wire.MsgPong{} },
		func() wire.Message { return &wire.MsgAddr{} },
		func() wire.Message { return &wire.MsgGetAddr{} },
		func() wire.Message { return &wire.MsgInv{} },
		func() wire.Message { return &wire.MsgGetData{} },
		func() wire.Message { return &wire.MsgNotFound{} },
		func() wire.Message { return &wire.MsgGetBlocks{} },
		func() wire.Message { return &wire.MsgGetHeaders{} },
		func() wire.Message { return &wire.MsgHeaders{} },
		func() wire.Message { return &wire.MsgSendHeaders{} },
		func() wire.Message { return &wire.MsgTx{} },
		func() wire.Message { return &wire.MsgBlock{} },
		func() wire.Message { return &wire.MsgMemPool{} },
		func() wire.Message { return &wire.MsgFeeFilter{} },
		func() wire.Message { return &wire.MsgReject{} },
	}
	for _, newMsg := range msgs {
		r.Register(newMsg().Command(), WireCodec{New: newMsg})
	}

	r.RegisterStream(wire.CmdBlock, &BlockStreamDecoder{
		BatchSize: batchSize,
	})

	return r
}

// Register adds or replaces the codec for command.
func (r *Registry) Register(command string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.codecs[strings.ToUpper(command)] = c
}

// RegisterStream adds or replaces the streaming decoder for command.
func (r *Registry) RegisterStream(command string, d StreamDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams[strings.ToUpper(command)] = d
}

// Codec returns the codec registered for command.
func (r *Registry) Codec(command string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codecs[strings.ToUpper(command)]
	if !ok {
		return nil, &UnknownMessageError{Command: command}
	}

	return c, nil
}

// StreamDecoder returns the streaming decoder registered for command, if any.
func (r *Registry) StreamDecoder(command string) fn.Option[StreamDecoder] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.streams[strings.ToUpper(command)]
	if !ok {
		return fn.None[StreamDecoder]()
	}

	return fn.Some(d)
}

// Commands returns the sorted upper cased commands with a codec.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]string, 0, len(r.codecs))
	for cmd := range r.codecs {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)

	return cmds
}

// DecodeBody decodes body with the codec registered for command. The codec
// must consume exactly len(body) bytes.
func (r *Registry) DecodeBody(command string, body []byte,
	ctx DecodeContext) (wire.Message, error) {

	codec, err := r.Codec(command)
	if err != nil {
		return nil, err
	}

	// Some btcd messages, version among them, require a *bytes.Buffer to
	// detect optional trailing fields.
	buf := bytes.NewBuffer(body)
	ctx.MaxBytesToRead = uint64(len(body))

	msg, err := codec.Decode(buf, ctx)
	consumed := uint64(len(body) - buf.Len())
	if err := checkConsumed(command, consumed, ctx.MaxBytesToRead, err); err != nil {
		return nil, err
	}

	return msg, nil
}

// EncodeFrame serializes msg into a complete frame: header followed by body.
// Bodies too large for a regular header get an extended header when the
// protocol version allows it.
func (r *Registry) EncodeFrame(msg wire.Message,
	ctx EncodeContext) ([]byte, error) {

	codec, err := r.Codec(msg.Command())
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if err := codec.Encode(msg, &body, ctx); err != nil {
		return nil, fmt.Errorf("unable to encode %s: %w",
			msg.Command(), err)
	}

	header := NewHeader(ctx.Net, msg.Command(), body.Bytes())
	if header.Extended && !ctx.ExtendedAllowed() {
		return nil, fmt.Errorf("%w: %s body of %d bytes at protocol "+
			"version %d", ErrExtendedNotAllowed, msg.Command(),
			header.Length, ctx.ProtocolVersion)
	}

	hb, err := header.Encode()
	if err != nil {
		return nil, err
	}

	return append(hb, body.Bytes()...), nil
}

// checkConsumed maps the outcome of a bounded decode to the exact
// consumption errors.
func checkConsumed(command string, consumed, expected uint64,
	decodeErr error) error {

	if decodeErr != nil {
		eof := errors.Is(decodeErr, io.EOF) ||
			errors.Is(decodeErr, io.ErrUnexpectedEOF)
		if eof && consumed == expected {
			return fmt.Errorf("%w: %s: %w", ErrBodyOverRead,
				command, decodeErr)
		}

		return fmt.Errorf("unable to decode %s: %w", command,
			decodeErr)
	}

	if consumed < expected {
		return fmt.Errorf("%w: %s consumed %d of %d bytes",
			ErrBodyUnderRead, command, consumed, expected)
	}

	return nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n uint64
}

func newCountingReader(r io.Reader) *countingReader {
	return &countingReader{r: r}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += uint64(n)

	return n, err
}
