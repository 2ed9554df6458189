package msgstream

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// collector is a Sink recording everything it receives.
type collector struct {
	mu       sync.Mutex
	frames   []Frame
	partials []netwire.PartialMessage
	errs     []error
	lastDone chan struct{}
}

func newCollector() *collector {
	return &collector{lastDone: make(chan struct{})}
}

func (c *collector) OnFrame(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames = append(c.frames, frame)
}

func (c *collector) OnPartial(_ *netwire.HeaderMsg,
	partial netwire.PartialMessage) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.partials = append(c.partials, partial)
	if batch, ok := partial.(*netwire.PartialBlockTxs); ok && batch.Last {
		close(c.lastDone)
	}
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errs = append(c.errs, err)
}

func (c *collector) snapshot() ([]Frame, []netwire.PartialMessage, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Frame(nil), c.frames...),
		append([]netwire.PartialMessage(nil), c.partials...),
		append([]error(nil), c.errs...)
}

func (c *collector) waitLast(t *testing.T) {
	t.Helper()

	select {
	case <-c.lastDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("streamed block not completed")
	}
}

func testConfig(sink Sink) Config {
	return Config{
		Registry:     netwire.NewDefaultRegistry(2),
		Net:          wire.MainNet,
		LocalVersion: wire.ProtocolVersion,
		Encoding:     wire.WitnessEncoding,
		Sink:         sink,
	}
}

func encodeFrame(t testing.TB, msg wire.Message) []byte {
	frame, err := netwire.NewDefaultRegistry(2).EncodeFrame(
		msg, netwire.EncodeContext{
			Net:             wire.MainNet,
			ProtocolVersion: wire.ProtocolVersion,
			Encoding:        wire.WitnessEncoding,
		},
	)
	require.NoError(t, err)

	return frame
}

func testTx(n int) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: uint32(n)},
		SignatureScript:  bytes.Repeat([]byte{0x51}, 10+n),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: int64(n), PkScript: []byte{0x52}})

	return tx
}

func testBlock(numTxs int) *wire.MsgBlock {
	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: chainhash.Hash{0x0b},
		Bits:      0x1d00ffff,
	})
	for i := 0; i < numTxs; i++ {
		_ = block.AddTransaction(testTx(i))
	}

	return block
}

// TestChunkBoundariesProperty checks that frames are decoded identically no
// matter how the stream is split into chunks.
func TestChunkBoundariesProperty(t *testing.T) {
	t.Parallel()

	msgs := []wire.Message{
		wire.NewMsgVerAck(),
		wire.NewMsgPing(1),
		testTx(3),
		wire.NewMsgPong(1),
		wire.NewMsgGetAddr(),
	}

	var stream []byte
	for _, msg := range msgs {
		stream = append(stream, encodeFrame(t, msg)...)
	}

	rapid.Check(t, func(rt *rapid.T) {
		sink := newCollector()
		d := NewDeserializer(testConfig(sink))

		rest := stream
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(rt, "chunk")
			require.NoError(rt, d.Feed(rest[:n]))
			rest = rest[n:]
		}
		require.NoError(rt, d.Close())

		frames, _, errs := sink.snapshot()
		require.Empty(rt, errs)
		require.Len(rt, frames, len(msgs))
		for i, frame := range frames {
			require.Equal(rt, msgs[i], frame.Body)
		}
	})
}

// TestCorruptedStream checks that framing failures are terminal and reported
// exactly once.
func TestCorruptedStream(t *testing.T) {
	t.Parallel()

	badChecksum := encodeFrame(t, wire.NewMsgPing(7))
	badChecksum[20] ^= 0xff

	badMagic := encodeFrame(t, wire.NewMsgPing(7))
	badMagic[0] ^= 0xff

	unknown := encodeFrame(t, wire.NewMsgPing(7))
	copy(unknown[4:16], []byte("sendcmpct\x00\x00\x00"))
	unknownChecksum := netwire.Checksum(unknown[netwire.HeaderSize:])
	copy(unknown[20:24], unknownChecksum[:])

	tests := []struct {
		name   string
		frame  []byte
		expErr error
	}{
		{
			name:   "checksum",
			frame:  badChecksum,
			expErr: netwire.ErrChecksumMismatch,
		},
		{
			name:   "magic",
			frame:  badMagic,
			expErr: netwire.ErrBadMagic,
		},
		{
			name:   "unknown command",
			frame:  unknown,
			expErr: &netwire.UnknownMessageError{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			sink := newCollector()
			d := NewDeserializer(testConfig(sink))

			err := d.Feed(test.frame)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrCorrupted)

			var unknownErr *netwire.UnknownMessageError
			if errors.As(test.expErr, &unknownErr) {
				require.ErrorAs(t, err, &unknownErr)
			} else {
				require.ErrorIs(t, err, test.expErr)
			}
			require.Equal(t, StateCorrupted, d.State())

			// Further input is refused without a second report.
			err = d.Feed(encodeFrame(t, wire.NewMsgVerAck()))
			require.ErrorIs(t, err, ErrCorrupted)

			frames, _, errs := sink.snapshot()
			require.Empty(t, frames)
			require.Len(t, errs, 1)

			require.NoError(t, d.Close())
		})
	}
}

// TestSkipUnknown checks that unknown commands can be passed through as raw
// messages.
func TestSkipUnknown(t *testing.T) {
	t.Parallel()

	frame := encodeFrame(t, wire.NewMsgPing(7))
	copy(frame[4:16], []byte("wtxidrelay\x00\x00"))

	sink := newCollector()
	cfg := testConfig(sink)
	cfg.SkipUnknown = true
	d := NewDeserializer(cfg)

	require.NoError(t, d.Feed(frame))

	frames, _, errs := sink.snapshot()
	require.Empty(t, errs)
	require.Len(t, frames, 1)

	raw, ok := frames[0].Body.(*netwire.RawMessage)
	require.True(t, ok)
	require.Equal(t, "wtxidrelay", raw.Command())
	require.Len(t, raw.Payload, 8)
}

// TestTruncatedFrame checks that a stream closed mid frame is reported as a
// truncation, never as a corruption.
func TestTruncatedFrame(t *testing.T) {
	t.Parallel()

	frame := encodeFrame(t, testTx(1))

	tests := []struct {
		cut         int
		seekingBody bool
	}{
		{cut: 1},
		{cut: netwire.HeaderSize, seekingBody: true},
		{cut: len(frame) - 1, seekingBody: true},
	}
	for _, test := range tests {
		cut := test.cut
		sink := newCollector()
		d := NewDeserializer(testConfig(sink))

		require.NoError(t, d.Feed(frame[:cut]))
		require.Equal(t, test.seekingBody, d.State().SeekingBody())

		err := d.Close()
		var truncErr *TruncatedFrameError
		require.ErrorAs(t, err, &truncErr)
		require.False(t, errors.Is(err, ErrCorrupted))
		require.Equal(t, test.seekingBody, truncErr.State.SeekingBody())

		_, _, errs := sink.snapshot()
		require.Empty(t, errs)
		require.ErrorIs(t, d.Feed(frame), ErrClosed)
	}
}

// TestLargeThresholdBoundary checks that bodies at or above the threshold
// are streamed and bodies below it are buffered.
func TestLargeThresholdBoundary(t *testing.T) {
	t.Parallel()

	block := testBlock(5)
	size := uint64(block.SerializeSize())
	frame := encodeFrame(t, block)

	tests := []struct {
		name      string
		threshold uint64
		streamed  bool
	}{
		{name: "below", threshold: size + 1, streamed: false},
		{name: "equal", threshold: size, streamed: true},
		{name: "above", threshold: size - 1, streamed: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			sink := newCollector()
			cfg := testConfig(sink)
			cfg.LargeThreshold = test.threshold
			d := NewDeserializer(cfg)

			require.NoError(t, d.Feed(frame))

			if test.streamed {
				sink.waitLast(t)
			}
			require.NoError(t, d.Close())

			frames, partials, errs := sink.snapshot()
			require.Empty(t, errs)

			if !test.streamed {
				require.Len(t, frames, 1)
				require.Empty(t, partials)
				require.Equal(t, block.BlockHash(),
					frames[0].Body.(*wire.MsgBlock).BlockHash())
				return
			}

			require.Empty(t, frames)

			// Header, then batches of two transactions.
			require.Len(t, partials, 4)
			header := partials[0].(*netwire.PartialBlockHeader)
			require.Equal(t, block.BlockHash(), header.Hash)

			var txs []*wire.MsgTx
			for _, p := range partials[1:] {
				txs = append(txs, p.(*netwire.PartialBlockTxs).Txs...)
			}
			require.Equal(t, block.Transactions, txs)
		})
	}
}

// TestStreamFollowedBySmallFrames checks that frames after a streamed body
// are parsed while the stream completes, fed byte by byte.
func TestStreamFollowedBySmallFrames(t *testing.T) {
	t.Parallel()

	block := testBlock(4)
	stream := encodeFrame(t, block)
	stream = append(stream, encodeFrame(t, wire.NewMsgPing(9))...)

	sink := newCollector()
	cfg := testConfig(sink)
	cfg.LargeThreshold = 100
	d := NewDeserializer(cfg)

	for i := range stream {
		require.NoError(t, d.Feed(stream[i:i+1]))
	}
	sink.waitLast(t)
	require.NoError(t, d.Close())

	frames, partials, errs := sink.snapshot()
	require.Empty(t, errs)
	require.Len(t, frames, 1)
	require.Equal(t, wire.NewMsgPing(9), frames[0].Body)
	require.Len(t, partials, 3)
}

// TestStreamChecksumMismatch checks that a corrupted streamed body fails the
// stream once fully received.
func TestStreamChecksumMismatch(t *testing.T) {
	t.Parallel()

	frame := encodeFrame(t, testBlock(3))
	frame[20] ^= 0xff

	sink := newCollector()
	cfg := testConfig(sink)
	cfg.LargeThreshold = 100
	d := NewDeserializer(cfg)

	err := d.Feed(frame)
	require.ErrorIs(t, err, netwire.ErrChecksumMismatch)
	require.NoError(t, d.Close())

	_, _, errs := sink.snapshot()
	require.Len(t, errs, 1)
}

// TestExtendedStream checks that an extended header is accepted at a
// protocol version supporting it, and streamed without checksum.
func TestExtendedStream(t *testing.T) {
	t.Parallel()

	block := testBlock(3)
	var body bytes.Buffer
	require.NoError(t, block.BtcEncode(
		&body, wire.ProtocolVersion, wire.WitnessEncoding,
	))

	header := &netwire.HeaderMsg{
		Magic:    wire.MainNet,
		Command:  wire.CmdBlock,
		Length:   uint64(body.Len()),
		Extended: true,
	}
	hb, err := header.Encode()
	require.NoError(t, err)

	run := func(pver uint32) (*collector, error) {
		sink := newCollector()
		cfg := testConfig(sink)
		cfg.LargeThreshold = 100
		d := NewDeserializer(cfg)
		d.SetProtocolVersion(pver)

		err := d.Feed(append(append([]byte(nil), hb...), body.Bytes()...))
		if err == nil {
			sink.waitLast(t)
		}
		_ = d.Close()

		return sink, err
	}

	sink, err := run(netwire.ExtendedMsgMinVersion)
	require.NoError(t, err)
	_, partials, _ := sink.snapshot()
	require.Len(t, partials, 3)

	_, err = run(netwire.ExtendedMsgMinVersion - 1)
	require.ErrorIs(t, err, netwire.ErrExtendedNotAllowed)
}

// countingCodec counts the decodes it performs.
type countingCodec struct {
	netwire.WireCodec
	decodes atomic.Int32
}

func (c *countingCodec) Decode(r io.Reader,
	ctx netwire.DecodeContext) (wire.Message, error) {

	c.decodes.Add(1)
	return c.WireCodec.Decode(r, ctx)
}

// TestCacheServesRepeatedBodies checks that a second frame with the same
// checksum is served from the cache without decoding.
func TestCacheServesRepeatedBodies(t *testing.T) {
	t.Parallel()

	codec := &countingCodec{WireCodec: netwire.WireCodec{
		New: func() wire.Message { return &wire.MsgTx{} },
	}}

	sink := newCollector()
	cfg := testConfig(sink)
	cfg.Registry.Register(wire.CmdTx, codec)
	cfg.Cache = NewMessageCache(CacheConfig{})
	d := NewDeserializer(cfg)

	frame := encodeFrame(t, testTx(2))
	require.NoError(t, d.Feed(frame))
	require.NoError(t, d.Feed(frame))

	frames, _, errs := sink.snapshot()
	require.Empty(t, errs)
	require.Len(t, frames, 2)
	require.False(t, frames[0].Cached)
	require.True(t, frames[1].Cached)
	require.Same(t, frames[0].Body, frames[1].Body)
	require.EqualValues(t, 1, codec.decodes.Load())

	hits, misses := cfg.Cache.Stats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
}
