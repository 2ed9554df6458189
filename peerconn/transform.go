package peerconn

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
)

// Transformer is one stage of a connection pipeline. It turns an input into
// zero or more outputs.
type Transformer[I, O any] interface {
	Transform(in I) ([]O, error)
}

// TransformFunc adapts a function to the Transformer interface.
type TransformFunc[I, O any] func(in I) ([]O, error)

// Transform calls f.
//
// NOTE: this is part of the Transformer interface.
func (f TransformFunc[I, O]) Transform(in I) ([]O, error) {
	return f(in)
}

// Chain composes two stages. Every output of first is passed to second, in
// order. The first error stops the pipeline.
func Chain[A, B, C any](first Transformer[A, B],
	second Transformer[B, C]) Transformer[A, C] {

	return TransformFunc[A, C](func(in A) ([]C, error) {
		mids, err := first.Transform(in)
		if err != nil {
			return nil, err
		}

		var outs []C
		for _, mid := range mids {
			out, err := second.Transform(mid)
			if err != nil {
				return outs, err
			}
			outs = append(outs, out...)
		}

		return outs, nil
	})
}

// Chunker splits a byte slice into pieces of at most size bytes. The pieces
// alias the input.
func Chunker(size int) Transformer[[]byte, []byte] {
	return TransformFunc[[]byte, []byte](func(in []byte) ([][]byte, error) {
		if size <= 0 || len(in) <= size {
			return [][]byte{in}, nil
		}

		chunks := make([][]byte, 0, (len(in)+size-1)/size)
		for len(in) > size {
			chunks = append(chunks, in[:size])
			in = in[size:]
		}
		if len(in) > 0 {
			chunks = append(chunks, in)
		}

		return chunks, nil
	})
}

// frameSink collects the frames a Deserializer completes during one Feed and
// forwards partial messages and errors as they happen.
type frameSink struct {
	pending []msgstream.Frame

	onPartial func(*netwire.HeaderMsg, netwire.PartialMessage)
	onError   func(error)
}

// OnFrame buffers frame until the running Feed returns.
//
// NOTE: this is part of the msgstream.Sink interface.
func (s *frameSink) OnFrame(frame msgstream.Frame) {
	s.pending = append(s.pending, frame)
}

// OnPartial forwards a streamed piece.
//
// NOTE: this is part of the msgstream.Sink interface.
func (s *frameSink) OnPartial(h *netwire.HeaderMsg,
	partial netwire.PartialMessage) {

	if s.onPartial != nil {
		s.onPartial(h, partial)
	}
}

// OnError forwards the corruption of the stream.
//
// NOTE: this is part of the msgstream.Sink interface.
func (s *frameSink) OnError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// DecodeStage feeds raw chunks to a Deserializer whose sink is sink, and
// returns the frames each chunk completed.
func DecodeStage(d *msgstream.Deserializer,
	sink *frameSink) Transformer[[]byte, msgstream.Frame] {

	return TransformFunc[[]byte, msgstream.Frame](
		func(chunk []byte) ([]msgstream.Frame, error) {
			sink.pending = sink.pending[:0]
			err := d.Feed(chunk)

			frames := make([]msgstream.Frame, len(sink.pending))
			copy(frames, sink.pending)

			return frames, err
		},
	)
}

// EventStage turns frames received from peer into bus events.
func EventStage(peer netwire.PeerAddress) Transformer[msgstream.Frame,
	events.MsgReceivedEvent] {

	return TransformFunc[msgstream.Frame, events.MsgReceivedEvent](
		func(f msgstream.Frame) ([]events.MsgReceivedEvent, error) {
			return []events.MsgReceivedEvent{{
				Peer:   peer,
				Header: f.Header,
				Msg:    f.Body,
				Cached: f.Cached,
			}}, nil
		},
	)
}

// EncodeStage serializes outgoing messages into frames with the context
// returned by ctx at the time of the call.
func EncodeStage(registry *netwire.Registry,
	ctx func() netwire.EncodeContext) Transformer[wire.Message, []byte] {

	return TransformFunc[wire.Message, []byte](
		func(msg wire.Message) ([][]byte, error) {
			frame, err := registry.EncodeFrame(msg, ctx())
			if err != nil {
				return nil, err
			}

			return [][]byte{frame}, nil
		},
	)
}
