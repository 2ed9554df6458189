package netwire

import (
	"context"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// DefaultBatchSize is the default number of transactions per streamed batch.
const DefaultBatchSize = 1000

// PartialMessage is one piece of a message decoded while its body is still
// arriving.
type PartialMessage interface {
	// Command returns the command of the message being streamed.
	Command() string

	partialMessage()
}

// PartialBlockHeader is emitted first when a block is streamed.
type PartialBlockHeader struct {
	Header   wire.BlockHeader
	Hash     chainhash.Hash
	TxCount  uint64
	BodySize uint64
}

// Command returns the block command.
func (p *PartialBlockHeader) Command() string { return wire.CmdBlock }

func (p *PartialBlockHeader) partialMessage() {}

// PartialBlockTxs is a batch of transactions of a streamed block. Batches are
// emitted in order; the final one has Last set.
type PartialBlockTxs struct {
	BlockHash chainhash.Hash

	// BatchIndex is the zero based position of this batch.
	BatchIndex int

	// FirstTxIndex is the index within the block of Txs[0].
	FirstTxIndex uint64

	Txs []*wire.MsgTx

	// TxHashes holds the hash of every transaction when hash
	// calculation was requested.
	TxHashes []chainhash.Hash

	// Bytes is the number of body bytes consumed by this batch.
	Bytes uint64

	Last bool
}

// Command returns the block command.
func (p *PartialBlockTxs) Command() string { return wire.CmdBlock }

func (p *PartialBlockTxs) partialMessage() {}

// StreamDecoder decodes a body incrementally, emitting partial messages on
// sink as soon as each piece is parsed.
type StreamDecoder interface {
	// DecodeStream reads exactly ctx.MaxBytesToRead bytes from r. The
	// caller owns sink and closes it after DecodeStream returns.
	DecodeStream(ctx context.Context, r io.Reader, dctx DecodeContext,
		sink chan<- PartialMessage) error
}

// BlockStreamDecoder streams a block: the header first, then batches of
// transactions. The whole block is never held in memory.
type BlockStreamDecoder struct {
	BatchSize int
}

// DecodeStream decodes a block from r.
//
// NOTE: this is part of the StreamDecoder interface.
func (d *BlockStreamDecoder) DecodeStream(ctx context.Context, r io.Reader,
	dctx DecodeContext, sink chan<- PartialMessage) error {

	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	cr := newCountingReader(r)

	var header wire.BlockHeader
	if err := header.Deserialize(cr); err != nil {
		return fmt.Errorf("unable to read block header: %w", err)
	}
	txCount, err := wire.ReadVarInt(cr, dctx.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("unable to read tx count: %w", err)
	}

	hash := header.BlockHash()
	err = send(ctx, sink, &PartialBlockHeader{
		Header:   header,
		Hash:     hash,
		TxCount:  txCount,
		BodySize: dctx.MaxBytesToRead,
	})
	if err != nil {
		return err
	}

	var (
		batch      = &PartialBlockTxs{BlockHash: hash}
		batchStart = cr.n
	)
	for i := uint64(0); i < txCount; i++ {
		tx := &wire.MsgTx{}
		err := tx.BtcDecode(cr, dctx.ProtocolVersion, dctx.Encoding)
		if err != nil {
			return fmt.Errorf("unable to read tx %d of block %v: %w",
				i, hash, err)
		}

		batch.Txs = append(batch.Txs, tx)
		if dctx.CalculateHashes {
			batch.TxHashes = append(batch.TxHashes, tx.TxHash())
		}

		last := i == txCount-1
		if len(batch.Txs) < batchSize && !last {
			continue
		}

		batch.Bytes = cr.n - batchStart
		batch.Last = last
		if err := send(ctx, sink, batch); err != nil {
			return err
		}

		batchStart = cr.n
		batch = &PartialBlockTxs{
			BlockHash:    hash,
			BatchIndex:   batch.BatchIndex + 1,
			FirstTxIndex: i + 1,
		}
	}

	// A block without transactions still terminates with a last batch.
	if txCount == 0 {
		batch.Last = true
		return send(ctx, sink, batch)
	}

	return nil
}

// DecodeStream runs the streaming decoder registered for command over r and
// enforces that exactly ctx.MaxBytesToRead bytes are consumed.
func (r *Registry) DecodeStream(ctx context.Context, command string,
	body io.Reader, dctx DecodeContext,
	sink chan<- PartialMessage) error {

	decoder, err := r.StreamDecoder(command).UnwrapOrErr(
		&UnknownMessageError{Command: command},
	)
	if err != nil {
		return err
	}

	cr := newCountingReader(io.LimitReader(body, int64(dctx.MaxBytesToRead)))
	err = decoder.DecodeStream(ctx, cr, dctx, sink)

	return checkConsumed(command, cr.n, dctx.MaxBytesToRead, err)
}

// send delivers a partial message unless ctx is done first.
func send(ctx context.Context, sink chan<- PartialMessage,
	msg PartialMessage) error {

	select {
	case sink <- msg:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}
