package netwire

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testBlock returns a block with numTxs distinct transactions.
func testBlock(numTxs int) *wire.MsgBlock {
	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: chainhash.Hash{0xaa},
		Bits:      0x1d00ffff,
		Nonce:     7,
	})
	for i := 0; i < numTxs; i++ {
		_ = block.AddTransaction(testTx(10+i, 20))
	}

	return block
}

// streamBlock runs the block streaming decoder over the serialized block and
// collects every partial message.
func streamBlock(t *testing.T, block *wire.MsgBlock, batchSize int,
	extra []byte) ([]PartialMessage, error) {

	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, block.BtcEncode(
		&buf, wire.ProtocolVersion, wire.WitnessEncoding,
	))
	bodyLen := buf.Len()
	buf.Write(extra)

	ctx := testDecodeCtx()
	ctx.MaxBytesToRead = uint64(bodyLen + len(extra))
	ctx.CalculateHashes = true

	registry := NewDefaultRegistry(batchSize)
	sink := make(chan PartialMessage, 100)
	err := registry.DecodeStream(
		context.Background(), wire.CmdBlock, &buf, ctx, sink,
	)
	close(sink)

	var partials []PartialMessage
	for p := range sink {
		partials = append(partials, p)
	}

	return partials, err
}

// TestBlockStreamBatches checks that a streamed block yields its header
// followed by ordered transaction batches, the last one flagged.
func TestBlockStreamBatches(t *testing.T) {
	t.Parallel()

	block := testBlock(7)
	partials, err := streamBlock(t, block, 3, nil)
	require.NoError(t, err)
	require.Len(t, partials, 4)

	header, ok := partials[0].(*PartialBlockHeader)
	require.True(t, ok)
	require.Equal(t, block.BlockHash(), header.Hash)
	require.EqualValues(t, 7, header.TxCount)

	var (
		txs        []*wire.MsgTx
		batchBytes uint64
	)
	for i, p := range partials[1:] {
		batch, ok := p.(*PartialBlockTxs)
		require.True(t, ok)
		require.Equal(t, i, batch.BatchIndex)
		require.EqualValues(t, len(txs), batch.FirstTxIndex)
		require.Equal(t, i == 2, batch.Last)
		require.Len(t, batch.TxHashes, len(batch.Txs))

		for j, tx := range batch.Txs {
			require.Equal(t, tx.TxHash(), batch.TxHashes[j])
		}

		txs = append(txs, batch.Txs...)
		batchBytes += batch.Bytes
	}

	require.Equal(t, block.Transactions, txs)

	// Header and tx count prefix are not part of any batch.
	size := uint64(block.SerializeSize())
	require.Equal(t, size-wire.MaxBlockHeaderPayload-1, batchBytes)
}

// TestBlockStreamEmpty checks that a block without transactions still ends
// with a last batch.
func TestBlockStreamEmpty(t *testing.T) {
	t.Parallel()

	partials, err := streamBlock(t, testBlock(0), 3, nil)
	require.NoError(t, err)
	require.Len(t, partials, 2)

	batch := partials[1].(*PartialBlockTxs)
	require.True(t, batch.Last)
	require.Empty(t, batch.Txs)
}

// TestBlockStreamUnderRead checks that trailing bytes after the last
// transaction are reported.
func TestBlockStreamUnderRead(t *testing.T) {
	t.Parallel()

	_, err := streamBlock(t, testBlock(2), 3, []byte{0x01})
	require.ErrorIs(t, err, ErrBodyUnderRead)
}
