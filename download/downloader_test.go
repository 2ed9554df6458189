package download

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
)

var testStart = time.Unix(1_700_000_000, 0)

func testBlock(nonce uint32) *wire.MsgBlock {
	header := wire.NewBlockHeader(
		1, &chainhash.Hash{}, &chainhash.Hash{}, 0x1d00ffff, nonce,
	)
	header.Timestamp = testStart

	return wire.NewMsgBlock(header)
}

type dlHarness struct {
	downloader *Downloader
	bus        *events.Bus
	clock      *clock.TestClock

	mu         sync.Mutex
	getData    map[netwire.PeerAddress][]chainhash.Hash
	downloaded []events.BlockDownloadedEvent
	discarded  []events.BlockDiscardedEvent
}

func newDLHarness(t *testing.T, modify func(*Config)) *dlHarness {
	t.Helper()

	bus := eventbus.New(eventbus.Config{Synchronous: true})
	require.NoError(t, bus.Start())

	h := &dlHarness{
		bus:     bus,
		clock:   clock.NewTestClock(testStart),
		getData: make(map[netwire.PeerAddress][]chainhash.Hash),
	}

	_, err := events.Handle(bus, "sent", func(r events.SendMsgRequest) {
		msg, ok := r.Msg.(*wire.MsgGetData)
		if !ok {
			return
		}

		h.mu.Lock()
		for _, inv := range msg.InvList {
			h.getData[r.Peer] = append(h.getData[r.Peer], inv.Hash)
		}
		h.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = events.Handle(bus, "done", func(e events.BlockDownloadedEvent) {
		h.downloaded = append(h.downloaded, e)
	})
	require.NoError(t, err)
	_, err = events.Handle(bus, "discard", func(e events.BlockDiscardedEvent) {
		h.discarded = append(h.discarded, e)
	})
	require.NoError(t, err)

	cfg := Config{
		Bus:    bus,
		Clock:  h.clock,
		Ticker: ticker.NewForce(time.Hour),
	}
	if modify != nil {
		modify(&cfg)
	}
	h.downloader = New(cfg)
	require.NoError(t, h.downloader.Start())

	t.Cleanup(func() {
		require.NoError(t, h.downloader.Stop())
		require.NoError(t, bus.Stop())
	})

	return h
}

func (h *dlHarness) publish(t *testing.T, event any) {
	t.Helper()

	require.NoError(t, h.bus.Publish(event))
}

func (h *dlHarness) handshake(t *testing.T, addrs ...netwire.PeerAddress) {
	t.Helper()

	for _, addr := range addrs {
		h.publish(t, events.PeerHandshakedEvent{Peer: addr})
	}
}

func (h *dlHarness) requested(addr netwire.PeerAddress) []chainhash.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]chainhash.Hash(nil), h.getData[addr]...)
}

// TestDownloadFromAnnouncer checks that a block is requested from the peer
// that announced it and completed by the block message.
func TestDownloadFromAnnouncer(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	block := testBlock(1)
	hash := block.BlockHash()

	h.handshake(t, p1, p2)

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(
		wire.NewInvVect(wire.InvTypeBlock, &hash),
	))
	h.publish(t, events.MsgReceivedEvent{Peer: p2, Msg: inv})

	h.publish(t, events.BlocksDownloadRequest{
		Hashes: []chainhash.Hash{hash},
	})
	require.Empty(t, h.requested(p1))
	require.Equal(t, []chainhash.Hash{hash}, h.requested(p2))
	require.Equal(t, []chainhash.Hash{hash}, h.downloader.InFlightFrom(p2))

	// A block from another peer is not the one requested.
	h.publish(t, events.MsgReceivedEvent{Peer: p1, Msg: block})
	require.Empty(t, h.downloaded)

	h.clock.SetTime(testStart.Add(3 * time.Second))
	h.publish(t, events.MsgReceivedEvent{Peer: p2, Msg: block})
	require.Len(t, h.downloaded, 1)
	require.Equal(t, p2, h.downloaded[0].Peer)
	require.Equal(t, hash, h.downloaded[0].Hash)
	require.Equal(t, 3*time.Second, h.downloaded[0].Duration)
	require.Equal(t, uint64(block.SerializeSize()), h.downloaded[0].Bytes)
	require.Same(t, block, h.downloaded[0].Block)

	require.Zero(t, h.downloader.Registries().Announcements.Len())
	require.Equal(t, Stats{Downloaded: 1}, h.downloader.Stats())
}

// TestDownloadRetriesThenDiscards checks the attempts and the discard event.
func TestDownloadRetriesThenDiscards(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, func(cfg *Config) {
		cfg.MaxAttempts = 2
	})
	hash := testBlock(2).BlockHash()

	h.handshake(t, p1)
	h.publish(t, events.BlocksDownloadFromPeerRequest{
		Peer:   p1,
		Hashes: []chainhash.Hash{hash},
	})
	require.Len(t, h.requested(p1), 1)

	// Progress delays the idle timeout.
	h.clock.SetTime(testStart.Add(50 * time.Second))
	h.publish(t, events.PartialMsgReceivedEvent{
		Peer:    p1,
		Partial: &netwire.PartialBlockHeader{Hash: hash},
	})
	h.clock.SetTime(testStart.Add(70 * time.Second))
	h.downloader.checkTimeouts()
	require.Len(t, h.requested(p1), 1)

	// First attempt times out, the only peer is asked again.
	h.clock.SetTime(testStart.Add(111 * time.Second))
	h.downloader.checkTimeouts()
	require.Len(t, h.requested(p1), 2)
	require.Empty(t, h.discarded)

	h.clock.SetTime(testStart.Add(200 * time.Second))
	h.downloader.checkTimeouts()
	require.Len(t, h.requested(p1), 2)
	require.Len(t, h.discarded, 1)
	require.Equal(t, hash, h.discarded[0].Hash)
	require.Equal(t, 2, h.discarded[0].Attempts)

	require.Zero(t, h.downloader.Registries().Priority.Len())
	require.Equal(t, Stats{Discarded: 1}, h.downloader.Stats())
}

// TestDownloadExclusive checks that exclusive blocks wait for their peer.
func TestDownloadExclusive(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	first, second := testBlock(3), testBlock(4)

	h.handshake(t, p1, p2)
	h.publish(t, events.BlocksDownloadFromPeerRequest{
		Peer:      p2,
		Hashes:    []chainhash.Hash{first.BlockHash()},
		Exclusive: true,
	})
	h.publish(t, events.BlocksDownloadFromPeerRequest{
		Peer:      p2,
		Hashes:    []chainhash.Hash{second.BlockHash()},
		Exclusive: true,
	})

	require.Empty(t, h.requested(p1))
	require.Equal(t, []chainhash.Hash{first.BlockHash()}, h.requested(p2))
	require.Equal(t, 1, h.downloader.Stats().Pending)

	h.publish(t, events.MsgReceivedEvent{Peer: p2, Msg: first})
	require.Empty(t, h.requested(p1))
	require.Equal(t, []chainhash.Hash{
		first.BlockHash(), second.BlockHash(),
	}, h.requested(p2))
	require.Equal(t, 1, h.downloader.Registries().Exclusive.Len())
}

// TestDownloadStreamed checks the completion of a streamed block.
func TestDownloadStreamed(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	hash := testBlock(5).BlockHash()
	header := &netwire.HeaderMsg{Command: wire.CmdBlock, Length: 5000}

	h.handshake(t, p1)
	h.publish(t, events.BlocksDownloadRequest{
		Hashes: []chainhash.Hash{hash},
	})

	h.publish(t, events.PartialMsgReceivedEvent{
		Peer:    p1,
		Header:  header,
		Partial: &netwire.PartialBlockHeader{Hash: hash},
	})
	h.publish(t, events.PartialMsgReceivedEvent{
		Peer:   p1,
		Header: header,
		Partial: &netwire.PartialBlockTxs{
			BlockHash: hash, Bytes: 2000,
		},
	})
	require.Empty(t, h.downloaded)

	h.publish(t, events.PartialMsgReceivedEvent{
		Peer:   p1,
		Header: header,
		Partial: &netwire.PartialBlockTxs{
			BlockHash: hash, Bytes: 2920, Last: true,
		},
	})
	require.Len(t, h.downloaded, 1)
	require.Equal(t, uint64(5000), h.downloaded[0].Bytes)
	require.Nil(t, h.downloaded[0].Block)
}

// TestDownloadPeerDisconnected checks that the blocks of a lost peer are
// assigned to another one.
func TestDownloadPeerDisconnected(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	hash := testBlock(6).BlockHash()

	h.handshake(t, p1, p2)
	h.publish(t, events.BlocksDownloadRequest{
		Hashes: []chainhash.Hash{hash},
	})
	require.Len(t, h.requested(p1), 1)

	h.publish(t, events.PeerDisconnectedEvent{Peer: p1})
	require.Equal(t, []chainhash.Hash{hash}, h.requested(p2))
	require.Nil(t, h.downloader.InFlightFrom(p1))
}

// TestDownloadCancel checks that cancelled blocks are no longer assigned and
// their registries entries removed.
func TestDownloadCancel(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	a, b := testBlock(7).BlockHash(), testBlock(8).BlockHash()

	h.publish(t, events.BlocksDownloadFromPeerRequest{
		Peer:   p1,
		Hashes: []chainhash.Hash{a, b},
	})
	require.Equal(t, 2, h.downloader.Stats().Pending)

	h.publish(t, events.BlocksCancelDownloadRequest{
		Hashes: []chainhash.Hash{a},
	})
	require.Equal(t, 1, h.downloader.Stats().Pending)
	require.Equal(t, 1, h.downloader.Registries().Priority.Len())

	h.handshake(t, p1)
	require.Equal(t, []chainhash.Hash{b}, h.requested(p1))
}

// TestDownloadWithPriority checks that priority requests jump the queue.
func TestDownloadWithPriority(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	a, b := testBlock(9).BlockHash(), testBlock(10).BlockHash()

	h.publish(t, events.BlocksDownloadRequest{
		Hashes: []chainhash.Hash{a},
	})
	h.publish(t, events.BlocksDownloadRequest{
		Hashes:       []chainhash.Hash{b},
		WithPriority: true,
	})

	h.handshake(t, p1)
	require.Equal(t, []chainhash.Hash{b}, h.requested(p1))
}

// TestDownloadIBDOrder checks that the initial block download never skips a
// block that cannot be assigned yet.
func TestDownloadIBDOrder(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, func(cfg *Config) {
		cfg.IBD = true
	})
	a, b := testBlock(11), testBlock(12)

	h.downloader.Registries().Exclusive.Set(p2, a.BlockHash())
	h.publish(t, events.BlocksDownloadRequest{
		Hashes: []chainhash.Hash{a.BlockHash(), b.BlockHash()},
	})

	h.handshake(t, p1)
	require.Empty(t, h.requested(p1))

	h.handshake(t, p2)
	require.Equal(t, []chainhash.Hash{a.BlockHash()}, h.requested(p2))
	require.Equal(t, []chainhash.Hash{b.BlockHash()}, h.requested(p1))
}

// TestDownloadNotFound checks that a notfound reply frees the block for
// another peer.
func TestDownloadNotFound(t *testing.T) {
	t.Parallel()

	h := newDLHarness(t, nil)
	hash := testBlock(13).BlockHash()

	h.handshake(t, p1, p2)
	h.publish(t, events.BlocksDownloadRequest{
		Hashes: []chainhash.Hash{hash},
	})
	require.Len(t, h.requested(p1), 1)

	notFound := wire.NewMsgNotFound()
	require.NoError(t, notFound.AddInvVect(
		wire.NewInvVect(wire.InvTypeBlock, &hash),
	))
	h.publish(t, events.MsgReceivedEvent{Peer: p1, Msg: notFound})

	require.Equal(t, []chainhash.Hash{hash}, h.requested(p2))
	require.Len(t, h.requested(p1), 1)
}
