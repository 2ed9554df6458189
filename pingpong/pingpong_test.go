package pingpong

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
)

var (
	testStart = time.Unix(1_700_000_000, 0)

	testPeer = netwire.NewPeerAddress(
		netip.MustParseAddr("192.168.1.10"), 8333,
	)
)

type pingHarness struct {
	handler *Handler
	clock   *clock.TestClock
	bus     *events.Bus
	ticker  *ticker.Force

	mu       sync.Mutex
	sent     []wire.Message
	failures []events.PingPongFailure
	discs    []events.DisconnectPeerRequest
}

func newPingHarness(t *testing.T) *pingHarness {
	t.Helper()

	bus := eventbus.New(eventbus.Config{Synchronous: true})
	require.NoError(t, bus.Start())

	h := &pingHarness{
		clock:  clock.NewTestClock(testStart),
		bus:    bus,
		ticker: ticker.NewForce(time.Hour),
	}

	var nonce uint64
	h.handler = New(Config{
		Bus:               bus,
		Clock:             h.clock,
		Ticker:            h.ticker,
		InactivityTimeout: 4 * time.Minute,
		ResponseTimeout:   3 * time.Minute,
		NewNonce: func() uint64 {
			nonce++
			return nonce
		},
	})

	_, err := events.Handle(bus, "sent", func(r events.SendMsgRequest) {
		h.mu.Lock()
		h.sent = append(h.sent, r.Msg)
		h.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = events.Handle(bus, "failed",
		func(e events.PingPongFailedEvent) {
			h.mu.Lock()
			h.failures = append(h.failures, e.Reason)
			h.mu.Unlock()
		},
	)
	require.NoError(t, err)
	_, err = events.Handle(bus, "disc",
		func(r events.DisconnectPeerRequest) {
			h.mu.Lock()
			h.discs = append(h.discs, r)
			h.mu.Unlock()
		},
	)
	require.NoError(t, err)

	require.NoError(t, h.handler.Start())
	t.Cleanup(func() {
		require.NoError(t, h.handler.Stop())
		require.NoError(t, bus.Stop())
	})

	require.NoError(t, bus.Publish(events.PeerHandshakedEvent{
		Peer: testPeer,
	}))

	return h
}

func (h *pingHarness) receive(t *testing.T, msg wire.Message) {
	t.Helper()

	require.NoError(t, h.bus.Publish(events.MsgReceivedEvent{
		Peer: testPeer,
		Msg:  msg,
	}))
}

func (h *pingHarness) pings() []*wire.MsgPing {
	h.mu.Lock()
	defer h.mu.Unlock()

	var pings []*wire.MsgPing
	for _, msg := range h.sent {
		if ping, ok := msg.(*wire.MsgPing); ok {
			pings = append(pings, ping)
		}
	}

	return pings
}

func (h *pingHarness) failed() []events.PingPongFailure {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]events.PingPongFailure(nil), h.failures...)
}

// TestPingSentOnceOnInactivity checks that a silent peer is pinged exactly
// once while the ping is outstanding.
func TestPingSentOnceOnInactivity(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.clock.SetTime(testStart.Add(time.Minute))
	h.handler.checkPeers()
	require.Empty(t, h.pings())

	h.clock.SetTime(testStart.Add(5 * time.Minute))
	h.handler.checkPeers()
	h.handler.checkPeers()

	h.clock.SetTime(testStart.Add(6 * time.Minute))
	h.handler.checkPeers()

	require.Len(t, h.pings(), 1)
	require.Empty(t, h.failed())
}

// TestPongCorrectNonce checks that a matching pong resets the state and
// records the round trip.
func TestPongCorrectNonce(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.clock.SetTime(testStart.Add(5 * time.Minute))
	h.handler.checkPeers()
	pings := h.pings()
	require.Len(t, pings, 1)

	h.clock.SetTime(testStart.Add(5*time.Minute + 200*time.Millisecond))
	h.receive(t, wire.NewMsgPong(pings[0].Nonce))

	info := h.handler.PeerInfo(testPeer).UnwrapOrFail(t)
	require.False(t, info.PingPending)
	require.Equal(t, 200*time.Millisecond, info.RTT)
	require.Empty(t, h.failed())

	// The response timeout no longer applies.
	h.clock.SetTime(testStart.Add(9 * time.Minute))
	h.handler.checkPeers()
	require.Empty(t, h.failed())
}

// TestPongWrongNonce checks that a mismatching pong fails the peer once.
func TestPongWrongNonce(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.clock.SetTime(testStart.Add(5 * time.Minute))
	h.handler.checkPeers()
	pings := h.pings()
	require.Len(t, pings, 1)

	h.receive(t, wire.NewMsgPong(pings[0].Nonce+1))
	h.receive(t, wire.NewMsgPong(pings[0].Nonce))

	require.Equal(t, []events.PingPongFailure{
		events.PingPongWrongNonce,
	}, h.failed())
	require.Len(t, h.discs, 1)
	require.Equal(t, events.DisconnectPingPongFailed, h.discs[0].Reason)
	require.True(t, h.handler.PeerInfo(testPeer).IsNone())
}

// TestPongMissingPing checks that an unsolicited pong fails the peer once.
func TestPongMissingPing(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.receive(t, wire.NewMsgPong(1))

	require.Equal(t, []events.PingPongFailure{
		events.PingPongMissingPing,
	}, h.failed())
	require.True(t, h.handler.PeerInfo(testPeer).IsNone())
}

// TestPingTimeout checks that an unanswered ping fails the peer after the
// response timeout.
func TestPingTimeout(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.clock.SetTime(testStart.Add(5 * time.Minute))
	h.handler.checkPeers()

	h.clock.SetTime(testStart.Add(7 * time.Minute))
	h.handler.checkPeers()
	require.Empty(t, h.failed())

	h.clock.SetTime(testStart.Add(8*time.Minute + time.Second))
	h.handler.checkPeers()
	require.Equal(t, []events.PingPongFailure{
		events.PingPongTimeout,
	}, h.failed())
}

// TestPingAnsweredWhenDisabled checks that disabling only stops our own
// pings, incoming pings are still answered.
func TestPingAnsweredWhenDisabled(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	require.NoError(t, h.bus.Publish(events.DisablePingPongRequest{
		Peer: testPeer,
	}))

	h.clock.SetTime(testStart.Add(10 * time.Minute))
	h.handler.checkPeers()
	require.Empty(t, h.pings())

	h.receive(t, wire.NewMsgPing(99))

	h.mu.Lock()
	require.Len(t, h.sent, 1)
	pong, ok := h.sent[0].(*wire.MsgPong)
	h.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, uint64(99), pong.Nonce)

	// Re-enabling restarts the inactivity window.
	require.NoError(t, h.bus.Publish(events.EnablePingPongRequest{
		Peer: testPeer,
	}))
	h.handler.checkPeers()
	require.Empty(t, h.pings())
}

// TestActivityDelaysPing checks that any received message postpones the
// next ping.
func TestActivityDelaysPing(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.clock.SetTime(testStart.Add(3 * time.Minute))
	h.receive(t, wire.NewMsgGetAddr())

	h.clock.SetTime(testStart.Add(5 * time.Minute))
	h.handler.checkPeers()
	require.Empty(t, h.pings())

	h.clock.SetTime(testStart.Add(7*time.Minute + time.Second))
	h.handler.checkPeers()
	require.Len(t, h.pings(), 1)
}

// TestTickerDrivesCheck checks that the ticker triggers the check.
func TestTickerDrivesCheck(t *testing.T) {
	t.Parallel()

	h := newPingHarness(t)

	h.clock.SetTime(testStart.Add(5 * time.Minute))
	h.ticker.Force <- h.clock.Now()

	require.Eventually(t, func() bool {
		return len(h.pings()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestPeerEventsOrderedOnAsyncBus asserts that the lifecycle events of a peer
// are handled in publish order when the bus delivers asynchronously.
func TestPeerEventsOrderedOnAsyncBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(eventbus.Config{})
	require.NoError(t, bus.Start())

	handler := New(Config{
		Bus:               bus,
		Clock:             clock.NewTestClock(testStart),
		Ticker:            ticker.NewForce(time.Hour),
		InactivityTimeout: time.Minute,
		ResponseTimeout:   time.Minute,
	})
	require.NoError(t, handler.Start())
	t.Cleanup(func() {
		require.NoError(t, handler.Stop())
		require.NoError(t, bus.Stop())
	})

	const numPeers = 1000
	peers := make([]netwire.PeerAddress, 0, numPeers)
	for i := 0; i < numPeers; i++ {
		addr := netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)})
		peer := netwire.NewPeerAddress(addr, 8333)
		peers = append(peers, peer)

		require.NoError(t, bus.Publish(events.PeerHandshakedEvent{
			Peer: peer,
		}))
		require.NoError(t, bus.Publish(events.PeerDisconnectedEvent{
			Peer: peer,
		}))
	}

	// The last peer is tracked again, so once it shows up every earlier
	// event has been handled.
	last := netwire.NewPeerAddress(netip.MustParseAddr("10.1.0.1"), 8333)
	require.NoError(t, bus.Publish(events.PeerHandshakedEvent{Peer: last}))
	require.Eventually(t, func() bool {
		return handler.PeerInfo(last).IsSome()
	}, 5*time.Second, 10*time.Millisecond)

	for _, peer := range peers {
		require.True(t, handler.PeerInfo(peer).IsNone(), peer)
	}
}
