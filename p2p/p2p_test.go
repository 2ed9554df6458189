package p2p

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
)

// blockServer is an application handler answering getdata with its block.
type blockServer struct {
	net   *P2P
	block *wire.MsgBlock
	subs  events.Subscriptions
}

func (s *blockServer) Name() string {
	return "block-server"
}

func (s *blockServer) Start() error {
	s.subs.Add(events.Handle(s.net.Events(), "block-server",
		func(e events.MsgReceivedEvent) {
			getData, ok := e.Msg.(*wire.MsgGetData)
			if !ok {
				return
			}

			hash := s.block.BlockHash()
			for _, iv := range getData.InvList {
				if iv.Hash == hash {
					_ = s.net.Send(e.Peer, s.block)
				}
			}
		}))

	return s.subs.Err()
}

func (s *blockServer) Stop() error {
	s.subs.Cancel()
	return nil
}

func newTestNet(t *testing.T, mutate func(*Config)) *P2P {
	t.Helper()

	cfg := Config{
		Controller: ControllerConfig{
			Stream:        testStream(),
			RetryDuration: 50 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := New(cfg)
	require.NoError(t, err)

	return p
}

func startTestNet(t *testing.T, p *P2P) {
	t.Helper()

	require.NoError(t, p.Start())
	t.Cleanup(func() {
		require.NoError(t, p.Stop())
	})
}

func testBlock() *wire.MsgBlock {
	header := wire.NewBlockHeader(
		1, &chainhash.Hash{1}, &chainhash.Hash{2}, 0x1d00ffff, 42,
	)
	header.Timestamp = time.Unix(1_700_000_000, 0)

	return wire.NewMsgBlock(header)
}

// TestP2PHandshakeAndDownload runs two networks over loopback: they
// handshake, then one downloads a block served by an application handler
// of the other.
func TestP2PHandshakeAndDownload(t *testing.T) {
	t.Parallel()

	block := testBlock()
	srv := &blockServer{block: block}

	l, serverAddr := listen(t)
	server := newTestNet(t, func(cfg *Config) {
		cfg.Controller.Listeners = []net.Listener{l}
		cfg.Cache = &msgstream.CacheConfig{}
		cfg.Handlers = []Handler{srv}
	})
	srv.net = server
	serverHandshaked := capture[events.PeerHandshakedEvent](
		t, server.Events(),
	)
	serverGone := capture[events.PeerDisconnectedEvent](
		t, server.Events(),
	)
	startTestNet(t, server)

	client := newTestNet(t, func(cfg *Config) {
		cfg.Controller.PermanentPeers = []netwire.PeerAddress{
			serverAddr,
		}
	})
	clientHandshaked := capture[events.PeerHandshakedEvent](
		t, client.Events(),
	)
	downloaded := capture[events.BlockDownloadedEvent](
		t, client.Events(),
	)
	startTestNet(t, client)

	hs := waitFor(t, clientHandshaked)
	require.Equal(t, serverAddr, hs.Peer)
	require.Contains(t, hs.Version.UserAgent, "btcp2p")
	waitFor(t, serverHandshaked)

	require.Eventually(t, func() bool {
		peers := client.Peers()
		return len(peers) == 1 && peers[0].Handshaked
	}, eventTimeout, 10*time.Millisecond)
	require.Equal(t, 1, client.Handshaked())

	require.NoError(t, client.DownloadBlocks(false, block.BlockHash()))

	done := waitFor(t, downloaded)
	require.Equal(t, block.BlockHash(), done.Hash)
	require.Equal(t, serverAddr, done.Peer)
	require.NotNil(t, done.Block)

	require.Eventually(t, func() bool {
		return client.DownloadStats().Downloaded == 1
	}, eventTimeout, 10*time.Millisecond)

	_, ok := client.PingPongInfo(serverAddr)
	require.True(t, ok)

	require.NoError(t, client.Disconnect(serverAddr))
	gone := waitFor(t, serverGone)
	require.Equal(t, events.DisconnectRemoteClosed, gone.Reason)

	require.Eventually(t, func() bool {
		return len(client.Peers()) == 0
	}, eventTimeout, 10*time.Millisecond)
}

// TestP2PBlacklistedHostRefused checks that a host blacklisted by the
// application is refused by the controller.
func TestP2PBlacklistedHostRefused(t *testing.T) {
	t.Parallel()

	l, serverAddr := listen(t)
	server := newTestNet(t, func(cfg *Config) {
		cfg.Controller.Listeners = []net.Listener{l}
	})
	blacklisted := capture[events.HostsBlacklistedEvent](
		t, server.Events(),
	)
	rejected := capture[events.PeerRejectedEvent](t, server.Events())
	startTestNet(t, server)

	loopback := netip.MustParseAddr("127.0.0.1")
	require.NoError(t, server.BlacklistHost(loopback))

	e := waitFor(t, blacklisted)
	require.Equal(t, events.BlacklistClient, e.Hosts[loopback])
	require.Contains(t, server.Blacklisted(), loopback)

	conn, err := net.Dial("tcp", serverAddr.String())
	require.NoError(t, err)
	defer conn.Close()

	r := waitFor(t, rejected)
	require.Equal(t, events.RejectBlacklisted, r.Reason)
	require.Empty(t, server.Peers())
}

// TestP2PStopIdempotent checks that a network can be stopped twice and
// refuses requests once stopped.
func TestP2PStopIdempotent(t *testing.T) {
	t.Parallel()

	p := newTestNet(t, nil)
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	err := p.Send(netwire.PeerAddress{}, wire.NewMsgPing(1))
	require.Error(t, err)
	require.False(t, p.AddAddress(netwire.PeerAddress{}))
}

// TestP2PStopWhilePurging stops a network whose cache purger is ticking, so
// the purger must be gone before its ticker is stopped.
func TestP2PStopWhilePurging(t *testing.T) {
	t.Parallel()

	p := newTestNet(t, func(cfg *Config) {
		cfg.Cache = &msgstream.CacheConfig{}
		cfg.CachePurgeInterval = time.Millisecond
	})
	require.NoError(t, p.Start())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}
