package discovery

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/miekg/dns"
	"github.com/netkit/btcp2p/eventbus"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var testStart = time.Unix(1_700_000_000, 0)

func addr(s string) netwire.PeerAddress {
	ap := netip.MustParseAddrPort(s)
	return netwire.NewPeerAddress(ap.Addr(), ap.Port())
}

// TestParseSeeds checks the seed file format.
func TestParseSeeds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		want    []netwire.PeerAddress
		wantErr bool
	}{
		{
			name: "ip and port",
			data: "10.0.0.1,18333\n2001:db8::1,8334\n",
			want: []netwire.PeerAddress{
				addr("10.0.0.1:18333"),
				addr("[2001:db8::1]:8334"),
			},
		},
		{
			name: "default port and comments",
			data: "# seeds\n10.0.0.2\n\n10.0.0.3, \n",
			want: []netwire.PeerAddress{
				addr("10.0.0.2:8333"),
				addr("10.0.0.3:8333"),
			},
		},
		{
			name:    "bad ip",
			data:    "10.0.0,8333\n",
			wantErr: true,
		},
		{
			name:    "bad port",
			data:    "10.0.0.1,99999\n",
			wantErr: true,
		},
		{
			name:    "too many fields",
			data:    "10.0.0.1,8333,extra\n",
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			addrs, err := ParseSeeds(strings.NewReader(test.data), 8333)
			if test.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want, addrs)
		})
	}
}

// failingBootstrapper always fails.
type failingBootstrapper struct{}

func (failingBootstrapper) SampleAddrs(context.Context, uint32,
	map[netwire.PeerAddress]struct{}) ([]netwire.PeerAddress, error) {

	return nil, os.ErrNotExist
}

func (failingBootstrapper) Name() string {
	return "failing"
}

// TestMultiSourceBootstrap checks that sources are queried in order until
// enough addresses are found.
func TestMultiSourceBootstrap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	seedFile := filepath.Join(dir, "seeds.csv")
	require.NoError(t, os.WriteFile(
		seedFile, []byte("10.0.0.3\n10.0.0.4,1234\n"), 0600,
	))

	static := NewStaticBootstrapper([]netwire.PeerAddress{
		addr("10.0.0.1:8333"), addr("10.0.0.2:8333"),
	})
	file := NewSeedFileBootstrapper(seedFile, 8333)

	ignore := map[netwire.PeerAddress]struct{}{
		addr("10.0.0.2:8333"): {},
	}

	addrs := MultiSourceBootstrap(
		context.Background(), ignore, 3,
		failingBootstrapper{}, static, file,
	)
	require.Equal(t, []netwire.PeerAddress{
		addr("10.0.0.1:8333"),
		addr("10.0.0.3:8333"),
		addr("10.0.0.4:1234"),
	}, addrs)

	// Enough addresses from the first source, the others are not used.
	addrs = MultiSourceBootstrap(context.Background(), nil, 1, static, file)
	require.Equal(t, []netwire.PeerAddress{addr("10.0.0.1:8333")}, addrs)
}

// startDNSServer serves the given A and AAAA records on a local UDP port and
// returns its address.
func startDNSServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)

		question := r.Question[0]
		ips, ok := records[question.Name]
		if !ok {
			msg.Rcode = dns.RcodeNameError
			_ = w.WriteMsg(msg)
			return
		}

		for _, s := range ips {
			ip := net.ParseIP(s)
			hdr := dns.RR_Header{
				Name:   question.Name,
				Rrtype: question.Qtype,
				Class:  dns.ClassINET,
				Ttl:    60,
			}

			switch {
			case question.Qtype == dns.TypeA && ip.To4() != nil:
				msg.Answer = append(msg.Answer, &dns.A{
					Hdr: hdr, A: ip,
				})

			case question.Qtype == dns.TypeAAAA && ip.To4() == nil:
				msg.Answer = append(msg.Answer, &dns.AAAA{
					Hdr: hdr, AAAA: ip,
				})
			}
		}

		_ = w.WriteMsg(msg)
	}

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		Handler:           dns.HandlerFunc(handler),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		_ = server.ActivateAndServe()
	}()
	<-started

	t.Cleanup(func() {
		_ = server.Shutdown()
	})

	return pc.LocalAddr().String()
}

// TestDNSSeedBootstrapper checks the resolution of the seeds.
func TestDNSSeedBootstrapper(t *testing.T) {
	t.Parallel()

	server := startDNSServer(t, map[string][]string{
		"seed.example.org.": {"10.1.0.1", "10.1.0.2", "2001:db8::7"},
	})

	d, err := NewDNSSeedBootstrapper(
		[]string{"missing.example.org", "seed.example.org"}, server,
		8333, time.Second,
	)
	require.NoError(t, err)

	ignore := map[netwire.PeerAddress]struct{}{
		addr("10.1.0.2:8333"): {},
	}
	addrs, err := d.SampleAddrs(context.Background(), 10, ignore)
	require.NoError(t, err)
	require.Equal(t, []netwire.PeerAddress{
		addr("10.1.0.1:8333"),
		addr("[2001:db8::7]:8333"),
	}, addrs)

	addrs, err = d.SampleAddrs(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	// Every seed failing is an error.
	d, err = NewDNSSeedBootstrapper(
		[]string{"missing.example.org"}, server, 8333, time.Second,
	)
	require.NoError(t, err)
	_, err = d.SampleAddrs(context.Background(), 10, nil)
	require.Error(t, err)
}

// TestAddressPool checks the bounded pool and its sampling.
func TestAddressPool(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testStart)
	pool := NewAddressPool(3, clk)

	require.True(t, pool.Add(addr("10.0.0.1:8333"), 0, "test"))
	require.False(t, pool.Add(addr("10.0.0.1:8333"), 0, "test"))
	require.False(t, pool.Add(netwire.PeerAddress{}, 0, "test"))
	require.True(t, pool.Add(addr("10.0.0.2:8333"), 0, "test"))
	require.True(t, pool.Add(addr("10.0.0.3:8333"), 0, "test"))
	require.True(t, pool.Add(addr("10.0.0.4:8333"), 0, "test"))
	require.Equal(t, 3, pool.Len())
	require.False(t, pool.Contains(addr("10.0.0.1:8333")))

	sampled := pool.Sample(10, nil)
	require.Len(t, sampled, 3)
	seen := make(map[string]struct{})
	for _, na := range sampled {
		seen[na.IP.String()] = struct{}{}
	}
	require.Len(t, seen, 3)

	sampled = pool.Sample(10, func(a netwire.PeerAddress, _ time.Time) bool {
		return a != addr("10.0.0.3:8333")
	})
	require.Len(t, sampled, 1)
	require.Equal(t, "10.0.0.3", sampled[0].IP.String())

	require.Equal(t, uint32(1), pool.Attempted(addr("10.0.0.3:8333")))
	require.Equal(t, uint32(2), pool.Attempted(addr("10.0.0.3:8333")))
	pool.Good(addr("10.0.0.3:8333"))
	require.Equal(t, uint32(1), pool.Attempted(addr("10.0.0.3:8333")))

	pool.Remove(addr("10.0.0.3:8333"))
	require.Equal(t, 2, pool.Len())
}

type discHarness struct {
	handler *Handler
	bus     *events.Bus
	clock   *clock.TestClock

	mu   sync.Mutex
	sent []events.SendMsgRequest
}

func newDiscHarness(t *testing.T, modify func(*Config)) *discHarness {
	t.Helper()

	bus := eventbus.New(eventbus.Config{Synchronous: true})
	require.NoError(t, bus.Start())

	h := &discHarness{
		bus:   bus,
		clock: clock.NewTestClock(testStart),
	}

	_, err := events.Handle(bus, "sent", func(r events.SendMsgRequest) {
		h.mu.Lock()
		h.sent = append(h.sent, r)
		h.mu.Unlock()
	})
	require.NoError(t, err)

	cfg := Config{
		Bus:         bus,
		Clock:       h.clock,
		AttemptRate: rate.Inf,
	}
	if modify != nil {
		modify(&cfg)
	}
	h.handler = New(cfg)
	require.NoError(t, h.handler.Start())

	t.Cleanup(func() {
		require.NoError(t, h.handler.Stop())
		require.NoError(t, bus.Stop())
	})

	return h
}

func (h *discHarness) publish(t *testing.T, event any) {
	t.Helper()

	require.NoError(t, h.bus.Publish(event))
}

// TestGetNewAddress checks which addresses are handed out.
func TestGetNewAddress(t *testing.T) {
	t.Parallel()

	h := newDiscHarness(t, nil)
	a, b := addr("10.0.0.1:8333"), addr("10.0.0.2:8333")

	_, err := h.handler.GetNewAddress()
	require.ErrorIs(t, err, ErrNoAddress)

	h.handler.AddAddress(a)
	h.handler.AddAddress(b)
	h.publish(t, events.PeerConnectedEvent{Peer: a})

	got, err := h.handler.GetNewAddress()
	require.NoError(t, err)
	require.Equal(t, b, got)

	// Recently tried.
	_, err = h.handler.GetNewAddress()
	require.ErrorIs(t, err, ErrNoAddress)

	h.clock.SetTime(testStart.Add(DefaultRetryInterval + time.Second))
	got, err = h.handler.GetNewAddress()
	require.NoError(t, err)
	require.Equal(t, b, got)

	h.clock.SetTime(testStart.Add(2 * (DefaultRetryInterval + time.Second)))
	h.publish(t, events.HostsBlacklistedEvent{
		Hosts: map[netip.Addr]events.BlacklistReason{
			b.Host(): events.BlacklistClient,
		},
	})
	_, err = h.handler.GetNewAddress()
	require.ErrorIs(t, err, ErrNoAddress)

	h.publish(t, events.HostsWhitelistedEvent{
		Hosts: []netip.Addr{b.Host()},
	})
	h.publish(t, events.PeerDisconnectedEvent{Peer: a})

	got, err = h.handler.GetNewAddress()
	require.NoError(t, err)
	require.Contains(t, []net.Addr{a, b}, got)
}

// TestGetNewAddressRateLimited checks the attempt rate.
func TestGetNewAddressRateLimited(t *testing.T) {
	t.Parallel()

	h := newDiscHarness(t, func(cfg *Config) {
		cfg.AttemptRate = rate.Every(time.Hour)
	})
	h.handler.AddAddress(addr("10.0.0.1:8333"))
	h.handler.AddAddress(addr("10.0.0.2:8333"))

	_, err := h.handler.GetNewAddress()
	require.NoError(t, err)

	_, err = h.handler.GetNewAddress()
	require.ErrorIs(t, err, ErrRateLimited)
}

// TestForgetFailingAddress checks that an address failing to dial too often
// is removed.
func TestForgetFailingAddress(t *testing.T) {
	t.Parallel()

	h := newDiscHarness(t, func(cfg *Config) {
		cfg.MaxAttempts = 2
	})
	a := addr("10.0.0.1:8333")
	h.handler.AddAddress(a)

	h.publish(t, events.PeerRejectedEvent{
		Peer: a, Reason: events.RejectDialFailed,
	})
	require.Equal(t, 1, h.handler.KnownAddresses())

	h.publish(t, events.PeerRejectedEvent{
		Peer: a, Reason: events.RejectMaxPeers,
	})
	require.Equal(t, 1, h.handler.KnownAddresses())

	h.publish(t, events.PeerRejectedEvent{
		Peer: a, Reason: events.RejectDialFailed,
	})
	require.Zero(t, h.handler.KnownAddresses())
}

// TestAddrExchange checks getaddr after handshake and the addr handling.
func TestAddrExchange(t *testing.T) {
	t.Parallel()

	h := newDiscHarness(t, nil)
	peer := addr("10.0.0.9:8333")

	h.publish(t, events.PeerHandshakedEvent{Peer: peer})
	require.Len(t, h.sent, 1)
	require.Equal(t, peer, h.sent[0].Peer)
	require.IsType(t, &wire.MsgGetAddr{}, h.sent[0].Msg)

	msg := wire.NewMsgAddr()
	require.NoError(t, msg.AddAddresses(
		wire.NewNetAddressIPPort(net.ParseIP("10.0.0.1"), 8333, 1),
		wire.NewNetAddressIPPort(net.ParseIP("10.0.0.2"), 18333, 1),
		wire.NewNetAddressIPPort(net.ParseIP("10.0.0.3"), 0, 1),
	))
	h.publish(t, events.MsgReceivedEvent{Peer: peer, Msg: msg})
	require.Equal(t, 2, h.handler.KnownAddresses())

	other := addr("10.0.0.8:8333")
	h.publish(t, events.MsgReceivedEvent{
		Peer: other, Msg: wire.NewMsgGetAddr(),
	})
	require.Len(t, h.sent, 2)
	require.Equal(t, other, h.sent[1].Peer)

	reply, ok := h.sent[1].Msg.(*wire.MsgAddr)
	require.True(t, ok)
	require.Len(t, reply.AddrList, 2)
	for _, na := range reply.AddrList {
		require.Equal(t, wire.SFNodeNetwork, na.Services)
	}
}
