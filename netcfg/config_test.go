package netcfg_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/download"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/netcfg"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
)

// TestDefaultsValid asserts that every default group passes validation, with
// the optional features both enabled and disabled.
func TestDefaultsValid(t *testing.T) {
	t.Parallel()

	cache := netcfg.DefaultCache()
	prom := netcfg.DefaultPrometheus()
	require.NoError(t, netcfg.Validate(
		netcfg.DefaultProtocol(), netcfg.DefaultPeers(),
		netcfg.DefaultPingPong(), netcfg.DefaultBlacklist(),
		netcfg.DefaultStream(), cache, netcfg.DefaultDiscovery(),
		netcfg.DefaultDownload(), prom,
	))

	cache.Enable = true
	prom.Enable = true
	require.NoError(t, netcfg.Validate(cache, prom))
}

// TestValidateGroups asserts that each group rejects insane settings.
func TestValidateGroups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   func() netcfg.Validator
		valid bool
	}{
		{
			name: "unknown network",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultProtocol()
				p.Network = "moonnet"
				return p
			},
		},
		{
			name: "min version above version",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultProtocol()
				p.MinVersion = p.Version + 1
				return p
			},
		},
		{
			name: "signet protocol",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultProtocol()
				p.Network = "signet"
				return p
			},
			valid: true,
		},
		{
			name: "zero max peers",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultPeers()
				p.MaxPeers = 0
				return p
			},
		},
		{
			name: "outbound above max peers",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultPeers()
				p.MaxPeers = 4
				p.TargetOutbound = 5
				return p
			},
		},
		{
			name: "zero dial timeout",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultPeers()
				p.DialTimeout = 0
				return p
			},
		},
		{
			name: "ping interval above response timeout",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultPingPong()
				p.CheckInterval = p.ResponseTimeout + time.Second
				return p
			},
		},
		{
			name: "zero blacklist threshold",
			cfg: func() netcfg.Validator {
				b := netcfg.DefaultBlacklist()
				b.FailedHandshakes = 0
				return b
			},
		},
		{
			name: "negative blacklist expiry",
			cfg: func() netcfg.Validator {
				b := netcfg.DefaultBlacklist()
				b.FailedHandshakeExpiry = -time.Second
				return b
			},
		},
		{
			name: "large threshold above max message",
			cfg: func() netcfg.Validator {
				s := netcfg.DefaultStream()
				s.LargeThreshold = s.MaxMessageSize + 1
				return s
			},
		},
		{
			name: "zero decode workers",
			cfg: func() netcfg.Validator {
				s := netcfg.DefaultStream()
				s.DecodeWorkers = 0
				return s
			},
		},
		{
			name: "disabled cache skips checks",
			cfg: func() netcfg.Validator {
				c := netcfg.DefaultCache()
				c.MaxBytes = 0
				return c
			},
			valid: true,
		},
		{
			name: "cache body above max bytes",
			cfg: func() netcfg.Validator {
				c := netcfg.DefaultCache()
				c.Enable = true
				c.MaxBodySize = c.MaxBytes + 1
				return c
			},
		},
		{
			name: "cache without commands",
			cfg: func() netcfg.Validator {
				c := netcfg.DefaultCache()
				c.Enable = true
				c.Commands = nil
				return c
			},
		},
		{
			name: "zero attempt rate",
			cfg: func() netcfg.Validator {
				d := netcfg.DefaultDiscovery()
				d.AttemptRate = 0
				return d
			},
		},
		{
			name: "disabled discovery skips checks",
			cfg: func() netcfg.Validator {
				d := netcfg.DefaultDiscovery()
				d.Disable = true
				d.PoolSize = 0
				return d
			},
			valid: true,
		},
		{
			name: "unknown announcer policy",
			cfg: func() netcfg.Validator {
				d := netcfg.DefaultDownload()
				d.NoAnnouncerPolicy = "maybe"
				return d
			},
		},
		{
			name: "idle timeout above timeout",
			cfg: func() netcfg.Validator {
				d := netcfg.DefaultDownload()
				d.IdleTimeout = d.Timeout + time.Second
				return d
			},
		},
		{
			name: "prometheus without port",
			cfg: func() netcfg.Validator {
				p := netcfg.DefaultPrometheus()
				p.Enable = true
				p.Listen = "localhost"
				return p
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			err := test.cfg().Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestProtocolNet asserts that the magic defaults to the one of the network
// and can be overridden.
func TestProtocolNet(t *testing.T) {
	t.Parallel()

	p := netcfg.DefaultProtocol()
	net, err := p.Net()
	require.NoError(t, err)
	require.Equal(t, wire.MainNet, net)

	p.Network = "testnet3"
	net, err = p.Net()
	require.NoError(t, err)
	require.Equal(t, wire.TestNet3, net)

	p.Magic = 0xdeadbeef
	net, err = p.Net()
	require.NoError(t, err)
	require.Equal(t, wire.BitcoinNet(0xdeadbeef), net)

	require.Equal(t, "testnet", netcfg.NormalizeNetwork("testnet3"))
	require.Equal(t, "regtest", netcfg.NormalizeNetwork("regtest"))
}

// TestBlacklistExpirations asserts that zero expiries are left out.
func TestBlacklistExpirations(t *testing.T) {
	t.Parallel()

	b := netcfg.DefaultBlacklist()
	expirations := b.Expirations()

	require.Equal(t, 10*time.Minute,
		expirations[events.BlacklistConnectionRejected])
	require.Equal(t, 24*time.Hour,
		expirations[events.BlacklistSerializationError])
	require.NotContains(t, expirations, events.BlacklistFailedHandshake)

	b.SerializationErrorExpiry = 0
	b.FailedHandshakeExpiry = time.Hour
	expirations = b.Expirations()
	require.NotContains(t, expirations, events.BlacklistSerializationError)
	require.Equal(t, time.Hour, expirations[events.BlacklistFailedHandshake])
}

// TestDownloadPolicies asserts that the policy names are parsed.
func TestDownloadPolicies(t *testing.T) {
	t.Parallel()

	d := netcfg.DefaultDownload()
	d.NotAvailablePolicy = "wait"

	notAvailable, noAnnouncer, err := d.Policies()
	require.NoError(t, err)
	require.Equal(t, download.PolicyWait, notAvailable)
	require.Equal(t, download.PolicyAssign, noAnnouncer)
}

// TestParsePeerAddress asserts the accepted address forms.
func TestParsePeerAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  netwire.PeerAddress
		err   bool
	}{
		{
			input: "192.0.2.1",
			want: netwire.NewPeerAddress(
				netip.MustParseAddr("192.0.2.1"), 8333,
			),
		},
		{
			input: "192.0.2.1:18333",
			want: netwire.NewPeerAddress(
				netip.MustParseAddr("192.0.2.1"), 18333,
			),
		},
		{
			input: "2001:db8::1",
			want: netwire.NewPeerAddress(
				netip.MustParseAddr("2001:db8::1"), 8333,
			),
		},
		{
			input: "[2001:db8::1]",
			want: netwire.NewPeerAddress(
				netip.MustParseAddr("2001:db8::1"), 8333,
			),
		},
		{
			input: "[2001:db8::1]:9000",
			want: netwire.NewPeerAddress(
				netip.MustParseAddr("2001:db8::1"), 9000,
			),
		},
		{
			input: "[::ffff:192.0.2.1]:9000",
			want: netwire.NewPeerAddress(
				netip.MustParseAddr("192.0.2.1"), 9000,
			),
		},
		{
			input: "seed.example.com",
			err:   true,
		},
		{
			input: "192.0.2.1:notaport",
			err:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			t.Parallel()

			addr, err := netcfg.ParsePeerAddress(test.input, 8333)
			if test.err {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want, addr)
		})
	}

	addrs, err := netcfg.ParsePeerAddresses(
		[]string{"192.0.2.1", "192.0.2.1:8333", "192.0.2.2"}, 8333,
	)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
}

// TestNormalizeAddresses asserts that listen addresses get the default port
// and that duplicates are removed.
func TestNormalizeAddresses(t *testing.T) {
	t.Parallel()

	addrs, err := netcfg.NormalizeAddresses([]string{
		"127.0.0.1", "127.0.0.1:8333", "9000", "[::1]", "",
	}, "8333")
	require.NoError(t, err)
	require.Equal(t, []string{
		"127.0.0.1:8333", "localhost:9000", "[::1]:8333", ":8333",
	}, addrs)
}
