package download

import (
	"net/netip"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func peer(last byte) netwire.PeerAddress {
	return netwire.NewPeerAddress(
		netip.AddrFrom4([4]byte{10, 0, 0, last}), 8333,
	)
}

var (
	p1 = peer(1)
	p2 = peer(2)
	p3 = peer(3)

	testHash = chainhash.Hash{1, 2, 3}
)

func peers(addrs ...netwire.PeerAddress) []netwire.PeerAddress {
	return addrs
}

func requireAssigned(t *testing.T, resp fn.Option[Response]) {
	t.Helper()

	r := resp.UnwrapOrFail(t)
	require.True(t, r.Assigned, r.String())
}

func requireRejected(t *testing.T, resp fn.Option[Response],
	reason RejectReason) {

	t.Helper()

	r := resp.UnwrapOrFail(t)
	require.False(t, r.Assigned, r.String())
	require.Equal(t, reason, r.Reason)
}

// TestExclusivityWins checks that the exclusivity overrides any other rule,
// announcements included.
func TestExclusivityWins(t *testing.T) {
	t.Parallel()

	regs := NewRegistries()
	strategy := regs.NewStrategy(false, PolicyAssign, PolicyAssign)

	regs.Exclusive.Set(p1, testHash)
	regs.Priority.Add(p2, testHash)
	regs.Announcements.Announce(p2, testHash)

	resp := strategy.RequestDownload(
		Request{Peer: p2, Hash: testHash}, peers(p1, p2), nil,
	)
	requireRejected(t, resp, RejectOtherPeerWithExclusivity)

	// Even when the owner is busy.
	resp = strategy.RequestDownload(
		Request{Peer: p2, Hash: testHash}, peers(p2), peers(p1),
	)
	requireRejected(t, resp, RejectOtherPeerWithExclusivity)

	resp = strategy.RequestDownload(
		Request{Peer: p1, Hash: testHash}, peers(p1, p2), nil,
	)
	requireAssigned(t, resp)
}

// TestPriority checks that a priority peer only blocks the others while it
// is available.
func TestPriority(t *testing.T) {
	t.Parallel()

	regs := NewRegistries()
	strategy := regs.NewStrategy(false, PolicyAssign, PolicyAssign)
	regs.Priority.Add(p1, testHash)

	resp := strategy.RequestDownload(
		Request{Peer: p2, Hash: testHash}, peers(p1, p2), nil,
	)
	requireRejected(t, resp, RejectOtherPeerWithPriority)

	resp = strategy.RequestDownload(
		Request{Peer: p2, Hash: testHash}, peers(p2), peers(p1),
	)
	requireAssigned(t, resp)

	resp = strategy.RequestDownload(
		Request{Peer: p1, Hash: testHash}, peers(p1, p2), nil,
	)
	requireAssigned(t, resp)

	// The base strategy alone has no opinion once no priority peer is
	// available.
	base := &PriorityStrategy{
		Exclusive: regs.Exclusive,
		Priority:  regs.Priority,
	}
	resp = base.RequestDownload(
		Request{Peer: p2, Hash: testHash}, peers(p2), peers(p1),
	)
	require.True(t, resp.IsNone())
}

// TestAnnouncerStrategy checks the routing to the announcers and both
// policies.
func TestAnnouncerStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		announcers   []netwire.PeerAddress
		available    []netwire.PeerAddress
		notAvailable []netwire.PeerAddress
		notAvailPol  AnnouncerPolicy
		noAnnPol     AnnouncerPolicy
		assigned     bool
		reason       RejectReason
	}{
		{
			name:       "requester announced",
			announcers: peers(p1, p2),
			available:  peers(p1, p2),
			assigned:   true,
		},
		{
			name:       "other available announcer",
			announcers: peers(p2),
			available:  peers(p1, p2),
			reason:     RejectOtherPeerAnnouncer,
		},
		{
			name:         "busy announcer, assign",
			announcers:   peers(p2),
			available:    peers(p1),
			notAvailable: peers(p2),
			assigned:     true,
		},
		{
			name:         "busy announcer, wait",
			announcers:   peers(p2),
			available:    peers(p1),
			notAvailable: peers(p2),
			notAvailPol:  PolicyWait,
			reason:       RejectAnnouncerNotAvailableMustWait,
		},
		{
			name:      "no announcer, assign",
			available: peers(p1),
			assigned:  true,
		},
		{
			name:      "no announcer, wait",
			available: peers(p1),
			noAnnPol:  PolicyWait,
			reason:    RejectNoAnnouncerMustWait,
		},
		{
			name:        "disconnected announcer counts as none",
			announcers:  peers(p3),
			available:   peers(p1),
			notAvailPol: PolicyWait,
			assigned:    true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			regs := NewRegistries()
			for _, a := range test.announcers {
				regs.Announcements.Announce(a, testHash)
			}
			strategy := regs.NewStrategy(
				false, test.notAvailPol, test.noAnnPol,
			)

			resp := strategy.RequestDownload(
				Request{Peer: p1, Hash: testHash},
				test.available, test.notAvailable,
			)
			if test.assigned {
				requireAssigned(t, resp)
			} else {
				requireRejected(t, resp, test.reason)
			}
		})
	}
}

// TestIBDStrategy checks that the initial block download assigns everything
// not constrained by the application.
func TestIBDStrategy(t *testing.T) {
	t.Parallel()

	regs := NewRegistries()
	strategy := regs.NewStrategy(true, PolicyWait, PolicyWait)

	regs.Announcements.Announce(p2, testHash)
	resp := strategy.RequestDownload(
		Request{Peer: p1, Hash: testHash}, peers(p1, p2), nil,
	)
	requireAssigned(t, resp)

	regs.Exclusive.Set(p2, testHash)
	resp = strategy.RequestDownload(
		Request{Peer: p1, Hash: testHash}, peers(p1, p2), nil,
	)
	requireRejected(t, resp, RejectOtherPeerWithExclusivity)
}

// TestChainFirstDecisionWins checks the composition of strategies.
func TestChainFirstDecisionWins(t *testing.T) {
	t.Parallel()

	var calls []string
	none := StrategyFunc(func(Request, []netwire.PeerAddress,
		[]netwire.PeerAddress) fn.Option[Response] {

		calls = append(calls, "none")
		return fn.None[Response]()
	})
	rejecting := StrategyFunc(func(req Request, _ []netwire.PeerAddress,
		_ []netwire.PeerAddress) fn.Option[Response] {

		calls = append(calls, "reject")
		return reject(req, RejectNoAnnouncerMustWait)
	})
	assigning := StrategyFunc(func(req Request, _ []netwire.PeerAddress,
		_ []netwire.PeerAddress) fn.Option[Response] {

		calls = append(calls, "assign")
		return assign(req)
	})

	resp := Chain{none, rejecting, assigning}.RequestDownload(
		Request{Peer: p1, Hash: testHash}, nil, nil,
	)
	requireRejected(t, resp, RejectNoAnnouncerMustWait)
	require.Equal(t, []string{"none", "reject"}, calls)

	require.True(t, Chain{none}.RequestDownload(
		Request{Peer: p1, Hash: testHash}, nil, nil,
	).IsNone())
}

// TestStrategyPrecedenceProperty checks the precedence rules over random
// peer sets.
func TestStrategyPrecedenceProperty(t *testing.T) {
	t.Parallel()

	all := peers(p1, p2, p3, peer(4), peer(5))

	rapid.Check(t, func(t *rapid.T) {
		regs := NewRegistries()
		strategy := regs.NewStrategy(
			rapid.Bool().Draw(t, "ibd"),
			AnnouncerPolicy(rapid.IntRange(0, 1).Draw(t, "na")),
			AnnouncerPolicy(rapid.IntRange(0, 1).Draw(t, "noann")),
		)

		var available, notAvailable []netwire.PeerAddress
		for i, p := range all {
			switch rapid.IntRange(0, 2).Draw(t, "state") {
			case 0:
				available = append(available, p)
			case 1:
				notAvailable = append(notAvailable, p)
			}
			if rapid.Bool().Draw(t, "announced") {
				regs.Announcements.Announce(all[i], testHash)
			}
		}
		requester := rapid.SampledFrom(all).Draw(t, "requester")

		owner := rapid.SampledFrom(all).Draw(t, "owner")
		exclusive := rapid.Bool().Draw(t, "exclusive")
		if exclusive {
			regs.Exclusive.Set(owner, testHash)
		} else {
			regs.Priority.Add(owner, testHash)
		}

		resp := strategy.RequestDownload(
			Request{Peer: requester, Hash: testHash},
			available, notAvailable,
		).UnwrapOr(Response{Assigned: true})

		switch {
		case exclusive:
			require.Equal(t, requester == owner, resp.Assigned)
			if requester != owner {
				require.Equal(t, RejectOtherPeerWithExclusivity,
					resp.Reason)
			}

		case requester == owner:
			require.True(t, resp.Assigned)

		case containsPeer(available, owner):
			require.False(t, resp.Assigned)
			require.Equal(t, RejectOtherPeerWithPriority,
				resp.Reason)

		default:
			require.NotEqual(t, RejectOtherPeerWithPriority,
				resp.Reason)
		}
	})
}

func containsPeer(list []netwire.PeerAddress, p netwire.PeerAddress) bool {
	for _, a := range list {
		if a == p {
			return true
		}
	}

	return false
}

// TestRegistriesForget checks that the registries are cleaned up.
func TestRegistriesForget(t *testing.T) {
	t.Parallel()

	regs := NewRegistries()
	other := chainhash.Hash{9}

	regs.Exclusive.Set(p1, testHash)
	regs.Priority.Add(p1, testHash, other)
	regs.Announcements.Announce(p1, testHash, other)
	regs.Announcements.Announce(p2, testHash)

	regs.Forget(testHash)
	require.Zero(t, regs.Exclusive.Len())
	require.Equal(t, 1, regs.Priority.Len())
	require.Equal(t, 1, regs.Announcements.Len())
	require.False(t, regs.Announcements.Announced(p2, testHash))
	require.True(t, regs.Announcements.Announced(p1, other))

	regs.Announcements.RemovePeer(p1)
	require.Zero(t, regs.Announcements.Len())
}
