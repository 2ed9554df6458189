package download

import (
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/netkit/btcp2p/netwire"
)

// RejectReason explains why a peer was not assigned a block.
type RejectReason uint8

const (
	// RejectOtherPeerWithExclusivity is returned when another peer holds
	// the exclusivity of the block.
	RejectOtherPeerWithExclusivity RejectReason = iota + 1

	// RejectOtherPeerWithPriority is returned when a priority peer of the
	// block is available.
	RejectOtherPeerWithPriority

	// RejectOtherPeerAnnouncer is returned when another available peer
	// announced the block.
	RejectOtherPeerAnnouncer

	// RejectNoAnnouncerMustWait is returned when nobody announced the
	// block and the policy is to wait for an announcement.
	RejectNoAnnouncerMustWait

	// RejectAnnouncerNotAvailableMustWait is returned when only busy peers
	// announced the block and the policy is to wait for them.
	RejectAnnouncerNotAvailableMustWait
)

// String returns the name of the reason.
func (r RejectReason) String() string {
	switch r {
	case RejectOtherPeerWithExclusivity:
		return "OtherPeerWithExclusivity"
	case RejectOtherPeerWithPriority:
		return "OtherPeerWithPriority"
	case RejectOtherPeerAnnouncer:
		return "OtherPeerAnnouncer"
	case RejectNoAnnouncerMustWait:
		return "NoAnnouncerMustWait"
	case RejectAnnouncerNotAvailableMustWait:
		return "AnnouncerNotAvailableMustWait"
	default:
		return fmt.Sprintf("RejectReason(%d)", uint8(r))
	}
}

// Request asks whether Peer may download the block Hash.
type Request struct {
	Peer netwire.PeerAddress
	Hash chainhash.Hash
}

// String returns a short description of the request for logging.
func (r Request) String() string {
	return fmt.Sprintf("%v from %v", r.Hash, r.Peer)
}

// Response is the decision taken for a Request.
type Response struct {
	Request Request

	// Assigned is set when the peer may download the block. Otherwise
	// Reason tells why it was rejected.
	Assigned bool
	Reason   RejectReason
}

// String returns a short description of the decision for logging.
func (r Response) String() string {
	if r.Assigned {
		return fmt.Sprintf("%v: assigned", r.Request)
	}

	return fmt.Sprintf("%v: rejected (%v)", r.Request, r.Reason)
}

// assign returns the decision assigning req.
func assign(req Request) fn.Option[Response] {
	return fn.Some(Response{Request: req, Assigned: true})
}

// reject returns the decision rejecting req for reason.
func reject(req Request, reason RejectReason) fn.Option[Response] {
	return fn.Some(Response{Request: req, Reason: reason})
}

// Strategy decides which peer downloads a block.
type Strategy interface {
	// RequestDownload returns the decision for req, given the peers
	// currently able to download and the busy ones. None means the
	// strategy has no opinion.
	RequestDownload(req Request, available,
		notAvailable []netwire.PeerAddress) fn.Option[Response]
}

// StrategyFunc is a function implementing Strategy.
type StrategyFunc func(req Request, available,
	notAvailable []netwire.PeerAddress) fn.Option[Response]

// RequestDownload calls f.
func (f StrategyFunc) RequestDownload(req Request, available,
	notAvailable []netwire.PeerAddress) fn.Option[Response] {

	return f(req, available, notAvailable)
}

// Chain evaluates strategies front to back. The first decision wins.
type Chain []Strategy

// RequestDownload returns the first decision of the chain.
//
// NOTE: This is part of the Strategy interface.
func (c Chain) RequestDownload(req Request, available,
	notAvailable []netwire.PeerAddress) fn.Option[Response] {

	for _, s := range c {
		resp := s.RequestDownload(req, available, notAvailable)
		if resp.IsSome() {
			return resp
		}
	}

	return fn.None[Response]()
}

// PriorityStrategy enforces the exclusivity and priority set by the
// application. Exclusivity is absolute. Priority only rejects a peer while a
// priority peer is available.
type PriorityStrategy struct {
	Exclusive *ExclusivityRegistry
	Priority  *PriorityRegistry
}

// RequestDownload applies the exclusivity then the priority of the block.
//
// NOTE: This is part of the Strategy interface.
func (s *PriorityStrategy) RequestDownload(req Request, available,
	_ []netwire.PeerAddress) fn.Option[Response] {

	if owner, ok := s.Exclusive.Get(req.Hash); ok {
		if owner == req.Peer {
			return assign(req)
		}

		return reject(req, RejectOtherPeerWithExclusivity)
	}

	peers := s.Priority.Get(req.Hash)
	if len(peers) == 0 {
		return fn.None[Response]()
	}
	if slices.Contains(peers, req.Peer) {
		return assign(req)
	}

	for _, peer := range peers {
		if slices.Contains(available, peer) {
			return reject(req, RejectOtherPeerWithPriority)
		}
	}

	// No priority peer can take it right now, no opinion.
	return fn.None[Response]()
}

// AnnouncerPolicy tells what to do when the block cannot be routed to a peer
// that announced it.
type AnnouncerPolicy uint8

const (
	// PolicyAssign assigns the block to the requesting peer anyway.
	PolicyAssign AnnouncerPolicy = iota

	// PolicyWait rejects the request, waiting for an announcer.
	PolicyWait
)

// String returns the name of the policy.
func (p AnnouncerPolicy) String() string {
	switch p {
	case PolicyAssign:
		return "assign"
	case PolicyWait:
		return "wait"
	default:
		return fmt.Sprintf("AnnouncerPolicy(%d)", uint8(p))
	}
}

// ParseAnnouncerPolicy parses the name of a policy.
func ParseAnnouncerPolicy(s string) (AnnouncerPolicy, error) {
	switch s {
	case "assign":
		return PolicyAssign, nil
	case "wait":
		return PolicyWait, nil
	default:
		return 0, fmt.Errorf("unknown announcer policy %q", s)
	}
}

// AnnouncerStrategy routes blocks to the peers that announced them. It
// defers to Base first.
type AnnouncerStrategy struct {
	Base          Strategy
	Announcements *AnnouncementRegistry

	// NotAvailable applies when only busy peers announced the block.
	NotAvailable AnnouncerPolicy

	// NoAnnouncer applies when nobody announced the block.
	NoAnnouncer AnnouncerPolicy
}

// RequestDownload prefers the peers that announced the block.
//
// NOTE: This is part of the Strategy interface.
func (s *AnnouncerStrategy) RequestDownload(req Request, available,
	notAvailable []netwire.PeerAddress) fn.Option[Response] {

	if s.Base != nil {
		resp := s.Base.RequestDownload(req, available, notAvailable)
		if resp.IsSome() {
			return resp
		}
	}

	announcers := s.Announcements.Announcers(req.Hash)
	if slices.Contains(announcers, req.Peer) {
		return assign(req)
	}

	busyAnnouncer := false
	for _, peer := range announcers {
		if slices.Contains(available, peer) {
			return reject(req, RejectOtherPeerAnnouncer)
		}
		if slices.Contains(notAvailable, peer) {
			busyAnnouncer = true
		}
	}

	if busyAnnouncer {
		if s.NotAvailable == PolicyWait {
			return reject(req, RejectAnnouncerNotAvailableMustWait)
		}

		return assign(req)
	}

	if s.NoAnnouncer == PolicyWait {
		return reject(req, RejectNoAnnouncerMustWait)
	}

	return assign(req)
}

// IBDStrategy is used during the initial block download: once the base had no
// opinion, the block is always assigned so that blocks are downloaded in
// order without contention.
type IBDStrategy struct {
	Base Strategy
}

// RequestDownload defers to Base and assigns otherwise.
//
// NOTE: This is part of the Strategy interface.
func (s *IBDStrategy) RequestDownload(req Request, available,
	notAvailable []netwire.PeerAddress) fn.Option[Response] {

	if s.Base != nil {
		resp := s.Base.RequestDownload(req, available, notAvailable)
		if resp.IsSome() {
			return resp
		}
	}

	return assign(req)
}

// A compile time check to ensure the strategies implement the Strategy
// interface.
var (
	_ Strategy = Chain(nil)
	_ Strategy = StrategyFunc(nil)
	_ Strategy = (*PriorityStrategy)(nil)
	_ Strategy = (*AnnouncerStrategy)(nil)
	_ Strategy = (*IBDStrategy)(nil)
)
