package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
	"github.com/netkit/btcp2p/peerconn"
	"github.com/netkit/btcp2p/pool"
)

const (
	// DefaultMaxPeers is the default bound on the number of connections.
	DefaultMaxPeers = 125

	// DefaultTargetOutbound is the default number of outbound connections
	// the connection manager maintains.
	DefaultTargetOutbound = 8

	// DefaultRetryDuration is the default delay before a failed
	// connection request is retried.
	DefaultRetryDuration = 5 * time.Second

	// DefaultDialTimeout is the default deadline of an outbound dial.
	DefaultDialTimeout = 10 * time.Second
)

var (
	// ErrHostBlacklisted is returned when dialing a blacklisted host.
	ErrHostBlacklisted = errors.New("host is blacklisted")

	// ErrPeerNotConnected is returned when addressing an unknown peer.
	ErrPeerNotConnected = errors.New("peer not connected")
)

// ControllerConfig holds the dependencies and limits of the Controller.
type ControllerConfig struct {
	// Bus carries the connection lifecycle events and the requests
	// served by the controller.
	Bus *events.Bus

	// Stream is the deserializer template of every connection.
	Stream msgstream.Config

	// ReadBuffers is shared by every connection.
	ReadBuffers *pool.ReadBuffer

	// StreamWorkers runs the streaming decodes of every connection.
	StreamWorkers *pool.Worker

	// Listeners accept inbound connections. The controller takes their
	// ownership.
	Listeners []net.Listener

	// TargetOutbound is the number of outbound connections to maintain
	// through GetNewAddress.
	TargetOutbound uint32

	// MaxPeers bounds the number of connections, inbound and outbound.
	MaxPeers int

	// RetryDuration is the delay before a failed request is retried.
	RetryDuration time.Duration

	// DialTimeout is the deadline of an outbound dial.
	DialTimeout time.Duration

	// GetNewAddress returns the next outbound address. When nil, only the
	// permanent peers and the explicit requests are dialed.
	GetNewAddress func() (net.Addr, error)

	// Dial opens an outbound connection. Defaults to a TCP dial bounded
	// by DialTimeout.
	Dial func(net.Addr) (net.Conn, error)

	// IsBlacklisted reports whether a host must be refused.
	IsBlacklisted func(netip.Addr) bool

	// PermanentPeers are always reconnected when their connection drops.
	PermanentPeers []netwire.PeerAddress

	// ProcessQueueSize, WriteQueueSize and WriteTimeout are handed to
	// every connection.
	ProcessQueueSize int
	WriteQueueSize   int
	WriteTimeout     time.Duration
}

// peer is a connection known to the controller.
type peer struct {
	conn *peerconn.Conn

	// connReq is set for outbound connections.
	connReq *connmgr.ConnReq

	handshaked bool
	version    *wire.MsgVersion
}

// PeerInfo is a snapshot of a connected peer.
type PeerInfo struct {
	Addr            netwire.PeerAddress
	Inbound         bool
	ConnectedAt     time.Time
	BytesRead       uint64
	BytesWritten    uint64
	ProtocolVersion uint32
	Handshaked      bool
	UserAgent       string
	StartHeight     int32
}

// Controller owns the connections. It accepts and dials them through the
// connection manager, applies the admission rules and serves the send,
// broadcast, connect and disconnect requests published on the bus.
type Controller struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg ControllerConfig

	connMgr *connmgr.ConnManager

	mu    sync.RWMutex
	peers map[netwire.PeerAddress]*peer

	subs events.Subscriptions

	quit chan struct{}
}

// NewController creates a new Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.TargetOutbound == 0 {
		cfg.TargetOutbound = DefaultTargetOutbound
	}
	if cfg.TargetOutbound > uint32(cfg.MaxPeers) {
		cfg.TargetOutbound = uint32(cfg.MaxPeers)
	}
	if cfg.RetryDuration <= 0 {
		cfg.RetryDuration = DefaultRetryDuration
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		timeout := cfg.DialTimeout
		cfg.Dial = func(addr net.Addr) (net.Conn, error) {
			return net.DialTimeout(addr.Network(), addr.String(),
				timeout)
		}
	}
	if cfg.IsBlacklisted == nil {
		cfg.IsBlacklisted = func(netip.Addr) bool { return false }
	}
	if cfg.ReadBuffers == nil {
		cfg.ReadBuffers = pool.NewReadBuffer(
			pool.DefaultReadBufferGCInterval,
			pool.DefaultReadBufferExpiryInterval,
		)
	}

	c := &Controller{
		cfg:   cfg,
		peers: make(map[netwire.PeerAddress]*peer),
		quit:  make(chan struct{}),
	}

	connMgr, err := connmgr.New(&connmgr.Config{
		Listeners:      cfg.Listeners,
		OnAccept:       c.inboundPeerConnected,
		RetryDuration:  cfg.RetryDuration,
		TargetOutbound: cfg.TargetOutbound,
		Dial:           c.dial,
		OnConnection:   c.outboundPeerConnected,
		GetNewAddress:  cfg.GetNewAddress,
	})
	if err != nil {
		return nil, err
	}
	c.connMgr = connMgr

	return c, nil
}

// Name returns the name of the handler.
func (c *Controller) Name() string {
	return "controller"
}

// Start subscribes the controller to its requests, then starts listening
// and dialing.
func (c *Controller) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Network controller starting")

	bus := c.cfg.Bus
	c.subs.Add(events.Dispatch(bus, "controller", c.handleEvent))
	if err := c.subs.Err(); err != nil {
		c.subs.Cancel()
		return fmt.Errorf("unable to subscribe controller: %w", err)
	}

	c.connMgr.Start()

	for _, addr := range c.cfg.PermanentPeers {
		log.Debugf("Connecting to permanent peer %v", addr)

		go c.connMgr.Connect(&connmgr.ConnReq{
			Addr:      addr,
			Permanent: true,
		})
	}

	return nil
}

// Stop closes every connection and waits for them to terminate.
func (c *Controller) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Network controller shutting down...")
	defer log.Debug("Network controller shutdown complete")

	c.subs.Cancel()
	close(c.quit)
	c.connMgr.Stop()

	c.mu.RLock()
	conns := make([]*peerconn.Conn, 0, len(c.peers))
	for _, p := range c.peers {
		conns = append(conns, p.conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		conn.Disconnect(events.DisconnectShutdown, nil)
	}
	for _, conn := range conns {
		<-conn.WaitForDisconnect()
	}

	c.connMgr.Wait()

	return nil
}

// shuttingDown reports whether Stop was called.
func (c *Controller) shuttingDown() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// dial wraps the configured dialer, refusing blacklisted hosts and
// reporting the failures.
//
// NOTE: This is used as the connmgr.Config.Dial callback.
func (c *Controller) dial(addr net.Addr) (net.Conn, error) {
	peerAddr, err := netwire.PeerAddressFromNetAddr(addr)
	if err != nil {
		return nil, err
	}

	if c.cfg.IsBlacklisted(peerAddr.Host()) {
		c.cfg.Bus.MustPublish(events.PeerRejectedEvent{
			Peer:   peerAddr,
			Reason: events.RejectBlacklisted,
			Err:    ErrHostBlacklisted,
		})

		return nil, ErrHostBlacklisted
	}

	conn, err := c.cfg.Dial(addr)
	if err != nil {
		log.Debugf("Unable to dial %v: %v", peerAddr, err)

		c.cfg.Bus.MustPublish(events.PeerRejectedEvent{
			Peer:   peerAddr,
			Reason: events.RejectDialFailed,
			Err:    err,
		})

		return nil, err
	}

	return conn, nil
}

// admit applies the admission rules to a new connection. On success the
// wrapped connection is recorded before the lock is released, so concurrent
// admissions observe it when counting peers and looking for duplicates.
func (c *Controller) admit(addr netwire.PeerAddress, conn net.Conn,
	connReq *connmgr.ConnReq) (*peerconn.Conn, events.RejectReason, bool) {

	if c.cfg.IsBlacklisted(addr.Host()) {
		return nil, events.RejectBlacklisted, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.peers[addr]; ok {
		return nil, events.RejectDuplicate, false
	}
	if len(c.peers) >= c.cfg.MaxPeers {
		return nil, events.RejectMaxPeers, false
	}

	pc := c.newConn(addr, conn, connReq)
	c.peers[addr] = &peer{conn: pc, connReq: connReq}

	return pc, 0, true
}

// inboundPeerConnected admits a connection accepted by a listener.
//
// NOTE: This is used as the connmgr.Config.OnAccept callback.
func (c *Controller) inboundPeerConnected(conn net.Conn) {
	addr, err := netwire.PeerAddressFromNetAddr(conn.RemoteAddr())
	if err != nil {
		log.Warnf("Dropping inbound connection from %v: %v",
			conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	if c.shuttingDown() {
		_ = conn.Close()
		return
	}

	log.Debugf("New inbound connection from %v", addr)

	pc, reason, ok := c.admit(addr, conn, nil)
	if !ok {
		c.reject(addr, conn, reason)
		return
	}

	c.startPeer(pc)
}

// outboundPeerConnected admits a connection dialed by the connection
// manager.
//
// NOTE: This is used as the connmgr.Config.OnConnection callback.
func (c *Controller) outboundPeerConnected(connReq *connmgr.ConnReq,
	conn net.Conn) {

	addr, err := netwire.PeerAddressFromNetAddr(connReq.Addr)
	if err != nil {
		log.Warnf("Dropping outbound connection to %v: %v",
			connReq.Addr, err)
		c.connMgr.Remove(connReq.ID())
		return
	}

	if c.shuttingDown() {
		_ = conn.Close()
		return
	}

	log.Debugf("New outbound connection to %v", addr)

	pc, reason, ok := c.admit(addr, conn, connReq)
	if !ok {
		c.reject(addr, conn, reason)

		switch {
		// A permanent peer is retried later, unless blacklisted.
		case connReq.Permanent && reason != events.RejectBlacklisted:
			c.connMgr.Disconnect(connReq.ID())

		// Otherwise let the manager find another address to keep the
		// outbound target.
		default:
			c.connMgr.Remove(connReq.ID())
			go c.connMgr.NewConnReq()
		}

		return
	}

	c.startPeer(pc)
}

// reject closes a refused connection and reports it.
func (c *Controller) reject(addr netwire.PeerAddress, conn net.Conn,
	reason events.RejectReason) {

	log.Debugf("Rejecting connection with %v: %v", addr, reason)

	_ = conn.Close()

	c.cfg.Bus.MustPublish(events.PeerRejectedEvent{
		Peer:   addr,
		Reason: reason,
	})
}

// newConn wraps conn without starting it.
func (c *Controller) newConn(addr netwire.PeerAddress, conn net.Conn,
	connReq *connmgr.ConnReq) *peerconn.Conn {

	return peerconn.NewConn(conn, peerconn.Config{
		Addr:             addr,
		Inbound:          connReq == nil,
		Stream:           c.cfg.Stream,
		ReadBuffers:      c.cfg.ReadBuffers,
		StreamWorkers:    c.cfg.StreamWorkers,
		ProcessQueueSize: c.cfg.ProcessQueueSize,
		WriteQueueSize:   c.cfg.WriteQueueSize,
		WriteTimeout:     c.cfg.WriteTimeout,
		Bus:              c.cfg.Bus,
		OnClose: func(pc *peerconn.Conn, reason events.DisconnectReason,
			err error) {

			c.peerClosed(pc, connReq, reason, err)
		},
	})
}

// startPeer announces an admitted connection and starts it.
func (c *Controller) startPeer(pc *peerconn.Conn) {
	// Handlers learn about the peer before its first message can be
	// published.
	c.cfg.Bus.MustPublish(events.PeerConnectedEvent{
		Peer:    pc.Addr(),
		Inbound: pc.Inbound(),
	})

	if err := pc.Start(); err != nil {
		log.Errorf("Unable to start connection with %v: %v", pc.Addr(),
			err)
		pc.Disconnect(events.DisconnectRequested, err)
	}
}

// peerClosed forgets a terminated connection and lets the connection
// manager replace it.
func (c *Controller) peerClosed(pc *peerconn.Conn, connReq *connmgr.ConnReq,
	reason events.DisconnectReason, err error) {

	c.mu.Lock()
	if p, ok := c.peers[pc.Addr()]; ok && p.conn == pc {
		delete(c.peers, pc.Addr())
	}
	c.mu.Unlock()

	log.Infof("Peer %v disconnected: %v", pc.Addr(), reason)

	c.cfg.Bus.MustPublish(events.PeerDisconnectedEvent{
		Peer:   pc.Addr(),
		Reason: reason,
		Err:    err,
	})

	if connReq == nil || c.shuttingDown() {
		return
	}

	switch {
	// Permanent peers are retried with a backoff unless we dropped them
	// on purpose.
	case connReq.Permanent && reason != events.DisconnectRequested:
		c.connMgr.Disconnect(connReq.ID())

	default:
		c.connMgr.Remove(connReq.ID())
		go c.connMgr.NewConnReq()
	}
}

// peer returns the connection with addr.
func (c *Controller) peer(addr netwire.PeerAddress) (*peerconn.Conn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.peers[addr]
	if !ok {
		return nil, false
	}

	return p.conn, true
}

// Send queues msg to the peer.
func (c *Controller) Send(addr netwire.PeerAddress, msg wire.Message) error {
	conn, ok := c.peer(addr)
	if !ok {
		return fmt.Errorf("%w: %v", ErrPeerNotConnected, addr)
	}

	return conn.SendMessage(false, msg)
}

// Broadcast queues msg to every handshaked peer but the excluded ones. It
// returns the number of peers the message was queued to.
func (c *Controller) Broadcast(msg wire.Message,
	exclude ...netwire.PeerAddress) int {

	excluded := make(map[netwire.PeerAddress]struct{}, len(exclude))
	for _, addr := range exclude {
		excluded[addr] = struct{}{}
	}

	c.mu.RLock()
	targets := make([]*peerconn.Conn, 0, len(c.peers))
	for addr, p := range c.peers {
		if _, ok := excluded[addr]; ok || !p.handshaked {
			continue
		}
		targets = append(targets, p.conn)
	}
	c.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.SendMessage(false, msg); err != nil {
			log.Debugf("Unable to broadcast %s to %v: %v",
				msg.Command(), conn, err)
			continue
		}
		sent++
	}

	return sent
}

// Connect asks the connection manager to dial addr once.
func (c *Controller) Connect(addr netwire.PeerAddress) {
	if _, ok := c.peer(addr); ok {
		log.Debugf("Already connected to %v", addr)
		return
	}

	go c.connMgr.Connect(&connmgr.ConnReq{Addr: addr})
}

// Disconnect closes the connection with addr.
func (c *Controller) Disconnect(addr netwire.PeerAddress,
	reason events.DisconnectReason) error {

	conn, ok := c.peer(addr)
	if !ok {
		return fmt.Errorf("%w: %v", ErrPeerNotConnected, addr)
	}

	conn.Disconnect(reason, nil)

	return nil
}

// Peers returns a snapshot of every connection.
func (c *Controller) Peers() []PeerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(c.peers))
	for addr, p := range c.peers {
		info := PeerInfo{
			Addr:            addr,
			Inbound:         p.conn.Inbound(),
			ConnectedAt:     p.conn.ConnectedAt(),
			BytesRead:       p.conn.BytesRead(),
			BytesWritten:    p.conn.BytesWritten(),
			ProtocolVersion: p.conn.ProtocolVersion(),
			Handshaked:      p.handshaked,
		}
		if p.version != nil {
			info.UserAgent = p.version.UserAgent
			info.StartHeight = p.version.LastBlock
		}
		infos = append(infos, info)
	}

	return infos
}

// handleEvent dispatches the events and requests the controller serves.
func (c *Controller) handleEvent(event any) {
	switch e := event.(type) {
	case events.PeerHandshakedEvent:
		c.handlePeerHandshaked(e)

	case events.SendMsgRequest:
		c.handleSendMsg(e)

	case events.BroadcastMsgRequest:
		c.handleBroadcastMsg(e)

	case events.ConnectPeerRequest:
		c.handleConnectPeer(e)

	case events.DisconnectPeerRequest:
		c.handleDisconnectPeer(e)
	}
}

// handlePeerHandshaked applies the negotiated version to the connection and
// makes the peer eligible to broadcasts.
func (c *Controller) handlePeerHandshaked(e events.PeerHandshakedEvent) {
	c.mu.Lock()
	p, ok := c.peers[e.Peer]
	if ok {
		p.handshaked = true
		p.version = e.Version
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	p.conn.SetProtocolVersion(e.ProtocolVersion)
}

// handleSendMsg serves a SendMsgRequest.
func (c *Controller) handleSendMsg(r events.SendMsgRequest) {
	if err := c.Send(r.Peer, r.Msg); err != nil {
		log.Debugf("Unable to send %s: %v", r.Msg.Command(), err)
	}
}

// handleBroadcastMsg serves a BroadcastMsgRequest.
func (c *Controller) handleBroadcastMsg(r events.BroadcastMsgRequest) {
	n := c.Broadcast(r.Msg, r.Exclude...)
	log.Tracef("Broadcast %s to %d peers", r.Msg.Command(), n)
}

// handleConnectPeer serves a ConnectPeerRequest.
func (c *Controller) handleConnectPeer(r events.ConnectPeerRequest) {
	if c.shuttingDown() {
		return
	}

	c.Connect(r.Peer)
}

// handleDisconnectPeer serves a DisconnectPeerRequest.
func (c *Controller) handleDisconnectPeer(r events.DisconnectPeerRequest) {
	if err := c.Disconnect(r.Peer, r.Reason); err != nil {
		log.Debugf("Unable to disconnect: %v", err)
	}
}
