package peerconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/netkit/btcp2p/buffer"
	"github.com/netkit/btcp2p/events"
	"github.com/netkit/btcp2p/msgstream"
	"github.com/netkit/btcp2p/netwire"
	"github.com/netkit/btcp2p/pool"
)

const (
	// DefaultProcessQueueSize is the default number of read chunks queued
	// ahead of the deserializer before reads are paused.
	DefaultProcessQueueSize = 16

	// DefaultWriteQueueSize is the default buffer of the outgoing queue.
	DefaultWriteQueueSize = 50

	// DefaultWriteTimeout is the default deadline of a single write.
	DefaultWriteTimeout = 30 * time.Second
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// Config holds the dependencies of a Conn.
type Config struct {
	// Addr is the address of the remote peer.
	Addr netwire.PeerAddress

	// Inbound is set when the remote peer opened the connection.
	Inbound bool

	// Stream is the deserializer template. Its Sink and RunStream are
	// set by the connection.
	Stream msgstream.Config

	// ReadBuffers provides the socket read buffers.
	ReadBuffers *pool.ReadBuffer

	// StreamWorkers runs the decoding of large messages. Optional.
	StreamWorkers *pool.Worker

	// ProcessQueueSize bounds the read chunks waiting for the
	// deserializer.
	ProcessQueueSize int

	// WriteQueueSize is the buffer of the outgoing queue.
	WriteQueueSize int

	// WriteTimeout is the deadline of a single write.
	WriteTimeout time.Duration

	// Bus receives the messages and stream failures of the connection.
	Bus *events.Bus

	// OnClose is called once, after every goroutine of the connection
	// exited.
	OnClose func(c *Conn, reason events.DisconnectReason, err error)
}

// readChunk is a socket read handed from the read to the process goroutine.
type readChunk struct {
	buf *buffer.Read
	n   int
	eof bool
}

// outgoingMsg is a frame waiting to be written.
type outgoingMsg struct {
	command string
	frame   []byte
	errChan chan error
}

// Conn is the byte stream of one peer. A read goroutine fills recycled
// buffers and hands them through a bounded queue to a process goroutine that
// runs the decode pipeline, so a peer sending faster than it can be decoded
// is throttled at the socket. A write goroutine drains the outgoing queue.
type Conn struct {
	cfg  Config
	conn net.Conn
	log  btclog.Logger

	deser    *msgstream.Deserializer
	sink     *frameSink
	incoming Transformer[[]byte, events.MsgReceivedEvent]
	outgoing Transformer[wire.Message, []byte]

	// largeMode mirrors whether the deserializer is streaming, so the
	// read goroutine can pick the buffer size.
	largeMode atomic.Bool

	protocolVersion atomic.Uint32

	chunks   chan readChunk
	outQueue *queue.ConcurrentQueue

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	connectedAt  time.Time

	started    atomic.Bool
	closeOnce  sync.Once
	reason     events.DisconnectReason
	closeErr   error
	disconnect chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// NewConn wraps conn. Start must be called to begin processing.
func NewConn(conn net.Conn, cfg Config) *Conn {
	if cfg.ProcessQueueSize <= 0 {
		cfg.ProcessQueueSize = DefaultProcessQueueSize
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = DefaultWriteQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadBuffers == nil {
		cfg.ReadBuffers = pool.NewReadBuffer(
			pool.DefaultReadBufferGCInterval,
			pool.DefaultReadBufferExpiryInterval,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		cfg:         cfg,
		conn:        conn,
		log:         log.WithPrefix(fmt.Sprintf("Peer(%v):", cfg.Addr)),
		connectedAt: time.Now(),
		disconnect:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
	}

	c.chunks = make(chan readChunk, cfg.ProcessQueueSize)
	c.outQueue = queue.NewConcurrentQueue(cfg.WriteQueueSize)

	c.sink = &frameSink{
		onPartial: c.handlePartial,
		onError:   c.handleStreamError,
	}

	streamCfg := cfg.Stream
	streamCfg.Sink = c.sink
	if cfg.StreamWorkers != nil {
		streamCfg.RunStream = cfg.StreamWorkers.Submit
	}
	c.deser = msgstream.NewDeserializer(streamCfg)

	c.incoming = Chain(
		Chain(Chunker(streamCfg.MaxChunkSize), DecodeStage(c.deser, c.sink)),
		EventStage(cfg.Addr),
	)
	c.outgoing = EncodeStage(cfg.Stream.Registry, c.encodeContext)

	return c
}

// Start launches the goroutines of the connection.
func (c *Conn) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	c.log.Debugf("Starting connection (inbound=%v)", c.cfg.Inbound)

	c.outQueue.Start()

	c.wg.Add(3)
	go c.readHandler()
	go c.processHandler()
	go c.writeHandler()

	go c.closeWatcher()

	return nil
}

// Addr returns the address of the remote peer.
func (c *Conn) Addr() netwire.PeerAddress {
	return c.cfg.Addr
}

// Inbound reports whether the remote peer opened the connection.
func (c *Conn) Inbound() bool {
	return c.cfg.Inbound
}

// String returns the address of the remote peer.
func (c *Conn) String() string {
	return c.cfg.Addr.String()
}

// BytesRead returns the number of bytes received.
func (c *Conn) BytesRead() uint64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the number of bytes sent.
func (c *Conn) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

// ConnectedAt returns the time the connection was created.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// SetProtocolVersion applies the version negotiated with the peer to both
// directions.
func (c *Conn) SetProtocolVersion(pver uint32) {
	c.protocolVersion.Store(pver)
	c.deser.SetProtocolVersion(pver)
}

// ProtocolVersion returns the version messages are encoded with.
func (c *Conn) ProtocolVersion() uint32 {
	if v := c.protocolVersion.Load(); v != 0 {
		return v
	}

	return c.deser.ProtocolVersion()
}

// encodeContext returns the context outgoing messages are encoded with.
func (c *Conn) encodeContext() netwire.EncodeContext {
	return netwire.EncodeContext{
		Net:             c.cfg.Stream.Net,
		ProtocolVersion: c.ProtocolVersion(),
		Encoding:        c.cfg.Stream.Encoding,
	}
}

// SendMessage encodes msg and queues it. When sync is set, it blocks until the
// frame was written.
func (c *Conn) SendMessage(sync bool, msg wire.Message) error {
	frames, err := c.outgoing.Transform(msg)
	if err != nil {
		return fmt.Errorf("unable to encode %s: %w", msg.Command(), err)
	}

	var errChan chan error
	if sync {
		errChan = make(chan error, 1)
	}

	for i, frame := range frames {
		out := outgoingMsg{command: msg.Command(), frame: frame}
		if i == len(frames)-1 {
			out.errChan = errChan
		}

		select {
		case c.outQueue.ChanIn() <- out:
		case <-c.quit:
			return ErrConnClosed
		}
	}

	if !sync {
		return nil
	}

	select {
	case err := <-errChan:
		return err
	case <-c.quit:
		return ErrConnClosed
	}
}

// Disconnect closes the connection. Only the first reason is kept.
func (c *Conn) Disconnect(reason events.DisconnectReason, err error) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.closeErr = err

		if err != nil {
			c.log.Debugf("Disconnecting (%v): %v", reason, err)
		} else {
			c.log.Debugf("Disconnecting (%v)", reason)
		}

		close(c.quit)
		c.cancel()

		// Unblock the read goroutine.
		_ = c.conn.Close()
	})
}

// WaitForDisconnect returns a channel closed once the connection fully
// terminated.
func (c *Conn) WaitForDisconnect() <-chan struct{} {
	return c.disconnect
}

// closeWatcher releases the connection once Disconnect was called and every
// goroutine exited, then reports the closure.
//
// NOTE: This method MUST be run as a goroutine.
func (c *Conn) closeWatcher() {
	<-c.quit
	c.wg.Wait()

	// The process goroutine is gone, so the deserializer can be closed
	// from here.
	if err := c.deser.Close(); err != nil && c.closeErr == nil {
		c.closeErr = err
	}
	c.outQueue.Stop()

	c.log.Debugf("Connection closed after %v, read=%d written=%d",
		time.Since(c.connectedAt), c.bytesRead.Load(),
		c.bytesWritten.Load())

	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c, c.reason, c.closeErr)
	}

	close(c.disconnect)
}

// readHandler reads from the socket into pooled buffers and queues them. A
// full queue blocks the reads.
//
// NOTE: This method MUST be run as a goroutine.
func (c *Conn) readHandler() {
	defer c.wg.Done()

	for {
		buf := c.cfg.ReadBuffers.Take(c.largeMode.Load())

		n, err := c.conn.Read(buf.Bytes())
		if n > 0 {
			c.bytesRead.Add(uint64(n))

			if !c.enqueueChunk(readChunk{buf: buf, n: n}) {
				c.cfg.ReadBuffers.Return(buf)
				return
			}
		} else {
			c.cfg.ReadBuffers.Return(buf)
		}

		if err == nil {
			continue
		}

		select {
		case <-c.quit:
			return
		default:
		}

		if !errors.Is(err, io.EOF) {
			c.log.Debugf("Read failed: %v", err)
		}

		// Let the process goroutine drain what was read before
		// reporting the remote close.
		c.enqueueChunk(readChunk{eof: true})

		return
	}
}

// enqueueChunk hands a chunk to the process goroutine, blocking while the
// queue is full. It returns false once the connection is shutting down.
func (c *Conn) enqueueChunk(chunk readChunk) bool {
	select {
	case c.chunks <- chunk:
		return true

	case <-c.ctx.Done():
		return false
	}
}

// processHandler runs the decode pipeline over the queued chunks in arrival
// order.
//
// NOTE: This method MUST be run as a goroutine.
func (c *Conn) processHandler() {
	defer c.wg.Done()

	for {
		var chunk readChunk
		select {
		case chunk = <-c.chunks:
		case <-c.ctx.Done():
			return
		}

		if chunk.eof {
			c.Disconnect(events.DisconnectRemoteClosed, nil)
			return
		}

		msgs, err := c.incoming.Transform(chunk.buf.Bytes()[:chunk.n])
		c.cfg.ReadBuffers.Return(chunk.buf)
		c.largeMode.Store(c.deser.Streaming())

		for _, msg := range msgs {
			c.log.Tracef("Received %v", msg.Header)
			c.cfg.Bus.MustPublish(msg)
		}

		// The stream failure was already reported by the sink.
		if err != nil {
			return
		}
	}
}

// writeHandler writes the queued frames.
//
// NOTE: This method MUST be run as a goroutine.
func (c *Conn) writeHandler() {
	defer c.wg.Done()

	for {
		select {
		case item := <-c.outQueue.ChanOut():
			out := item.(outgoingMsg)
			err := c.write(out)

			if out.errChan != nil {
				out.errChan <- err
			}

			if err != nil {
				c.Disconnect(events.DisconnectWriteFailed, err)
				return
			}

		case <-c.quit:
			return
		}
	}
}

// write writes one frame with the configured deadline.
func (c *Conn) write(out outgoingMsg) error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("unable to set write deadline: %w", err)
	}

	n, err := c.conn.Write(out.frame)
	c.bytesWritten.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("unable to write %s: %w", out.command, err)
	}

	c.log.Tracef("Sent %s (%d bytes)", out.command, n)

	c.cfg.Bus.MustPublish(events.MsgSentEvent{
		Peer:    c.cfg.Addr,
		Command: out.command,
		Bytes:   n,
	})

	return nil
}

// handlePartial publishes a piece of a streamed message.
func (c *Conn) handlePartial(h *netwire.HeaderMsg,
	partial netwire.PartialMessage) {

	c.cfg.Bus.MustPublish(events.PartialMsgReceivedEvent{
		Peer:    c.cfg.Addr,
		Header:  h,
		Partial: partial,
	})
}

// handleStreamError reports the corruption of the incoming stream and closes
// the connection.
func (c *Conn) handleStreamError(err error) {
	c.log.Warnf("Incoming stream corrupted: %v", err)

	c.cfg.Bus.MustPublish(events.PeerStreamCorruptedEvent{
		Peer: c.cfg.Addr,
		Err:  err,
	})

	c.Disconnect(events.DisconnectStreamCorrupted, err)
}

// Closed reports whether Disconnect was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// DisconnectReason returns the reason the connection was closed with, if it
// was.
func (c *Conn) DisconnectReason() fn.Option[events.DisconnectReason] {
	if !c.Closed() {
		return fn.None[events.DisconnectReason]()
	}

	return fn.Some(c.reason)
}
