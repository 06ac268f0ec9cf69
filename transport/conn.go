// Package transport implements the connection multiplexer and the four
// interaction models on top of it.
//
// A Connection carries many logical streams over one byte stream. Three
// goroutines serve it:
//
//	reader ──frames──→ dispatch loop ──frames──→ writer
//	                      ▲     │
//	   callers ──exec(fn)─┘     └──signals──→ Flux / Sender / handlers
//
// The dispatch loop is the only goroutine that touches the stream registry,
// the flow controller and the reassembler, so none of them need locks. Callers
// reach that state by submitting closures with exec. The loop never blocks on
// I/O: outbound frames go through an unbounded queue drained by the writer,
// and inbound items are buffered by the stream's sink.
package transport

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/flowcontrol"
	"mini-rsocket/message"
	"mini-rsocket/metrics"
	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// Connection is one established, multiplexed protocol connection. All of its
// methods are safe for concurrent use.
type Connection struct {
	id    string
	rwc   io.ReadWriteCloser
	cfg   Config
	log   *zap.Logger
	side  registry.Side
	setup protocol.Setup // negotiated during the handshake

	// Owned by the dispatch loop.
	streams *registry.Registry
	flow    *flowcontrol.Controller
	frags   *protocol.Reassembler
	running int             // responder handlers not yet finished
	idle    []chan struct{} // closed when running drops to zero

	decoder *protocol.Decoder // owned by the reader
	out     *outbound

	inbound chan inboundEvent
	ops     chan func()

	// ctx parents every responder handler and is cancelled on close.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
	err       error // set before done is closed

	lastRecv atomic.Int64 // unix nanos of the last inbound read
}

type inboundEvent struct {
	frame *protocol.Frame
	err   error // recoverable decode failure
	fatal error // the reader stopped
}

func newConnection(rwc io.ReadWriteCloser, cfg Config, side registry.Side, setup protocol.Setup, dec *protocol.Decoder) *Connection {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       id,
		rwc:      rwc,
		cfg:      cfg,
		log:      cfg.Logger.Named("conn").With(zap.String("conn", id)),
		side:     side,
		setup:    setup,
		streams:  registry.New(side, cfg.ClosedStreamCache),
		flow:     flowcontrol.New(cfg.LowWaterDivisor),
		frags:    protocol.NewReassembler(cfg.MaxFrameSize),
		decoder:  dec,
		out:      newOutbound(),
		inbound:  make(chan inboundEvent, 64),
		ops:      make(chan func()),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.ctx = context.WithValue(ctx, connKey{}, c)
	c.lastRecv.Store(time.Now().UnixNano())
	return c
}

type connKey struct{}

// ConnectionFrom returns the connection a responder handler is serving.
func ConnectionFrom(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connKey{}).(*Connection)
	return c, ok
}

func (c *Connection) start() {
	metrics.Connections.Inc()
	go c.loop()
	go c.recvLoop()
	go c.writeLoop()
	if c.setup.KeepAlive > 0 || c.setup.MaxLifetime > 0 {
		go c.keepAliveLoop()
	}
	c.log.Debug("connection established",
		zap.Duration("keepalive", c.setup.KeepAlive),
		zap.Duration("max_lifetime", c.setup.MaxLifetime),
		zap.Uint32("initial_credit", c.setup.InitialCredit))
}

// ID returns the random identifier used in logs.
func (c *Connection) ID() string { return c.id }

// Setup returns the parameters negotiated during the handshake.
func (c *Connection) Setup() protocol.Setup { return c.setup }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection is closed.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends CONNECTION_CLOSE to the peer and closes the connection. Every
// stream still open fails with ErrConnectionClosed.
func (c *Connection) Close() error {
	if c.Closed() {
		return nil
	}
	written := make(chan error, 1)
	c.send(protocol.ErrorFrame(0, protocol.CodeConnectionClose, "closed by peer"), written)
	select {
	case <-written:
	case <-c.done:
	case <-time.After(time.Second):
	}
	c.close(protocol.ErrConnectionClosed)
	<-c.loopDone
	return nil
}

// close tears the connection down with cause. Only the first call has an effect.
func (c *Connection) close(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.done)
		c.cancel()
		c.out.close(cause)
		_ = c.rwc.Close()
		metrics.Connections.Dec()
		if errors.Is(cause, protocol.ErrConnectionClosed) {
			c.log.Debug("connection closed")
		} else {
			c.log.Warn("connection closed", zap.Error(cause))
		}
	})
}

func (c *Connection) closedErr() error {
	<-c.done
	return c.err
}

// exec runs fn on the dispatch loop and waits for it. It fails only when the
// connection is closed; fn then does not run.
func (c *Connection) exec(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(finished) }:
	case <-c.done:
		return c.closedErr()
	}
	<-finished
	return nil
}

func (c *Connection) loop() {
	defer close(c.loopDone)
	for {
		select {
		case ev := <-c.inbound:
			c.dispatch(ev)
		case op := <-c.ops:
			op()
		case <-c.done:
			c.teardown()
			return
		}
	}
}

// Idle returns a channel that is closed once no responder handler of this
// connection is running and its last frame has been queued.
func (c *Connection) Idle() <-chan struct{} {
	ch := make(chan struct{})
	err := c.exec(func() {
		if c.running == 0 {
			close(ch)
			return
		}
		c.idle = append(c.idle, ch)
	})
	if err != nil {
		close(ch)
	}
	return ch
}

// handlerDone runs after a responder handler sent its final frame.
func (c *Connection) handlerDone() {
	_ = c.exec(func() {
		c.running--
		if c.running == 0 {
			c.wakeIdle()
		}
	})
}

func (c *Connection) wakeIdle() {
	for _, ch := range c.idle {
		close(ch)
	}
	c.idle = nil
}

// teardown fails every stream still registered.
func (c *Connection) teardown() {
	c.wakeIdle()
	cause := c.err
	if cause == nil {
		cause = protocol.ErrConnectionClosed
	}
	for _, s := range c.streams.Active() {
		s.State = registry.Errored
		if s.Sink != nil {
			s.Sink.OnError(cause)
		}
		c.finish(s)
	}
}

// send queues f for the writer. done, if not nil, receives the write result.
// Safe to call from any goroutine.
func (c *Connection) send(f *protocol.Frame, done chan<- error) {
	_ = c.out.push(outFrame{frame: f, done: done})
}

// open allocates a locally initiated stream. Loop only.
func (c *Connection) open(model registry.Model) (*registry.Stream, error) {
	s, err := c.streams.Allocate(model)
	if err != nil {
		return nil, err
	}
	metrics.ActiveStreams.Inc()
	return s, nil
}

// finish removes a terminated stream. Loop only.
func (c *Connection) finish(s *registry.Stream) {
	c.frags.Drop(s.ID)
	c.streams.Remove(s.ID)
	metrics.ActiveStreams.Dec()
}

// window resolves the credit a new stream asks for.
func (c *Connection) window(n int64) int64 {
	if n <= 0 {
		n = int64(c.setup.InitialCredit)
	}
	if n <= 0 {
		n = int64(DefaultConfig().InitialCredit)
	}
	return min(n, int64(^uint32(0)))
}

// requestMore records that the consumer of stream id took n items and sends
// REQUEST_N when the low-water mark is reached.
func (c *Connection) requestMore(id uint32, n int64) {
	_ = c.exec(func() {
		s, err := c.streams.Lookup(id)
		if err != nil || !s.CanReceive() {
			return
		}
		if grant := c.flow.RequestMore(s, n); grant > 0 {
			c.send(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestN, RequestN: uint32(grant)}, nil)
		}
	})
}

// cancelStream sends CANCEL and forgets the stream. A responder cancelling
// the inbound half of a channel keeps its outbound half open.
func (c *Connection) cancelStream(id uint32, state registry.State) {
	_ = c.exec(func() {
		s, err := c.streams.Lookup(id)
		if err != nil {
			return
		}
		c.send(&protocol.Frame{StreamID: id, Type: protocol.TypeCancel}, nil)
		if !s.Local && s.Model == registry.RequestChannel {
			if s.CloseRemote() {
				c.finish(s)
			}
			return
		}
		s.State = state
		c.finish(s)
	})
}

// completeLocal sends COMPLETE and half-closes the stream.
func (c *Connection) completeLocal(id uint32) {
	_ = c.exec(func() {
		s, err := c.streams.Lookup(id)
		if err != nil || !s.CanSend() {
			return
		}
		c.send(&protocol.Frame{StreamID: id, Type: protocol.TypeComplete}, nil)
		if s.Model != registry.RequestChannel {
			s.State = registry.Completed
			c.finish(s)
			return
		}
		if s.CloseLocal() {
			c.finish(s)
		}
	})
}

// failStream terminates s after a local protocol violation. The requester
// cancels, the responder answers with an error frame.
func (c *Connection) failStream(s *registry.Stream, cause error, code protocol.ErrorCode) {
	if s.Local && s.Model != registry.RequestChannel {
		c.send(&protocol.Frame{StreamID: s.ID, Type: protocol.TypeCancel}, nil)
	} else {
		c.send(protocol.ErrorFrame(s.ID, code, cause.Error()), nil)
	}
	s.State = registry.Errored
	if s.Sink != nil {
		s.Sink.OnError(cause)
	}
	c.finish(s)
}

func payloadOf(f *protocol.Frame) message.Payload {
	return message.Payload{Metadata: f.Metadata, Data: f.Data}
}
