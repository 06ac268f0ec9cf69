package transport

import (
	"bufio"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/metrics"
	"mini-rsocket/protocol"
)

type outFrame struct {
	frame *protocol.Frame
	done  chan<- error // optional, buffered
}

func (o outFrame) notify(err error) {
	if o.done != nil {
		o.done <- err
	}
}

// outbound is the unbounded FIFO between the dispatch loop and the writer.
// Pushing never blocks, so the loop keeps draining inbound frames even when
// the peer is slow to read.
type outbound struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outFrame
	closed error
}

func newOutbound() *outbound {
	o := &outbound{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbound) push(f outFrame) error {
	o.mu.Lock()
	if err := o.closed; err != nil {
		o.mu.Unlock()
		f.notify(err)
		return err
	}
	o.queue = append(o.queue, f)
	o.mu.Unlock()
	o.cond.Signal()
	return nil
}

// take waits for queued frames and returns all of them. It returns nil once
// the queue is closed.
func (o *outbound) take() []outFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && o.closed == nil {
		o.cond.Wait()
	}
	if o.closed != nil {
		return nil
	}
	batch := o.queue
	o.queue = nil
	return batch
}

// close fails every queued frame with err.
func (o *outbound) close(err error) {
	o.mu.Lock()
	if o.closed == nil {
		o.closed = err
	}
	pending := o.queue
	o.queue = nil
	o.mu.Unlock()
	o.cond.Broadcast()
	for _, f := range pending {
		f.notify(err)
	}
}

// writeLoop encodes queued frames, fragmenting them to the configured MTU, and
// flushes once per batch. A write failure closes the connection.
func (c *Connection) writeLoop() {
	w := bufio.NewWriterSize(c.rwc, c.cfg.ReadBufferSize)
	var buf []byte
	for {
		batch := c.out.take()
		if batch == nil {
			return
		}
		written := batch[:0]
		var werr error
		for _, of := range batch {
			if werr != nil {
				of.notify(werr)
				continue
			}
			var err error
			buf = buf[:0]
			for _, frag := range protocol.Fragment(of.frame, c.cfg.FragmentMTU) {
				if buf, err = protocol.AppendFrame(buf, frag); err != nil {
					break
				}
			}
			if err != nil {
				// An unencodable frame is the caller's mistake, not the connection's.
				c.log.Error("dropping invalid outbound frame", zap.Stringer("frame", of.frame), zap.Error(err))
				of.notify(err)
				continue
			}
			if _, err := w.Write(buf); err != nil {
				werr = &protocol.TransportError{Err: err}
				of.notify(werr)
				continue
			}
			metrics.FramesSent.WithLabelValues(of.frame.Type.String()).Inc()
			written = append(written, of)
		}
		if werr == nil {
			if err := w.Flush(); err != nil {
				werr = &protocol.TransportError{Err: err}
			}
		}
		for _, of := range written {
			of.notify(werr)
		}
		if werr != nil {
			c.close(werr)
			return
		}
	}
}

// recvLoop feeds bytes from the transport into the decoder and hands decoded
// frames to the dispatch loop in arrival order.
func (c *Connection) recvLoop() {
	buf := make([]byte, c.cfg.ReadBufferSize)
	for {
		if !c.drain() {
			return
		}
		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.lastRecv.Store(time.Now().UnixNano())
			c.decoder.Feed(buf[:n])
		}
		if err != nil {
			c.fail(&protocol.TransportError{Err: err})
			return
		}
	}
}

// fail closes the connection from the dispatch loop once every frame decoded
// before the failure was handled.
func (c *Connection) fail(err error) {
	select {
	case c.inbound <- inboundEvent{fatal: err}:
	case <-c.done:
	}
}

// drain passes every complete frame to the loop. It returns false when the
// connection is gone.
func (c *Connection) drain() bool {
	for {
		f, err := c.decoder.Next()
		if errors.Is(err, protocol.ErrNeedMoreData) {
			return true
		}
		var fe *protocol.FramingError
		if errors.As(err, &fe) {
			metrics.Violations.WithLabelValues(metrics.ViolationMalformed).Inc()
			written := make(chan error, 1)
			c.send(protocol.ErrorFrame(0, protocol.CodeConnectionError, err.Error()), written)
			select {
			case <-written:
			case <-time.After(time.Second):
			}
			c.fail(err)
			return false
		}
		select {
		case c.inbound <- inboundEvent{frame: f, err: err}:
		case <-c.done:
			return false
		}
	}
}
