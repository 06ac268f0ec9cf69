package transport

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/message"
	"mini-rsocket/metrics"
	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// Responder serves the streams a peer opens. Each call runs on its own
// goroutine; ctx is cancelled when the peer cancels the stream or the
// connection closes.
//
// Returning a *protocol.RemoteError picks the error code sent to the peer;
// any other error is sent as APPLICATION_ERROR with its text.
type Responder interface {
	FireAndForget(ctx context.Context, p message.Payload)
	RequestResponse(ctx context.Context, p message.Payload) (message.Payload, error)
	// RequestStream emits items with out and returns to complete the stream.
	RequestStream(ctx context.Context, p message.Payload, out *Sender) error
	// RequestChannel receives the requester's items from in and emits its
	// own with out. p holds the request metadata; when the request carried
	// an item it is also the first one in in. Returning completes the
	// outbound half.
	RequestChannel(ctx context.Context, p message.Payload, in *Flux, out *Sender) error
}

// handlerSink forwards stream signals to a running handler.
type handlerSink struct {
	cancel context.CancelFunc
	in     *Flux
	out    *Sender
}

func (h *handlerSink) OnNext(p message.Payload) {
	if h.in != nil {
		h.in.OnNext(p)
	}
}

func (h *handlerSink) OnComplete() {
	if h.in != nil {
		h.in.OnComplete()
	}
}

func (h *handlerSink) OnError(err error) {
	h.stop(err)
}

func (h *handlerSink) OnCancel() {
	h.stop(protocol.ErrCanceled)
}

func (h *handlerSink) OnRequestN(int64) {
	if h.out != nil {
		h.out.granted()
	}
}

func (h *handlerSink) stop(err error) {
	h.cancel()
	if h.in != nil {
		h.in.OnError(err)
	}
	if h.out != nil {
		h.out.halt()
	}
}

func modelOf(t protocol.FrameType) registry.Model {
	switch t {
	case protocol.TypeRequestFnf:
		return registry.FireAndForget
	case protocol.TypeRequestStream:
		return registry.RequestStream
	case protocol.TypeRequestChannel:
		return registry.RequestChannel
	default:
		return registry.RequestResponse
	}
}

// accept registers a stream opened by the peer and starts its handler. Loop only.
func (c *Connection) accept(f *protocol.Frame) {
	model := modelOf(f.Type)
	s, err := c.streams.Accept(f.StreamID, model)
	if err != nil {
		c.reject(f, err)
		return
	}
	metrics.ActiveStreams.Inc()

	if c.cfg.Responder == nil {
		if model != registry.FireAndForget {
			c.send(protocol.ErrorFrame(s.ID, protocol.CodeRejected, "no responder"), nil)
		}
		s.State = registry.Errored
		c.finish(s)
		return
	}

	r := c.cfg.Responder
	p := payloadOf(f)
	id := s.ID
	ctx, cancel := context.WithCancel(c.ctx)
	c.running++
	switch model {
	case registry.FireAndForget:
		s.State = registry.Completed
		c.finish(s)
		go func() {
			defer c.handlerDone()
			defer cancel()
			defer c.recoverHandler(id)
			r.FireAndForget(ctx, p)
		}()

	case registry.RequestResponse:
		s.State = registry.Active
		s.Sink = &handlerSink{cancel: cancel}
		go func() {
			defer c.handlerDone()
			defer cancel()
			var (
				resp message.Payload
				err  = errPanicked
			)
			defer func() { c.respond(id, resp, err) }()
			defer c.recoverHandler(id)
			resp, err = r.RequestResponse(ctx, p)
		}()

	case registry.RequestStream:
		s.State = registry.Active
		out := newSender(c, id)
		s.Sink = &handlerSink{cancel: cancel, out: out}
		c.flow.Grant(s, int64(f.RequestN))
		go func() {
			defer c.handlerDone()
			defer cancel()
			err := errPanicked
			defer func() { c.finishHandler(id, err) }()
			defer c.recoverHandler(id)
			err = r.RequestStream(ctx, p, out)
		}()

	case registry.RequestChannel:
		s.State = registry.Active
		out := newSender(c, id)
		in := newFlux(c)
		in.id = id
		s.Sink = &handlerSink{cancel: cancel, in: in, out: out}
		c.flow.Grant(s, int64(f.RequestN))
		window := c.window(0)
		c.flow.Open(s, window)
		if f.Flags.Has(protocol.FlagNext) {
			in.OnNext(p)
		}
		if f.Flags.Has(protocol.FlagComplete) {
			s.CloseRemote()
			in.OnComplete()
		} else {
			c.send(&protocol.Frame{StreamID: id, Type: protocol.TypeRequestN, RequestN: uint32(window)}, nil)
		}
		go func() {
			defer c.handlerDone()
			defer cancel()
			err := errPanicked
			defer func() { c.finishHandler(id, err) }()
			defer c.recoverHandler(id)
			err = r.RequestChannel(ctx, p, in, out)
		}()
	}
}

func (c *Connection) reject(f *protocol.Frame, err error) {
	c.log.Warn("rejecting request", zap.Stringer("frame", f), zap.Error(err))
	metrics.Violations.WithLabelValues(metrics.ViolationUnexpected).Inc()
}

var errPanicked = errors.New("handler panicked")

func (c *Connection) recoverHandler(id uint32) {
	if v := recover(); v != nil {
		c.log.Error("handler panicked", zap.Uint32("stream", id), zap.Any("panic", v), zap.Stack("stack"))
	}
}

// errorFrameFor converts a handler error to the frame sent to the peer.
func errorFrameFor(id uint32, err error) *protocol.Frame {
	var rerr *protocol.RemoteError
	if errors.As(err, &rerr) && !rerr.Code.ConnectionLevel() {
		return protocol.ErrorFrame(id, rerr.Code, rerr.Message)
	}
	if errors.Is(err, protocol.ErrCanceled) || errors.Is(err, context.Canceled) {
		return protocol.ErrorFrame(id, protocol.CodeCanceled, err.Error())
	}
	return protocol.ErrorFrame(id, protocol.CodeApplicationError, err.Error())
}

// respond completes a request-response stream with the handler's result. It
// is dropped when the peer cancelled meanwhile.
func (c *Connection) respond(id uint32, resp message.Payload, err error) {
	_ = c.exec(func() {
		s, lerr := c.streams.Lookup(id)
		if lerr != nil || !s.CanSend() {
			return
		}
		if err != nil {
			c.send(errorFrameFor(id, err), nil)
			s.State = registry.Errored
		} else {
			c.send(&protocol.Frame{
				StreamID: id,
				Type:     protocol.TypePayload,
				Flags:    protocol.FlagNext | protocol.FlagComplete,
				Metadata: resp.Metadata,
				Data:     resp.Data,
			}, nil)
			s.State = registry.Completed
		}
		c.finish(s)
	})
}

// finishHandler closes the outbound half of a stream or channel after its
// handler returned.
func (c *Connection) finishHandler(id uint32, err error) {
	if err == nil {
		c.completeLocal(id)
		return
	}
	_ = c.exec(func() {
		s, lerr := c.streams.Lookup(id)
		if lerr != nil || !s.CanSend() {
			return
		}
		c.send(errorFrameFor(id, err), nil)
		s.State = registry.Errored
		if s.Sink != nil {
			s.Sink.OnError(err)
		}
		c.finish(s)
	})
}
