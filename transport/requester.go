package transport

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/message"
	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// FireAndForget sends p on a new stream and returns once the frame was
// written. No response is expected and the stream is closed immediately.
func (c *Connection) FireAndForget(ctx context.Context, p message.Payload) error {
	written := make(chan error, 1)
	var openErr error
	err := c.exec(func() {
		s, err := c.open(registry.FireAndForget)
		if err != nil {
			openErr = err
			return
		}
		c.send(&protocol.Frame{
			StreamID: s.ID,
			Type:     protocol.TypeRequestFnf,
			Metadata: p.Metadata,
			Data:     p.Data,
		}, written)
		s.State = registry.Completed
		c.finish(s)
	})
	if err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}
	select {
	case err := <-written:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type monoResult struct {
	payload message.Payload
	err     error
}

// monoSink collects the single response of a request-response stream.
type monoSink struct {
	value message.Payload
	ch    chan monoResult
}

func (m *monoSink) OnNext(p message.Payload) { m.value = p }
func (m *monoSink) OnComplete()              { m.ch <- monoResult{payload: m.value} }
func (m *monoSink) OnError(err error)        { m.ch <- monoResult{err: err} }
func (m *monoSink) OnCancel()                {}
func (m *monoSink) OnRequestN(int64)         {}

// RequestResponse sends p and waits for the single response. When ctx ends
// first the stream is cancelled and the error matches protocol.ErrTimeout (for
// a deadline) or protocol.ErrCanceled.
func (c *Connection) RequestResponse(ctx context.Context, p message.Payload) (message.Payload, error) {
	sink := &monoSink{ch: make(chan monoResult, 1)}
	var id uint32
	err := c.exec(func() {
		s, err := c.open(registry.RequestResponse)
		if err != nil {
			sink.OnError(err)
			return
		}
		id = s.ID
		s.Sink = sink
		s.State = registry.Active
		c.send(&protocol.Frame{
			StreamID: s.ID,
			Type:     protocol.TypeRequestResponse,
			Metadata: p.Metadata,
			Data:     p.Data,
		}, nil)
	})
	if err != nil {
		return message.Payload{}, err
	}

	select {
	case r := <-sink.ch:
		return r.payload, r.err
	case <-ctx.Done():
	}
	c.cancelStream(id, registry.Errored)
	// The response may have won the race against the cancel.
	select {
	case r := <-sink.ch:
		return r.payload, r.err
	default:
	}
	c.log.Debug("request-response abandoned", zap.Uint32("stream", id), zap.Error(ctx.Err()))
	return message.Payload{}, contextError(ctx)
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(protocol.ErrTimeout, ctx.Err().Error())
	}
	return errors.Wrap(protocol.ErrCanceled, ctx.Err().Error())
}

// RequestStream sends p and returns the flux of responses. initialCredit is
// the first REQUEST_N granted with the request; 0 uses the negotiated
// default. Cancelling ctx cancels the stream.
func (c *Connection) RequestStream(ctx context.Context, p message.Payload, initialCredit int64) (*Flux, error) {
	window := c.window(initialCredit)
	flux := newFlux(c)
	var openErr error
	err := c.exec(func() {
		s, err := c.open(registry.RequestStream)
		if err != nil {
			openErr = err
			return
		}
		flux.id = s.ID
		s.Sink = flux
		s.State = registry.Active
		c.flow.Open(s, window)
		c.send(&protocol.Frame{
			StreamID: s.ID,
			Type:     protocol.TypeRequestStream,
			RequestN: uint32(window),
			Metadata: p.Metadata,
			Data:     p.Data,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	flux.bind(ctx)
	return flux, nil
}

// channelSink splits the signals of a requester channel between the inbound
// flux and the outbound sender.
type channelSink struct {
	*Flux
	out *Sender
}

func (s channelSink) OnError(err error) {
	s.Flux.OnError(err)
	s.out.halt()
}

// OnCancel: the responder wants no more items; the inbound half continues.
func (s channelSink) OnCancel()          { s.out.halt() }
func (s channelSink) OnRequestN(n int64) { s.out.granted() }

// RequestChannel opens a bidirectional stream. The first item of outbound
// travels in the request frame together with metadata (typically the route),
// flagged NEXT; a closed outbound sends a bare request with COMPLETE. The
// remaining items are sent as the responder grants credit, and closing
// outbound completes the local half. The returned flux yields the responder's
// items. Cancelling ctx or the flux cancels both halves.
func (c *Connection) RequestChannel(ctx context.Context, metadata []byte, outbound <-chan message.Payload, initialCredit int64) (*Flux, error) {
	var (
		first message.Payload
		more  bool
	)
	select {
	case first, more = <-outbound:
	case <-ctx.Done():
		return nil, contextError(ctx)
	}

	window := c.window(initialCredit)
	flux := newFlux(c)
	var (
		sender  *Sender
		openErr error
	)
	err := c.exec(func() {
		s, err := c.open(registry.RequestChannel)
		if err != nil {
			openErr = err
			return
		}
		flux.id = s.ID
		sender = newSender(c, s.ID)
		s.Sink = channelSink{Flux: flux, out: sender}
		s.State = registry.Active
		c.flow.Open(s, window)
		f := &protocol.Frame{
			StreamID: s.ID,
			Type:     protocol.TypeRequestChannel,
			RequestN: uint32(window),
			Metadata: metadata,
			Data:     first.Data,
		}
		if more {
			f.Flags = protocol.FlagNext
		} else {
			f.Flags = protocol.FlagComplete
			s.CloseLocal()
		}
		c.send(f, nil)
	})
	if err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	flux.onCancel = sender.halt
	flux.bind(ctx)
	if more {
		go c.pump(ctx, flux.id, outbound, sender)
	}
	return flux, nil
}

// pump forwards the outbound sequence of a requester channel.
func (c *Connection) pump(ctx context.Context, id uint32, outbound <-chan message.Payload, sender *Sender) {
	for {
		select {
		case p, ok := <-outbound:
			if !ok {
				c.completeLocal(id)
				return
			}
			if err := sender.Send(ctx, p); err != nil {
				c.log.Debug("channel outbound stopped", zap.Uint32("stream", id), zap.Error(err))
				return
			}
		case <-sender.Done():
			return
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
