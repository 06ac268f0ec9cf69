package transport

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/metrics"
	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// dispatch routes one inbound frame. Loop only.
func (c *Connection) dispatch(ev inboundEvent) {
	if ev.fatal != nil {
		c.close(ev.fatal)
		return
	}
	if ev.err != nil {
		c.onDecodeError(ev.frame, ev.err)
		return
	}
	f := ev.frame
	metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()
	if f.StreamID == 0 {
		c.onConnectionFrame(f)
		return
	}

	if f.Flags.Has(protocol.FlagFollows) && !c.frags.Pending(f.StreamID) {
		// Only known streams and acceptable requests may start a partial frame.
		if f.Type.IsRequest() {
			if err := c.streams.CanAccept(f.StreamID); err != nil {
				c.reject(f, err)
				return
			}
		} else if _, err := c.streams.Lookup(f.StreamID); err != nil {
			c.onLateFrame(f)
			return
		}
	}

	whole, err := c.frags.Push(f)
	if err != nil {
		c.onDecodeError(f, err)
		return
	}
	if whole == nil {
		return
	}
	f = whole

	if f.Type.IsRequest() {
		c.accept(f)
		return
	}
	s, err := c.streams.Lookup(f.StreamID)
	if err != nil {
		c.onLateFrame(f)
		return
	}
	switch f.Type {
	case protocol.TypePayload:
		c.onPayload(s, f)
	case protocol.TypeComplete:
		c.onComplete(s)
	case protocol.TypeError:
		c.onError(s, f)
	case protocol.TypeCancel:
		c.onCancel(s)
	case protocol.TypeRequestN:
		c.onRequestN(s, f)
	default:
		c.unexpected(s, f)
	}
}

func (c *Connection) onConnectionFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeKeepAlive:
		if f.Flags.Has(protocol.FlagRespond) {
			c.send(&protocol.Frame{Type: protocol.TypeKeepAlive, Data: f.Data}, nil)
		}
	case protocol.TypeError:
		rerr := protocol.RemoteErrorOf(f)
		if rerr.Code == protocol.CodeConnectionClose {
			c.close(errors.Wrap(protocol.ErrConnectionClosed, rerr.Message))
			return
		}
		c.close(rerr)
	case protocol.TypeSetup:
		c.send(protocol.ErrorFrame(0, protocol.CodeConnectionError, "SETUP after handshake"), nil)
		c.close(errors.Wrap(protocol.ErrMalformedFrame, "SETUP after handshake"))
	default:
		c.log.Warn("unexpected frame on stream 0", zap.Stringer("frame", f))
		metrics.Violations.WithLabelValues(metrics.ViolationUnexpected).Inc()
	}
}

// onDecodeError handles the recoverable decode failures. An oversized frame
// fails the stream it belonged to.
func (c *Connection) onDecodeError(head *protocol.Frame, err error) {
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		c.log.Warn("skipping malformed frame", zap.Error(err))
		metrics.Violations.WithLabelValues(metrics.ViolationMalformed).Inc()
		return
	}
	c.log.Warn("skipping oversized frame", zap.Error(err))
	metrics.Violations.WithLabelValues(metrics.ViolationTooLarge).Inc()
	if head == nil || head.StreamID == 0 {
		return
	}
	if s, lerr := c.streams.Lookup(head.StreamID); lerr == nil {
		c.failStream(s, err, protocol.CodeInvalid)
	}
}

// onLateFrame classifies a frame for a stream that is not registered.
func (c *Connection) onLateFrame(f *protocol.Frame) {
	old, ok := c.streams.Closed(f.StreamID)
	if !ok {
		c.log.Warn("stray frame", zap.Stringer("frame", f))
		metrics.Violations.WithLabelValues(metrics.ViolationStray).Inc()
		return
	}
	if old.Local && old.Model == registry.RequestResponse && old.State == registry.Completed &&
		f.Type == protocol.TypePayload {
		c.log.Warn("duplicate response", zap.Stringer("frame", f))
		metrics.Violations.WithLabelValues(metrics.ViolationDuplicate).Inc()
		return
	}
	// In flight when the stream was cancelled or failed.
	c.log.Debug("dropping late frame", zap.Stringer("frame", f), zap.Stringer("state", old.State))
}

func (c *Connection) unexpected(s *registry.Stream, f *protocol.Frame) {
	c.log.Warn("unexpected frame", zap.Stringer("frame", f), zap.Stringer("stream", s))
	metrics.Violations.WithLabelValues(metrics.ViolationUnexpected).Inc()
}

// receives reports whether the peer may send items on s at all.
func receives(s *registry.Stream) bool {
	switch s.Model {
	case registry.RequestResponse, registry.RequestStream:
		return s.Local
	case registry.RequestChannel:
		return true
	default:
		return false
	}
}

func (c *Connection) onPayload(s *registry.Stream, f *protocol.Frame) {
	if !receives(s) || !s.CanReceive() {
		c.unexpected(s, f)
		return
	}
	if f.Flags.Has(protocol.FlagNext) {
		if s.Model != registry.RequestResponse {
			if err := c.flow.OnDelivered(s); err != nil {
				c.log.Warn("peer exceeded credit", zap.Error(err))
				metrics.Violations.WithLabelValues(metrics.ViolationCreditExceeded).Inc()
				c.failStream(s, err, protocol.CodeInvalid)
				return
			}
		}
		s.Sink.OnNext(payloadOf(f))
	}
	if f.Flags.Has(protocol.FlagComplete) || s.Model == registry.RequestResponse {
		c.onComplete(s)
	}
}

func (c *Connection) onComplete(s *registry.Stream) {
	if !receives(s) || !s.CanReceive() {
		c.unexpected(s, &protocol.Frame{StreamID: s.ID, Type: protocol.TypeComplete})
		return
	}
	s.Sink.OnComplete()
	if s.Model != registry.RequestChannel {
		s.State = registry.Completed
		c.finish(s)
		return
	}
	if s.CloseRemote() {
		c.finish(s)
	}
}

func (c *Connection) onError(s *registry.Stream, f *protocol.Frame) {
	s.State = registry.Errored
	s.Sink.OnError(protocol.RemoteErrorOf(f))
	c.finish(s)
}

// onCancel handles CANCEL: the responder stops the whole stream, the
// requester of a channel stops its outbound half.
func (c *Connection) onCancel(s *registry.Stream) {
	switch {
	case !s.Local:
		s.State = registry.Completed
		s.Sink.OnCancel()
		c.finish(s)
	case s.Model == registry.RequestChannel:
		s.Sink.OnCancel()
		if s.CloseLocal() {
			c.finish(s)
		}
	default:
		c.unexpected(s, &protocol.Frame{StreamID: s.ID, Type: protocol.TypeCancel})
	}
}

func (c *Connection) onRequestN(s *registry.Stream, f *protocol.Frame) {
	sends := s.Model == registry.RequestChannel || (s.Model == registry.RequestStream && !s.Local)
	if !sends {
		c.unexpected(s, f)
		return
	}
	if !s.CanSend() {
		return
	}
	c.flow.Grant(s, int64(f.RequestN))
	s.Sink.OnRequestN(int64(f.RequestN))
}
