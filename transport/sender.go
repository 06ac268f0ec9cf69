package transport

import (
	"context"
	"sync"

	"mini-rsocket/message"
	"mini-rsocket/protocol"
)

// Sender emits items on the outbound half of a stream or channel. Send blocks
// while the peer has granted no credit.
type Sender struct {
	conn *Connection
	id   uint32

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newSender(c *Connection, id uint32) *Sender {
	return &Sender{
		conn: c,
		id:   id,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Send writes p as the next item and waits until it reached the transport.
// It returns protocol.ErrCanceled once the peer cancelled or the stream ended.
func (s *Sender) Send(ctx context.Context, p message.Payload) error {
	for {
		var (
			sent    bool
			stopped bool
			written = make(chan error, 1)
		)
		err := s.conn.exec(func() {
			st, err := s.conn.streams.Lookup(s.id)
			if err != nil || !st.CanSend() {
				stopped = true
				return
			}
			if !s.conn.flow.TryConsume(st) {
				return
			}
			s.conn.send(&protocol.Frame{
				StreamID: s.id,
				Type:     protocol.TypePayload,
				Flags:    protocol.FlagNext,
				Metadata: p.Metadata,
				Data:     p.Data,
			}, written)
			sent = true
		})
		switch {
		case err != nil:
			return err
		case stopped:
			return protocol.ErrCanceled
		case sent:
			select {
			case err := <-written:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-s.wake:
		case <-s.stop:
			return protocol.ErrCanceled
		case <-ctx.Done():
			return ctx.Err()
		case <-s.conn.done:
			return s.conn.closedErr()
		}
	}
}

// Done is closed when the peer cancelled or the stream ended.
func (s *Sender) Done() <-chan struct{} { return s.stop }

func (s *Sender) granted() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sender) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}
