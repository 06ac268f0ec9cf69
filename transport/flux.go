package transport

import (
	"context"
	"io"
	"iter"
	"sync"

	"mini-rsocket/message"
	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// Flux is the inbound half of a stream or channel: a lazy sequence of
// payloads. Consuming an item returns one unit of credit to the peer, so the
// buffer never holds more than the credit window.
//
// Next returns io.EOF after the peer completed, and the peer's error (a
// *protocol.RemoteError, a transport error, ...) after a failure. Items
// received before the terminal signal are always delivered first.
type Flux struct {
	conn *Connection
	id   uint32

	mu     sync.Mutex
	items  []message.Payload
	closed bool
	err    error
	notify chan struct{}
	stop   func() bool

	// onCancel runs after Cancel, used by channels to stop the outbound pump.
	onCancel func()
}

func newFlux(c *Connection) *Flux {
	return &Flux{conn: c, notify: make(chan struct{}, 1)}
}

// bind cancels the flux when ctx is done.
func (f *Flux) bind(ctx context.Context) {
	stop := context.AfterFunc(ctx, f.Cancel)
	f.mu.Lock()
	f.stop = stop
	f.mu.Unlock()
}

// StreamID returns the id of the underlying stream.
func (f *Flux) StreamID() uint32 { return f.id }

// Next waits for the next item.
func (f *Flux) Next(ctx context.Context) (message.Payload, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			p := f.items[0]
			f.items[0] = message.Payload{}
			f.items = f.items[1:]
			closed := f.closed
			f.mu.Unlock()
			if !closed {
				f.conn.requestMore(f.id, 1)
			}
			return p, nil
		}
		if f.closed {
			err, stop := f.err, f.stop
			f.mu.Unlock()
			if stop != nil {
				stop()
			}
			return message.Payload{}, err
		}
		f.mu.Unlock()

		select {
		case <-f.notify:
		case <-ctx.Done():
			return message.Payload{}, ctx.Err()
		}
	}
}

// All iterates over the remaining items. Breaking out of the loop cancels the
// stream; a failure is yielded once as the last element.
func (f *Flux) All(ctx context.Context) iter.Seq2[message.Payload, error] {
	return func(yield func(message.Payload, error) bool) {
		for {
			p, err := f.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(message.Payload{}, err)
				return
			}
			if !yield(p, nil) {
				f.Cancel()
				return
			}
		}
	}
}

// Collect drains the flux into a slice.
func (f *Flux) Collect(ctx context.Context) ([]message.Payload, error) {
	var out []message.Payload
	for p, err := range f.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Request grants the peer n more items on top of what consumption returns.
func (f *Flux) Request(n int64) {
	f.conn.requestMore(f.id, n)
}

// Cancel stops the stream. Buffered items are discarded and Next returns
// io.EOF; frames still in flight are dropped by the connection.
func (f *Flux) Cancel() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.err = io.EOF
	f.items = nil
	f.mu.Unlock()
	f.wake()

	f.conn.cancelStream(f.id, registry.Completed)
	if f.onCancel != nil {
		f.onCancel()
	}
}

func (f *Flux) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Flux) finish(err error) {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.err = err
	}
	f.mu.Unlock()
	f.wake()
}

// OnNext implements registry.Sink.
func (f *Flux) OnNext(p message.Payload) {
	f.mu.Lock()
	if !f.closed {
		f.items = append(f.items, p)
	}
	f.mu.Unlock()
	f.wake()
}

// OnComplete implements registry.Sink.
func (f *Flux) OnComplete() { f.finish(io.EOF) }

// OnError implements registry.Sink.
func (f *Flux) OnError(err error) { f.finish(err) }

// OnCancel implements registry.Sink.
func (f *Flux) OnCancel() { f.finish(protocol.ErrCanceled) }

// OnRequestN implements registry.Sink.
func (f *Flux) OnRequestN(int64) {}
