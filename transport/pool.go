package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// DialFunc establishes one connection for a Pool.
type DialFunc func(ctx context.Context) (*Connection, error)

// Pool keeps up to size multiplexed connections to one address and hands them
// out round-robin. Connections are shared, not borrowed: every caller can run
// any number of streams on the one it gets. Slots are dialled lazily, and a
// closed connection is replaced on the next Get that lands on its slot.
type Pool struct {
	mu     sync.Mutex
	addr   string
	dial   DialFunc
	conns  []*Connection
	next   int
	closed bool
}

// NewPool creates a pool of size connections (at least one) built by dial.
func NewPool(addr string, size int, dial DialFunc) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		addr:  addr,
		dial:  dial,
		conns: make([]*Connection, size),
	}
}

// Addr returns the address the pool dials.
func (p *Pool) Addr() string { return p.addr }

// Get returns the next open connection, dialling it if its slot is empty or
// its connection has closed. The dial runs without holding the pool lock; if
// another Get filled the slot meanwhile, its connection wins.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	slot := p.next
	p.next = (p.next + 1) % len(p.conns)
	if c := p.conns[slot]; c != nil && !c.Closed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", p.addr)
	}

	p.mu.Lock()
	closed := p.closed
	cur := p.conns[slot]
	install := !closed && (cur == nil || cur.Closed())
	if install {
		p.conns[slot] = c
	}
	p.mu.Unlock()

	switch {
	case install:
		return c, nil
	case closed:
		c.Close()
		return nil, ErrPoolClosed
	default:
		c.Close()
		return cur, nil
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make([]*Connection, len(conns))
	p.closed = true
	p.mu.Unlock()

	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
	return nil
}
