// Package registry tracks the logical streams multiplexed over one connection.
//
// Each side allocates ids from its own half of the id space: the client odd
// ids, the server even ids. Ids only grow and are never reused for the life of
// the connection. The Registry is not safe for concurrent use; the connection
// calls it from its single dispatch loop.
package registry

import (
	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"mini-rsocket/protocol"
)

// Side is the role that determines the parity of locally allocated ids.
type Side byte

const (
	ClientSide Side = iota // odd ids
	ServerSide             // even ids
)

var (
	ErrNotFound           = errors.New("stream not found")
	ErrStreamIDsExhausted = errors.New("stream ids exhausted")
	ErrInvalidStreamID    = errors.New("invalid stream id")
)

// DefaultClosedCacheSize is how many removed streams are remembered so late
// frames can be told apart from stray ones.
const DefaultClosedCacheSize = 1024

// Registry maps stream ids to streams.
type Registry struct {
	side       Side
	nextID     uint32
	lastRemote uint32
	streams    map[uint32]*Stream
	closed     *lru.Cache // id -> *Stream, recently removed
}

// New creates a registry for side, remembering up to closedSize removed
// streams (DefaultClosedCacheSize if <= 0).
func New(side Side, closedSize int) *Registry {
	if closedSize <= 0 {
		closedSize = DefaultClosedCacheSize
	}
	closed, _ := lru.New(closedSize)
	r := &Registry{
		side:    side,
		streams: make(map[uint32]*Stream),
		closed:  closed,
	}
	if side == ClientSide {
		r.nextID = 1
	} else {
		r.nextID = 2
	}
	return r
}

// Allocate creates a locally initiated stream with the next id.
func (r *Registry) Allocate(model Model) (*Stream, error) {
	if r.nextID > protocol.MaxStreamID {
		return nil, ErrStreamIDsExhausted
	}
	s := &Stream{ID: r.nextID, Model: model, State: Pending, Local: true}
	r.nextID += 2
	r.streams[s.ID] = s
	return s, nil
}

// CanAccept checks that the peer may open a stream with id: it must belong
// to the peer's half of the id space and be larger than every id it used
// before.
func (r *Registry) CanAccept(id uint32) error {
	if r.isLocalID(id) {
		return errors.Wrapf(ErrInvalidStreamID, "peer opened stream %d with local parity", id)
	}
	if id <= r.lastRemote {
		return errors.Wrapf(ErrInvalidStreamID, "peer reused stream %d (last %d)", id, r.lastRemote)
	}
	return nil
}

// Accept registers a stream opened by the peer, see CanAccept.
func (r *Registry) Accept(id uint32, model Model) (*Stream, error) {
	if err := r.CanAccept(id); err != nil {
		return nil, err
	}
	r.lastRemote = id
	s := &Stream{ID: id, Model: model, State: Pending}
	r.streams[id] = s
	return s, nil
}

// Lookup returns the active stream with the given id.
func (r *Registry) Lookup(id uint32) (*Stream, error) {
	s, ok := r.streams[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "stream %d", id)
	}
	return s, nil
}

// Remove forgets the stream and remembers it as recently closed.
func (r *Registry) Remove(id uint32) {
	s, ok := r.streams[id]
	if !ok {
		return
	}
	delete(r.streams, id)
	s.Sink = nil
	r.closed.Add(id, s)
}

// Closed returns a recently removed stream, if still remembered.
func (r *Registry) Closed(id uint32) (*Stream, bool) {
	v, ok := r.closed.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Stream), true
}

// Active returns the streams that have not been removed, in no particular order.
func (r *Registry) Active() []*Stream {
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// Len returns the number of active streams.
func (r *Registry) Len() int { return len(r.streams) }

func (r *Registry) isLocalID(id uint32) bool {
	odd := id%2 == 1
	return odd == (r.side == ClientSide)
}
