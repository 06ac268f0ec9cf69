package protocol

import (
	"github.com/pkg/errors"
)

// Fragment splits f so that no resulting frame exceeds mtu bytes. The first
// fragment keeps the original type; continuations are Payload frames. Every
// fragment but the last has FlagFollows, and only the last keeps the
// Complete/Next flags of f. A fragmented request keeps its Next flag on the
// first fragment. mtu <= 0 or a small enough frame returns f as is.
func Fragment(f *Frame, mtu int) []*Frame {
	if mtu <= 0 || f.Len() <= mtu || !fragmentable(f.Type) {
		return []*Frame{f}
	}
	// Room for metadata+data in a fragment after the header and extension.
	room := mtu - HeaderSize - extSize
	if room < 1 {
		room = 1
	}
	meta, data := f.Metadata, f.Data
	var out []*Frame
	for first := true; first || len(meta) > 0 || len(data) > 0; first = false {
		frag := &Frame{StreamID: f.StreamID, Type: TypePayload}
		if first {
			frag.Type = f.Type
			frag.RequestN = f.RequestN
		}
		left := room
		if len(meta) > 0 {
			n := min(left, len(meta))
			frag.Metadata, meta = meta[:n], meta[n:]
			left -= n
		} else if first && f.Metadata != nil {
			frag.Metadata = []byte{}
		}
		if left > 0 && len(data) > 0 {
			n := min(left, len(data))
			frag.Data, data = data[:n], data[n:]
		}
		if len(meta) > 0 || len(data) > 0 {
			frag.Flags = FlagFollows
			if frag.Type == TypePayload {
				frag.Flags |= FlagNext
			} else {
				frag.Flags |= f.Flags & FlagNext
			}
		} else {
			frag.Flags = f.Flags &^ FlagFollows
			if frag.Type == TypePayload && f.Type != TypePayload {
				frag.Flags |= FlagNext
			}
		}
		out = append(out, frag)
	}
	return out
}

func fragmentable(t FrameType) bool {
	return t.IsRequest() || t == TypePayload
}

// Reassembler joins fragmented frames per stream. It is not safe for
// concurrent use.
type Reassembler struct {
	partial map[uint32]*Frame
	max     int
}

// NewReassembler creates a Reassembler that refuses to grow a frame beyond max
// bytes. max <= 0 selects DefaultMaxFrameSize.
func NewReassembler(max int) *Reassembler {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Reassembler{partial: make(map[uint32]*Frame), max: max}
}

// Push adds f. It returns the complete frame when f finishes (or is not part
// of) a fragment sequence, and nil while more fragments are expected.
func (r *Reassembler) Push(f *Frame) (*Frame, error) {
	head, ok := r.partial[f.StreamID]
	if !ok {
		if !f.Flags.Has(FlagFollows) || !fragmentable(f.Type) {
			return f, nil
		}
		head = &Frame{StreamID: f.StreamID, Type: f.Type, RequestN: f.RequestN, Flags: f.Flags & FlagNext}
		r.partial[f.StreamID] = head
	} else if f.Type != TypePayload {
		// Cancel or Error interrupt a fragment sequence.
		delete(r.partial, f.StreamID)
		return f, nil
	}
	if f.Metadata != nil {
		head.Metadata = append(head.Metadata, f.Metadata...)
		if head.Metadata == nil {
			head.Metadata = []byte{}
		}
	}
	head.Data = append(head.Data, f.Data...)
	if head.Len() > r.max {
		delete(r.partial, f.StreamID)
		return nil, errors.Wrapf(ErrFrameTooLarge, "reassembled frame on stream %d exceeds %d", f.StreamID, r.max)
	}
	if f.Flags.Has(FlagFollows) {
		return nil, nil
	}
	delete(r.partial, f.StreamID)
	if head.Type == TypePayload {
		head.Flags = f.Flags
	} else {
		head.Flags = f.Flags&^FlagNext | head.Flags&FlagNext
	}
	return head, nil
}

// Pending reports whether a fragment sequence is open on the stream.
func (r *Reassembler) Pending(streamID uint32) bool {
	_, ok := r.partial[streamID]
	return ok
}

// Drop forgets any partial frame of the stream.
func (r *Reassembler) Drop(streamID uint32) {
	delete(r.partial, streamID)
}
