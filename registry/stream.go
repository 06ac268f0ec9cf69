package registry

import (
	"fmt"

	"mini-rsocket/message"
)

// Model is the interaction model of a stream.
type Model byte

const (
	RequestResponse Model = iota
	FireAndForget
	RequestStream
	RequestChannel
)

func (m Model) String() string {
	switch m {
	case RequestResponse:
		return "request-response"
	case FireAndForget:
		return "fire-and-forget"
	case RequestStream:
		return "request-stream"
	case RequestChannel:
		return "request-channel"
	default:
		return fmt.Sprintf("model(%d)", byte(m))
	}
}

// State is the lifecycle state of a stream.
type State byte

const (
	Pending State = iota
	Active
	HalfClosedLocal  // we sent Complete, the peer may still send
	HalfClosedRemote // the peer sent Complete, we may still send
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case HalfClosedLocal:
		return "half-closed-local"
	case HalfClosedRemote:
		return "half-closed-remote"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

// Terminal reports whether no further frames are expected in either direction.
func (s State) Terminal() bool { return s == Completed || s == Errored }

// Sink receives the inbound signals of a stream. Its methods are called from
// the connection's dispatch loop and must not block.
type Sink interface {
	OnNext(p message.Payload)
	OnComplete()
	OnError(err error)
	// OnCancel is called when the peer cancels the stream.
	OnCancel()
	// OnRequestN is called after the peer granted n more outbound items.
	OnRequestN(n int64)
}

// Stream is one logical exchange multiplexed over a connection.
// The Registry owns it; other components keep pointers only while running on
// the connection's dispatch loop.
type Stream struct {
	ID    uint32
	Model Model
	State State
	Local bool // allocated by this side

	// Inbound credit: what we allowed the peer to send us.
	Requested int64 // total granted
	Delivered int64 // total received
	Pending   int64 // consumer demand not yet granted
	Window    int64

	// Outbound credit: what the peer allowed us to send.
	Outbound int64

	Sink Sink
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream %d (%s, %s)", s.ID, s.Model, s.State)
}

// CloseLocal records that this side finished sending. It returns true when the
// stream is now Completed.
func (s *Stream) CloseLocal() bool {
	switch s.State {
	case Pending, Active:
		s.State = HalfClosedLocal
	case HalfClosedRemote:
		s.State = Completed
	}
	return s.State == Completed
}

// CloseRemote records that the peer finished sending. It returns true when the
// stream is now Completed.
func (s *Stream) CloseRemote() bool {
	switch s.State {
	case Pending, Active:
		s.State = HalfClosedRemote
	case HalfClosedLocal:
		s.State = Completed
	}
	return s.State == Completed
}

// CanReceive reports whether the peer may still send items.
func (s *Stream) CanReceive() bool {
	return s.State == Active || s.State == HalfClosedLocal
}

// CanSend reports whether this side may still send items.
func (s *Stream) CanSend() bool {
	return s.State == Active || s.State == HalfClosedRemote
}
