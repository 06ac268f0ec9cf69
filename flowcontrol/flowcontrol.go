// Package flowcontrol enforces per-stream credit for the streaming models.
//
// The receiver of items grants credit with REQUEST_N; the sender may never
// deliver more items than it was granted. The Controller tracks both
// directions on the registry's Stream fields:
//
//	inbound:  Requested (granted to the peer) ≥ Delivered (received)
//	outbound: Outbound (granted by the peer, minus what we sent)
//
// Demand from the local consumer is batched: it is granted only once the
// outstanding credit falls to the low-water mark, so a fast consumer does not
// turn every item into a REQUEST_N frame.
package flowcontrol

import (
	"math"

	"github.com/pkg/errors"

	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

// DefaultLowWaterDivisor sets the low-water mark at a quarter of the window.
const DefaultLowWaterDivisor = 4

// Controller is stateless apart from its tuning; all counters live on the
// streams. Like the registry it must only be used from the dispatch loop.
type Controller struct {
	divisor int64
}

// New creates a Controller whose low-water mark is window/divisor
// (DefaultLowWaterDivisor if divisor <= 0).
func New(divisor int) *Controller {
	if divisor <= 0 {
		divisor = DefaultLowWaterDivisor
	}
	return &Controller{divisor: int64(divisor)}
}

// Open sets the initial inbound window; the caller puts window into the
// request frame (or an initial REQUEST_N).
func (c *Controller) Open(s *registry.Stream, window int64) {
	s.Window = window
	s.Requested = window
	s.Delivered = 0
	s.Pending = 0
}

// Outstanding returns how many more items the peer may send.
func (c *Controller) Outstanding(s *registry.Stream) int64 {
	return s.Requested - s.Delivered
}

// LowWater returns the outstanding credit at or below which demand is granted.
func (c *Controller) LowWater(s *registry.Stream) int64 {
	return s.Window / c.divisor
}

// RequestMore adds n to the consumer demand. When the outstanding credit is
// at or below the low-water mark it grants the whole accumulated demand and
// returns it; the caller must send a REQUEST_N with that value. A return of 0
// means nothing needs to be sent yet.
func (c *Controller) RequestMore(s *registry.Stream, n int64) int64 {
	if n <= 0 {
		return 0
	}
	s.Pending = saturatingAdd(s.Pending, n)
	if c.Outstanding(s) > c.LowWater(s) {
		return 0
	}
	grant := min(s.Pending, math.MaxUint32)
	s.Pending -= grant
	s.Requested = saturatingAdd(s.Requested, grant)
	return grant
}

// OnDelivered accounts for one item received from the peer. Delivering beyond
// the granted credit is a protocol violation.
func (c *Controller) OnDelivered(s *registry.Stream) error {
	if s.Delivered >= s.Requested {
		return errors.Wrapf(protocol.ErrCreditExceeded, "stream %d received item %d with credit %d",
			s.ID, s.Delivered+1, s.Requested)
	}
	s.Delivered++
	return nil
}

// Grant adds credit the peer gave us for outbound items.
func (c *Controller) Grant(s *registry.Stream, n int64) {
	s.Outbound = saturatingAdd(s.Outbound, n)
}

// TryConsume takes one unit of outbound credit, reporting false if there is none.
func (c *Controller) TryConsume(s *registry.Stream) bool {
	if s.Outbound <= 0 {
		return false
	}
	s.Outbound--
	return true
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
