package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rsocket/protocol"
	"mini-rsocket/registry"
)

func TestCreditExceeded(t *testing.T) {
	c := New(0)
	s := &registry.Stream{ID: 1, Model: registry.RequestStream, State: registry.Active}
	c.Open(s, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.OnDelivered(s))
	}
	err := c.OnDelivered(s)
	assert.ErrorIs(t, err, protocol.ErrCreditExceeded)
	assert.Equal(t, int64(3), s.Delivered)
}

func TestRequestMoreLowWater(t *testing.T) {
	c := New(4)
	s := &registry.Stream{ID: 1}
	c.Open(s, 8) // low water = 2

	// consumer takes items one by one; nothing is granted until only two
	// items remain outstanding
	var grants []int64
	for i := 0; i < 8; i++ {
		require.NoError(t, c.OnDelivered(s))
		if g := c.RequestMore(s, 1); g > 0 {
			grants = append(grants, g)
		}
	}
	assert.Equal(t, []int64{6}, grants)
	assert.Equal(t, int64(6), c.Outstanding(s))
	assert.Equal(t, int64(2), s.Pending)
}

func TestRequestMoreWindowOfOne(t *testing.T) {
	c := New(0)
	s := &registry.Stream{ID: 1}
	c.Open(s, 1)

	assert.Equal(t, int64(0), c.RequestMore(s, 1), "one item still outstanding")
	require.NoError(t, c.OnDelivered(s))
	assert.ErrorIs(t, c.OnDelivered(s), protocol.ErrCreditExceeded)
	assert.Equal(t, int64(2), c.RequestMore(s, 1), "pending demand is flushed at low water")
	assert.Equal(t, int64(0), c.RequestMore(s, 0))
}

func TestOutboundCredit(t *testing.T) {
	c := New(0)
	s := &registry.Stream{ID: 2}
	assert.False(t, c.TryConsume(s))
	c.Grant(s, 2)
	assert.True(t, c.TryConsume(s))
	assert.True(t, c.TryConsume(s))
	assert.False(t, c.TryConsume(s))

	c.Grant(s, 1<<62)
	c.Grant(s, 1<<62)
	c.Grant(s, 1<<62)
	assert.True(t, s.Outbound > 0, "credit saturates instead of overflowing")
}
