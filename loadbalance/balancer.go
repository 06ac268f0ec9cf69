// Package loadbalance picks the endpoint a client opens its next stream on.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - ConsistentHash:  route affinity, the same route always lands on the
//     same server while the endpoint set is unchanged
package loadbalance

import (
	"github.com/pkg/errors"
)

// Strategy names accepted by New and the configuration file.
const (
	NameRoundRobin     = "round_robin"
	NameWeightedRandom = "weighted_random"
	NameConsistentHash = "consistent_hash"
)

// ErrNoEndpoints is returned when there is nothing to pick from.
var ErrNoEndpoints = errors.New("no endpoints available")

// Endpoint is one server a client may connect to.
type Endpoint struct {
	Addr   string
	Weight int // relative capacity, used by WeightedRandom; <= 0 counts as 1
}

// Balancer is the interface for load balancing strategies.
// The client calls Pick before opening each stream.
type Balancer interface {
	// Pick selects one endpoint. key is the route of the request; strategies
	// without affinity ignore it. Must be goroutine-safe.
	Pick(endpoints []Endpoint, key string) (*Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. An empty name selects
// round robin.
func New(name string) (Balancer, error) {
	switch name {
	case NameRoundRobin, "":
		return &RoundRobinBalancer{}, nil
	case NameWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case NameConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("unknown balancer %q", name)
	}
}

func weight(e Endpoint) int {
	if e.Weight <= 0 {
		return 1
	}
	return e.Weight
}
