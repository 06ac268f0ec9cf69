package loadbalance

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to
// its weight.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []Endpoint, _ string) (*Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	total := 0
	for _, e := range endpoints {
		total += weight(e)
	}

	// Walk the cumulative weights until the random point falls inside one.
	r := rand.IntN(total)
	for i := range endpoints {
		r -= weight(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return nil, errors.New("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return NameWeightedRandom
}
