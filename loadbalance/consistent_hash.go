package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps routes to endpoints using a hash ring.
// The same route always maps to the same endpoint (until the ring changes),
// so per-route state on the server stays warm.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32          // sorted hash values on the ring
	nodes map[uint32]string // hash value → endpoint address
	set   string            // endpoint set the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]string),
	}
}

// add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) add(addr string) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = addr
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// rebuild resets the ring when the endpoint list changed since the last Pick.
func (b *ConsistentHashBalancer) rebuild(endpoints []Endpoint) {
	addrs := make([]string, len(endpoints))
	for i, e := range endpoints {
		addrs[i] = e.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")
	if set == b.set {
		return
	}
	b.set = set
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string)
	for _, addr := range addrs {
		b.add(addr)
	}
	b.sortRing()
}

// Pick finds the endpoint responsible for key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node.
func (b *ConsistentHashBalancer) Pick(endpoints []Endpoint, key string) (*Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	b.rebuild(endpoints)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range endpoints {
		if endpoints[i].Addr == addr {
			return &endpoints[i], nil
		}
	}
	return nil, ErrNoEndpoints
}

func (b *ConsistentHashBalancer) Name() string {
	return NameConsistentHash
}
