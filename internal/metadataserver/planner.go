package metadataserver

import (
	"math/rand"
	"sync"

	"replicafs/internal/protocol"
)

// placementPlanner picks replica targets. Each allocation shuffles the
// healthy set and then walks it round-robin, so a file's consecutive chunks
// land on different node sets whenever more than R nodes are healthy.
type placementPlanner struct {
	replicas int

	mu  sync.Mutex
	rng *rand.Rand
}

func newPlacementPlanner(replicas int, src rand.Source) *placementPlanner {
	return &placementPlanner{replicas: replicas, rng: rand.New(src)}
}

// place returns replicas distinct nodes for each of n chunks. avoid[i], when
// set, lists nodes chunk i should only get if nothing else is available.
func (p *placementPlanner) place(healthy []protocol.NodeRef, n int, avoid []map[string]bool) ([][]protocol.NodeRef, error) {
	if n == 0 {
		return nil, nil
	}
	if len(healthy) < p.replicas {
		return nil, protocol.Errorf(protocol.KindInsufficientNodes,
			"need %d healthy nodes, have %d", p.replicas, len(healthy))
	}

	ring := append([]protocol.NodeRef(nil), healthy...)
	p.mu.Lock()
	p.rng.Shuffle(len(ring), func(i, j int) { ring[i], ring[j] = ring[j], ring[i] })
	p.mu.Unlock()

	sets := make([][]protocol.NodeRef, n)
	cursor := 0
	for i := 0; i < n; i++ {
		var skip map[string]bool
		if i < len(avoid) {
			skip = avoid[i]
		}
		sets[i] = p.pick(ring, cursor, skip)
		cursor = (cursor + p.replicas) % len(ring)
	}
	return sets, nil
}

func (p *placementPlanner) pick(ring []protocol.NodeRef, start int, skip map[string]bool) []protocol.NodeRef {
	set := make([]protocol.NodeRef, 0, p.replicas)
	var fallback []protocol.NodeRef
	for step := 0; step < len(ring) && len(set) < p.replicas; step++ {
		node := ring[(start+step)%len(ring)]
		if skip[node.ID] {
			fallback = append(fallback, node)
			continue
		}
		set = append(set, node)
	}
	for _, node := range fallback {
		if len(set) == p.replicas {
			break
		}
		set = append(set, node)
	}
	return set
}
