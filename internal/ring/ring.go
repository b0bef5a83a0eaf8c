// Package ring implements a consistent-hash ring that maps opaque request
// fingerprints to worker identifiers using virtual nodes, so the same key
// always resolves to the same worker across processes as long as the set
// of registered workers is unchanged.
package ring

import (
	"slices"
	"strconv"
	"sync"
)

// DefaultVirtualNodes is the number of ring positions contributed by each
// physical worker when none is configured explicitly.
const DefaultVirtualNodes = 150

// fnvOffset32 and fnvPrime32 are the FNV-1a 32-bit constants. Bit-exact
// compatibility with these matters: request-to-worker affinity across
// independently started processes depends on hashing the same way.
const (
	fnvOffset32 uint32 = 0x811C9DC5
	fnvPrime32  uint32 = 0x01000193
)

// Hash32 computes the FNV-1a 32-bit hash of key's UTF-8 bytes.
func Hash32(key string) uint32 {
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return h
}

// Ring is a sorted mapping from 32-bit hash positions to worker identifiers.
// Mutations (AddNode/RemoveNode) are expected only at startup; GetNode reads
// dominate and are served under the same lock since ring size is small and
// lookups are O(log V*N).
type Ring struct {
	mu          sync.Mutex
	virtualNode int
	positions   []uint32          // sorted, unique
	owners      map[uint32]string // position -> worker id
	present     map[string]bool   // physical workers currently registered
}

// New creates an empty ring where each worker contributes virtualNodes ring
// positions. A non-positive virtualNodes falls back to DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNode: virtualNodes,
		owners:      make(map[uint32]string),
		present:     make(map[string]bool),
	}
}

// AddNode inserts the virtual nodes for a worker id. Callers must not add
// the same id twice; the ring does not deduplicate re-insertion.
func (r *Ring) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.virtualNode; i++ {
		pos := Hash32(vnodeKey(id, i))
		if _, exists := r.owners[pos]; exists {
			// Extremely rare 32-bit collision between two virtual nodes;
			// last writer for that exact position wins.
			r.owners[pos] = id
			continue
		}
		r.owners[pos] = id
		idx, found := slices.BinarySearch(r.positions, pos)
		if !found {
			r.positions = slices.Insert(r.positions, idx, pos)
		}
	}
	r.present[id] = true
}

// RemoveNode removes all virtual nodes for a worker id. It is a no-op if
// the id was never added.
func (r *Ring) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.present[id] {
		return
	}
	for i := 0; i < r.virtualNode; i++ {
		pos := Hash32(vnodeKey(id, i))
		if owner, ok := r.owners[pos]; !ok || owner != id {
			continue
		}
		delete(r.owners, pos)
		if idx, found := slices.BinarySearch(r.positions, pos); found {
			r.positions = slices.Delete(r.positions, idx, idx+1)
		}
	}
	delete(r.present, id)
}

// GetNode returns the worker id owning key's clockwise position on the
// ring, wrapping to the first position when key hashes past the last
// virtual node. The second return is false when the ring is empty.
func (r *Ring) GetNode(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.positions) == 0 {
		return "", false
	}
	h := Hash32(key)
	idx, found := slices.BinarySearch(r.positions, h)
	if !found && idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]], true
}

// AllNodes returns each physical worker currently registered, deduplicated,
// in ascending order of their first ring position — stable across calls as
// long as the registered set doesn't change.
func (r *Ring) AllNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.present))
	nodes := make([]string, 0, len(r.present))
	for _, pos := range r.positions {
		id := r.owners[pos]
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	return nodes
}

// Distribution buckets keys by the worker they currently resolve to, useful
// for verifying that a given worker set spreads load roughly evenly.
func (r *Ring) Distribution(keys []string) map[string]int {
	dist := make(map[string]int)
	for _, key := range keys {
		node, ok := r.GetNode(key)
		if !ok {
			continue
		}
		dist[node]++
	}
	return dist
}

// vnodeKey formats the virtual node identifier hashed for the i-th replica
// of a worker.
func vnodeKey(id string, i int) string {
	return id + "#" + strconv.Itoa(i)
}
