package algorithm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const vnodeSeparator = "-vnode-"

// PlacementRing orders storage nodes per partition using consistent hashing
// with virtual nodes. It only decides preference order; partition membership
// itself is fixed by the Partitioner.
type PlacementRing struct {
	ring       []uint64          // Sorted hash values
	ringMap    map[uint64]string // Hash -> VNodeID
	nodeVNodes map[string][]uint64
	vnodes     int
	mu         sync.RWMutex
}

// NewPlacementRing creates an empty ring that places vnodes virtual nodes per
// physical node.
func NewPlacementRing(vnodes int) *PlacementRing {
	if vnodes <= 0 {
		vnodes = 1
	}
	return &PlacementRing{
		ring:       make([]uint64, 0),
		ringMap:    make(map[uint64]string),
		nodeVNodes: make(map[string][]uint64),
		vnodes:     vnodes,
	}
}

// AddNode adds a physical node with its virtual nodes. Adding a node twice is
// a no-op.
func (r *PlacementRing) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodeVNodes[nodeID]; exists {
		return
	}

	hashes := make([]uint64, 0, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		vnodeID := fmt.Sprintf("%s%s%d", nodeID, vnodeSeparator, i)
		hash := HashKey([]byte(vnodeID))
		if _, taken := r.ringMap[hash]; taken {
			continue
		}
		r.ring = append(r.ring, hash)
		r.ringMap[hash] = vnodeID
		hashes = append(hashes, hash)
	}

	r.nodeVNodes[nodeID] = hashes
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveNode removes a physical node and its virtual nodes
func (r *PlacementRing) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, exists := r.nodeVNodes[nodeID]
	if !exists {
		return
	}

	drop := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		drop[h] = true
		delete(r.ringMap, h)
	}

	kept := make([]uint64, 0, len(r.ring)-len(hashes))
	for _, h := range r.ring {
		if !drop[h] {
			kept = append(kept, h)
		}
	}
	r.ring = kept
	delete(r.nodeVNodes, nodeID)
}

// Preference returns up to count distinct physical nodes in clockwise order
// starting at the position of the partition's token.
func (r *PlacementRing) Preference(partitionID, count int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 || count <= 0 {
		return nil
	}

	token := PartitionToken(partitionID)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= token })
	if idx >= len(r.ring) {
		idx = 0
	}

	nodes := make([]string, 0, count)
	seen := make(map[string]bool)
	for i := 0; i < len(r.ring) && len(nodes) < count; i++ {
		vnodeID := r.ringMap[r.ring[(idx+i)%len(r.ring)]]
		nodeID := physicalNode(vnodeID)
		if !seen[nodeID] {
			seen[nodeID] = true
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}

// Rank orders candidates by their preference for the partition. Candidates
// that are not on the ring keep their relative order at the end.
func (r *PlacementRing) Rank(partitionID int, candidates []string) []string {
	pref := r.Preference(partitionID, r.NodeCount())
	pos := make(map[string]int, len(pref))
	for i, id := range pref {
		pos[id] = i
	}

	out := append([]string(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i]]
		pj, jok := pos[out[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
	return out
}

// NodeCount returns the number of physical nodes
func (r *PlacementRing) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodeVNodes)
}

// PartitionToken is the ring position used for a partition.
func PartitionToken(partitionID int) uint64 {
	return HashKey([]byte(fmt.Sprintf("partition-%d", partitionID)))
}

func physicalNode(vnodeID string) string {
	if idx := strings.LastIndex(vnodeID, vnodeSeparator); idx >= 0 {
		return vnodeID[:idx]
	}
	return vnodeID
}
