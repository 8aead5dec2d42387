package model

import "sort"

// PartitionAssignment maps a partition to its ordered replica set. The first
// replica is the preferred coordinator for the partition.
type PartitionAssignment struct {
	PartitionID    int      `json:"partition_id"`
	ReplicaNodeIDs []string `json:"replica_node_ids"`
}

// Snapshot is an immutable, versioned view of cluster metadata. Holders must
// treat it as read-only and use Clone before mutating.
type Snapshot struct {
	Version    uint64                `json:"version"`
	Partitions []PartitionAssignment `json:"partitions"`
	Nodes      []Node                `json:"nodes"`
}

// NewSnapshot builds an empty version-0 snapshot with count partitions.
func NewSnapshot(count int) *Snapshot {
	s := &Snapshot{Partitions: make([]PartitionAssignment, count)}
	for i := range s.Partitions {
		s.Partitions[i] = PartitionAssignment{PartitionID: i, ReplicaNodeIDs: []string{}}
	}
	return s
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		Version:    s.Version,
		Partitions: make([]PartitionAssignment, len(s.Partitions)),
		Nodes:      make([]Node, len(s.Nodes)),
	}
	for i, p := range s.Partitions {
		c.Partitions[i] = PartitionAssignment{
			PartitionID:    p.PartitionID,
			ReplicaNodeIDs: append([]string{}, p.ReplicaNodeIDs...),
		}
	}
	copy(c.Nodes, s.Nodes)
	return c
}

// Node looks up a node by id.
func (s *Snapshot) Node(nodeID string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return Node{}, false
}

// NodeIndex returns the position of nodeID in Nodes or -1.
func (s *Snapshot) NodeIndex(nodeID string) int {
	for i, n := range s.Nodes {
		if n.NodeID == nodeID {
			return i
		}
	}
	return -1
}

// Replicas returns the replica set of a partition, or nil when the partition
// is unknown.
func (s *Snapshot) Replicas(partitionID int) []string {
	if partitionID < 0 || partitionID >= len(s.Partitions) {
		return nil
	}
	return s.Partitions[partitionID].ReplicaNodeIDs
}

// ActiveReplicas returns the active members of a partition's replica set in
// preference order.
func (s *Snapshot) ActiveReplicas(partitionID int) []Node {
	ids := s.Replicas(partitionID)
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := s.Node(id); ok && n.State == NodeStateActive {
			out = append(out, n)
		}
	}
	return out
}

// SortNodes orders nodes by id so snapshots serialize deterministically.
func (s *Snapshot) SortNodes() {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].NodeID < s.Nodes[j].NodeID })
}
