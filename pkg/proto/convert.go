package proto

import "github.com/devrev/quorumkv/internal/model"

// RecordFromModel converts a stored record to its wire form.
func RecordFromModel(r *model.Record) *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Key:       r.Key,
		Value:     r.Value,
		Version:   r.Version,
		Tombstone: r.Tombstone,
		Origin:    r.Origin,
		Timestamp: r.Timestamp,
	}
}

// Model converts the wire record back.
func (r *Record) Model() *model.Record {
	if r == nil {
		return nil
	}
	return &model.Record{
		Key:       r.Key,
		Value:     r.Value,
		Version:   r.Version,
		Tombstone: r.Tombstone,
		Origin:    r.Origin,
		Timestamp: r.Timestamp,
	}
}

func ReplicationFromModel(m *model.ReplicationMessage) *ReplicationMessage {
	return &ReplicationMessage{
		Key:         m.Key,
		Value:       m.Value,
		Tombstone:   m.Tombstone,
		Version:     m.Version,
		PartitionId: m.PartitionID,
		Origin:      m.Origin,
	}
}

func (m *ReplicationMessage) Model() *model.ReplicationMessage {
	return &model.ReplicationMessage{
		Key:         m.Key,
		Value:       m.Value,
		Tombstone:   m.Tombstone,
		Version:     m.Version,
		PartitionID: m.PartitionId,
		Origin:      m.Origin,
	}
}

// SnapshotFromModel converts a metadata snapshot to the exchange format.
func SnapshotFromModel(s *model.Snapshot) *Snapshot {
	out := &Snapshot{
		Version:    s.Version,
		Partitions: AssignmentsFromModel(s.Partitions),
		Nodes:      make([]NodeInfo, len(s.Nodes)),
	}
	for i, n := range s.Nodes {
		out.Nodes[i] = NodeInfo{NodeId: n.NodeID, State: string(n.State), Address: n.Address}
	}
	return out
}

// Model converts the exchange format back into a snapshot.
func (s *Snapshot) Model() *model.Snapshot {
	out := &model.Snapshot{
		Version:    s.Version,
		Partitions: AssignmentsToModel(s.Partitions),
		Nodes:      make([]model.Node, len(s.Nodes)),
	}
	for i, n := range s.Nodes {
		out.Nodes[i] = model.Node{NodeID: n.NodeId, State: model.NodeState(n.State), Address: n.Address}
	}
	return out
}

func AssignmentsFromModel(in []model.PartitionAssignment) []PartitionAssignment {
	out := make([]PartitionAssignment, len(in))
	for i, p := range in {
		out[i] = PartitionAssignment{
			PartitionId:    p.PartitionID,
			ReplicaNodeIds: append([]string{}, p.ReplicaNodeIDs...),
		}
	}
	return out
}

func AssignmentsToModel(in []PartitionAssignment) []model.PartitionAssignment {
	out := make([]model.PartitionAssignment, len(in))
	for i, p := range in {
		out[i] = model.PartitionAssignment{
			PartitionID:    p.PartitionId,
			ReplicaNodeIDs: append([]string{}, p.ReplicaNodeIds...),
		}
	}
	return out
}
