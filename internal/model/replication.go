package model

// ReplicationMessage carries one versioned write from a coordinator to a
// replica.
type ReplicationMessage struct {
	Key         []byte `json:"key"`
	Value       []byte `json:"value,omitempty"`
	Tombstone   bool   `json:"tombstone,omitempty"`
	Version     uint64 `json:"version"`
	PartitionID int    `json:"partition_id"`
	Origin      string `json:"origin,omitempty"`
}

// Record converts the message into a storable record.
func (m *ReplicationMessage) Record() *Record {
	return &Record{
		Key:       m.Key,
		Value:     m.Value,
		Version:   m.Version,
		Tombstone: m.Tombstone,
		Origin:    m.Origin,
	}
}

// NewReplicationMessage builds the message for a record.
func NewReplicationMessage(partitionID int, r *Record) *ReplicationMessage {
	return &ReplicationMessage{
		Key:         r.Key,
		Value:       r.Value,
		Tombstone:   r.Tombstone,
		Version:     r.Version,
		PartitionID: partitionID,
		Origin:      r.Origin,
	}
}

// Hint is a replication message parked for a replica that missed it.
type Hint struct {
	HintID       string              `json:"hint_id"`
	TargetNodeID string              `json:"target_node_id"`
	Message      *ReplicationMessage `json:"message"`
	CreatedAt    int64               `json:"created_at"`
	Retries      int                 `json:"retries"`
}
