package model

// Record is the unit stored by a storage node. A delete is a record with
// Tombstone set and no value.
type Record struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Version   uint64 `json:"version"`
	Tombstone bool   `json:"tombstone,omitempty"`
	// Origin is the node-id of the coordinator that assigned Version.
	Origin    string `json:"origin,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Newer reports whether r orders after other. Higher versions win; equal
// versions fall back to the origin node-id so every replica picks the same
// winner.
func (r *Record) Newer(other *Record) bool {
	if other == nil {
		return r != nil
	}
	if r == nil {
		return false
	}
	if r.Version != other.Version {
		return r.Version > other.Version
	}
	return r.Origin > other.Origin
}

// Same reports whether both records carry the same version and origin.
func (r *Record) Same(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Version == other.Version && r.Origin == other.Origin
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Key = append([]byte(nil), r.Key...)
	if r.Value != nil {
		c.Value = append([]byte(nil), r.Value...)
	}
	return &c
}

// OperationType identifies a commit log mutation.
type OperationType string

const (
	OperationTypeWrite  OperationType = "write"
	OperationTypeDelete OperationType = "delete"
	OperationTypeRepair OperationType = "repair"
)

// CommitLogEntry is one line of the append-only commit log.
type CommitLogEntry struct {
	SequenceNumber uint64        `json:"seq"`
	Key            []byte        `json:"key"`
	Value          []byte        `json:"value,omitempty"`
	Version        uint64        `json:"version"`
	Tombstone      bool          `json:"tombstone,omitempty"`
	Origin         string        `json:"origin,omitempty"`
	Timestamp      int64         `json:"timestamp"`
	OperationType  OperationType `json:"op"`
	Checksum       uint32        `json:"checksum"`
}

// Record returns the record carried by the entry.
func (e *CommitLogEntry) Record() *Record {
	return &Record{
		Key:       e.Key,
		Value:     e.Value,
		Version:   e.Version,
		Tombstone: e.Tombstone,
		Origin:    e.Origin,
		Timestamp: e.Timestamp,
	}
}
