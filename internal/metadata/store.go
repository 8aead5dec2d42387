package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devrev/quorumkv/internal/model"
)

var (
	// ErrNoSnapshot is returned by Load when nothing has been stored yet.
	ErrNoSnapshot = errors.New("no snapshot stored")
	// ErrVersionMismatch is returned by CompareAndSwap when the stored
	// version is not the expected one.
	ErrVersionMismatch = errors.New("snapshot version mismatch")
)

// MetadataStore persists the cluster snapshot. CompareAndSwap replaces the
// stored snapshot only when its version equals expected; expected 0 means
// "nothing stored yet".
type MetadataStore interface {
	Load(ctx context.Context) (*model.Snapshot, error)
	CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error
	Close() error
}

func encodeSnapshot(s *model.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*model.Snapshot, error) {
	var s model.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &s, nil
}
