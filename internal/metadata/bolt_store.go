package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/quorumkv/internal/model"
	bolt "go.etcd.io/bbolt"
)

const (
	boltBucket      = "quorumkvMetadata"
	boltSnapshotKey = "snapshot"
)

// BoltStore keeps the snapshot in an embedded bbolt file. CAS runs inside a
// single read-write transaction.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(filename string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(boltBucket)); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(boltBucket)).Get([]byte(boltSnapshotKey))
		if data == nil {
			return ErrNoSnapshot
		}
		var err error
		snap, err = decodeSnapshot(data)
		return err
	})
	return snap, err
}

func (s *BoltStore) CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error {
	payload, err := encodeSnapshot(next)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		var current uint64
		if data := b.Get([]byte(boltSnapshotKey)); data != nil {
			stored, err := decodeSnapshot(data)
			if err != nil {
				return err
			}
			current = stored.Version
		}
		if current != expected {
			return ErrVersionMismatch
		}
		return b.Put([]byte(boltSnapshotKey), payload)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
