package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/quorumkv/internal/model"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore keeps the snapshot under a single etcd key. CAS is a transaction
// guarded on the key's mod revision.
type EtcdStore struct {
	client *clientv3.Client
	key    string
}

func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdStore{client: c, key: prefix + "/snapshot"}, nil
}

func (s *EtcdStore) Load(ctx context.Context) (*model.Snapshot, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoSnapshot
	}
	return decodeSnapshot(resp.Kvs[0].Value)
}

func (s *EtcdStore) CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error {
	payload, err := encodeSnapshot(next)
	if err != nil {
		return err
	}

	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("etcd get: %w", err)
	}

	var guard clientv3.Cmp
	if len(resp.Kvs) == 0 {
		if expected != 0 {
			return ErrVersionMismatch
		}
		guard = clientv3.Compare(clientv3.CreateRevision(s.key), "=", 0)
	} else {
		stored, err := decodeSnapshot(resp.Kvs[0].Value)
		if err != nil {
			return err
		}
		if stored.Version != expected {
			return ErrVersionMismatch
		}
		guard = clientv3.Compare(clientv3.ModRevision(s.key), "=", resp.Kvs[0].ModRevision)
	}

	txn, err := s.client.Txn(ctx).
		If(guard).
		Then(clientv3.OpPut(s.key, string(payload))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd txn: %w", err)
	}
	if !txn.Succeeded {
		return ErrVersionMismatch
	}
	return nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
