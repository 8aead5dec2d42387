package metadata

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/devrev/quorumkv/internal/model"
	"github.com/go-zookeeper/zk"
)

// ZooKeeperStore keeps the snapshot in a single znode and uses the znode's
// data version for CAS.
type ZooKeeperStore struct {
	conn *zk.Conn
	node string
}

// NewZooKeeperStore connects to servers and stores the snapshot under
// rootPath/snapshot.
func NewZooKeeperStore(servers []string, rootPath string, sessionTimeout time.Duration) (*ZooKeeperStore, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}

	s := &ZooKeeperStore{conn: conn, node: path.Join(rootPath, "snapshot")}
	if err := s.waitConnected(10 * time.Second); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ensurePath(rootPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure root path: %w", err)
	}
	return s, nil
}

func (s *ZooKeeperStore) Load(ctx context.Context) (*model.Snapshot, error) {
	data, _, err := s.conn.Get(s.node)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("zk get: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *ZooKeeperStore) CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error {
	payload, err := encodeSnapshot(next)
	if err != nil {
		return err
	}

	data, stat, err := s.conn.Get(s.node)
	if errors.Is(err, zk.ErrNoNode) {
		if expected != 0 {
			return ErrVersionMismatch
		}
		_, err = s.conn.Create(s.node, payload, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			return ErrVersionMismatch
		}
		if err != nil {
			return fmt.Errorf("zk create: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("zk get: %w", err)
	}

	stored, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	if stored.Version != expected {
		return ErrVersionMismatch
	}

	_, err = s.conn.Set(s.node, payload, stat.Version)
	if errors.Is(err, zk.ErrBadVersion) {
		return ErrVersionMismatch
	}
	if err != nil {
		return fmt.Errorf("zk set: %w", err)
	}
	return nil
}

func (s *ZooKeeperStore) Close() error {
	s.conn.Close()
	return nil
}

func (s *ZooKeeperStore) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (s *ZooKeeperStore) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := s.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("zk: not connected after %s", timeout)
}
