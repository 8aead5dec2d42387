package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/quorumkv/internal/algorithm"
	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"go.uber.org/zap"
)

const maxCASAttempts = 5

// Config holds the metadata service settings.
type Config struct {
	Partitions        int
	ReplicationFactor int
	VirtualNodes      int
	SuspectAfter      time.Duration
	DeadAfter         time.Duration
	CheckInterval     time.Duration
	// Now overrides the clock; tests drive liveness with it.
	Now func() time.Time
}

func (c *Config) validate() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive")
	}
	if c.ReplicationFactor <= 0 {
		return fmt.Errorf("replication_factor must be positive")
	}
	if c.SuspectAfter <= 0 || c.DeadAfter <= c.SuspectAfter {
		return fmt.Errorf("dead_after (%s) must exceed suspect_after (%s) > 0", c.DeadAfter, c.SuspectAfter)
	}
	return nil
}

// Service owns node liveness and partition assignments. All mutations go
// through update, one at a time; readers load the published snapshot
// without locking.
type Service struct {
	cfg      Config
	store    MetadataStore
	current  atomic.Pointer[model.Snapshot]
	updateMu sync.Mutex
	ring     *algorithm.PlacementRing

	seenMu   sync.Mutex
	lastSeen map[string]time.Time

	metrics *metrics.Metrics
	logger  *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService loads the stored snapshot, or bootstraps an empty one with
// cfg.Partitions partitions.
func NewService(ctx context.Context, cfg Config, store MetadataStore, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = 64
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		ring:     algorithm.NewPlacementRing(cfg.VirtualNodes),
		lastSeen: make(map[string]time.Time),
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	snap, err := store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		snap = model.NewSnapshot(cfg.Partitions)
		snap.Version = 1
		err = store.CompareAndSwap(ctx, 0, snap)
		if errors.Is(err, ErrVersionMismatch) {
			// Another instance bootstrapped first.
			snap, err = store.Load(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if len(snap.Partitions) != cfg.Partitions {
		return nil, fmt.Errorf("stored snapshot has %d partitions, configured %d", len(snap.Partitions), cfg.Partitions)
	}

	// Every live node gets a full grace period after a restart.
	now := cfg.Now()
	for _, n := range snap.Nodes {
		if n.State != model.NodeStateDead {
			s.ring.AddNode(n.NodeID)
			s.lastSeen[n.NodeID] = now
		}
	}
	s.publish(snap)

	logger.Info("Metadata service initialized",
		zap.Uint64("snapshot_version", snap.Version),
		zap.Int("partitions", cfg.Partitions),
		zap.Int("nodes", len(snap.Nodes)))
	return s, nil
}

// Start runs the liveness check on CheckInterval until Stop.
func (s *Service) Start() {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = s.cfg.SuspectAfter / 2
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := s.CheckLiveness(ctx); err != nil {
					s.logger.Error("Liveness check failed", zap.Error(err))
				}
				cancel()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop stops the liveness loop.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// GetSnapshot returns a copy of the latest published snapshot.
func (s *Service) GetSnapshot() *model.Snapshot {
	return s.current.Load().Clone()
}

// Version returns the latest published snapshot version.
func (s *Service) Version() uint64 {
	return s.current.Load().Version
}

// Register adds a node in the joining state and places it into partitions
// whose replica sets are short. Registering a live node again only refreshes
// its address. Dead node ids cannot come back.
func (s *Service) Register(ctx context.Context, nodeID, address string) ([]model.PartitionAssignment, error) {
	if nodeID == "" {
		return nil, kverrors.InvalidArgument("node_id must not be empty", nil)
	}

	snap, err := s.update(ctx, func(next *model.Snapshot) (bool, error) {
		if idx := next.NodeIndex(nodeID); idx >= 0 {
			node := &next.Nodes[idx]
			if node.State == model.NodeStateDead {
				return false, kverrors.NodeDead(nodeID)
			}
			if node.Address == address {
				return false, nil
			}
			node.Address = address
			return true, nil
		}

		next.Nodes = append(next.Nodes, model.Node{
			NodeID:       nodeID,
			Address:      address,
			State:        model.NodeStateJoining,
			RegisteredAt: s.cfg.Now(),
		})
		next.SortNodes()
		s.ring.AddNode(nodeID)
		s.fillReplicaSets(next, nodeID)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.touch(nodeID)
	s.logger.Info("Node registered",
		zap.String("node_id", nodeID),
		zap.String("address", address),
		zap.Uint64("snapshot_version", snap.Version))
	return assignmentsFor(snap, nodeID), nil
}

// Heartbeat records liveness for nodeID and promotes joining or suspected
// nodes to active.
func (s *Service) Heartbeat(ctx context.Context, hb model.Heartbeat) (model.NodeState, error) {
	node, ok := s.current.Load().Node(hb.NodeID)
	if !ok {
		s.metrics.RecordHeartbeat("unknown")
		s.logger.Warn("Heartbeat from unknown node", zap.String("node_id", hb.NodeID))
		return "", kverrors.UnknownNode(hb.NodeID)
	}
	if node.State == model.NodeStateDead {
		s.metrics.RecordHeartbeat("dead")
		return model.NodeStateDead, kverrors.NodeDead(hb.NodeID)
	}

	s.touch(hb.NodeID)
	s.metrics.RecordHeartbeat("ok")

	if node.State == model.NodeStateActive {
		return model.NodeStateActive, nil
	}

	snap, err := s.update(ctx, func(next *model.Snapshot) (bool, error) {
		idx := next.NodeIndex(hb.NodeID)
		if idx < 0 {
			return false, kverrors.UnknownNode(hb.NodeID)
		}
		n := &next.Nodes[idx]
		switch n.State {
		case model.NodeStateDead:
			return false, kverrors.NodeDead(hb.NodeID)
		case model.NodeStateActive:
			return false, nil
		}
		s.transition(n, model.NodeStateActive)
		n.LastHeartbeat = s.cfg.Now()
		return true, nil
	})
	if err != nil {
		return "", err
	}

	updated, _ := snap.Node(hb.NodeID)
	return updated.State, nil
}

// CheckLiveness applies the timeout transitions: active nodes silent for
// SuspectAfter become suspected, and any live node silent for DeadAfter
// becomes dead and leaves every replica set.
func (s *Service) CheckLiveness(ctx context.Context) error {
	now := s.cfg.Now()

	_, err := s.update(ctx, func(next *model.Snapshot) (bool, error) {
		changed := false
		for i := range next.Nodes {
			n := &next.Nodes[i]
			if n.State == model.NodeStateDead {
				continue
			}

			silent := now.Sub(s.lastSeenAt(n.NodeID, now))
			switch {
			case silent >= s.cfg.DeadAfter:
				s.transition(n, model.NodeStateDead)
				removeReplica(next, n.NodeID)
				s.ring.RemoveNode(n.NodeID)
				changed = true
			case silent >= s.cfg.SuspectAfter && n.State == model.NodeStateActive:
				s.transition(n, model.NodeStateSuspected)
				changed = true
			}
		}
		return changed, nil
	})
	return err
}

// update runs mutate against a copy of the latest snapshot and publishes the
// result through the store's compare-and-swap. mutate returning false leaves
// the snapshot untouched.
func (s *Service) update(ctx context.Context, mutate func(next *model.Snapshot) (bool, error)) (*model.Snapshot, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		base := s.current.Load()
		next := base.Clone()

		changed, err := mutate(next)
		if err != nil {
			return nil, err
		}
		if !changed {
			return base, nil
		}
		next.Version = base.Version + 1

		err = s.store.CompareAndSwap(ctx, base.Version, next)
		if err == nil {
			s.publish(next)
			return next, nil
		}
		if !errors.Is(err, ErrVersionMismatch) {
			s.rebuildRing(base)
			return nil, kverrors.MetadataUnavailable(err)
		}

		s.logger.Warn("Snapshot CAS conflict, reloading",
			zap.Uint64("expected", base.Version),
			zap.Int("attempt", attempt+1))
		fresh, err := s.store.Load(ctx)
		if err != nil {
			return nil, kverrors.MetadataUnavailable(err)
		}
		s.rebuildRing(fresh)
		s.publish(fresh)
	}
	return nil, kverrors.MetadataUnavailable(fmt.Errorf("gave up after %d compare-and-swap attempts", maxCASAttempts))
}

func (s *Service) publish(snap *model.Snapshot) {
	s.current.Store(snap)
	s.metrics.UpdateSnapshotVersion(snap.Version)

	counts := map[string]int{}
	for _, n := range snap.Nodes {
		counts[string(n.State)]++
	}
	s.metrics.UpdateNodeStates(counts)
}

func (s *Service) rebuildRing(snap *model.Snapshot) {
	ring := algorithm.NewPlacementRing(s.cfg.VirtualNodes)
	for _, n := range snap.Nodes {
		if n.State != model.NodeStateDead {
			ring.AddNode(n.NodeID)
		}
	}
	s.ring = ring
}

// fillReplicaSets adds nodeID to every partition below the replication
// factor and reorders those sets by ring preference.
func (s *Service) fillReplicaSets(next *model.Snapshot, nodeID string) {
	for i := range next.Partitions {
		p := &next.Partitions[i]
		if len(p.ReplicaNodeIDs) >= s.cfg.ReplicationFactor {
			continue
		}
		p.ReplicaNodeIDs = s.ring.Rank(p.PartitionID, append(p.ReplicaNodeIDs, nodeID))
	}
}

func (s *Service) transition(n *model.Node, to model.NodeState) {
	s.logger.Info("Node state transition",
		zap.String("node_id", n.NodeID),
		zap.String("from", string(n.State)),
		zap.String("to", string(to)))
	s.metrics.RecordTransition(string(n.State), string(to))
	n.State = to
}

func (s *Service) touch(nodeID string) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	s.lastSeen[nodeID] = s.cfg.Now()
}

func (s *Service) lastSeenAt(nodeID string, fallback time.Time) time.Time {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if t, ok := s.lastSeen[nodeID]; ok {
		return t
	}
	s.lastSeen[nodeID] = fallback
	return fallback
}

func removeReplica(snap *model.Snapshot, nodeID string) {
	for i := range snap.Partitions {
		ids := snap.Partitions[i].ReplicaNodeIDs
		kept := ids[:0]
		for _, id := range ids {
			if id != nodeID {
				kept = append(kept, id)
			}
		}
		snap.Partitions[i].ReplicaNodeIDs = kept
	}
}

func assignmentsFor(snap *model.Snapshot, nodeID string) []model.PartitionAssignment {
	var out []model.PartitionAssignment
	for _, p := range snap.Partitions {
		for _, id := range p.ReplicaNodeIDs {
			if id == nodeID {
				out = append(out, model.PartitionAssignment{
					PartitionID:    p.PartitionID,
					ReplicaNodeIDs: append([]string{}, p.ReplicaNodeIDs...),
				})
				break
			}
		}
	}
	return out
}
