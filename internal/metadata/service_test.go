package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, store MetadataStore) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc, err := NewService(context.Background(), Config{
		Partitions:        8,
		ReplicationFactor: 3,
		VirtualNodes:      16,
		SuspectAfter:      3 * time.Second,
		DeadAfter:         10 * time.Second,
		Now:               clock.Now,
	}, store, nil, zap.NewNop())
	require.NoError(t, err)
	return svc, clock
}

func activate(t *testing.T, svc *Service, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		_, err := svc.Register(ctx, id, id+":7000")
		require.NoError(t, err)
		state, err := svc.Heartbeat(ctx, model.Heartbeat{NodeID: id})
		require.NoError(t, err)
		require.Equal(t, model.NodeStateActive, state)
	}
}

func TestService_Bootstrap(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	snap := svc.GetSnapshot()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Len(t, snap.Partitions, 8)
	assert.Empty(t, snap.Nodes)
}

func TestService_RejectsBadConfig(t *testing.T) {
	_, err := NewService(context.Background(), Config{
		Partitions:        4,
		ReplicationFactor: 3,
		SuspectAfter:      5 * time.Second,
		DeadAfter:         time.Second,
	}, NewMemoryStore(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestService_RegisterFillsReplicaSets(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	assignments, err := svc.Register(ctx, "n1", "h1:7000")
	require.NoError(t, err)
	assert.Len(t, assignments, 8)

	activate(t, svc, "n2", "n3")
	_, err = svc.Register(ctx, "n4", "h4:7000")
	require.NoError(t, err)

	snap := svc.GetSnapshot()
	for _, p := range snap.Partitions {
		assert.Len(t, p.ReplicaNodeIDs, 3)
		assert.NotContains(t, p.ReplicaNodeIDs, "n4")
	}

	n1, ok := snap.Node("n1")
	require.True(t, ok)
	assert.Equal(t, model.NodeStateJoining, n1.State)
}

func TestService_RegisterIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Register(ctx, "n1", "h1:7000")
	require.NoError(t, err)
	v := svc.Version()

	_, err = svc.Register(ctx, "n1", "h1:7000")
	require.NoError(t, err)
	assert.Equal(t, v, svc.Version())

	_, err = svc.Register(ctx, "n1", "h1:7001")
	require.NoError(t, err)
	assert.Equal(t, v+1, svc.Version())

	n, _ := svc.GetSnapshot().Node("n1")
	assert.Equal(t, "h1:7001", n.Address)

	_, err = svc.Register(ctx, "", "x")
	assert.True(t, errors.Is(err, kverrors.ErrInvalidArgument))
}

func TestService_HeartbeatUnknownNode(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	_, err := svc.Heartbeat(context.Background(), model.Heartbeat{NodeID: "ghost"})
	assert.True(t, errors.Is(err, kverrors.ErrUnknownNode))
}

func TestService_LivenessLifecycle(t *testing.T) {
	svc, clock := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	activate(t, svc, "n1", "n2", "n3")

	clock.Advance(2 * time.Second)
	for _, id := range []string{"n1", "n2"} {
		_, err := svc.Heartbeat(ctx, model.Heartbeat{NodeID: id})
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Second)
	require.NoError(t, svc.CheckLiveness(ctx))

	n3, _ := svc.GetSnapshot().Node("n3")
	assert.Equal(t, model.NodeStateSuspected, n3.State)
	n1, _ := svc.GetSnapshot().Node("n1")
	assert.Equal(t, model.NodeStateActive, n1.State)

	// A heartbeat brings a suspected node back.
	state, err := svc.Heartbeat(ctx, model.Heartbeat{NodeID: "n3"})
	require.NoError(t, err)
	assert.Equal(t, model.NodeStateActive, state)

	clock.Advance(11 * time.Second)
	_, err = svc.Heartbeat(ctx, model.Heartbeat{NodeID: "n1"})
	require.NoError(t, err)
	_, err = svc.Heartbeat(ctx, model.Heartbeat{NodeID: "n2"})
	require.NoError(t, err)
	require.NoError(t, svc.CheckLiveness(ctx))

	snap := svc.GetSnapshot()
	n3, _ = snap.Node("n3")
	assert.Equal(t, model.NodeStateDead, n3.State)
	for _, p := range snap.Partitions {
		assert.NotContains(t, p.ReplicaNodeIDs, "n3")
		assert.Len(t, p.ReplicaNodeIDs, 2)
		assert.Len(t, snap.ActiveReplicas(p.PartitionID), 2)
	}

	// Dead is terminal.
	_, err = svc.Heartbeat(ctx, model.Heartbeat{NodeID: "n3"})
	assert.True(t, errors.Is(err, kverrors.ErrNodeDead))
	_, err = svc.Register(ctx, "n3", "n3:7000")
	assert.True(t, errors.Is(err, kverrors.ErrNodeDead))

	// A new node fills the gap left behind.
	assignments, err := svc.Register(ctx, "n5", "n5:7000")
	require.NoError(t, err)
	assert.Len(t, assignments, 8)
}

func TestService_JoiningNodeWithoutHeartbeatDies(t *testing.T) {
	svc, clock := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Register(ctx, "n1", "h:1")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, svc.CheckLiveness(ctx))
	n, _ := svc.GetSnapshot().Node("n1")
	assert.Equal(t, model.NodeStateJoining, n.State)

	clock.Advance(6 * time.Second)
	require.NoError(t, svc.CheckLiveness(ctx))
	n, _ = svc.GetSnapshot().Node("n1")
	assert.Equal(t, model.NodeStateDead, n.State)
}

func TestService_SnapshotVersionsAndCopies(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	activate(t, svc, "n1")

	snap := svc.GetSnapshot()
	snap.Partitions[0].ReplicaNodeIDs[0] = "tampered"
	snap.Nodes[0].State = model.NodeStateDead

	fresh := svc.GetSnapshot()
	assert.Equal(t, "n1", fresh.Partitions[0].ReplicaNodeIDs[0])
	assert.Equal(t, model.NodeStateActive, fresh.Nodes[0].State)
	// bootstrap, register, heartbeat promotion
	assert.Equal(t, uint64(3), fresh.Version)
}

func TestService_ConcurrentRegistrations(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Register(ctx, fmt.Sprintf("n%02d", i), "h")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap := svc.GetSnapshot()
	assert.Len(t, snap.Nodes, 20)
	assert.Equal(t, uint64(21), snap.Version)
	for _, p := range snap.Partitions {
		assert.Len(t, p.ReplicaNodeIDs, 3)
	}
}

// racingStore loses the first CAS to a simulated concurrent writer.
type racingStore struct {
	*MemoryStore
	raced bool
}

func (s *racingStore) CompareAndSwap(ctx context.Context, expected uint64, next *model.Snapshot) error {
	if !s.raced && expected > 0 {
		s.raced = true
		other, err := s.MemoryStore.Load(ctx)
		if err != nil {
			return err
		}
		other.Version = expected + 1
		other.Nodes = append(other.Nodes, model.Node{NodeID: "intruder", State: model.NodeStateJoining})
		other.SortNodes()
		if err := s.MemoryStore.CompareAndSwap(ctx, expected, other); err != nil {
			return err
		}
	}
	return s.MemoryStore.CompareAndSwap(ctx, expected, next)
}

func TestService_RetriesCASConflicts(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore()}
	svc, _ := newTestService(t, store)

	_, err := svc.Register(context.Background(), "n1", "h:1")
	require.NoError(t, err)

	snap := svc.GetSnapshot()
	assert.Equal(t, uint64(3), snap.Version)
	_, ok := snap.Node("intruder")
	assert.True(t, ok)
	_, ok = snap.Node("n1")
	assert.True(t, ok)
}

func TestService_ReloadKeepsLiveNodes(t *testing.T) {
	store := NewMemoryStore()
	svc, _ := newTestService(t, store)
	activate(t, svc, "n1", "n2")

	restarted, clock := newTestService(t, store)
	assert.Equal(t, svc.Version(), restarted.Version())

	clock.Advance(time.Second)
	require.NoError(t, restarted.CheckLiveness(context.Background()))
	n1, _ := restarted.GetSnapshot().Node("n1")
	assert.Equal(t, model.NodeStateActive, n1.State)
}
