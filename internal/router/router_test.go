package router_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/algorithm"
	"github.com/devrev/quorumkv/internal/client"
	"github.com/devrev/quorumkv/internal/coordinator"
	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/router"
	"github.com/devrev/quorumkv/internal/storage"
)

const partitions = 4

// slowOnce makes the first write to one node time out.
type slowOnce struct {
	*client.LocalClient
	nodeID string
	mu     sync.Mutex
	fired  bool
}

func (s *slowOnce) Write(ctx context.Context, node model.Node, msg *model.ReplicationMessage) error {
	s.mu.Lock()
	fire := node.NodeID == s.nodeID && !s.fired
	s.fired = s.fired || fire
	s.mu.Unlock()
	if fire {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.LocalClient.Write(ctx, node, msg)
}

type env struct {
	router    *router.Router
	repairer  *router.Repairer
	transport *client.LocalClient
	stores    map[string]*storage.StorageService

	mu   sync.Mutex
	snap *model.Snapshot
}

func (e *env) setState(nodeID string, state model.NodeState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.snap.Clone()
	next.Version++
	next.Nodes[next.NodeIndex(nodeID)].State = state
	e.snap = next
}

func (e *env) current() *model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

type envOptions struct {
	quorum    algorithm.Quorum
	transport func(*client.LocalClient) coordinator.StorageClient
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	if opts.quorum.N == 0 {
		opts.quorum = algorithm.Quorum{N: 3, W: 2, R: 2}
	}

	e := &env{
		transport: client.NewLocalClient(),
		stores:    make(map[string]*storage.StorageService),
		snap:      model.NewSnapshot(partitions),
	}
	e.snap.Version = 1
	var ids []string
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("node-%d", i)
		svc, err := storage.NewStorageService(storage.Options{
			NodeID:    id,
			DataDir:   t.TempDir(),
			CommitLog: storage.CommitLogConfig{SegmentSize: 1 << 20},
		}, nil, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { svc.Close() })
		e.stores[id] = svc
		e.transport.Attach(id, svc)
		e.snap.Nodes = append(e.snap.Nodes, model.Node{NodeID: id, Address: id, State: model.NodeStateActive})
		ids = append(ids, id)
	}
	for p := range e.snap.Partitions {
		e.snap.Partitions[p].ReplicaNodeIDs = append([]string{}, ids...)
	}

	var sc coordinator.StorageClient = e.transport
	if opts.transport != nil {
		sc = opts.transport(e.transport)
	}
	coord, err := coordinator.New(coordinator.Config{
		NodeID:       "router-a",
		Quorum:       opts.quorum,
		WriteTimeout: 100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
	}, sc, nil, nil, zap.NewNop())
	require.NoError(t, err)

	cache := router.NewSnapshotCache(router.LocalSource(e.current), time.Nanosecond, time.Minute, nil, zap.NewNop())
	e.repairer = router.NewRepairer(router.RepairConfig{Workers: 2, QueueSize: 64}, e.transport, nil, zap.NewNop())
	t.Cleanup(func() { e.repairer.Stop(time.Second) })

	idem := router.NewMemoryIdempotencyStore(100, time.Minute)
	t.Cleanup(func() { idem.Close() })

	e.router = router.New(router.Config{RetryBackoff: 10 * time.Millisecond},
		algorithm.NewPartitioner(partitions), cache, coord, e.repairer, idem, nil, zap.NewNop())
	return e
}

func TestRouter_ReadYourWrites(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		res, err := e.router.Put(ctx, key, []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, kverrors.ResultOK, res.Code)
		assert.Equal(t, uint64(1), res.Version)

		got, err := e.router.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), got.Value)
		assert.Equal(t, uint64(1), got.Version)
	}
}

func TestRouter_DeleteThenGet(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	_, err := e.router.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)

	res, err := e.router.Delete(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Version)

	res, err = e.router.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, kverrors.ErrNotFound)
	assert.Equal(t, kverrors.ResultNotFound, res.Code)

	res, err = e.router.Delete(ctx, []byte("k"))
	assert.ErrorIs(t, err, kverrors.ErrNotFound)
	assert.Equal(t, kverrors.ResultNotFound, res.Code)
}

func TestRouter_GetMissingKey(t *testing.T) {
	e := newEnv(t, envOptions{})
	res, err := e.router.Get(context.Background(), []byte("nope"))
	assert.ErrorIs(t, err, kverrors.ErrNotFound)
	assert.Equal(t, kverrors.ResultNotFound, res.Code)
}

func TestRouter_EmptyKey(t *testing.T) {
	e := newEnv(t, envOptions{})
	res, err := e.router.Put(context.Background(), nil, []byte("v"))
	assert.ErrorIs(t, err, kverrors.ErrInvalidArgument)
	assert.Equal(t, kverrors.ResultInvalidArgument, res.Code)
}

func TestRouter_OnlyActiveReplicasServe(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	e.setState("node-3", model.NodeStateSuspected)
	res, err := e.router.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	assert.Zero(t, e.transport.Calls("node-3"))

	e.setState("node-2", model.NodeStateSuspected)
	res, err = e.router.Put(ctx, []byte("k"), []byte("v2"))
	assert.ErrorIs(t, err, kverrors.ErrQuorumUnavailable)
	assert.Equal(t, kverrors.ResultQuorumUnavailable, res.Code)
	assert.Equal(t, uint64(1), e.stores["node-1"].CurrentVersion([]byte("k")))

	e.setState("node-1", model.NodeStateDead)
	res, err = e.router.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, kverrors.ErrPartitionUnavailable)
	assert.Equal(t, kverrors.ResultPartitionUnavailable, res.Code)
}

func TestRouter_ReadRepairsStaleReplica(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	e.transport.SetFault("node-3", client.FaultRefuse)
	_, err := e.router.Put(ctx, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	e.transport.SetFault("node-3", client.FaultNone)
	assert.Zero(t, e.stores["node-3"].CurrentVersion([]byte("k")))

	res, err := e.router.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), res.Value)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.repairer.Drain(drainCtx))

	rec, err := e.stores["node-3"].Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, []byte("v1"), rec.Value)
}

func TestRouter_RetriesTimedOutReplicasOnce(t *testing.T) {
	e := newEnv(t, envOptions{
		quorum: algorithm.Quorum{N: 3, W: 3, R: 1},
		transport: func(lc *client.LocalClient) coordinator.StorageClient {
			return &slowOnce{LocalClient: lc, nodeID: "node-3"}
		},
	})
	ctx := context.Background()

	res, err := e.router.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Version)
	for id, svc := range e.stores {
		assert.Equal(t, uint64(1), svc.CurrentVersion([]byte("k")), id)
	}
}

func TestRouter_RetryIsNotRepeated(t *testing.T) {
	e := newEnv(t, envOptions{quorum: algorithm.Quorum{N: 3, W: 3, R: 1}})
	e.transport.SetFault("node-3", client.FaultTimeout)

	res, err := e.router.Put(context.Background(), []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, kverrors.ErrQuorumUnavailable)
	assert.Equal(t, kverrors.ResultQuorumUnavailable, res.Code)
	// version lookup, first write and the single retry
	assert.Equal(t, int64(3), e.transport.Calls("node-3"))
}

func TestRouter_IdempotentPut(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	first, err := e.router.Put(ctx, []byte("k"), []byte("v"), router.WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := e.router.Put(ctx, []byte("k"), []byte("v"), router.WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, uint64(1), e.stores["node-1"].CurrentVersion([]byte("k")))

	third, err := e.router.Put(ctx, []byte("k"), []byte("v"), router.WithIdempotencyKey("req-2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), third.Version)
}

func TestRouter_IdempotentDeleteOfMissingKey(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx := context.Background()

	first, err := e.router.Delete(ctx, []byte("missing"), router.WithIdempotencyKey("req-1"))
	require.Error(t, err)
	assert.Equal(t, kverrors.ResultNotFound, first.Code)
	assert.False(t, first.Replayed)

	second, err := e.router.Delete(ctx, []byte("missing"), router.WithIdempotencyKey("req-1"))
	require.Error(t, err)
	assert.Equal(t, kverrors.ErrCodeNotFound, kverrors.GetCode(err))
	assert.Equal(t, kverrors.ResultNotFound, second.Code)
	assert.True(t, second.Replayed)
}
