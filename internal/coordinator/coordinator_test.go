package coordinator_test

import (
	"context"
	"fmt"
	"sort"
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
	"github.com/devrev/quorumkv/internal/storage"
)

type testCluster struct {
	nodes     []model.Node
	transport *client.LocalClient
	stores    map[string]*storage.StorageService
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	tc := &testCluster{
		transport: client.NewLocalClient(),
		stores:    make(map[string]*storage.StorageService),
	}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("node-%d", i)
		svc, err := storage.NewStorageService(storage.Options{
			NodeID:    id,
			DataDir:   t.TempDir(),
			CommitLog: storage.CommitLogConfig{SegmentSize: 1 << 20},
		}, nil, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { svc.Close() })

		tc.stores[id] = svc
		tc.transport.Attach(id, svc)
		tc.nodes = append(tc.nodes, model.Node{NodeID: id, Address: id, State: model.NodeStateActive})
	}
	return tc
}

func newCoordinator(t *testing.T, tc *testCluster, nodeID string, q algorithm.Quorum, hints *coordinator.HintedHandoff) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(coordinator.Config{
		NodeID:       nodeID,
		Quorum:       q,
		WriteTimeout: 100 * time.Millisecond,
		ReadTimeout:  50 * time.Millisecond,
	}, tc.transport, hints, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func majority() algorithm.Quorum {
	return algorithm.Quorum{N: 3, W: 2, R: 2}
}

func ids(nodes []model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.NodeID
	}
	sort.Strings(out)
	return out
}

func TestNew_RequiresNodeID(t *testing.T) {
	_, err := coordinator.New(coordinator.Config{Quorum: majority()}, client.NewLocalClient(), nil, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPut_AssignsSequentialVersions(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	res, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Record.Version)
	assert.Equal(t, "router-a", res.Record.Origin)
	assert.Equal(t, 3, res.Acks())

	res, err = c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Record.Version)

	for id, svc := range tc.stores {
		assert.Equal(t, uint64(2), svc.CurrentVersion([]byte("k")), id)
	}
}

func TestPut_ConcurrentWritesGetDistinctVersions(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	_, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v1"))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions []uint64
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte(fmt.Sprintf("w%d", i)))
			if assert.NoError(t, err) {
				mu.Lock()
				versions = append(versions, res.Record.Version)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	assert.Equal(t, []uint64{2, 3}, versions)
}

func TestPut_FewerLiveReplicasThanW(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)

	_, err := c.Put(context.Background(), 0, tc.nodes[:1], []byte("k"), []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, kverrors.ErrQuorumUnavailable)
	assert.Zero(t, tc.transport.Calls("node-1"))
	assert.Zero(t, tc.stores["node-1"].CurrentVersion([]byte("k")))
}

func TestPut_TimeoutThenRetry(t *testing.T) {
	tc := newTestCluster(t, 3)
	strong := algorithm.Quorum{N: 3, W: 3, R: 1}
	c := newCoordinator(t, tc, "router-a", strong, nil)
	ctx := context.Background()

	tc.transport.SetFault("node-3", client.FaultTimeout)
	res, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, kverrors.ErrQuorumUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Acks())
	assert.Equal(t, []string{"node-3"}, ids(res.TimedOut))

	tc.transport.SetFault("node-3", client.FaultNone)
	retried, err := c.RetryWrite(ctx, res, res.TimedOut)
	require.NoError(t, err)
	assert.Equal(t, 3, retried.Acks())
	assert.Equal(t, uint64(1), tc.stores["node-3"].CurrentVersion([]byte("k")))
}

func TestPut_CatchesUpLaggingReplica(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	tc.transport.SetFault("node-3", client.FaultRefuse)
	for i := 0; i < 2; i++ {
		_, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("old"))
		require.NoError(t, err)
	}
	assert.Zero(t, tc.stores["node-3"].CurrentVersion([]byte("k")))

	tc.transport.SetFault("node-3", client.FaultNone)
	res, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Record.Version)
	assert.Equal(t, 3, res.Acks())

	rec, err := tc.stores["node-3"].Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Version)
	assert.Equal(t, []byte("new"), rec.Value)
}

func TestPut_ConflictWithAnotherCoordinatorIsRetried(t *testing.T) {
	tc := newTestCluster(t, 3)
	a := newCoordinator(t, tc, "router-a", majority(), nil)
	b := newCoordinator(t, tc, "router-b", majority(), nil)
	ctx := context.Background()

	_, err := a.Put(ctx, 0, tc.nodes, []byte("k"), []byte("a1"))
	require.NoError(t, err)
	res, err := b.Put(ctx, 0, tc.nodes, []byte("k"), []byte("b2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Record.Version)

	// a still caches version 1 and must recover from the conflict.
	res, err = a.Put(ctx, 0, tc.nodes, []byte("k"), []byte("a3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Record.Version)

	for id, svc := range tc.stores {
		rec, err := svc.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("a3"), rec.Value, id)
	}
}

func TestDelete(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	_, err := c.Delete(ctx, 0, tc.nodes, []byte("missing"))
	assert.ErrorIs(t, err, kverrors.ErrNotFound)

	_, err = c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v"))
	require.NoError(t, err)

	res, err := c.Delete(ctx, 0, tc.nodes, []byte("k"))
	require.NoError(t, err)
	assert.True(t, res.Record.Tombstone)
	assert.Equal(t, uint64(2), res.Record.Version)

	_, err = c.Delete(ctx, 0, tc.nodes, []byte("k"))
	assert.ErrorIs(t, err, kverrors.ErrNotFound)

	res, err = c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Record.Version)
}

func TestRead_AggregatesLatest(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	tc.transport.SetFault("node-3", client.FaultRefuse)
	_, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	tc.transport.SetFault("node-3", client.FaultNone)

	res, err := c.Read(ctx, tc.nodes, []byte("k"))
	require.NoError(t, err)
	require.Len(t, res.Responses, 3)
	require.NotNil(t, res.Latest)
	assert.Equal(t, []byte("v1"), res.Latest.Value)
	assert.Equal(t, []string{"node-3"}, ids(res.Stale()))
}

func TestRead_NotFoundCountsAsAnswer(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)

	res, err := c.Read(context.Background(), tc.nodes, []byte("nothing"))
	require.NoError(t, err)
	assert.Nil(t, res.Latest)
	assert.Len(t, res.Responses, 3)
	assert.Empty(t, res.Stale())
}

// R answers make a quorum even when they disagree; the highest version wins
// and the replicas behind it are reported for repair.
func TestRead_DisagreeingAnswersStillMakeQuorum(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	_, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, err = tc.stores["node-1"].Put(ctx, []byte("k"), []byte("v2"), 2, "router-b")
	require.NoError(t, err)

	tc.transport.SetFault("node-3", client.FaultTimeout)
	res, err := c.Read(ctx, tc.nodes, []byte("k"))
	require.NoError(t, err)
	assert.Len(t, res.Responses, 2)
	assert.Equal(t, []string{"node-3"}, ids(res.TimedOut))
	require.NotNil(t, res.Latest)
	assert.Equal(t, uint64(2), res.Latest.Version)
	assert.Equal(t, []byte("v2"), res.Latest.Value)
	assert.Equal(t, []string{"node-2"}, ids(res.Stale()))
}

func TestRead_QuorumUnavailableThenRetry(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)
	ctx := context.Background()

	_, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v1"))
	require.NoError(t, err)

	tc.transport.SetFault("node-2", client.FaultTimeout)
	tc.transport.SetFault("node-3", client.FaultTimeout)
	res, err := c.Read(ctx, tc.nodes, []byte("k"))
	require.Error(t, err)
	assert.ErrorIs(t, err, kverrors.ErrQuorumUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, []string{"node-2", "node-3"}, ids(res.TimedOut))

	tc.transport.SetFault("node-2", client.FaultNone)
	res, err = c.RetryRead(ctx, res, res.TimedOut)
	require.NoError(t, err)
	assert.Len(t, res.Responses, 2)
	assert.Equal(t, []string{"node-3"}, ids(res.TimedOut))
	assert.Equal(t, uint64(1), res.Latest.Version)
}

func TestRead_FewerLiveReplicasThanR(t *testing.T) {
	tc := newTestCluster(t, 3)
	c := newCoordinator(t, tc, "router-a", majority(), nil)

	_, err := c.Read(context.Background(), tc.nodes[:1], []byte("k"))
	assert.ErrorIs(t, err, kverrors.ErrQuorumUnavailable)
	assert.Zero(t, tc.transport.Calls("node-1"))
}

func TestPut_StoresHintForMissedReplica(t *testing.T) {
	tc := newTestCluster(t, 3)
	active := func(id string) (model.Node, bool) {
		return model.Node{NodeID: id, Address: id, State: model.NodeStateActive}, true
	}
	hints := coordinator.NewHintedHandoff(coordinator.HintConfig{}, tc.transport, active, nil, zap.NewNop())
	c := newCoordinator(t, tc, "router-a", majority(), hints)
	ctx := context.Background()

	tc.transport.SetFault("node-3", client.FaultRefuse)
	_, err := c.Put(ctx, 0, tc.nodes, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, hints.Count("node-3"))

	tc.transport.SetFault("node-3", client.FaultNone)
	hints.ReplayAll(ctx)
	assert.Zero(t, hints.Total())
	assert.Equal(t, uint64(1), tc.stores["node-3"].CurrentVersion([]byte("k")))
}
