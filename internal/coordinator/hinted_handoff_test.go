package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/model"
)

type mockStorageClient struct {
	mock.Mock
}

func (m *mockStorageClient) Get(ctx context.Context, node model.Node, key []byte) (*model.Record, error) {
	args := m.Called(ctx, node, key)
	rec, _ := args.Get(0).(*model.Record)
	return rec, args.Error(1)
}

func (m *mockStorageClient) Write(ctx context.Context, node model.Node, msg *model.ReplicationMessage) error {
	return m.Called(ctx, node, msg).Error(0)
}

func (m *mockStorageClient) Apply(ctx context.Context, node model.Node, msg *model.ReplicationMessage) (bool, error) {
	args := m.Called(ctx, node, msg)
	return args.Bool(0), args.Error(1)
}

func resolverWith(state model.NodeState) NodeResolver {
	return func(id string) (model.Node, bool) {
		return model.Node{NodeID: id, Address: id, State: state}, true
	}
}

func testMessage(key string, version uint64) *model.ReplicationMessage {
	return &model.ReplicationMessage{Key: []byte(key), Value: []byte("v"), Version: version, Origin: "router-a"}
}

func TestHintedHandoff_ReplaysInOrder(t *testing.T) {
	sc := new(mockStorageClient)
	h := NewHintedHandoff(HintConfig{}, sc, resolverWith(model.NodeStateActive), nil, zap.NewNop())

	first := testMessage("k", 1)
	second := testMessage("k", 2)
	call1 := sc.On("Apply", mock.Anything, mock.Anything, first).Return(true, nil).Once()
	sc.On("Apply", mock.Anything, mock.Anything, second).Return(true, nil).Once().NotBefore(call1)

	h.Store("node-3", first)
	h.Store("node-3", second)
	h.ReplayAll(context.Background())

	assert.Zero(t, h.Total())
	sc.AssertExpectations(t)
}

func TestHintedHandoff_SkipsInactiveAndClearsDead(t *testing.T) {
	sc := new(mockStorageClient)
	state := model.NodeStateSuspected
	resolve := func(id string) (model.Node, bool) {
		return model.Node{NodeID: id, State: state}, true
	}
	h := NewHintedHandoff(HintConfig{}, sc, resolve, nil, zap.NewNop())

	h.Store("node-3", testMessage("k", 1))
	h.ReplayAll(context.Background())
	assert.Equal(t, 1, h.Count("node-3"))

	state = model.NodeStateDead
	h.ReplayAll(context.Background())
	assert.Zero(t, h.Count("node-3"))
	sc.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything)
}

func TestHintedHandoff_ExpiresOldHints(t *testing.T) {
	sc := new(mockStorageClient)
	h := NewHintedHandoff(HintConfig{TTL: time.Minute}, sc, resolverWith(model.NodeStateActive), nil, zap.NewNop())
	base := time.Now()
	h.now = func() time.Time { return base }

	h.Store("node-3", testMessage("k", 1))
	h.now = func() time.Time { return base.Add(2 * time.Minute) }
	h.ReplayAll(context.Background())

	assert.Zero(t, h.Total())
	sc.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything)
}

func TestHintedHandoff_DropsAfterMaxRetries(t *testing.T) {
	sc := new(mockStorageClient)
	sc.On("Apply", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("unreachable"))
	h := NewHintedHandoff(HintConfig{MaxRetries: 2}, sc, resolverWith(model.NodeStateActive), nil, zap.NewNop())

	h.Store("node-3", testMessage("k", 1))
	h.ReplayAll(context.Background())
	assert.Equal(t, 1, h.Count("node-3"))
	h.ReplayAll(context.Background())
	assert.Zero(t, h.Count("node-3"))
	sc.AssertNumberOfCalls(t, "Apply", 2)
}

func TestHintedHandoff_DropsOldestWhenFull(t *testing.T) {
	sc := new(mockStorageClient)
	h := NewHintedHandoff(HintConfig{MaxHintsPerNode: 2}, sc, resolverWith(model.NodeStateActive), nil, zap.NewNop())

	h.Store("node-3", testMessage("a", 1))
	h.Store("node-3", testMessage("b", 1))
	h.Store("node-3", testMessage("c", 1))

	assert.Equal(t, 2, h.Count("node-3"))
	h.mu.Lock()
	assert.Equal(t, []byte("b"), h.hints["node-3"][0].Message.Key)
	h.mu.Unlock()
}
