package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
)

type mockMetadata struct {
	mock.Mock
}

func (m *mockMetadata) Register(ctx context.Context, nodeID, address string) ([]model.PartitionAssignment, error) {
	args := m.Called(nodeID, address)
	a, _ := args.Get(0).([]model.PartitionAssignment)
	return a, args.Error(1)
}

func (m *mockMetadata) Heartbeat(ctx context.Context, hb model.Heartbeat) (model.NodeState, error) {
	args := m.Called(hb.NodeID)
	return args.Get(0).(model.NodeState), args.Error(1)
}

func newTestAgent(api MetadataAPI) *MembershipAgent {
	return NewMembershipAgent(MembershipConfig{
		NodeID:            "node-1",
		Address:           "127.0.0.1:9000",
		HeartbeatInterval: 10 * time.Millisecond,
		RetryBackoff:      time.Millisecond,
	}, api, nil, zap.NewNop())
}

func TestMembershipAgent_RegisterRetries(t *testing.T) {
	api := new(mockMetadata)
	assignments := []model.PartitionAssignment{{PartitionID: 2, ReplicaNodeIDs: []string{"node-1"}}}
	api.On("Register", "node-1", "127.0.0.1:9000").Return(nil, kverrors.MetadataUnavailable(nil)).Twice()
	api.On("Register", "node-1", "127.0.0.1:9000").Return(assignments, nil).Once()

	agent := newTestAgent(api)
	require.NoError(t, agent.Register(context.Background()))
	assert.Equal(t, assignments, agent.Assignments())
	assert.Equal(t, model.NodeStateJoining, agent.State())
	api.AssertExpectations(t)
}

func TestMembershipAgent_RegisterStopsForDeadNode(t *testing.T) {
	api := new(mockMetadata)
	api.On("Register", "node-1", "127.0.0.1:9000").Return(nil, kverrors.NodeDead("node-1"))

	err := newTestAgent(api).Register(context.Background())
	assert.ErrorIs(t, err, kverrors.ErrNodeDead)
	api.AssertNumberOfCalls(t, "Register", 1)
}

func TestMembershipAgent_BeatReRegistersUnknownNode(t *testing.T) {
	api := new(mockMetadata)
	api.On("Heartbeat", "node-1").Return(model.NodeState(""), kverrors.UnknownNode("node-1")).Once()
	api.On("Register", "node-1", "127.0.0.1:9000").Return([]model.PartitionAssignment{}, nil).Once()
	api.On("Heartbeat", "node-1").Return(model.NodeStateActive, nil).Once()

	agent := newTestAgent(api)
	require.NoError(t, agent.Beat(context.Background()))
	require.NoError(t, agent.Beat(context.Background()))
	assert.Equal(t, model.NodeStateActive, agent.State())
	api.AssertExpectations(t)
}

func TestMembershipAgent_StopsHeartbeatingWhenDead(t *testing.T) {
	api := new(mockMetadata)
	api.On("Register", "node-1", "127.0.0.1:9000").Return([]model.PartitionAssignment{}, nil).Once()
	api.On("Heartbeat", "node-1").Return(model.NodeState(""), kverrors.NodeDead("node-1"))

	agent := newTestAgent(api)
	agent.Start(context.Background())

	require.Eventually(t, func() bool {
		return agent.State() == model.NodeStateDead
	}, 2*time.Second, 5*time.Millisecond)
	agent.Stop()
	api.AssertNumberOfCalls(t, "Heartbeat", 1)
}
