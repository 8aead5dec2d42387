package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGossipService_ObservePeers(t *testing.T) {
	g := NewGossipService("node-1", "127.0.0.1:7001", func() Stats { return Stats{Keys: 3} }, zap.NewNop())

	var local PeerStatus
	require.NoError(t, json.Unmarshal(g.LocalState(false), &local))
	assert.Equal(t, "node-1", local.NodeID)
	assert.Equal(t, 3, local.Keys)

	newer, _ := json.Marshal(PeerStatus{NodeID: "node-2", Keys: 5, Timestamp: 20})
	older, _ := json.Marshal(PeerStatus{NodeID: "node-2", Keys: 1, Timestamp: 10})
	self, _ := json.Marshal(PeerStatus{NodeID: "node-1", Timestamp: 30})

	g.MergeRemoteState(newer, true)
	g.NotifyMsg(older)
	g.NotifyMsg(self)
	g.NotifyMsg([]byte("not json"))

	peers := g.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, 5, peers[0].Keys)

	g.forget("node-2")
	assert.Empty(t, g.Peers())
	assert.NoError(t, g.Shutdown())
}

func TestGossipService_NodeMetaRespectsLimit(t *testing.T) {
	g := NewGossipService("node-1", "127.0.0.1:7001", nil, zap.NewNop())
	assert.Nil(t, g.NodeMeta(4))
	assert.NotEmpty(t, g.NodeMeta(512))
}
