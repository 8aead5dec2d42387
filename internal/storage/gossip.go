package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// PeerStatus is what a storage node advertises to its peers.
type PeerStatus struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	Keys      int    `json:"keys"`
	Timestamp int64  `json:"timestamp"`
}

// GossipService keeps a best-effort view of peer storage nodes. It is
// advisory only; the metadata service remains the authority on liveness.
type GossipService struct {
	memberlist *memberlist.Memberlist
	local      PeerStatus
	peers      map[string]PeerStatus
	stats      func() Stats
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewGossipService creates a gossip service without starting memberlist.
func NewGossipService(nodeID, address string, stats func() Stats, logger *zap.Logger) *GossipService {
	return &GossipService{
		local:  PeerStatus{NodeID: nodeID, Address: address},
		peers:  make(map[string]PeerStatus),
		stats:  stats,
		logger: logger,
	}
}

// Start creates the memberlist and joins the seed nodes.
func (s *GossipService) Start(cfg GossipConfig) error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.local.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &gossipEvents{service: s}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.localStatus())
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.observe(data)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.localStatus())
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.observe(buf)
}

func (s *GossipService) localStatus() PeerStatus {
	st := s.local
	if s.stats != nil {
		st.Keys = s.stats().Keys
	}
	st.Timestamp = time.Now().Unix()
	return st
}

func (s *GossipService) observe(data []byte) {
	if len(data) == 0 {
		return
	}
	var peer PeerStatus
	if err := json.Unmarshal(data, &peer); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if peer.NodeID == "" || peer.NodeID == s.local.NodeID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.peers[peer.NodeID]; !ok || peer.Timestamp >= prev.Timestamp {
		s.peers[peer.NodeID] = peer
	}
}

func (s *GossipService) forget(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, nodeID)
}

// Peers returns the known peers ordered by node id.
func (s *GossipService) Peers() []PeerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerStatus, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Shutdown leaves the cluster and stops memberlist.
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

type gossipEvents struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *gossipEvents) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Gossip peer joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.observe(node.Meta)
}

// NotifyLeave is called when a node leaves
func (d *gossipEvents) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Gossip peer left", zap.String("node_id", node.Name))
	d.service.forget(node.Name)
}

// NotifyUpdate is called when a node is updated
func (d *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	d.service.observe(node.Meta)
}
