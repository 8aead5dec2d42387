package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
)

// NodeResolver looks up a node's current address and state.
type NodeResolver func(nodeID string) (model.Node, bool)

// HintConfig holds hinted handoff configuration
type HintConfig struct {
	MaxHintsPerNode int
	TTL             time.Duration
	ReplayInterval  time.Duration
	ReplayTimeout   time.Duration
	MaxRetries      int
}

func (c *HintConfig) setDefaults() {
	if c.MaxHintsPerNode <= 0 {
		c.MaxHintsPerNode = 10000
	}
	if c.TTL <= 0 {
		c.TTL = 3 * time.Hour
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = 10 * time.Second
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
}

// HintedHandoff parks writes for replicas that missed them and replays them
// through Apply once the replica is active again.
type HintedHandoff struct {
	cfg     HintConfig
	client  StorageClient
	resolve NodeResolver
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	hints map[string][]*model.Hint

	replayMu sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHintedHandoff creates a hinted handoff service
func NewHintedHandoff(cfg HintConfig, client StorageClient, resolve NodeResolver, m *metrics.Metrics, logger *zap.Logger) *HintedHandoff {
	cfg.setDefaults()
	return &HintedHandoff{
		cfg:     cfg,
		client:  client,
		resolve: resolve,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		hints:   make(map[string][]*model.Hint),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic replay loop
func (h *HintedHandoff) Start() {
	h.logger.Info("Starting hinted handoff",
		zap.Int("max_hints_per_node", h.cfg.MaxHintsPerNode),
		zap.Duration("hint_ttl", h.cfg.TTL),
		zap.Duration("replay_interval", h.cfg.ReplayInterval))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.ReplayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.ReplayAll(context.Background())
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends the replay loop and waits for it to exit.
func (h *HintedHandoff) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

// Store parks msg for nodeID. When the node already holds the maximum number
// of hints the oldest one is dropped.
func (h *HintedHandoff) Store(nodeID string, msg *model.ReplicationMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.hints[nodeID]) >= h.cfg.MaxHintsPerNode {
		h.hints[nodeID] = h.hints[nodeID][1:]
		h.metrics.RecordHint("dropped")
		h.logger.Warn("Max hints reached for node, dropping oldest hint",
			zap.String("node_id", nodeID),
			zap.Int("max_hints", h.cfg.MaxHintsPerNode))
	}

	h.hints[nodeID] = append(h.hints[nodeID], &model.Hint{
		HintID:       uuid.NewString(),
		TargetNodeID: nodeID,
		Message:      msg,
		CreatedAt:    h.now().UnixNano(),
	})
	h.metrics.RecordHint("stored")
	h.metrics.UpdateHintsPending(h.countLocked())
}

// ReplayAll replays the hints of every node that is currently active. Hints
// for dead nodes are discarded.
func (h *HintedHandoff) ReplayAll(ctx context.Context) {
	h.replayMu.Lock()
	defer h.replayMu.Unlock()

	h.mu.Lock()
	nodeIDs := make([]string, 0, len(h.hints))
	for nodeID := range h.hints {
		nodeIDs = append(nodeIDs, nodeID)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, nodeID := range nodeIDs {
		node, ok := h.resolve(nodeID)
		switch {
		case ok && node.State == model.NodeStateDead:
			h.Clear(nodeID)
		case ok && node.State == model.NodeStateActive:
			wg.Add(1)
			go func(node model.Node) {
				defer wg.Done()
				h.replayNode(ctx, node)
			}(node)
		}
	}
	wg.Wait()

	h.mu.Lock()
	h.metrics.UpdateHintsPending(h.countLocked())
	h.mu.Unlock()
}

// replayNode delivers a node's hints in the order they were stored.
func (h *HintedHandoff) replayNode(ctx context.Context, node model.Node) {
	h.mu.Lock()
	pending := append([]*model.Hint(nil), h.hints[node.NodeID]...)
	h.mu.Unlock()

	var delivered, expired, failed int
	for _, hint := range pending {
		if h.now().Sub(time.Unix(0, hint.CreatedAt)) > h.cfg.TTL {
			h.remove(node.NodeID, hint.HintID)
			h.metrics.RecordHint("expired")
			expired++
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, h.cfg.ReplayTimeout)
		_, err := h.client.Apply(rctx, node, hint.Message)
		cancel()

		if err == nil {
			h.remove(node.NodeID, hint.HintID)
			h.metrics.RecordHint("replayed")
			delivered++
			continue
		}

		failed++
		h.mu.Lock()
		hint.Retries++
		exhausted := hint.Retries >= h.cfg.MaxRetries
		h.mu.Unlock()
		h.logger.Debug("Hint replay failed",
			zap.String("node_id", node.NodeID),
			zap.String("hint_id", hint.HintID),
			zap.Int("retries", hint.Retries),
			zap.Error(err))
		if exhausted {
			h.remove(node.NodeID, hint.HintID)
			h.metrics.RecordHint("dropped")
			h.logger.Warn("Hint max retries exceeded, dropping",
				zap.String("node_id", node.NodeID),
				zap.ByteString("key", hint.Message.Key))
		}
		if ctx.Err() != nil {
			break
		}
	}

	if delivered > 0 || expired > 0 || failed > 0 {
		h.logger.Info("Hint replay completed",
			zap.String("node_id", node.NodeID),
			zap.Int("delivered", delivered),
			zap.Int("expired", expired),
			zap.Int("failed", failed))
	}
}

func (h *HintedHandoff) remove(nodeID, hintID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	nodeHints := h.hints[nodeID]
	for i, hint := range nodeHints {
		if hint.HintID == hintID {
			nodeHints = append(nodeHints[:i:i], nodeHints[i+1:]...)
			break
		}
	}
	if len(nodeHints) == 0 {
		delete(h.hints, nodeID)
		return
	}
	h.hints[nodeID] = nodeHints
}

// Count returns the number of hints parked for nodeID.
func (h *HintedHandoff) Count(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hints[nodeID])
}

// Total returns the number of hints across all nodes.
func (h *HintedHandoff) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countLocked()
}

func (h *HintedHandoff) countLocked() int {
	total := 0
	for _, hints := range h.hints {
		total += len(hints)
	}
	return total
}

// Clear discards every hint for nodeID and returns how many were dropped.
func (h *HintedHandoff) Clear(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.hints[nodeID])
	delete(h.hints, nodeID)
	if n > 0 {
		h.logger.Info("Cleared hints for node",
			zap.String("node_id", nodeID),
			zap.Int("hints_cleared", n))
	}
	return n
}
