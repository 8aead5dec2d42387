package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
)

// MetadataAPI is the part of the metadata service a storage node uses.
type MetadataAPI interface {
	Register(ctx context.Context, nodeID, address string) ([]model.PartitionAssignment, error)
	Heartbeat(ctx context.Context, hb model.Heartbeat) (model.NodeState, error)
}

// MembershipConfig configures a node's registration and heartbeats.
type MembershipConfig struct {
	NodeID            string
	Address           string
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
}

// MembershipAgent registers a storage node with the metadata service and
// keeps it alive with heartbeats. A node the service has forgotten is
// registered again; a node declared dead stops heartbeating for good.
type MembershipAgent struct {
	cfg     MembershipConfig
	api     MetadataAPI
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.RWMutex
	assignments []model.PartitionAssignment
	state       model.NodeState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMembershipAgent creates a membership agent.
func NewMembershipAgent(cfg MembershipConfig, api MetadataAPI, m *metrics.Metrics, logger *zap.Logger) *MembershipAgent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 10 * cfg.RetryBackoff
	}
	return &MembershipAgent{
		cfg:     cfg,
		api:     api,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Register registers the node, retrying with exponential backoff until it
// succeeds, ctx ends, or the node turns out to be dead.
func (a *MembershipAgent) Register(ctx context.Context) error {
	backoff := a.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		assignments, err := a.api.Register(callCtx, a.cfg.NodeID, a.cfg.Address)
		cancel()
		if err == nil {
			a.mu.Lock()
			a.assignments = assignments
			a.state = model.NodeStateJoining
			a.mu.Unlock()
			a.logger.Info("Registered with metadata service",
				zap.String("node_id", a.cfg.NodeID),
				zap.String("address", a.cfg.Address),
				zap.Int("partitions", len(assignments)))
			return nil
		}
		if errors.Is(err, kverrors.ErrNodeDead) || errors.Is(err, kverrors.ErrInvalidArgument) {
			return err
		}

		a.logger.Warn("Registration failed, retrying",
			zap.String("node_id", a.cfg.NodeID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return context.Canceled
		}
		backoff *= 2
		if backoff > a.cfg.MaxRetryBackoff {
			backoff = a.cfg.MaxRetryBackoff
		}
	}
}

// Beat sends one heartbeat. An unknown node re-registers.
func (a *MembershipAgent) Beat(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	state, err := a.api.Heartbeat(callCtx, model.Heartbeat{
		NodeID:    a.cfg.NodeID,
		Timestamp: time.Now().UnixNano(),
	})
	cancel()

	switch {
	case err == nil:
		a.metrics.RecordHeartbeat("ok")
		a.mu.Lock()
		if a.state != state {
			a.logger.Info("Node state changed",
				zap.String("node_id", a.cfg.NodeID),
				zap.String("from", string(a.state)),
				zap.String("to", string(state)))
		}
		a.state = state
		a.mu.Unlock()
		return nil
	case errors.Is(err, kverrors.ErrUnknownNode):
		a.metrics.RecordHeartbeat("unknown")
		a.logger.Warn("Metadata service does not know this node, re-registering",
			zap.String("node_id", a.cfg.NodeID))
		return a.Register(ctx)
	case errors.Is(err, kverrors.ErrNodeDead):
		a.metrics.RecordHeartbeat("dead")
		a.mu.Lock()
		a.state = model.NodeStateDead
		a.mu.Unlock()
		return err
	default:
		a.metrics.RecordHeartbeat("error")
		return err
	}
}

// Start registers the node and then heartbeats every interval until Stop
// or until the node is declared dead.
func (a *MembershipAgent) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if err := a.Register(ctx); err != nil {
			a.logger.Error("Registration abandoned",
				zap.String("node_id", a.cfg.NodeID),
				zap.Error(err))
			return
		}

		ticker := time.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			if err := a.Beat(ctx); err != nil {
				if errors.Is(err, kverrors.ErrNodeDead) {
					a.logger.Error("Node declared dead, stopping heartbeats",
						zap.String("node_id", a.cfg.NodeID))
					return
				}
				a.logger.Warn("Heartbeat failed",
					zap.String("node_id", a.cfg.NodeID),
					zap.Error(err))
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop ends the heartbeat loop.
func (a *MembershipAgent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// State returns the last state reported by the metadata service.
func (a *MembershipAgent) State() model.NodeState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Assignments returns the partitions handed out at registration.
func (a *MembershipAgent) Assignments() []model.PartitionAssignment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]model.PartitionAssignment(nil), a.assignments...)
}
