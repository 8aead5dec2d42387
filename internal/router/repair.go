package router

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/coordinator"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/util/workerpool"
)

// RepairConfig holds read-repair settings
type RepairConfig struct {
	Workers       int
	QueueSize     int
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Repairer pushes the winning record of a read to replicas that answered
// with an older one. Repairs run in the background on a bounded, rate
// limited pool; a full queue drops the repair.
type Repairer struct {
	client  coordinator.StorageClient
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRepairer creates a read repairer and starts its workers.
func NewRepairer(cfg RepairConfig, client coordinator.StorageClient, m *metrics.Metrics, logger *zap.Logger) *Repairer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Repairer{
		client: client,
		pool: workerpool.NewWorkerPool(workerpool.Config{
			Name:          "read-repair",
			MaxWorkers:    cfg.Workers,
			QueueSize:     cfg.QueueSize,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			TaskTimeout:   cfg.Timeout,
			Logger:        logger,
		}),
		metrics: m,
		logger:  logger,
	}
}

// Schedule queues a repair of rec on every node in stale. It never blocks.
func (r *Repairer) Schedule(partitionID int, rec *model.Record, stale []model.Node) {
	if rec == nil {
		return
	}
	msg := model.NewReplicationMessage(partitionID, rec)
	for _, node := range stale {
		node := node
		ok := r.pool.TrySubmit(workerpool.Task{
			ID: fmt.Sprintf("repair-%s-%d", node.NodeID, rec.Version),
			Fn: func(ctx context.Context) error {
				return r.repair(ctx, node, msg)
			},
		})
		if !ok {
			r.metrics.RecordRepair("dropped")
			r.logger.Debug("Read repair dropped",
				zap.String("node_id", node.NodeID),
				zap.ByteString("key", rec.Key))
			continue
		}
		r.metrics.RecordRepair("scheduled")
	}
	r.metrics.UpdateRepairQueueSize(r.pool.Pending())
}

func (r *Repairer) repair(ctx context.Context, node model.Node, msg *model.ReplicationMessage) error {
	applied, err := r.client.Apply(ctx, node, msg)
	if err != nil {
		r.metrics.RecordRepair("failed")
		return fmt.Errorf("repair of %s on %s: %w", msg.Key, node.NodeID, err)
	}
	if applied {
		r.metrics.RecordRepair("applied")
		r.logger.Debug("Read repair applied",
			zap.String("node_id", node.NodeID),
			zap.ByteString("key", msg.Key),
			zap.Uint64("version", msg.Version))
	} else {
		r.metrics.RecordRepair("skipped")
	}
	return nil
}

// Drain waits for queued repairs to finish.
func (r *Repairer) Drain(ctx context.Context) error {
	return r.pool.Drain(ctx)
}

// Stats returns the repair pool statistics.
func (r *Repairer) Stats() workerpool.Stats {
	return r.pool.Stats()
}

// Stop stops the repair workers.
func (r *Repairer) Stop(timeout time.Duration) error {
	return r.pool.Stop(timeout)
}
