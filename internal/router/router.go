package router

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/quorumkv/internal/algorithm"
	"github.com/devrev/quorumkv/internal/coordinator"
	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
)

// Result is what a client operation reports back.
type Result struct {
	Code    kverrors.ResultCode `json:"code"`
	Value   []byte              `json:"value,omitempty"`
	Version uint64              `json:"version,omitempty"`
	// Replayed is set when the result came from the idempotency store.
	Replayed bool `json:"-"`
}

// Config holds router settings
type Config struct {
	RetryBackoff   time.Duration
	IdempotencyTTL time.Duration
}

// Router serves client reads and writes: it resolves the key's partition
// against the cached snapshot, keeps only active replicas and hands the
// operation to the coordinator.
type Router struct {
	cfg         Config
	partitioner *algorithm.Partitioner
	snapshots   *SnapshotCache
	coord       *coordinator.Coordinator
	repairer    *Repairer
	idempotency IdempotencyStore
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// New creates a router. repairer and idempotency may be nil.
func New(
	cfg Config,
	partitioner *algorithm.Partitioner,
	snapshots *SnapshotCache,
	coord *coordinator.Coordinator,
	repairer *Repairer,
	idempotency IdempotencyStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Router {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Router{
		cfg:         cfg,
		partitioner: partitioner,
		snapshots:   snapshots,
		coord:       coord,
		repairer:    repairer,
		idempotency: idempotency,
		metrics:     m,
		logger:      logger,
	}
}

// WriteOption customizes a write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey makes a retried write with the same key return the
// first write's result instead of writing again.
func WithIdempotencyKey(key string) WriteOption {
	return func(o *writeOptions) { o.idempotencyKey = key }
}

// Snapshot returns the snapshot the router currently routes with.
func (r *Router) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	return r.snapshots.Get(ctx)
}

// route resolves key to its partition and the partition's active replicas.
func (r *Router) route(ctx context.Context, key []byte) (int, []model.Node, error) {
	snap, err := r.snapshots.Get(ctx)
	if err != nil {
		return 0, nil, err
	}
	pid := r.partitioner.PartitionOf(key)
	if pid >= len(snap.Partitions) {
		return pid, nil, kverrors.PartitionUnavailable(pid).
			WithDetail("reason", "partition missing from snapshot")
	}
	replicas := snap.ActiveReplicas(pid)
	if len(replicas) == 0 {
		return pid, nil, kverrors.PartitionUnavailable(pid)
	}
	return pid, replicas, nil
}

// Get returns the value of key as agreed by a read quorum.
func (r *Router) Get(ctx context.Context, key []byte) (Result, error) {
	start := time.Now()
	res, err := r.get(ctx, key)
	r.metrics.RecordRequest("get", string(res.Code), time.Since(start).Seconds())
	return res, err
}

func (r *Router) get(ctx context.Context, key []byte) (Result, error) {
	if len(key) == 0 {
		return failed(kverrors.InvalidArgument("key is required", nil))
	}
	pid, replicas, err := r.route(ctx, key)
	if err != nil {
		return failed(err)
	}

	read, err := r.coord.Read(ctx, replicas, key)
	if retryable(err) && read != nil && len(read.TimedOut) > 0 {
		if read, err = r.retryRead(ctx, read); err != nil {
			return failed(err)
		}
	} else if err != nil {
		return failed(err)
	}

	if r.repairer != nil {
		if stale := read.Stale(); len(stale) > 0 {
			r.repairer.Schedule(pid, read.Latest, stale)
		}
	}

	if read.Latest == nil || read.Latest.Tombstone {
		return failed(kverrors.NotFound(key))
	}
	return Result{
		Code:    kverrors.ResultOK,
		Value:   read.Latest.Value,
		Version: read.Latest.Version,
	}, nil
}

func (r *Router) retryRead(ctx context.Context, read *coordinator.ReadResult) (*coordinator.ReadResult, error) {
	if err := r.backoff(ctx); err != nil {
		return nil, kverrors.QuorumUnavailable(r.coord.Quorum().R, len(read.Responses), len(read.TimedOut))
	}
	retried, err := r.coord.RetryRead(ctx, read, read.TimedOut)
	r.recordRetry("get", err)
	return retried, err
}

// Put stores value under key with the next version.
func (r *Router) Put(ctx context.Context, key, value []byte, opts ...WriteOption) (Result, error) {
	start := time.Now()
	res, err := r.write(ctx, "put", key, value, opts)
	r.metrics.RecordRequest("put", string(res.Code), time.Since(start).Seconds())
	return res, err
}

// Delete writes a tombstone for key.
func (r *Router) Delete(ctx context.Context, key []byte, opts ...WriteOption) (Result, error) {
	start := time.Now()
	res, err := r.write(ctx, "delete", key, nil, opts)
	r.metrics.RecordRequest("delete", string(res.Code), time.Since(start).Seconds())
	return res, err
}

func (r *Router) write(ctx context.Context, op string, key, value []byte, opts []WriteOption) (Result, error) {
	if len(key) == 0 {
		return failed(kverrors.InvalidArgument("key is required", nil))
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	idemKey := ""
	if o.idempotencyKey != "" && r.idempotency != nil {
		idemKey = op + ":" + hex.EncodeToString(key) + ":" + o.idempotencyKey
		stored, err := r.idempotency.Get(ctx, idemKey)
		if err != nil {
			r.logger.Warn("Failed to check idempotency key",
				zap.String("idempotency_key", o.idempotencyKey),
				zap.Error(err))
		} else if stored != nil {
			stored.Replayed = true
			if stored.Code == kverrors.ResultNotFound {
				return *stored, kverrors.NotFound(key)
			}
			return *stored, nil
		}
	}

	res, err := r.doWrite(ctx, op, key, value)

	if idemKey != "" && (res.Code == kverrors.ResultOK || res.Code == kverrors.ResultNotFound) {
		if serr := r.idempotency.Set(ctx, idemKey, &res, r.cfg.IdempotencyTTL); serr != nil {
			r.logger.Warn("Failed to store idempotency result",
				zap.String("idempotency_key", o.idempotencyKey),
				zap.Error(serr))
		}
	}
	return res, err
}

func (r *Router) doWrite(ctx context.Context, op string, key, value []byte) (Result, error) {
	pid, replicas, err := r.route(ctx, key)
	if err != nil {
		return failed(err)
	}

	var wr *coordinator.WriteResult
	if op == "delete" {
		wr, err = r.coord.Delete(ctx, pid, replicas, key)
	} else {
		wr, err = r.coord.Put(ctx, pid, replicas, key, value)
	}

	if retryable(err) && wr != nil && len(wr.TimedOut) > 0 {
		if berr := r.backoff(ctx); berr != nil {
			return failed(err)
		}
		wr, err = r.coord.RetryWrite(ctx, wr, wr.TimedOut)
		r.recordRetry(op, err)
	}
	if err != nil {
		return failed(err)
	}
	return Result{Code: kverrors.ResultOK, Version: wr.Record.Version}, nil
}

func (r *Router) backoff(ctx context.Context) error {
	t := time.NewTimer(r.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) recordRetry(op string, err error) {
	outcome := "recovered"
	if err != nil {
		outcome = "failed"
	}
	r.metrics.RecordRetry(op, outcome)
}

// retryable reports whether err is a quorum failure worth one more try.
func retryable(err error) bool {
	return kverrors.GetCode(err) == kverrors.ErrCodeQuorumUnavailable
}

func failed(err error) (Result, error) {
	return Result{Code: kverrors.ResultOf(err)}, err
}
