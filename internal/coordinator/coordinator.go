package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/quorumkv/internal/algorithm"
	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/util"
)

// StorageClient is the transport the coordinator uses to reach replicas.
type StorageClient interface {
	// Get returns the replica's record for key, tombstones included. A key
	// the replica never stored yields a NotFound error.
	Get(ctx context.Context, node model.Node, key []byte) (*model.Record, error)
	// Write stores msg as a put, or a delete when msg.Tombstone is set. A
	// rejected version comes back as a VersionConflict carrying the
	// replica's current version.
	Write(ctx context.Context, node model.Node, msg *model.ReplicationMessage) error
	// Apply installs msg if it orders after the replica's record.
	Apply(ctx context.Context, node model.Node, msg *model.ReplicationMessage) (bool, error)
}

// Config holds coordinator configuration
type Config struct {
	// NodeID is stamped as the origin of every version this coordinator assigns.
	NodeID       string
	Quorum       algorithm.Quorum
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// ConflictAttempts bounds how many times a write is sent before a
	// version conflict is surfaced.
	ConflictAttempts int
	VersionCacheSize int
}

func (c *Config) setDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.ConflictAttempts <= 0 {
		c.ConflictAttempts = 2
	}
	if c.VersionCacheSize <= 0 {
		c.VersionCacheSize = 10000
	}
}

type versionState struct {
	version   uint64
	tombstone bool
}

func (v versionState) absent() bool {
	return v.version == 0 || v.tombstone
}

// Coordinator assigns versions and runs quorum writes and reads against a
// partition's live replicas.
type Coordinator struct {
	cfg      Config
	client   StorageClient
	hints    *HintedHandoff
	locks    util.KeyLocks
	versions *lru.Cache[string, versionState]
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a coordinator. hints may be nil, in which case replicas that
// miss a successful write are left to read-repair.
func New(cfg Config, client StorageClient, hints *HintedHandoff, m *metrics.Metrics, logger *zap.Logger) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("coordinator node id is required")
	}
	cache, err := lru.New[string, versionState](cfg.VersionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}
	return &Coordinator{
		cfg:      cfg,
		client:   client,
		hints:    hints,
		versions: cache,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Quorum returns the configured quorum.
func (c *Coordinator) Quorum() algorithm.Quorum {
	return c.cfg.Quorum
}

// WriteResult describes the outcome of a quorum write.
type WriteResult struct {
	Record      *model.Record
	PartitionID int
	Acked       []string
	TimedOut    []model.Node
	Failed      []model.Node
	// Conflicted holds replicas that already had this version or a later one.
	Conflicted []model.Node
}

// Acks returns the number of replicas that stored the record.
func (r *WriteResult) Acks() int {
	return len(r.Acked)
}

// Put writes value under the next version of key.
func (c *Coordinator) Put(ctx context.Context, partitionID int, replicas []model.Node, key, value []byte) (*WriteResult, error) {
	return c.write(ctx, partitionID, replicas, key, value, false)
}

// Delete writes a tombstone under the next version of key. Keys that are
// absent or already deleted yield NotFound.
func (c *Coordinator) Delete(ctx context.Context, partitionID int, replicas []model.Node, key []byte) (*WriteResult, error) {
	return c.write(ctx, partitionID, replicas, key, nil, true)
}

func (c *Coordinator) write(ctx context.Context, partitionID int, replicas []model.Node, key, value []byte, tombstone bool) (*WriteResult, error) {
	op := "put"
	if tombstone {
		op = "delete"
	}
	w := c.cfg.Quorum.W
	if len(replicas) < w {
		c.metrics.RecordQuorumFailure(op)
		return nil, kverrors.QuorumUnavailable(w, 0, 0).
			WithDetail("live_replicas", len(replicas))
	}

	unlock := c.locks.Lock(key)
	defer unlock()

	cacheKey := string(key)
	state, cached := c.versions.Get(cacheKey)
	c.metrics.RecordVersionCache(cached)
	if !cached {
		var err error
		if state, err = c.fetchVersion(ctx, replicas, key, false); err != nil {
			c.metrics.RecordQuorumFailure(op)
			return nil, err
		}
	}
	if tombstone && state.absent() && cached {
		// A cached absence may predate a write through another router.
		c.versions.Remove(cacheKey)
		var err error
		if state, err = c.fetchVersion(ctx, replicas, key, true); err != nil {
			c.metrics.RecordQuorumFailure(op)
			return nil, err
		}
	}

	var (
		result  *WriteResult
		highest uint64
	)
	for attempt := 1; ; attempt++ {
		if tombstone && state.absent() {
			return nil, kverrors.NotFound(key)
		}

		rec := &model.Record{
			Key:       key,
			Value:     value,
			Version:   state.version + 1,
			Tombstone: tombstone,
			Origin:    c.cfg.NodeID,
			Timestamp: c.now().UnixNano(),
		}
		result = &WriteResult{Record: rec, PartitionID: partitionID}
		highest = c.fanOut(ctx, result, replicas)

		if result.Acks() >= w {
			c.versions.Add(cacheKey, versionState{version: rec.Version, tombstone: tombstone})
			c.handoff(result)
			c.logger.Debug("Write reached quorum",
				zap.ByteString("key", key),
				zap.Uint64("version", rec.Version),
				zap.Int("acks", result.Acks()),
				zap.Int("required", w))
			return result, nil
		}

		c.versions.Remove(cacheKey)
		if len(result.Conflicted) == 0 || attempt >= c.cfg.ConflictAttempts {
			break
		}

		c.metrics.RecordConflict("retry")
		c.logger.Debug("Version conflict, retrying write",
			zap.ByteString("key", key),
			zap.Uint64("version", rec.Version),
			zap.Uint64("replica_version", highest),
			zap.Int("attempt", attempt))

		refreshed, err := c.fetchVersion(ctx, replicas, key, true)
		if err != nil {
			refreshed = versionState{version: highest}
		}
		if refreshed.version < highest {
			refreshed = versionState{version: highest}
		}
		state = refreshed
	}

	c.metrics.RecordQuorumFailure(op)
	if len(result.Conflicted) > 0 && len(result.TimedOut) == 0 {
		c.metrics.RecordConflict("surfaced")
		return result, kverrors.VersionConflict(key, highest, result.Record.Version)
	}
	c.logger.Warn("Write quorum not reached",
		zap.ByteString("key", key),
		zap.Uint64("version", result.Record.Version),
		zap.Int("acks", result.Acks()),
		zap.Int("required", w),
		zap.Int("timed_out", len(result.TimedOut)),
		zap.Int("failed", len(result.Failed)))
	return result, kverrors.QuorumUnavailable(w, result.Acks(), len(result.TimedOut))
}

// RetryWrite sends the record of a previous write to nodes and merges the
// outcome into a new result. The version is not reassigned.
func (c *Coordinator) RetryWrite(ctx context.Context, prev *WriteResult, nodes []model.Node) (*WriteResult, error) {
	unlock := c.locks.Lock(prev.Record.Key)
	defer unlock()

	retry := &WriteResult{Record: prev.Record, PartitionID: prev.PartitionID}
	c.fanOut(ctx, retry, nodes)

	merged := &WriteResult{
		Record:      prev.Record,
		PartitionID: prev.PartitionID,
		Acked:       append(append([]string(nil), prev.Acked...), retry.Acked...),
		TimedOut:    retry.TimedOut,
		Failed:      append(append([]model.Node(nil), prev.Failed...), retry.Failed...),
		Conflicted:  append(append([]model.Node(nil), prev.Conflicted...), retry.Conflicted...),
	}

	w := c.cfg.Quorum.W
	if merged.Acks() < w {
		return merged, kverrors.QuorumUnavailable(w, merged.Acks(), len(merged.TimedOut))
	}
	c.versions.Add(string(prev.Record.Key), versionState{version: prev.Record.Version, tombstone: prev.Record.Tombstone})
	c.handoff(merged)
	return merged, nil
}

// fanOut sends result.Record to every replica in parallel and sorts the
// replies into result. It returns the highest version reported by a replica
// that was ahead of the record.
func (c *Coordinator) fanOut(ctx context.Context, result *WriteResult, replicas []model.Node) uint64 {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	msg := model.NewReplicationMessage(result.PartitionID, result.Record)
	var (
		mu      sync.Mutex
		highest uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, replica := range replicas {
		replica := replica
		g.Go(func() error {
			outcome, current := c.writeReplica(gctx, replica, msg)
			c.metrics.RecordReplicaWrite(replica.NodeID, outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "ok", "caught_up":
				result.Acked = append(result.Acked, replica.NodeID)
			case "conflict":
				result.Conflicted = append(result.Conflicted, replica)
				if current > highest {
					highest = current
				}
			case "timeout":
				result.TimedOut = append(result.TimedOut, replica)
			default:
				result.Failed = append(result.Failed, replica)
			}
			return nil
		})
	}
	_ = g.Wait()
	return highest
}

// writeReplica writes msg to one replica. A replica that is behind the
// record is brought up to it through Apply and counts as an ack.
func (c *Coordinator) writeReplica(ctx context.Context, replica model.Node, msg *model.ReplicationMessage) (string, uint64) {
	err := c.client.Write(ctx, replica, msg)
	if err == nil {
		return "ok", 0
	}

	behind := false
	switch kverrors.GetCode(err) {
	case kverrors.ErrCodeVersionConflict:
		current, _ := kverrors.CurrentVersion(err)
		if current == msg.Version {
			// A resent write the replica already holds.
			if rec, gerr := c.client.Get(ctx, replica, msg.Key); gerr == nil && rec.Same(msg.Record()) {
				return "ok", 0
			}
		}
		if current >= msg.Version {
			return "conflict", current
		}
		behind = true
	case kverrors.ErrCodeNotFound:
		behind = msg.Tombstone
	}

	if behind {
		applied, aerr := c.client.Apply(ctx, replica, msg)
		if aerr == nil && applied {
			return "caught_up", 0
		}
		if aerr == nil {
			return "conflict", msg.Version
		}
		err = aerr
	}

	if kverrors.IsTimeout(err) || ctx.Err() != nil {
		return "timeout", 0
	}
	c.logger.Warn("Write failed to replica",
		zap.String("node_id", replica.NodeID),
		zap.ByteString("key", msg.Key),
		zap.Uint64("version", msg.Version),
		zap.Error(err))
	return "failed", 0
}

// fetchVersion asks the preferred replica for the key's current version and
// falls back to the highest version among the others when it cannot answer.
// With all set every replica is asked and the highest answer wins.
func (c *Coordinator) fetchVersion(ctx context.Context, replicas []model.Node, key []byte, all bool) (versionState, error) {
	if !all {
		state, err := c.versionAt(ctx, replicas[0], key)
		if err == nil {
			if !state.absent() || len(replicas) == 1 {
				return state, nil
			}
			// The preferred replica may have missed writes; confirm an
			// absence with the rest of the set.
		} else {
			c.logger.Debug("Preferred replica did not report a version",
				zap.String("node_id", replicas[0].NodeID),
				zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		best     versionState
		answered int
		timedOut int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, replica := range replicas {
		replica := replica
		g.Go(func() error {
			state, err := c.versionAt(gctx, replica, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if kverrors.IsTimeout(err) {
					timedOut++
				}
				return nil
			}
			answered++
			if state.version > best.version {
				best = state
			}
			return nil
		})
	}
	_ = g.Wait()

	if answered == 0 {
		return versionState{}, kverrors.QuorumUnavailable(c.cfg.Quorum.W, 0, timedOut).
			WithDetail("phase", "version_lookup")
	}
	return best, nil
}

func (c *Coordinator) versionAt(ctx context.Context, replica model.Node, key []byte) (versionState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	rec, err := c.client.Get(ctx, replica, key)
	if err != nil {
		if kverrors.GetCode(err) == kverrors.ErrCodeNotFound {
			return versionState{}, nil
		}
		return versionState{}, err
	}
	return versionState{version: rec.Version, tombstone: rec.Tombstone}, nil
}

func (c *Coordinator) handoff(result *WriteResult) {
	if c.hints == nil {
		return
	}
	msg := model.NewReplicationMessage(result.PartitionID, result.Record)
	for _, n := range result.TimedOut {
		c.hints.Store(n.NodeID, msg)
	}
	for _, n := range result.Failed {
		c.hints.Store(n.NodeID, msg)
	}
}

// ReplicaRead is one replica's answer to a read. Record is nil when the
// replica never stored the key.
type ReplicaRead struct {
	Node   model.Node
	Record *model.Record
}

// ReadResult collects the answers of a quorum read.
type ReadResult struct {
	Key       []byte
	Responses []ReplicaRead
	TimedOut  []model.Node
	Failed    []model.Node
	// Latest is the highest-ordered record among the answers, nil when no
	// replica has one.
	Latest *model.Record
}

// Stale returns the answering replicas whose record orders before Latest.
func (r *ReadResult) Stale() []model.Node {
	if r.Latest == nil {
		return nil
	}
	var stale []model.Node
	for _, resp := range r.Responses {
		if resp.Record == nil || r.Latest.Newer(resp.Record) {
			stale = append(stale, resp.Node)
		}
	}
	return stale
}

func (r *ReadResult) add(resp ReplicaRead) {
	r.Responses = append(r.Responses, resp)
	if resp.Record != nil && resp.Record.Newer(r.Latest) {
		r.Latest = resp.Record
	}
}

// Read queries every replica in parallel. It succeeds once R replicas have
// answered; a missing key and a tombstone are both answers. On failure the
// partial result is returned with the error.
func (c *Coordinator) Read(ctx context.Context, replicas []model.Node, key []byte) (*ReadResult, error) {
	r := c.cfg.Quorum.R
	if len(replicas) < r {
		c.metrics.RecordQuorumFailure("get")
		return nil, kverrors.QuorumUnavailable(r, 0, 0).
			WithDetail("live_replicas", len(replicas))
	}

	result := &ReadResult{Key: key}
	c.gather(ctx, result, replicas)
	if len(result.Responses) < r {
		c.metrics.RecordQuorumFailure("get")
		return result, kverrors.QuorumUnavailable(r, len(result.Responses), len(result.TimedOut))
	}
	return result, nil
}

// RetryRead queries nodes again and merges their answers into prev.
func (c *Coordinator) RetryRead(ctx context.Context, prev *ReadResult, nodes []model.Node) (*ReadResult, error) {
	merged := &ReadResult{Key: prev.Key, Failed: append([]model.Node(nil), prev.Failed...)}
	for _, resp := range prev.Responses {
		merged.add(resp)
	}
	c.gather(ctx, merged, nodes)

	r := c.cfg.Quorum.R
	if len(merged.Responses) < r {
		return merged, kverrors.QuorumUnavailable(r, len(merged.Responses), len(merged.TimedOut))
	}
	return merged, nil
}

func (c *Coordinator) gather(ctx context.Context, result *ReadResult, replicas []model.Node) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, replica := range replicas {
		replica := replica
		g.Go(func() error {
			rec, err := c.client.Get(gctx, replica, result.Key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				c.metrics.RecordReplicaRead(replica.NodeID, "ok")
				result.add(ReplicaRead{Node: replica, Record: rec})
			case kverrors.GetCode(err) == kverrors.ErrCodeNotFound:
				c.metrics.RecordReplicaRead(replica.NodeID, "not_found")
				result.add(ReplicaRead{Node: replica})
			case kverrors.IsTimeout(err) || gctx.Err() != nil:
				c.metrics.RecordReplicaRead(replica.NodeID, "timeout")
				result.TimedOut = append(result.TimedOut, replica)
			default:
				c.metrics.RecordReplicaRead(replica.NodeID, "failed")
				c.logger.Warn("Read failed from replica",
					zap.String("node_id", replica.NodeID),
					zap.ByteString("key", result.Key),
					zap.Error(err))
				result.Failed = append(result.Failed, replica)
			}
			return nil
		})
	}
	_ = g.Wait()
}
