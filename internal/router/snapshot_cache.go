package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
)

// SnapshotSource fetches metadata snapshots. A nil snapshot with a nil
// error means the source still holds knownVersion.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, knownVersion uint64) (*model.Snapshot, error)
}

// SnapshotCache keeps the router's copy of the metadata snapshot. The copy
// is refreshed once it is older than the refresh interval. When the source
// cannot be reached the cached copy keeps serving until it is older than
// the staleness bound; after that lookups fail closed.
type SnapshotCache struct {
	source          SnapshotSource
	refreshInterval time.Duration
	maxStaleness    time.Duration
	fetchTimeout    time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
	now             func() time.Time

	group     singleflight.Group
	mu        sync.RWMutex
	snap      *model.Snapshot
	fetchedAt time.Time
}

// NewSnapshotCache creates a snapshot cache over source.
func NewSnapshotCache(source SnapshotSource, refreshInterval, maxStaleness time.Duration, m *metrics.Metrics, logger *zap.Logger) *SnapshotCache {
	if refreshInterval <= 0 {
		refreshInterval = time.Second
	}
	if maxStaleness < refreshInterval {
		maxStaleness = 10 * refreshInterval
	}
	return &SnapshotCache{
		source:          source,
		refreshInterval: refreshInterval,
		maxStaleness:    maxStaleness,
		fetchTimeout:    2 * time.Second,
		metrics:         m,
		logger:          logger,
		now:             time.Now,
	}
}

// Get returns a snapshot no older than the staleness bound.
func (c *SnapshotCache) Get(ctx context.Context) (*model.Snapshot, error) {
	c.mu.RLock()
	snap, fetchedAt := c.snap, c.fetchedAt
	c.mu.RUnlock()

	if snap != nil && c.now().Sub(fetchedAt) < c.refreshInterval {
		return snap, nil
	}

	var known uint64
	if snap != nil {
		known = snap.Version
	}
	// The shared fetch is detached from the caller so one cancelled request
	// does not fail every request waiting on the same refresh.
	ch := c.group.DoChan(strconv.FormatUint(known, 10), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()
		return c.refresh(fctx, known)
	})
	var err error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*model.Snapshot), nil
		}
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}

	age := c.now().Sub(fetchedAt)
	if snap != nil && age < c.maxStaleness {
		c.metrics.RecordSnapshotFallback()
		c.logger.Warn("Snapshot refresh failed, serving cached snapshot",
			zap.Uint64("version", snap.Version),
			zap.Duration("age", age),
			zap.Error(err))
		return snap, nil
	}
	if snap == nil {
		return nil, kverrors.StaleSnapshot("none", err)
	}
	return nil, kverrors.StaleSnapshot(age.String(), err)
}

func (c *SnapshotCache) refresh(ctx context.Context, known uint64) (*model.Snapshot, error) {
	fetched, err := c.source.GetSnapshot(ctx, known)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if fetched == nil {
		if c.snap == nil {
			return nil, fmt.Errorf("metadata reported no change but no snapshot is cached")
		}
		c.fetchedAt = c.now()
		return c.snap, nil
	}
	if c.snap != nil && fetched.Version < c.snap.Version {
		c.logger.Warn("Ignoring older snapshot",
			zap.Uint64("cached", c.snap.Version),
			zap.Uint64("fetched", fetched.Version))
		c.fetchedAt = c.now()
		return c.snap, nil
	}
	if c.snap == nil || fetched.Version != c.snap.Version {
		c.logger.Info("Snapshot updated", zap.Uint64("version", fetched.Version))
	}
	c.snap = fetched
	c.fetchedAt = c.now()
	return fetched, nil
}

// Current returns the cached snapshot without refreshing it. It is nil
// before the first successful fetch.
func (c *SnapshotCache) Current() *model.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Resolve looks a node up in the cached snapshot.
func (c *SnapshotCache) Resolve(nodeID string) (model.Node, bool) {
	snap := c.Current()
	if snap == nil {
		return model.Node{}, false
	}
	return snap.Node(nodeID)
}

// SnapshotSourceFunc adapts a function to SnapshotSource.
type SnapshotSourceFunc func(ctx context.Context, knownVersion uint64) (*model.Snapshot, error)

func (f SnapshotSourceFunc) GetSnapshot(ctx context.Context, knownVersion uint64) (*model.Snapshot, error) {
	return f(ctx, knownVersion)
}

// LocalSource serves snapshots from an in-process provider such as the
// metadata service.
func LocalSource(current func() *model.Snapshot) SnapshotSource {
	return SnapshotSourceFunc(func(ctx context.Context, knownVersion uint64) (*model.Snapshot, error) {
		snap := current()
		if knownVersion != 0 && snap.Version == knownVersion {
			return nil, nil
		}
		return snap, nil
	})
}
