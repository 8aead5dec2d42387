package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/util"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

// StorageService is a single storage node's record store. Writes to a key are
// serialized and logged before they are visible; reads never take a lock.
type StorageService struct {
	records   *skipmap.FuncMap[string, *model.Record]
	commitLog *CommitLog
	locks     util.KeyLocks
	// compactMu lets Compact see a quiescent map; writers hold it shared.
	compactMu sync.RWMutex
	nodeID    string
	maxKey    int
	maxValue  int
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Options configures a StorageService.
type Options struct {
	NodeID       string
	DataDir      string
	CommitLog    CommitLogConfig
	MaxKeySize   int
	MaxValueSize int
}

// NewStorageService opens the commit log in opts.DataDir and replays it to
// rebuild the record map.
func NewStorageService(opts Options, m *metrics.Metrics, logger *zap.Logger) (*StorageService, error) {
	cl, err := OpenCommitLog(opts.CommitLog, opts.DataDir, m, logger)
	if err != nil {
		return nil, err
	}

	s := &StorageService{
		records: skipmap.NewFunc[string, *model.Record](func(a, b string) bool {
			return a < b
		}),
		commitLog: cl,
		nodeID:    opts.NodeID,
		maxKey:    opts.MaxKeySize,
		maxValue:  opts.MaxValueSize,
		metrics:   m,
		logger:    logger,
	}

	if err := s.recover(); err != nil {
		cl.Close()
		return nil, err
	}
	return s, nil
}

func (s *StorageService) recover() error {
	_, err := s.commitLog.Replay(func(e *model.CommitLogEntry) {
		rec := e.Record()
		current, ok := s.records.Load(string(rec.Key))
		if !ok || rec.Newer(current) {
			s.records.Store(string(rec.Key), rec)
		}
	})
	if err != nil {
		return kverrors.CommitLogFailed("failed to replay commit log", err)
	}
	s.metrics.UpdateStorageKeys(s.records.Len())
	return nil
}

// Get returns a copy of the record for key, tombstones included. A key that
// was never written yields NotFound.
func (s *StorageService) Get(ctx context.Context, key []byte) (*model.Record, error) {
	rec, ok := s.records.Load(string(key))
	if !ok {
		s.metrics.RecordStorageOp("get", "not_found")
		return nil, kverrors.NotFound(key)
	}
	s.metrics.RecordStorageOp("get", "ok")
	return rec.Clone(), nil
}

// CurrentVersion returns the stored version of key, or 0 when it was never
// written.
func (s *StorageService) CurrentVersion(key []byte) uint64 {
	if rec, ok := s.records.Load(string(key)); ok {
		return rec.Version
	}
	return 0
}

// Put stores value under key when version is exactly the current version plus
// one. Any other version is rejected with a VersionConflict carrying the
// current version.
func (s *StorageService) Put(ctx context.Context, key, value []byte, version uint64, origin string) (*model.Record, error) {
	if err := s.validate(key, value); err != nil {
		return nil, err
	}
	return s.write(ctx, &model.Record{
		Key:     key,
		Value:   value,
		Version: version,
		Origin:  origin,
	}, model.OperationTypeWrite)
}

// Delete writes a tombstone for key at version. Keys that were never written
// or are already tombstoned yield NotFound.
func (s *StorageService) Delete(ctx context.Context, key []byte, version uint64, origin string) (*model.Record, error) {
	if err := s.validate(key, nil); err != nil {
		return nil, err
	}
	return s.write(ctx, &model.Record{
		Key:       key,
		Version:   version,
		Tombstone: true,
		Origin:    origin,
	}, model.OperationTypeDelete)
}

func (s *StorageService) write(ctx context.Context, rec *model.Record, op model.OperationType) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	unlock := s.locks.Lock(rec.Key)
	defer unlock()

	var current uint64
	existing, exists := s.records.Load(string(rec.Key))
	if exists {
		current = existing.Version
	}

	if op == model.OperationTypeDelete && (!exists || existing.Tombstone) {
		s.metrics.RecordStorageOp(string(op), "not_found")
		return nil, kverrors.NotFound(rec.Key)
	}
	if rec.Version != current+1 {
		s.metrics.RecordStorageOp(string(op), "conflict")
		s.logger.Debug("Rejected out-of-order version",
			zap.ByteString("key", rec.Key),
			zap.Uint64("current", current),
			zap.Uint64("proposed", rec.Version))
		return nil, kverrors.VersionConflict(rec.Key, current, rec.Version)
	}

	if err := s.install(rec, op); err != nil {
		return nil, err
	}
	s.metrics.RecordStorageOp(string(op), "ok")
	return rec.Clone(), nil
}

// Apply installs a record from the replication path (read-repair or hinted
// handoff) if it orders after the stored one. It reports whether the record
// was installed.
func (s *StorageService) Apply(ctx context.Context, rec *model.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(rec.Key) == 0 || rec.Version == 0 {
		return false, kverrors.InvalidArgument("apply requires a key and a positive version", nil)
	}

	s.compactMu.RLock()
	defer s.compactMu.RUnlock()

	unlock := s.locks.Lock(rec.Key)
	defer unlock()

	existing, exists := s.records.Load(string(rec.Key))
	if exists && !rec.Newer(existing) {
		s.metrics.RecordStorageOp("apply", "stale")
		return false, nil
	}

	incoming := rec.Clone()
	if incoming.Tombstone {
		incoming.Value = nil
	}
	if err := s.install(incoming, model.OperationTypeRepair); err != nil {
		return false, err
	}
	s.metrics.RecordStorageOp("apply", "ok")
	return true, nil
}

// install logs rec then makes it visible. Callers hold the key's lock.
func (s *StorageService) install(rec *model.Record, op model.OperationType) error {
	rec.Timestamp = time.Now().UnixNano()
	if rec.Value != nil {
		rec.Value = append([]byte(nil), rec.Value...)
	}
	rec.Key = append([]byte(nil), rec.Key...)

	entry := &model.CommitLogEntry{
		Key:           rec.Key,
		Value:         rec.Value,
		Version:       rec.Version,
		Tombstone:     rec.Tombstone,
		Origin:        rec.Origin,
		Timestamp:     rec.Timestamp,
		OperationType: op,
	}
	if err := s.commitLog.Append(entry); err != nil {
		s.logger.Error("Failed to write to commit log",
			zap.ByteString("key", rec.Key),
			zap.Uint64("version", rec.Version),
			zap.Error(err))
		return kverrors.CommitLogFailed("failed to append to commit log", err)
	}

	s.records.Store(string(rec.Key), rec)
	s.metrics.UpdateStorageKeys(s.records.Len())
	return nil
}

// Compact rewrites the commit log so it holds only the latest record per key.
func (s *StorageService) Compact(ctx context.Context) error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	records := make([]*model.Record, 0, s.records.Len())
	s.records.Range(func(_ string, rec *model.Record) bool {
		records = append(records, rec)
		return true
	})
	return s.commitLog.Compact(records)
}

// Stats summarizes the store for health reporting.
type Stats struct {
	NodeID     string `json:"node_id"`
	Keys       int    `json:"keys"`
	Tombstones int    `json:"tombstones"`
}

func (s *StorageService) Stats() Stats {
	st := Stats{NodeID: s.nodeID}
	s.records.Range(func(_ string, rec *model.Record) bool {
		st.Keys++
		if rec.Tombstone {
			st.Tombstones++
		}
		return true
	})
	return st
}

// NodeID returns the id of the node this store belongs to.
func (s *StorageService) NodeID() string {
	return s.nodeID
}

// Close closes the commit log.
func (s *StorageService) Close() error {
	return s.commitLog.Close()
}

func (s *StorageService) validate(key, value []byte) error {
	if len(key) == 0 {
		return kverrors.InvalidArgument("key must not be empty", nil)
	}
	if s.maxKey > 0 && len(key) > s.maxKey {
		return kverrors.InvalidArgument(fmt.Sprintf("key size %d exceeds maximum %d", len(key), s.maxKey), nil)
	}
	if s.maxValue > 0 && len(value) > s.maxValue {
		return kverrors.InvalidArgument(fmt.Sprintf("value size %d exceeds maximum %d", len(value), s.maxValue), nil)
	}
	return nil
}
