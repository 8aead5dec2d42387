package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrev/quorumkv/internal/metrics"
	"github.com/devrev/quorumkv/internal/model"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "commitlog-"
	segmentSuffix = ".log"
	maxLineSize   = 64 << 20
)

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SegmentSize int64
	SyncWrites  bool
}

// CommitLog is an append-only log of record mutations split into numbered
// segments. Entries are JSON lines carrying a CRC32 checksum.
type CommitLog struct {
	config      CommitLogConfig
	dataDir     string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	segmentID   uint64
	nextSeq     uint64
	closed      bool
}

// OpenCommitLog opens the commit log in dataDir. Existing segments are left
// untouched until Replay has read them; new entries go to a fresh segment.
func OpenCommitLog(cfg CommitLogConfig, dataDir string, m *metrics.Metrics, logger *zap.Logger) (*CommitLog, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	cl := &CommitLog{
		config:  cfg,
		dataDir: dataDir,
		logger:  logger,
		metrics: m,
		nextSeq: 1,
	}

	segments, err := cl.segments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		cl.segmentID = segments[len(segments)-1]
	}

	return cl, nil
}

// Append writes the entry and, when SyncWrites is set, fsyncs it before
// returning. The entry's sequence number and checksum are filled in.
func (c *CommitLog) Append(entry *model.CommitLogEntry) error {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("commit log is closed")
	}
	if c.currentFile == nil {
		if err := c.openNewSegment(); err != nil {
			return err
		}
	}

	entry.SequenceNumber = c.nextSeq
	entry.Checksum = entryChecksum(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to commit log: %w", err)
	}
	if c.config.SyncWrites {
		if err := c.currentFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync commit log: %w", err)
		}
	}

	c.nextSeq++
	c.currentSize += int64(len(data))
	c.metrics.RecordCommitLogAppend(time.Since(start).Seconds())

	if c.config.SegmentSize > 0 && c.currentSize >= c.config.SegmentSize {
		c.logger.Info("Rotating commit log due to size",
			zap.Int64("size", c.currentSize),
			zap.Int64("threshold", c.config.SegmentSize))
		if err := c.openNewSegment(); err != nil {
			c.logger.Error("Failed to rotate commit log", zap.Error(err))
		}
	}

	return nil
}

// Replay feeds every valid entry of every segment, oldest first, to apply.
// A corrupt or torn entry ends replay of its segment; later segments are
// still read.
func (c *CommitLog) Replay(apply func(*model.CommitLogEntry)) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	segments, err := c.segments()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, id := range segments {
		n, err := c.replaySegment(c.segmentPath(id), apply)
		replayed += n
		if err != nil {
			return replayed, err
		}
	}

	c.metrics.UpdateCommitLogSegments(len(segments))
	c.logger.Info("Commit log replay completed",
		zap.Int("segments", len(segments)),
		zap.Int("entries", replayed))
	return replayed, nil
}

func (c *CommitLog) replaySegment(path string, apply func(*model.CommitLogEntry)) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	count := 0
	for scanner.Scan() {
		var entry model.CommitLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			c.logger.Warn("Truncated commit log entry, stopping segment replay",
				zap.String("segment", path),
				zap.Int("entries", count),
				zap.Error(err))
			return count, nil
		}
		if !validEntry(&entry) {
			c.logger.Warn("Commit log checksum mismatch, stopping segment replay",
				zap.String("segment", path),
				zap.Uint64("seq", entry.SequenceNumber))
			return count, nil
		}

		apply(&entry)
		if entry.SequenceNumber >= c.nextSeq {
			c.nextSeq = entry.SequenceNumber + 1
		}
		count++
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("Failed to read commit log segment",
			zap.String("segment", path),
			zap.Error(err))
	}
	return count, nil
}

// Compact rewrites the log as a single segment holding records and removes
// every older segment. records must reflect all entries appended so far.
func (c *CommitLog) Compact(records []*model.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, err := c.segments()
	if err != nil {
		return err
	}

	c.segmentID++
	compactID := c.segmentID
	tmpPath := c.segmentPath(compactID) + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create compacted segment: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, r := range records {
		entry := &model.CommitLogEntry{
			SequenceNumber: c.nextSeq,
			Key:            r.Key,
			Value:          r.Value,
			Version:        r.Version,
			Tombstone:      r.Tombstone,
			Origin:         r.Origin,
			Timestamp:      r.Timestamp,
			OperationType:  model.OperationTypeRepair,
		}
		entry.Checksum = entryChecksum(entry)
		data, err := json.Marshal(entry)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
		c.nextSeq++
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush compacted segment: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync compacted segment: %w", err)
	}
	file.Close()

	if err := os.Rename(tmpPath, c.segmentPath(compactID)); err != nil {
		return fmt.Errorf("failed to install compacted segment: %w", err)
	}

	if c.currentFile != nil {
		c.currentFile.Close()
		c.currentFile = nil
	}
	for _, id := range old {
		if err := os.Remove(c.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("Failed to remove compacted segment",
				zap.Uint64("segment", id),
				zap.Error(err))
		}
	}

	c.metrics.UpdateCommitLogSegments(1)
	c.logger.Info("Commit log compacted",
		zap.Int("records", len(records)),
		zap.Int("removed_segments", len(old)))
	return nil
}

// Close closes the current segment
func (c *CommitLog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.currentFile != nil {
		err := c.currentFile.Close()
		c.currentFile = nil
		return err
	}
	return nil
}

func (c *CommitLog) openNewSegment() error {
	if c.currentFile != nil {
		c.currentFile.Close()
	}

	c.segmentID++
	path := c.segmentPath(c.segmentID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open commit log file: %w", err)
	}

	c.currentFile = file
	c.currentSize = 0
	c.logger.Info("Opened new commit log segment", zap.String("path", path))
	return nil
}

func (c *CommitLog) segmentPath(id uint64) string {
	return filepath.Join(c.dataDir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

// segments lists segment ids in ascending order.
func (c *CommitLog) segments() ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(c.dataDir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log files: %w", err)
	}

	ids := make([]uint64, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), segmentPrefix), segmentSuffix)
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
