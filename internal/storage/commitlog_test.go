package storage

import (
	"path/filepath"
	"testing"

	"github.com/devrev/quorumkv/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCommitLog_RotationAndReplayOrder(t *testing.T) {
	dir := t.TempDir()
	cl, err := OpenCommitLog(CommitLogConfig{SegmentSize: 200}, dir, nil, zap.NewNop())
	require.NoError(t, err)

	for v := uint64(1); v <= 10; v++ {
		require.NoError(t, cl.Append(&model.CommitLogEntry{
			Key:           []byte("k"),
			Value:         []byte("some value"),
			Version:       v,
			OperationType: model.OperationTypeWrite,
		}))
	}
	require.NoError(t, cl.Close())

	segments, err := filepath.Glob(filepath.Join(dir, "commitlog-*.log"))
	require.NoError(t, err)
	assert.Greater(t, len(segments), 1)

	reopened, err := OpenCommitLog(CommitLogConfig{}, dir, nil, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	var versions []uint64
	n, err := reopened.Replay(func(e *model.CommitLogEntry) {
		versions = append(versions, e.Version)
	})
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, versions)
	assert.Equal(t, uint64(11), reopened.nextSeq)
}

func TestEntryChecksum(t *testing.T) {
	e := &model.CommitLogEntry{
		SequenceNumber: 4,
		Key:            []byte("k"),
		Value:          []byte("v"),
		Version:        2,
		OperationType:  model.OperationTypeWrite,
	}
	e.Checksum = entryChecksum(e)
	assert.True(t, validEntry(e))

	e.Value = []byte("w")
	assert.False(t, validEntry(e))

	e.Value = []byte("v")
	e.Tombstone = true
	assert.False(t, validEntry(e))
}
