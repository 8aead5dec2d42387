package storage_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	kverrors "github.com/devrev/quorumkv/internal/errors"
	"github.com/devrev/quorumkv/internal/model"
	"github.com/devrev/quorumkv/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T, dir string) *storage.StorageService {
	t.Helper()
	svc, err := storage.NewStorageService(storage.Options{
		NodeID:  "node-1",
		DataDir: dir,
		CommitLog: storage.CommitLogConfig{
			SegmentSize: 1024 * 1024,
			SyncWrites:  true,
		},
		MaxKeySize:   128,
		MaxValueSize: 1024,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func setupStorageService(t *testing.T) *storage.StorageService {
	svc := openStore(t, t.TempDir())
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestStorageService_Put(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		key      string
		version  uint64
		wantErr  error
		expected uint64
	}{
		{"first write", "a", 1, nil, 1},
		{"next version", "a", 2, nil, 2},
		{"replayed version", "a", 2, kverrors.ErrVersionConflict, 2},
		{"gap", "a", 4, kverrors.ErrVersionConflict, 2},
		{"fresh key skipping one", "b", 2, kverrors.ErrVersionConflict, 0},
		{"empty key", "", 1, kverrors.ErrInvalidArgument, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Put(ctx, []byte(tt.key), []byte("v"), tt.version, "coord")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, stderrors.Is(err, tt.wantErr))
			} else {
				require.NoError(t, err)
			}
			if tt.key != "" {
				assert.Equal(t, tt.expected, svc.CurrentVersion([]byte(tt.key)))
			}
		})
	}
}

func TestStorageService_ConflictCarriesCurrent(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	_, err := svc.Put(ctx, []byte("k"), []byte("v1"), 1, "c")
	require.NoError(t, err)

	_, err = svc.Put(ctx, []byte("k"), []byte("v9"), 9, "c")
	current, ok := kverrors.CurrentVersion(err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), current)
}

func TestStorageService_GetAndDelete(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, []byte("missing"))
	assert.True(t, stderrors.Is(err, kverrors.ErrNotFound))

	_, err = svc.Delete(ctx, []byte("missing"), 1, "c")
	assert.True(t, stderrors.Is(err, kverrors.ErrNotFound))

	_, err = svc.Put(ctx, []byte("k"), []byte("hello"), 1, "c")
	require.NoError(t, err)

	rec, err := svc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), rec.Value)
	assert.Equal(t, uint64(1), rec.Version)

	_, err = svc.Delete(ctx, []byte("k"), 2, "c")
	require.NoError(t, err)

	rec, err = svc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, rec.Tombstone)
	assert.Nil(t, rec.Value)
	assert.Equal(t, uint64(2), rec.Version)

	_, err = svc.Delete(ctx, []byte("k"), 3, "c")
	assert.True(t, stderrors.Is(err, kverrors.ErrNotFound))

	rec, err = svc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	_, err = svc.Put(ctx, []byte("k"), []byte("again"), 3, "c")
	require.NoError(t, err)
}

func TestStorageService_GetReturnsCopy(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	value := []byte("orig")
	_, err := svc.Put(ctx, []byte("k"), value, 1, "c")
	require.NoError(t, err)
	value[0] = 'X'

	rec, err := svc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	rec.Value[1] = 'Y'

	again, err := svc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), again.Value)
}

func TestStorageService_Validation(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	_, err := svc.Put(ctx, make([]byte, 129), []byte("v"), 1, "c")
	assert.True(t, stderrors.Is(err, kverrors.ErrInvalidArgument))

	_, err = svc.Put(ctx, []byte("k"), make([]byte, 1025), 1, "c")
	assert.True(t, stderrors.Is(err, kverrors.ErrInvalidArgument))
}

func TestStorageService_Apply(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	_, err := svc.Put(ctx, []byte("k"), []byte("v1"), 1, "b")
	require.NoError(t, err)

	applied, err := svc.Apply(ctx, &model.Record{Key: []byte("k"), Value: []byte("v5"), Version: 5, Origin: "a"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(5), svc.CurrentVersion([]byte("k")))

	applied, err = svc.Apply(ctx, &model.Record{Key: []byte("k"), Value: []byte("old"), Version: 3, Origin: "z"})
	require.NoError(t, err)
	assert.False(t, applied)

	// Equal versions resolve by origin.
	applied, err = svc.Apply(ctx, &model.Record{Key: []byte("k"), Value: []byte("tie"), Version: 5, Origin: "b"})
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = svc.Apply(ctx, &model.Record{Key: []byte("k"), Value: []byte("tie-lower"), Version: 5, Origin: "a"})
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := svc.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("tie"), rec.Value)

	_, err = svc.Apply(ctx, &model.Record{Key: []byte("k"), Version: 0})
	assert.True(t, stderrors.Is(err, kverrors.ErrInvalidArgument))
}

func TestStorageService_ConcurrentPutsAreGapFree(t *testing.T) {
	svc := setupStorageService(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; {
				next := svc.CurrentVersion([]byte("hot")) + 1
				_, err := svc.Put(ctx, []byte("hot"), []byte(fmt.Sprintf("%d-%d", w, i)), next, "c")
				if err == nil {
					i++
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*perWriter), svc.CurrentVersion([]byte("hot")))
}

func TestStorageService_RecoverFromCommitLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc := openStore(t, dir)
	_, err := svc.Put(ctx, []byte("a"), []byte("1"), 1, "c")
	require.NoError(t, err)
	_, err = svc.Put(ctx, []byte("a"), []byte("2"), 2, "c")
	require.NoError(t, err)
	_, err = svc.Put(ctx, []byte("b"), []byte("x"), 1, "c")
	require.NoError(t, err)
	_, err = svc.Delete(ctx, []byte("b"), 2, "c")
	require.NoError(t, err)
	_, err = svc.Apply(ctx, &model.Record{Key: []byte("c"), Value: []byte("r"), Version: 7, Origin: "c"})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	restarted := openStore(t, dir)
	defer restarted.Close()

	rec, err := restarted.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), rec.Value)
	assert.Equal(t, uint64(2), rec.Version)

	rec, err = restarted.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.True(t, rec.Tombstone)

	assert.Equal(t, uint64(7), restarted.CurrentVersion([]byte("c")))

	_, err = restarted.Put(ctx, []byte("a"), []byte("3"), 3, "c")
	require.NoError(t, err)
}

func TestStorageService_RecoverSkipsTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc := openStore(t, dir)
	_, err := svc.Put(ctx, []byte("a"), []byte("1"), 1, "c")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	segments, err := filepath.Glob(filepath.Join(dir, "commitlog-*.log"))
	require.NoError(t, err)
	require.Len(t, segments, 1)

	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"key":"YQ==","vers`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	restarted := openStore(t, dir)
	defer restarted.Close()
	assert.Equal(t, uint64(1), restarted.CurrentVersion([]byte("a")))

	_, err = restarted.Put(ctx, []byte("a"), []byte("2"), 2, "c")
	require.NoError(t, err)
	require.NoError(t, restarted.Close())

	again := openStore(t, dir)
	defer again.Close()
	assert.Equal(t, uint64(2), again.CurrentVersion([]byte("a")))
}

func TestStorageService_Compact(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc := openStore(t, dir)
	for v := uint64(1); v <= 20; v++ {
		_, err := svc.Put(ctx, []byte("k"), []byte(fmt.Sprintf("v%d", v)), v, "c")
		require.NoError(t, err)
	}
	require.NoError(t, svc.Compact(ctx))
	_, err := svc.Put(ctx, []byte("k"), []byte("v21"), 21, "c")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	restarted := openStore(t, dir)
	defer restarted.Close()
	rec, err := restarted.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v21"), rec.Value)
	assert.Equal(t, 1, restarted.Stats().Keys)
}
