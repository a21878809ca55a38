package persist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/qstorage/pkg/block"
	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCapacity  = 16
	testBlockSize = 4
)

type testState struct {
	store *shard.Store
	alloc *block.Allocator
	p     *Persister
}

func recoverState(t *testing.T, dir string, opts ...Option) (*testState, Summary) {
	t.Helper()
	logger := log.NewDiscardLogger()
	store := shard.NewStore(dir, testCapacity, shard.WithLogger(logger))
	t.Cleanup(func() { store.Close() })

	alloc := block.NewAllocator(store, testBlockSize)
	p := New(dir, append([]Option{WithLogger(logger)}, opts...)...)

	sum, err := p.Recover(store, alloc)
	require.NoError(t, err)
	return &testState{store: store, alloc: alloc, p: p}, sum
}

func TestRecover_FreshDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")
	st, sum := recoverState(t, dir)

	assert.True(t, sum.Fresh)
	assert.Equal(t, 1, sum.Shards)
	assert.Equal(t, 0, sum.Keys)
	assert.Equal(t, 1, st.store.Count())

	for _, name := range []string{ManifestFileName, IndexFileName, FreeFileName, shard.Name(0)} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)
	entries, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, []shard.Entry{{Name: "chunk.0.qs", Size: 0}}, entries)
}

func TestRecover_RestartRestoresState(t *testing.T) {
	for _, codec := range []string{config.CompressionNone, config.CompressionZstd, config.CompressionSnappy} {
		t.Run(codec, func(t *testing.T) {
			dir := t.TempDir()
			st, _ := recoverState(t, dir, WithCompression(codec))

			values := map[string][]byte{}
			for i := 0; i < 12; i++ {
				key := fmt.Sprintf("key|%d-x", i)
				v := bytes.Repeat([]byte{byte('a' + i)}, 1+i*3)
				values[key] = v
				_, err := st.alloc.Insert(key, v)
				require.NoError(t, err)
			}
			for i := 0; i < 12; i += 4 {
				key := fmt.Sprintf("key|%d-x", i)
				require.True(t, st.alloc.Remove(key))
				delete(values, key)
			}

			require.NoError(t, st.p.Flush(st.store, st.alloc))
			wantIndex := EncodeIndex(st.alloc)
			wantFree := st.alloc.Free().Offsets()
			wantLen := st.store.Len()
			require.NoError(t, st.store.Close())

			again, sum := recoverState(t, dir, WithCompression(codec))
			assert.False(t, sum.Fresh)
			assert.Equal(t, len(values), sum.Keys)
			assert.Equal(t, len(wantFree), sum.FreeBlocks)
			assert.Equal(t, wantLen, again.store.Len())
			assert.Equal(t, wantIndex, EncodeIndex(again.alloc))
			assert.Equal(t, wantFree, again.alloc.Free().Offsets())

			for key, want := range values {
				got, found, err := again.alloc.Get(key)
				require.NoError(t, err)
				require.True(t, found, key)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestFlush_CompressesIndexFiles(t *testing.T) {
	dir := t.TempDir()
	st, _ := recoverState(t, dir, WithCompression(config.CompressionZstd))

	for i := 0; i < 50; i++ {
		_, err := st.alloc.Insert(fmt.Sprintf("same-prefix-key-%03d", i), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, st.p.Flush(st.store, st.alloc))

	raw, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	require.NoError(t, err)
	plain := EncodeIndex(st.alloc)
	assert.NotEqual(t, plain, raw)
	assert.Less(t, len(raw), len(plain))

	// Decoding with the wrong codec is reported as corruption.
	wrong := New(dir, WithLogger(log.NewDiscardLogger()))
	_, err = wrong.Load()
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestFlush_ManifestRecordsShardSizes(t *testing.T) {
	dir := t.TempDir()
	st, _ := recoverState(t, dir)

	_, err := st.alloc.Insert("big", bytes.Repeat([]byte{'z'}, 38))
	require.NoError(t, err)
	require.NoError(t, st.p.Flush(st.store, st.alloc))

	snap, err := st.p.Load()
	require.NoError(t, err)
	assert.Equal(t, []shard.Entry{
		{Name: "chunk.0.qs", Size: 16},
		{Name: "chunk.1.qs", Size: 16},
		{Name: "chunk.2.qs", Size: 8},
	}, snap.Shards)

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files are renamed away")
}

func TestRecover_AcceptsLegacyFreeList(t *testing.T) {
	dir := t.TempDir()
	st, _ := recoverState(t, dir)
	_, err := st.alloc.Insert("a", []byte("0123456789ab"))
	require.NoError(t, err)
	require.True(t, st.alloc.Remove("a"))
	require.NoError(t, st.p.Flush(st.store, st.alloc))
	require.NoError(t, st.store.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, FreeFileName), []byte("0+4+8+"), 0644))

	again, sum := recoverState(t, dir)
	assert.Equal(t, 3, sum.FreeBlocks)
	assert.Equal(t, []int64{0, 4, 8}, again.alloc.Free().Offsets())
}

func TestRecover_DetectsOverlap(t *testing.T) {
	dir := t.TempDir()
	st, _ := recoverState(t, dir)
	require.NoError(t, st.store.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte("k-8|0+4/"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FreeFileName), []byte("4"), 0644))

	store := shard.NewStore(dir, testCapacity, shard.WithLogger(log.NewDiscardLogger()))
	defer store.Close()
	p := New(dir, WithLogger(log.NewDiscardLogger()))

	_, err := p.Recover(store, block.NewAllocator(store, testBlockSize))
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestRecover_CorruptManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte("{not json"), 0644))

	store := shard.NewStore(dir, testCapacity, shard.WithLogger(log.NewDiscardLogger()))
	defer store.Close()
	p := New(dir, WithLogger(log.NewDiscardLogger()))

	_, err := p.Recover(store, block.NewAllocator(store, testBlockSize))
	assert.ErrorIs(t, err, ErrCorruptManifest)

	_, err = DecodeManifest([]byte(`{"chunk":[{"name":"chunk.1.qs","size":0}]}`))
	assert.ErrorIs(t, err, ErrCorruptManifest)
}

func TestUnknownCodec(t *testing.T) {
	_, err := compress("lz4", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownCodec)
	_, err = decompress("lz4", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}
