package shard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, capacity int64, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithLogger(log.NewDiscardLogger())}, opts...)
	s := NewStore(dir, capacity, opts...)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestSegments(t *testing.T) {
	const capacity = 16

	tests := []struct {
		name string
		off  int64
		n    int
		want []Segment
	}{
		{"inside first shard", 4, 8, []Segment{{0, 0, 4, 8}}},
		{"exactly one shard", 0, 16, []Segment{{0, 0, 0, 16}}},
		{"starts on boundary", 16, 4, []Segment{{1, 0, 0, 4}}},
		{"ends on boundary", 12, 4, []Segment{{0, 0, 12, 4}}},
		{"straddles one boundary", 12, 8, []Segment{{0, 0, 12, 4}, {1, 4, 0, 4}}},
		{"straddles several boundaries", 10, 40, []Segment{
			{0, 0, 10, 6},
			{1, 6, 0, 16},
			{2, 22, 0, 16},
			{3, 38, 0, 2},
		}},
		{"multiple whole shards", 32, 32, []Segment{{2, 0, 0, 16}, {3, 16, 0, 16}}},
		{"empty", 5, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Segments(tt.off, tt.n, capacity))
		})
	}
}

// Every segment plan must cover the range exactly once and stay inside
// its shard.
func TestSegmentsReconstructRange(t *testing.T) {
	for _, capacity := range []int64{1, 3, 4, 16} {
		for off := int64(0); off < 3*capacity+2; off++ {
			for n := 0; n < int(4*capacity)+3; n++ {
				segs := Segments(off, n, capacity)

				covered := 0
				for _, seg := range segs {
					require.Equal(t, covered, seg.Pos)
					require.True(t, seg.Local >= 0 && seg.Local+int64(seg.Len) <= capacity)
					require.Equal(t, off+int64(seg.Pos), int64(seg.Shard)*capacity+seg.Local)
					require.Greater(t, seg.Len, 0)
					covered += seg.Len
				}
				require.Equal(t, n, covered, "capacity=%d off=%d n=%d", capacity, off, n)
			}
		}
	}
}

func TestStore_WriteReadAcrossBoundaries(t *testing.T) {
	s, dir := newTestStore(t, 16)
	require.NoError(t, s.CreateShard())

	data := pattern(40)
	require.NoError(t, s.WriteAt(data, 10))

	// 10..50 touches shards 0..3
	assert.Equal(t, 4, s.Count())
	assert.Equal(t, int64(50), s.Len())

	got, err := s.ReadAt(10, 40)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Partial reads inside the range
	got, err = s.ReadAt(14, 5)
	require.NoError(t, err)
	assert.Equal(t, data[4:9], got)

	for i := 0; i < 4; i++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("chunk.%d.qs", i)))
		assert.NoError(t, err)
	}

	// The gap before offset 10 reads back as zeros.
	got, err = s.ReadAt(0, 10)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), got)
}

func TestStore_LenIsHighWaterMark(t *testing.T) {
	s, _ := newTestStore(t, 16)

	require.NoError(t, s.WriteAt(pattern(12), 0))
	assert.Equal(t, int64(12), s.Len())

	// Overwriting existing bytes does not move the append cursor.
	require.NoError(t, s.WriteAt([]byte("zzzz"), 4))
	assert.Equal(t, int64(12), s.Len())
	assert.Equal(t, 1, s.Count())

	got, err := s.ReadAt(0, 12)
	require.NoError(t, err)
	assert.Equal(t, "abcdzzzzijkl", string(got))
}

func TestStore_ReadOutOfRange(t *testing.T) {
	s, _ := newTestStore(t, 16)
	require.NoError(t, s.CreateShard())

	_, err := s.ReadAt(16, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = s.ReadAt(-1, 4)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	assert.ErrorIs(t, s.WriteAt([]byte{1}, -1), ErrNegativeOffset)
}

func TestStore_ReopenFromEntries(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 8, WithLogger(log.NewDiscardLogger()))
	data := pattern(20)
	require.NoError(t, s.WriteAt(data, 0))

	entries, err := s.Entries()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Name: "chunk.0.qs", Size: 8},
		{Name: "chunk.1.qs", Size: 8},
		{Name: "chunk.2.qs", Size: 4},
	}, entries)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	reopened := NewStore(dir, 8, WithLogger(log.NewDiscardLogger()))
	defer reopened.Close()
	require.NoError(t, reopened.Open(entries))

	assert.Equal(t, int64(20), reopened.Len())
	assert.Equal(t, 3, reopened.Count())

	got, err := reopened.ReadAt(0, 20)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestStore_Closed(t *testing.T) {
	s, _ := newTestStore(t, 8)
	require.NoError(t, s.CreateShard())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.WriteAt([]byte{1}, 0), ErrClosed)
	_, err := s.ReadAt(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.CreateShard(), ErrClosed)
}

type failingFile struct {
	File
	writeErr error
	closeErr error
}

func (f *failingFile) WriteAt(p []byte, off int64) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.File.WriteAt(p, off)
}

func (f *failingFile) Close() error {
	f.File.Close()
	return f.closeErr
}

func TestStore_PropagatesIOErrors(t *testing.T) {
	diskFull := errors.New("no space left on device")
	closeErr := errors.New("close failed")

	s, _ := newTestStore(t, 8, WithOpener(func(path string) (File, error) {
		f, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		return &failingFile{File: f, writeErr: diskFull, closeErr: closeErr}, nil
	}))

	err := s.WriteAt([]byte("abc"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)
	assert.Equal(t, int64(0), s.Len(), "failed writes do not advance the cursor")

	// Both shards report their close failure.
	require.NoError(t, s.CreateShard())
	err = s.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, closeErr)
	assert.Contains(t, err.Error(), "chunk.0.qs")
	assert.Contains(t, err.Error(), "chunk.1.qs")
}

func TestStore_OpenFailure(t *testing.T) {
	denied := errors.New("permission denied")
	s, _ := newTestStore(t, 8, WithOpener(func(string) (File, error) {
		return nil, denied
	}))

	assert.ErrorIs(t, s.Open([]Entry{{Name: "chunk.0.qs"}}), denied)
	assert.ErrorIs(t, s.CreateShard(), denied)
}
