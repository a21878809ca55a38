// Package inspect reads a store directory that no engine has open. Shard
// files are memory mapped read-only and the persisted index is decoded
// without modifying anything on disk.
package inspect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KevoDB/qstorage/pkg/block"
	"github.com/KevoDB/qstorage/pkg/common/fslock"
	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/persist"
	"github.com/KevoDB/qstorage/pkg/shard"
	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"
)

// ErrReadOnly is returned by WriteAt
var ErrReadOnly = errors.New("inspect reader is read-only")

type mapped struct {
	entry shard.Entry
	file  *os.File
	data  mmap.MMap
}

// Reader is a read-only view of a stopped store
type Reader struct {
	dir     string
	options config.Options
	shards  []*mapped
	size    int64
	alloc   *block.Allocator
	lock    *fslock.Lock
}

// Open maps every shard of dir and loads its index. The directory lock is
// held until Close so an engine cannot open the store meanwhile.
func Open(dir string) (*Reader, error) {
	opts, err := config.LoadOptions(dir)
	if err != nil {
		return nil, err
	}

	lock, err := fslock.Acquire(dir)
	if err != nil {
		return nil, err
	}

	r := &Reader{dir: dir, options: opts, lock: lock}
	if err := r.load(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	p := persist.New(r.dir,
		persist.WithCompression(r.options.IndexCompression),
		persist.WithLogger(log.NewDiscardLogger()),
	)
	snap, err := p.Load()
	if err != nil {
		return err
	}

	for i, e := range snap.Shards {
		m, err := mapShard(filepath.Join(r.dir, e.Name))
		if err != nil {
			return fmt.Errorf("failed to map shard %s: %w", e.Name, err)
		}
		m.entry = e
		r.shards = append(r.shards, m)

		if end := int64(i)*r.options.ShardCapacity + e.Size; end > r.size {
			r.size = end
		}
	}

	r.alloc = block.NewAllocator(r, r.options.BlockSize)
	for _, off := range snap.Free {
		r.alloc.RestoreFree(off)
	}
	for _, rec := range snap.Records {
		r.alloc.Restore(rec.Key, rec.Entry)
	}
	return nil
}

// mapShard maps a shard file. Empty files cannot be mapped and are kept
// without data.
func mapShard(path string) (*mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() == 0 {
		return &mapped{file: f}, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mapped{file: f, data: data}, nil
}

// ReadAt copies n logical bytes starting at off. Bytes past the end of a
// mapped shard read as zero.
func (r *Reader) ReadAt(off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, shard.ErrNegativeOffset
	}

	buf := make([]byte, n)
	for _, seg := range shard.Segments(off, n, r.options.ShardCapacity) {
		if seg.Shard >= len(r.shards) {
			return nil, fmt.Errorf("%w: shard %d of %d", shard.ErrOutOfRange, seg.Shard, len(r.shards))
		}
		data := r.shards[seg.Shard].data
		if seg.Local < int64(len(data)) {
			copy(buf[seg.Pos:seg.Pos+seg.Len], data[seg.Local:])
		}
	}
	return buf, nil
}

// WriteAt always fails
func (r *Reader) WriteAt(data []byte, off int64) error {
	return ErrReadOnly
}

// Len returns the logical length recorded in the manifest
func (r *Reader) Len() int64 {
	return r.size
}

func (r *Reader) Buffer(n int) []byte {
	return make([]byte, n)
}

// Options returns the layout options of the store
func (r *Reader) Options() config.Options {
	return r.options
}

// Shards returns the manifest entries
func (r *Reader) Shards() []shard.Entry {
	entries := make([]shard.Entry, len(r.shards))
	for i, m := range r.shards {
		entries[i] = m.entry
	}
	return entries
}

// Keys returns every indexed key in sorted order
func (r *Reader) Keys() []string {
	return r.alloc.Keys()
}

// Lookup returns the index entry of key
func (r *Reader) Lookup(key string) (block.Entry, bool) {
	return r.alloc.Lookup(key)
}

// Free returns the free block offsets in reuse order
func (r *Reader) Free() []int64 {
	return r.alloc.Free().Offsets()
}

// Get returns the value of key
func (r *Reader) Get(key string) ([]byte, bool, error) {
	return r.alloc.Get(key)
}

// Verify checks the allocation invariants of the persisted index and that
// every block lies inside the recorded shards.
func (r *Reader) Verify() error {
	if err := r.alloc.Check(); err != nil {
		return err
	}

	var result *multierror.Error
	r.alloc.Range(func(key string, e block.Entry) bool {
		for _, off := range e.Blocks {
			if off+r.options.BlockSize > r.size {
				result = multierror.Append(result, fmt.Errorf("key %q block %d ends past logical length %d", key, off, r.size))
			}
		}
		return true
	})
	return result.ErrorOrNil()
}

// Close unmaps every shard and releases the directory lock
func (r *Reader) Close() error {
	var result *multierror.Error
	for _, m := range r.shards {
		if m.data != nil {
			if err := m.data.Unmap(); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to unmap %s: %w", m.entry.Name, err))
			}
			m.data = nil
		}
		if m.file != nil {
			if err := m.file.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			m.file = nil
		}
	}
	r.shards = nil

	if err := r.lock.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
