// Package shard turns an ordered set of capacity-bounded files into one
// growing logical byte address space.
//
// Shard i covers the logical offsets [i*capacity, (i+1)*capacity). Shards
// are created lazily in increasing order and are never removed.
package shard

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/hashicorp/go-multierror"
	"github.com/ncw/directio"
)

var (
	// ErrOutOfRange is returned when a read touches a shard that was never created
	ErrOutOfRange = errors.New("read beyond last shard")
	// ErrNegativeOffset is returned for logical offsets below zero
	ErrNegativeOffset = errors.New("negative logical offset")
	// ErrClosed is returned when the store has been closed
	ErrClosed = errors.New("shard store is closed")
)

// Entry describes one shard file as recorded in the manifest
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Shard is one open shard file
type Shard struct {
	Name string
	// Size is the highest local offset written so far (or the size recorded
	// in the manifest when the shard was reopened)
	Size int64
	file File
}

// Store is not safe for concurrent use.
type Store struct {
	dir      string
	capacity int64
	shards   []*Shard
	size     int64
	direct   bool
	open     Opener
	logger   log.Logger
	closed   bool
}

// Option configures a Store
type Option func(*Store)

// WithDirectIO opens shard files with O_DIRECT and hands out aligned buffers
func WithDirectIO(enabled bool) Option {
	return func(s *Store) {
		s.direct = enabled
		if enabled {
			s.open = OpenDirectFile
		}
	}
}

// WithOpener replaces the function used to open shard files
func WithOpener(open Opener) Option {
	return func(s *Store) {
		s.open = open
	}
}

// WithLogger sets the logger used for shard lifecycle messages
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty store rooted at dir. No file is touched until
// Open or CreateShard is called.
func NewStore(dir string, capacity int64, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		capacity: capacity,
		open:     OpenFile,
		logger:   log.GetDefaultLogger().WithField("component", "shard"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the file name of the shard with the given index
func Name(index int) string {
	return fmt.Sprintf("chunk.%d.qs", index)
}

// Open reopens the shards listed in a manifest, in order. File contents are
// not validated; the recorded sizes are trusted.
func (s *Store) Open(entries []Entry) error {
	if s.closed {
		return ErrClosed
	}

	for _, e := range entries {
		f, err := s.open(filepath.Join(s.dir, e.Name))
		if err != nil {
			return fmt.Errorf("failed to open shard %s: %w", e.Name, err)
		}

		index := len(s.shards)
		s.shards = append(s.shards, &Shard{Name: e.Name, Size: e.Size, file: f})

		if end := int64(index)*s.capacity + e.Size; end > s.size {
			s.size = end
		}
	}

	s.logger.Debug("opened %d shards, logical length %d", len(entries), s.size)
	return nil
}

// CreateShard opens the next shard file (chunk.<index>.qs) with size 0
func (s *Store) CreateShard() error {
	if s.closed {
		return ErrClosed
	}

	name := Name(len(s.shards))
	f, err := s.open(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("failed to create shard %s: %w", name, err)
	}

	s.shards = append(s.shards, &Shard{Name: name, file: f})
	s.logger.Debug("created shard %s", name)
	return nil
}

// WriteAt writes data at a logical offset, splitting it across shard
// boundaries and creating missing shards on the way.
func (s *Store) WriteAt(data []byte, off int64) error {
	if s.closed {
		return ErrClosed
	}
	if off < 0 {
		return ErrNegativeOffset
	}

	for _, seg := range Segments(off, len(data), s.capacity) {
		for seg.Shard >= len(s.shards) {
			if err := s.CreateShard(); err != nil {
				return err
			}
		}

		sh := s.shards[seg.Shard]
		if _, err := sh.file.WriteAt(data[seg.Pos:seg.Pos+seg.Len], seg.Local); err != nil {
			return fmt.Errorf("failed to write shard %s at %d: %w", sh.Name, seg.Local, err)
		}

		if end := seg.Local + int64(seg.Len); end > sh.Size {
			sh.Size = end
		}
	}

	if end := off + int64(len(data)); end > s.size {
		s.size = end
	}
	return nil
}

// ReadAt reads n bytes starting at a logical offset. Bytes past the end of
// a shard file read as zero.
func (s *Store) ReadAt(off int64, n int) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if off < 0 {
		return nil, ErrNegativeOffset
	}

	buf := s.Buffer(n)
	for _, seg := range Segments(off, n, s.capacity) {
		if seg.Shard >= len(s.shards) {
			return nil, fmt.Errorf("%w: shard %d of %d", ErrOutOfRange, seg.Shard, len(s.shards))
		}

		sh := s.shards[seg.Shard]
		_, err := sh.file.ReadAt(buf[seg.Pos:seg.Pos+seg.Len], seg.Local)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read shard %s at %d: %w", sh.Name, seg.Local, err)
		}
	}
	return buf, nil
}

// Len returns the logical length of the store, which is where the next
// appended block goes.
func (s *Store) Len() int64 {
	return s.size
}

// Capacity returns the fixed shard capacity
func (s *Store) Capacity() int64 {
	return s.capacity
}

// Count returns the number of shards
func (s *Store) Count() int {
	return len(s.shards)
}

// Buffer returns a zeroed buffer of n bytes usable for shard I/O
func (s *Store) Buffer(n int) []byte {
	if s.direct {
		return directio.AlignedBlock(n)
	}
	return make([]byte, n)
}

// Entries returns the manifest entries of all shards, with sizes taken
// from the files themselves.
func (s *Store) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(s.shards))
	for _, sh := range s.shards {
		fi, err := sh.file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat shard %s: %w", sh.Name, err)
		}
		sh.Size = fi.Size()
		entries = append(entries, Entry{Name: sh.Name, Size: fi.Size()})
	}
	return entries, nil
}

// Sync flushes every shard file to stable storage
func (s *Store) Sync() error {
	var result *multierror.Error
	for _, sh := range s.shards {
		if err := sh.file.Sync(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to sync shard %s: %w", sh.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// Close closes every shard file. The store cannot be used afterwards.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	for _, sh := range s.shards {
		if err := sh.file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close shard %s: %w", sh.Name, err))
		}
	}
	return result.ErrorOrNil()
}
