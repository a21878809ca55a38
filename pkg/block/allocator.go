// Package block splits values into fixed-size blocks, places them in the
// logical address space of a shard store and keeps the key index.
package block

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInconsistent is returned by Check when the index and free list
// violate the allocation invariants.
var ErrInconsistent = errors.New("inconsistent block allocation")

// Store is the logical address space blocks are written to.
// *shard.Store implements it.
type Store interface {
	WriteAt(data []byte, off int64) error
	ReadAt(off int64, n int) ([]byte, error)
	Len() int64
	Buffer(n int) []byte
}

// Entry is the index record of one key: the true value length and the
// logical offsets of its blocks in value order.
type Entry struct {
	Count  uint64
	Blocks []int64
}

func (e *Entry) clone() Entry {
	return Entry{Count: e.Count, Blocks: append([]int64(nil), e.Blocks...)}
}

// Allocator owns the key index and the free list of one store. It is not
// safe for concurrent use.
type Allocator struct {
	store     Store
	blockSize int64
	free      *FreeList
	index     map[string]*Entry
}

// NewAllocator creates an allocator writing blockSize blocks into store
func NewAllocator(store Store, blockSize int64) *Allocator {
	return &Allocator{
		store:     store,
		blockSize: blockSize,
		free:      NewFreeList(),
		index:     make(map[string]*Entry),
	}
}

// BlockSize returns the allocation granularity
func (a *Allocator) BlockSize() int64 {
	return a.blockSize
}

// Free returns the free list
func (a *Allocator) Free() *FreeList {
	return a.free
}

// WriteBlocks stores value in ceil(len/BlockSize) blocks, the last one
// zero padded. Freed offsets are used first, oldest first; the remaining
// blocks are appended at the end of the store. Offsets are returned in the
// order they were assigned.
//
// Reused offsets leave the free list only after every block has been
// written, so a failed write does not lose them.
func (a *Allocator) WriteBlocks(value []byte) (Entry, error) {
	bs := a.blockSize
	count := int((int64(len(value)) + bs - 1) / bs)
	entry := Entry{Count: uint64(len(value)), Blocks: make([]int64, 0, count)}
	if count == 0 {
		return entry, nil
	}

	reused := a.free.Peek(count)

	// Appended blocks start at the first block boundary at or after the
	// end of the store.
	cursor := (a.store.Len() + bs - 1) / bs * bs

	for i := 0; i < count; i++ {
		block := a.store.Buffer(int(bs))
		copy(block, value[int64(i)*bs:])

		var off int64
		if i < len(reused) {
			off = reused[i]
		} else {
			off = cursor
			cursor += bs
		}

		if err := a.store.WriteAt(block, off); err != nil {
			return Entry{}, fmt.Errorf("failed to write block %d of %d: %w", i+1, count, err)
		}
		entry.Blocks = append(entry.Blocks, off)
	}

	for _, off := range reused {
		a.free.Remove(off)
	}
	return entry, nil
}

// Insert stores value under key. It returns false, leaving all state
// untouched, when key is already indexed.
func (a *Allocator) Insert(key string, value []byte) (bool, error) {
	if _, ok := a.index[key]; ok {
		return false, nil
	}

	entry, err := a.WriteBlocks(value)
	if err != nil {
		return false, err
	}
	a.index[key] = &entry
	return true, nil
}

// Append extends the value stored under key with more bytes, creating the
// key when it does not exist yet.
//
// The result is one contiguous value: when the current last block is only
// partly used, its free tail is filled in place first, so reading the key
// returns exactly the concatenation of everything appended.
func (a *Allocator) Append(key string, value []byte) error {
	current, ok := a.index[key]
	if !ok {
		_, err := a.Insert(key, value)
		return err
	}
	if len(value) == 0 {
		return nil
	}

	bs := a.blockSize
	rest := value
	next := current.clone()

	if used := int64(current.Count % uint64(bs)); used != 0 && len(current.Blocks) > 0 {
		last := current.Blocks[len(current.Blocks)-1]
		block, err := a.store.ReadAt(last, int(bs))
		if err != nil {
			return fmt.Errorf("failed to read tail block: %w", err)
		}
		n := copy(block[used:], rest)
		if err := a.store.WriteAt(block, last); err != nil {
			return fmt.Errorf("failed to rewrite tail block: %w", err)
		}
		rest = rest[n:]
	}

	if len(rest) > 0 {
		added, err := a.WriteBlocks(rest)
		if err != nil {
			return err
		}
		next.Blocks = append(next.Blocks, added.Blocks...)
	}

	next.Count += uint64(len(value))
	a.index[key] = &next
	return nil
}

// Truncate shortens the value stored under key to count bytes. Blocks past
// the new end go back on the free list and the unused tail of the new last
// block is zeroed on disk.
func (a *Allocator) Truncate(key string, count uint64) error {
	entry, ok := a.index[key]
	if !ok {
		return fmt.Errorf("cannot truncate %q: key does not exist", key)
	}
	if count > entry.Count {
		return fmt.Errorf("cannot truncate %q to %d bytes: value has %d", key, count, entry.Count)
	}

	bs := uint64(a.blockSize)
	keep := int((count + bs - 1) / bs)
	if keep > len(entry.Blocks) {
		return a.fits(key, entry)
	}

	next := Entry{Count: count, Blocks: append([]int64(nil), entry.Blocks[:keep]...)}
	for _, off := range entry.Blocks[keep:] {
		a.free.Push(off)
	}
	a.index[key] = &next

	used := count % bs
	if used == 0 {
		return nil
	}
	last := next.Blocks[keep-1]
	block, err := a.store.ReadAt(last, int(bs))
	if err != nil {
		return fmt.Errorf("failed to read tail block: %w", err)
	}
	clear(block[used:])
	if err := a.store.WriteAt(block, last); err != nil {
		return fmt.Errorf("failed to rewrite tail block: %w", err)
	}
	return nil
}

// fits reports an entry whose byte count does not fit in its blocks, as
// left behind by a damaged index.
func (a *Allocator) fits(key string, e *Entry) error {
	if e.Count > uint64(len(e.Blocks))*uint64(a.blockSize) {
		return fmt.Errorf("%w: key %q has %d bytes in %d blocks", ErrInconsistent, key, e.Count, len(e.Blocks))
	}
	return nil
}

// Get reads the value stored under key. ok is false when the key is absent.
func (a *Allocator) Get(key string) ([]byte, bool, error) {
	entry, ok := a.index[key]
	if !ok {
		return nil, false, nil
	}
	if err := a.fits(key, entry); err != nil {
		return nil, true, err
	}

	bs := int(a.blockSize)
	out := make([]byte, 0, len(entry.Blocks)*bs)
	for _, off := range entry.Blocks {
		block, err := a.store.ReadAt(off, bs)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read block at %d: %w", off, err)
		}
		out = append(out, block...)
	}
	return out[:entry.Count], true, nil
}

// ReadBlock reads the i-th block of key, truncated to the bytes that belong
// to the value.
func (a *Allocator) ReadBlock(key string, i int) ([]byte, error) {
	entry, ok := a.index[key]
	if !ok || i < 0 || i >= len(entry.Blocks) {
		return nil, fmt.Errorf("block %d of %q does not exist", i, key)
	}
	if err := a.fits(key, entry); err != nil {
		return nil, err
	}

	block, err := a.store.ReadAt(entry.Blocks[i], int(a.blockSize))
	if err != nil {
		return nil, err
	}

	remaining := entry.Count - uint64(i)*uint64(a.blockSize)
	if remaining < uint64(len(block)) {
		block = block[:remaining]
	}
	return block, nil
}

// Remove deletes key and queues its blocks for reuse. The block bytes stay
// on disk until they are overwritten.
func (a *Allocator) Remove(key string) bool {
	entry, ok := a.index[key]
	if !ok {
		return false
	}

	delete(a.index, key)
	for _, off := range entry.Blocks {
		a.free.Push(off)
	}
	return true
}

// Lookup returns a copy of the index entry of key
func (a *Allocator) Lookup(key string) (Entry, bool) {
	entry, ok := a.index[key]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Has reports whether key is indexed
func (a *Allocator) Has(key string) bool {
	_, ok := a.index[key]
	return ok
}

// Len returns the number of indexed keys
func (a *Allocator) Len() int {
	return len(a.index)
}

// Keys returns all indexed keys in sorted order
func (a *Allocator) Keys() []string {
	keys := make([]string, 0, len(a.index))
	for k := range a.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for every key in sorted order until fn returns false
func (a *Allocator) Range(fn func(key string, e Entry) bool) {
	for _, k := range a.Keys() {
		if !fn(k, a.index[k].clone()) {
			return
		}
	}
}

// Restore puts a recovered entry into the index, replacing any previous one
func (a *Allocator) Restore(key string, e Entry) {
	restored := e.clone()
	a.index[key] = &restored
}

// RestoreFree puts a recovered offset at the back of the free list
func (a *Allocator) RestoreFree(off int64) {
	a.free.Push(off)
}

// Check verifies that every indexed offset is block aligned, that no two
// keys share a block, that no indexed block is also free and that each
// entry has exactly as many blocks as its byte count needs.
func (a *Allocator) Check() error {
	owner := make(map[int64]string)
	bs := a.blockSize

	for _, key := range a.Keys() {
		entry := a.index[key]

		if want := (entry.Count + uint64(bs) - 1) / uint64(bs); uint64(len(entry.Blocks)) != want {
			return fmt.Errorf("%w: key %q has %d blocks for %d bytes", ErrInconsistent, key, len(entry.Blocks), entry.Count)
		}

		for _, off := range entry.Blocks {
			if off < 0 || off%bs != 0 {
				return fmt.Errorf("%w: key %q has unaligned block %d", ErrInconsistent, key, off)
			}
			if other, dup := owner[off]; dup {
				return fmt.Errorf("%w: block %d shared by %q and %q", ErrInconsistent, off, other, key)
			}
			if a.free.Contains(off) {
				return fmt.Errorf("%w: block %d of %q is also free", ErrInconsistent, off, key)
			}
			owner[off] = key
		}
	}

	for _, off := range a.free.Offsets() {
		if off < 0 || off%bs != 0 {
			return fmt.Errorf("%w: unaligned free block %d", ErrInconsistent, off)
		}
	}
	return nil
}
