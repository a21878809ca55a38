package persist

import (
	"fmt"
	"os"
	"time"

	"github.com/KevoDB/qstorage/pkg/block"
	"github.com/KevoDB/qstorage/pkg/common/atomicfile"
	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/shard"
)

// Snapshot is the decoded persisted state of a directory
type Snapshot struct {
	Shards  []shard.Entry
	Records []Record
	Free    []int64
}

// Summary describes the outcome of a recovery
type Summary struct {
	Fresh      bool
	Shards     int
	Keys       int
	FreeBlocks int
	Length     int64
	Duration   time.Duration
}

// Persister reads and writes the persisted files of one store directory
type Persister struct {
	files  Files
	codec  string
	sync   bool
	logger log.Logger
}

// Option configures a Persister
type Option func(*Persister)

// WithCompression selects the codec of the index and free list files
func WithCompression(codec string) Option {
	return func(p *Persister) {
		p.codec = codec
	}
}

// WithSync controls whether shard files are synced before the index is
// replaced during Flush
func WithSync(enabled bool) Option {
	return func(p *Persister) {
		p.sync = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger log.Logger) Option {
	return func(p *Persister) {
		p.logger = logger
	}
}

// New creates a persister for dir
func New(dir string, opts ...Option) *Persister {
	p := &Persister{
		files:  NewFiles(dir),
		sync:   true,
		logger: log.GetDefaultLogger().WithField("component", "persist"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Files returns the paths managed by the persister
func (p *Persister) Files() Files {
	return p.files
}

// Load decodes the persisted files without touching shard data. Missing
// files are treated as empty.
func (p *Persister) Load() (*Snapshot, error) {
	snap := &Snapshot{}

	data, err := readOptional(p.files.Manifest)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if snap.Shards, err = DecodeManifest(data); err != nil {
			return nil, err
		}
	}

	if data, err = p.readCompressed(p.files.Free); err != nil {
		return nil, err
	}
	if snap.Free, err = DecodeFree(data); err != nil {
		return nil, err
	}

	if data, err = p.readCompressed(p.files.Index); err != nil {
		return nil, err
	}
	if snap.Records, err = DecodeIndex(data); err != nil {
		return nil, err
	}

	return snap, nil
}

// Recover rebuilds store and alloc from the directory, creating the
// directory and its files when they do not exist. A directory without a
// manifest gets its first shard and a manifest listing it.
func (p *Persister) Recover(store *shard.Store, alloc *block.Allocator) (Summary, error) {
	start := time.Now()
	var sum Summary

	if err := os.MkdirAll(p.files.Dir, 0755); err != nil {
		return sum, fmt.Errorf("failed to create directory: %w", err)
	}
	for _, path := range []string{p.files.Manifest, p.files.Index, p.files.Free} {
		if err := ensureFile(path); err != nil {
			return sum, err
		}
	}

	snap, err := p.Load()
	if err != nil {
		return sum, err
	}

	if len(snap.Shards) == 0 {
		sum.Fresh = true
		if err := store.CreateShard(); err != nil {
			return sum, err
		}
		if err := p.writeManifest(store); err != nil {
			return sum, err
		}
	} else if err := store.Open(snap.Shards); err != nil {
		return sum, err
	}

	for _, off := range snap.Free {
		alloc.RestoreFree(off)
	}
	for _, rec := range snap.Records {
		alloc.Restore(rec.Key, rec.Entry)
	}

	if err := alloc.Check(); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}

	sum.Shards = store.Count()
	sum.Keys = alloc.Len()
	sum.FreeBlocks = alloc.Free().Len()
	sum.Length = store.Len()
	sum.Duration = time.Since(start)

	p.logger.Info("recovered %d keys in %d shards (%d free blocks) in %v",
		sum.Keys, sum.Shards, sum.FreeBlocks, sum.Duration)
	return sum, nil
}

// Flush persists the manifest, the key index and the free list, in that
// order. Shard data is synced first when sync is enabled so the index never
// points at bytes that are not on disk.
func (p *Persister) Flush(store *shard.Store, alloc *block.Allocator) error {
	if p.sync {
		if err := store.Sync(); err != nil {
			return err
		}
	}

	if err := p.writeManifest(store); err != nil {
		return err
	}

	if err := p.writeCompressed(p.files.Index, EncodeIndex(alloc)); err != nil {
		return err
	}
	if err := p.writeCompressed(p.files.Free, EncodeFree(alloc.Free().Offsets())); err != nil {
		return err
	}

	p.logger.Debug("flushed %d keys, %d free blocks", alloc.Len(), alloc.Free().Len())
	return nil
}

func (p *Persister) writeManifest(store *shard.Store) error {
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	data, err := EncodeManifest(entries)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(p.files.Manifest, data, 0644)
}

func (p *Persister) writeCompressed(path string, data []byte) error {
	out, err := compress(p.codec, data)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, out, 0644)
}

func (p *Persister) readCompressed(path string) ([]byte, error) {
	data, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return decompress(p.codec, data)
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
