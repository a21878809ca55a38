// Package persist stores the key index, the free list and the shard
// manifest of a store directory, and rebuilds them on startup.
package persist

import (
	"errors"
	"path/filepath"
)

var (
	// ErrCorruptIndex is returned when persisted state cannot be decoded or
	// violates the allocation invariants
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrCorruptManifest is returned when the shard manifest cannot be decoded
	ErrCorruptManifest = errors.New("corrupt manifest")
	// ErrUnknownCodec is returned for an unsupported compression name
	ErrUnknownCodec = errors.New("unknown compression codec")
)

// File names inside a store directory
const (
	ManifestFileName = "index.qs"
	IndexFileName    = "db.index.qs"
	FreeFileName     = "drop.index.qs"
)

// Files holds the absolute paths of the persisted files of one directory
type Files struct {
	Dir      string
	Manifest string
	Index    string
	Free     string
}

// NewFiles returns the file set rooted at dir
func NewFiles(dir string) Files {
	return Files{
		Dir:      dir,
		Manifest: filepath.Join(dir, ManifestFileName),
		Index:    filepath.Join(dir, IndexFileName),
		Free:     filepath.Join(dir, FreeFileName),
	}
}
