package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KevoDB/qstorage/pkg/common/atomicfile"
)

const (
	OptionsFileName       = "options.qs"
	CurrentOptionsVersion = 1
)

// Options is the subset of Config that decides how bytes are laid out on
// disk. It is written next to the shard files when a store is created and
// checked on every reopen: reading a store with a different shard capacity
// or block size would translate offsets into the wrong files.
type Options struct {
	Version          int    `json:"version"`
	ShardCapacity    int64  `json:"shard_capacity"`
	BlockSize        int64  `json:"block_size"`
	IndexCompression string `json:"index_compression"`
}

// Options returns the layout options of this configuration
func (c *Config) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Options{
		Version:          CurrentOptionsVersion,
		ShardCapacity:    c.ShardCapacity,
		BlockSize:        c.BlockSize,
		IndexCompression: c.IndexCompression,
	}
}

// Check compares persisted options with the configuration
func (c *Config) Check(o Options) error {
	want := c.Options()

	if o.ShardCapacity != want.ShardCapacity {
		return fmt.Errorf("%w: shard capacity is %d, store was created with %d",
			ErrConfigMismatch, want.ShardCapacity, o.ShardCapacity)
	}
	if o.BlockSize != want.BlockSize {
		return fmt.Errorf("%w: block size is %d, store was created with %d",
			ErrConfigMismatch, want.BlockSize, o.BlockSize)
	}
	if o.IndexCompression != want.IndexCompression {
		return fmt.Errorf("%w: index compression is %q, store was created with %q",
			ErrConfigMismatch, want.IndexCompression, o.IndexCompression)
	}
	return nil
}

// LoadOptions reads the options file of a store directory
func LoadOptions(dir string) (Options, error) {
	var o Options

	data, err := os.ReadFile(filepath.Join(dir, OptionsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return o, ErrOptionsNotFound
		}
		return o, fmt.Errorf("failed to read options: %w", err)
	}

	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if o.Version <= 0 || o.Version > CurrentOptionsVersion {
		return o, fmt.Errorf("%w: unsupported version %d", ErrInvalidOptions, o.Version)
	}
	if o.ShardCapacity <= 0 || o.BlockSize <= 0 {
		return o, fmt.Errorf("%w: non-positive sizes", ErrInvalidOptions)
	}
	if o.IndexCompression == "" {
		o.IndexCompression = CompressionNone
	}

	return o, nil
}

// SaveOptions writes the options file using a temporary file and rename
func (c *Config) SaveOptions() error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	dir := c.Dir
	c.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(c.Options(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err := atomicfile.WriteFile(filepath.Join(dir, OptionsFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write options: %w", err)
	}
	return nil
}

// Resolve makes the configuration consistent with the store in its
// directory. A directory without an options file is treated as new and the
// options are written; otherwise they must match.
func (c *Config) Resolve() error {
	if err := c.Validate(); err != nil {
		return err
	}

	o, err := LoadOptions(c.Dir)
	if err != nil {
		if err == ErrOptionsNotFound {
			return c.SaveOptions()
		}
		return err
	}
	return c.Check(o)
}
