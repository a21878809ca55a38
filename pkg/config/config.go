package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/ncw/directio"
)

var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrOptionsNotFound = errors.New("options file not found")
	ErrInvalidOptions  = errors.New("invalid options file")
	ErrConfigMismatch  = errors.New("configuration does not match existing store")
)

// Codec names accepted by IndexCompression.
const (
	CompressionNone   = "none"
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

const (
	DefaultShardCapacity int64 = 10 * 1024 * 1024 * 1024 // 10GB
	DefaultBlockSize     int64 = 1024 * 1024             // 1MB
)

// Config is supplied once when a store is opened. ShardCapacity, BlockSize
// and IndexCompression are fixed for the lifetime of the store directory;
// the remaining fields may differ between runs.
type Config struct {
	Version int `json:"version"`

	// Storage layout
	Dir              string `json:"dir"`
	ShardCapacity    int64  `json:"shard_capacity"`
	BlockSize        int64  `json:"block_size"`
	IndexCompression string `json:"index_compression"`

	// I/O behaviour
	DirectIO    bool `json:"direct_io"`
	SyncOnFlush bool `json:"sync_on_flush"`

	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dir string) *Config {
	return &Config{
		Version: CurrentOptionsVersion,

		Dir:              dir,
		ShardCapacity:    DefaultShardCapacity,
		BlockSize:        DefaultBlockSize,
		IndexCompression: CompressionNone,

		DirectIO:    false,
		SyncOnFlush: true,

		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Dir == "" {
		return fmt.Errorf("%w: storage directory not specified", ErrInvalidConfig)
	}

	if c.ShardCapacity <= 0 {
		return fmt.Errorf("%w: shard capacity must be positive", ErrInvalidConfig)
	}

	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block size must be positive", ErrInvalidConfig)
	}

	switch c.IndexCompression {
	case CompressionNone, CompressionZstd, CompressionSnappy:
	default:
		return fmt.Errorf("%w: unknown index compression %q", ErrInvalidConfig, c.IndexCompression)
	}

	if c.DirectIO {
		if c.BlockSize%directio.BlockSize != 0 {
			return fmt.Errorf("%w: direct I/O requires block size to be a multiple of %d",
				ErrInvalidConfig, directio.BlockSize)
		}
		if c.ShardCapacity%directio.BlockSize != 0 {
			return fmt.Errorf("%w: direct I/O requires shard capacity to be a multiple of %d",
				ErrInvalidConfig, directio.BlockSize)
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// LoadFromEnv overrides fields from QSTORAGE_* environment variables.
// Values that fail to parse are ignored.
func (c *Config) LoadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("QSTORAGE_DIR"); val != "" {
		c.Dir = val
	}

	if val := os.Getenv("QSTORAGE_SHARD_CAPACITY"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.ShardCapacity = n
		}
	}

	if val := os.Getenv("QSTORAGE_BLOCK_SIZE"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.BlockSize = n
		}
	}

	if val := os.Getenv("QSTORAGE_INDEX_COMPRESSION"); val != "" {
		c.IndexCompression = strings.ToLower(strings.TrimSpace(val))
	}

	if val := os.Getenv("QSTORAGE_DIRECT_IO"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.DirectIO = b
		}
	}

	if val := os.Getenv("QSTORAGE_SYNC_ON_FLUSH"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.SyncOnFlush = b
		}
	}

	if val := os.Getenv("QSTORAGE_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
