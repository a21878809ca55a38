// Package engine ties the shard store, the block allocator and index
// persistence together behind one key-value API.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevoDB/qstorage/pkg/block"
	"github.com/KevoDB/qstorage/pkg/common/fslock"
	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/persist"
	"github.com/KevoDB/qstorage/pkg/shard"
	"github.com/KevoDB/qstorage/pkg/stats"
	"github.com/KevoDB/qstorage/pkg/telemetry"
	"github.com/hashicorp/go-multierror"
)

// Engine is safe for concurrent use. All operations are serialized.
type Engine struct {
	cfg *config.Config

	mu      sync.Mutex
	store   *shard.Store
	alloc   *block.Allocator
	persist *persist.Persister
	lock    *fslock.Lock

	stats   stats.Collector
	metrics EngineMetrics
	logger  log.Logger

	ready    chan struct{}
	started  atomic.Bool
	startErr error
	closed   atomic.Bool
}

type options struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
	stats     stats.Collector
}

// Option configures an Engine
type Option func(*options)

// WithLogger sets the logger. By default a standard logger at the
// configured level is used.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry records engine metrics and spans through tel. The caller
// keeps ownership and shuts it down.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithStatsCollector replaces the statistics collector
func WithStatsCollector(c stats.Collector) Option {
	return func(o *options) {
		o.stats = c
	}
}

// Open creates an engine and recovers the store in cfg.Dir. The engine is
// ready for use when Open returns.
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	e, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

// New builds an engine without touching the disk. Operations block until
// Start has finished.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		level, _ := log.ParseLevel(cfg.LogLevel)
		o.logger = log.NewStandardLogger(log.WithLevel(level))
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}

	logger := o.logger.WithField("dir", cfg.Dir)

	store := shard.NewStore(cfg.Dir, cfg.ShardCapacity,
		shard.WithDirectIO(cfg.DirectIO),
		shard.WithLogger(logger.WithField("component", telemetry.ComponentShard)),
	)

	return &Engine{
		cfg:   cfg,
		store: store,
		alloc: block.NewAllocator(store, cfg.BlockSize),
		persist: persist.New(cfg.Dir,
			persist.WithCompression(cfg.IndexCompression),
			persist.WithSync(cfg.SyncOnFlush),
			persist.WithLogger(logger.WithField("component", telemetry.ComponentIndex)),
		),
		stats:   o.stats,
		metrics: NewEngineMetrics(o.telemetry),
		logger:  logger.WithField("component", telemetry.ComponentEngine),
		ready:   make(chan struct{}),
	}, nil
}

// Start locks the directory, checks its layout options and rebuilds the
// index. Ready is closed when Start returns, successful or not.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(e.ready)

	if err := e.start(); err != nil {
		var cleanup *multierror.Error
		if cerr := e.store.Close(); cerr != nil {
			cleanup = multierror.Append(cleanup, fmt.Errorf("failed to close shards: %w", cerr))
		}
		if lerr := e.lock.Release(); lerr != nil {
			cleanup = multierror.Append(cleanup, fmt.Errorf("failed to release lock: %w", lerr))
		}
		if cleanup != nil {
			err = multierror.Append(err, cleanup.Errors...)
		}

		e.startErr = err
		e.closed.Store(true)
		e.logger.Error("failed to open store: %v", e.startErr)
		return e.startErr
	}
	return nil
}

func (e *Engine) start() error {
	ctx := context.Background()
	begin := time.Now()

	if err := os.MkdirAll(e.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	lock, err := fslock.Acquire(e.cfg.Dir)
	if err != nil {
		return err
	}
	e.lock = lock

	if err := e.cfg.Resolve(); err != nil {
		return err
	}

	recoveryStart := e.stats.StartRecovery()
	sum, err := e.persist.Recover(e.store, e.alloc)
	if err != nil {
		e.stats.TrackError("recovery_error")
		e.metrics.RecordError(ctx, "recovery_error")
		return fmt.Errorf("failed to recover store: %w", err)
	}
	e.stats.FinishRecovery(recoveryStart, uint64(sum.Shards), uint64(sum.Keys), uint64(sum.FreeBlocks))
	e.trackStore()

	e.metrics.RecordRecovery(ctx, sum)
	e.metrics.RecordStartup(ctx, time.Since(begin))

	if sum.Fresh {
		e.logger.Info("created store with shard capacity %d, block size %d", e.cfg.ShardCapacity, e.cfg.BlockSize)
	}
	return nil
}

// Ready is closed once Start has finished
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// acquire waits for Start and takes the operation lock
func (e *Engine) acquire() error {
	<-e.ready
	if e.startErr != nil {
		return e.startErr
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	return nil
}

func (e *Engine) trackStore() {
	e.stats.TrackStore(stats.StoreState{
		Length:     e.store.Len(),
		Shards:     e.store.Count(),
		Keys:       e.alloc.Len(),
		FreeBlocks: e.alloc.Free().Len(),
	})
}

// track records the outcome of one operation
func (e *Engine) track(op stats.OperationType, start time.Time, err error) {
	d := time.Since(start)
	e.stats.TrackOperationWithLatency(op, uint64(d.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), string(op), d, err == nil)
	if err != nil {
		e.stats.TrackError(string(op) + "_error")
	}
}

func checkKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// Insert stores value under a new key. It fails with ErrKeyExists when the
// key is already present.
func (e *Engine) Insert(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	start := time.Now()
	ok, err := e.alloc.Insert(key, value)
	if err == nil && !ok {
		e.track(stats.OpInsert, start, nil)
		return ErrKeyExists
	}
	e.track(stats.OpInsert, start, err)
	if err != nil {
		return err
	}

	e.stats.TrackBytes(true, uint64(len(value)))
	e.metrics.RecordBytes(context.Background(), telemetry.OpTypeInsert, int64(len(value)))
	e.trackStore()
	return nil
}

// Get returns the value stored under key
func (e *Engine) Get(key string) ([]byte, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	start := time.Now()
	value, ok, err := e.alloc.Get(key)
	e.track(stats.OpGet, start, err)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}

	e.stats.TrackBytes(false, uint64(len(value)))
	e.metrics.RecordBytes(context.Background(), telemetry.OpTypeGet, int64(len(value)))
	return value, nil
}

// Remove deletes key. Its blocks are reused by later writes.
func (e *Engine) Remove(key string) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	start := time.Now()
	ok := e.alloc.Remove(key)
	e.track(stats.OpRemove, start, nil)
	if !ok {
		return ErrKeyNotFound
	}

	e.trackStore()
	return nil
}

// Append adds value to the end of the value stored under key, creating the
// key if needed.
func (e *Engine) Append(key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	start := time.Now()
	err := e.alloc.Append(key, value)
	e.track(stats.OpAppend, start, err)
	if err != nil {
		return err
	}

	e.stats.TrackBytes(true, uint64(len(value)))
	e.metrics.RecordBytes(context.Background(), telemetry.OpTypeAppend, int64(len(value)))
	e.trackStore()
	return nil
}

// Has reports whether key is stored
func (e *Engine) Has(key string) (bool, error) {
	if err := e.acquire(); err != nil {
		return false, err
	}
	defer e.mu.Unlock()

	e.stats.TrackOperation(stats.OpHas)
	return e.alloc.Has(key), nil
}

// Keys returns every stored key in sorted order
func (e *Engine) Keys() ([]string, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	return e.alloc.Keys(), nil
}

// Len returns the number of stored keys
func (e *Engine) Len() (int, error) {
	if err := e.acquire(); err != nil {
		return 0, err
	}
	defer e.mu.Unlock()

	return e.alloc.Len(), nil
}

// Flush persists the manifest, key index and free list. Data written since
// the last flush is lost on a crash until Flush returns.
func (e *Engine) Flush() error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	return e.flush()
}

func (e *Engine) flush() error {
	ctx, span := e.metrics.StartSpan(context.Background(), telemetry.OpTypeFlush)
	defer span.End()

	start := time.Now()
	err := e.persist.Flush(e.store, e.alloc)
	e.track(stats.OpFlush, start, err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to flush index: %w", err)
	}

	e.stats.TrackFlush()
	e.trackStore()
	e.metrics.RecordFlush(ctx, time.Since(start), e.alloc.Len(), e.alloc.Free().Len())
	e.logger.Debug("flushed %d keys in %v", e.alloc.Len(), time.Since(start))
	return nil
}

// Close flushes the index, closes every shard and releases the directory
// lock. Every step runs even when an earlier one fails.
func (e *Engine) Close() error {
	<-e.ready
	if e.startErr != nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	if err := e.flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.lock.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to release lock: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		e.logger.Error("close failed: %v", err)
		return err
	}
	e.logger.Info("closed store with %d keys", e.alloc.Len())
	return nil
}

// GetStats returns the engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	return e.stats.GetStats()
}

// Config returns the configuration the engine was opened with
func (e *Engine) Config() *config.Config {
	return e.cfg
}
