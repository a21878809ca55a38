package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Engine operation types
const (
	OpInsert OperationType = "insert"
	OpGet    OperationType = "get"
	OpRemove OperationType = "remove"
	OpAppend OperationType = "append"
	OpPush   OperationType = "push"
	OpPull   OperationType = "pull"
	OpHas    OperationType = "has"
	OpFlush  OperationType = "flush"
)

// StoreState is a point in time view of the store layout
type StoreState struct {
	Length     int64
	Shards     int
	Keys       int
	FreeBlocks int
}

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	// Timing measurements for last operation timestamps
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	// Store shape, replaced on every TrackStore
	storeLength atomic.Int64
	shardCount  atomic.Uint64
	keyCount    atomic.Uint64
	freeBlocks  atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	flushCount atomic.Uint64

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats tracks what was rebuilt from the persisted index at startup
type RecoveryStats struct {
	ShardsOpened     atomic.Uint64
	KeysRecovered    atomic.Uint64
	FreeBlocks       atomic.Uint64
	RecoveryDuration atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64
	min   atomic.Uint64 // zero until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

func (c *AtomicCollector) touch(op OperationType) {
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackStore records the current store layout
func (c *AtomicCollector) TrackStore(state StoreState) {
	c.storeLength.Store(state.Length)
	c.shardCount.Store(uint64(state.Shards))
	c.keyCount.Store(uint64(state.Keys))
	c.freeBlocks.Store(uint64(state.FreeBlocks))
}

// TrackFlush increments the flush counter
func (c *AtomicCollector) TrackFlush() {
	c.flushCount.Add(1)
}

// StartRecovery resets recovery statistics and returns the start time
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.ShardsOpened.Store(0)
	c.recoveryStats.KeysRecovered.Store(0)
	c.recoveryStats.FreeBlocks.Store(0)
	c.recoveryStats.RecoveryDuration.Store(0)

	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, shards, keys, freeBlocks uint64) {
	c.recoveryStats.ShardsOpened.Store(shards)
	c.recoveryStats.KeysRecovered.Store(keys)
	c.recoveryStats.FreeBlocks.Store(freeBlocks)
	c.recoveryStats.RecoveryDuration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["flush_count"] = c.flushCount.Load()
	stats["store_length"] = c.storeLength.Load()
	stats["shard_count"] = c.shardCount.Load()
	stats["key_count"] = c.keyCount.Load()
	stats["free_blocks"] = c.freeBlocks.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recoveryStats := map[string]interface{}{
		"shards_opened":  c.recoveryStats.ShardsOpened.Load(),
		"keys_recovered": c.recoveryStats.KeysRecovered.Load(),
		"free_blocks":    c.recoveryStats.FreeBlocks.Load(),
	}
	if d := c.recoveryStats.RecoveryDuration.Load(); d > 0 {
		recoveryStats["recovery_duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recoveryStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
