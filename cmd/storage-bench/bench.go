package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/KevoDB/qstorage/pkg/engine"
)

// benchConfig holds the parameters shared by every benchmark
type benchConfig struct {
	NumKeys   int
	ValueSize int
	Duration  time.Duration
	Seed      int64
}

// workload writes values and remembers their checksums so reads can be
// verified without keeping the values in memory
type workload struct {
	cfg    benchConfig
	eng    *engine.Engine
	rng    *rand.Rand
	sums   map[string]uint64
	value  []byte
	nextID int
}

func newWorkload(cfg benchConfig, eng *engine.Engine) *workload {
	return &workload{
		cfg:   cfg,
		eng:   eng,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		sums:  make(map[string]uint64),
		value: make([]byte, cfg.ValueSize),
	}
}

func checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func (w *workload) key(id int) string {
	return fmt.Sprintf("key-%010d", id)
}

// fill puts fresh random bytes in the shared value buffer, with a length
// between half and all of ValueSize
func (w *workload) fill() []byte {
	n := w.cfg.ValueSize/2 + w.rng.Intn(w.cfg.ValueSize/2+1)
	w.rng.Read(w.value[:n])
	return w.value[:n]
}

func (w *workload) insert() (int, error) {
	key := w.key(w.nextID)
	w.nextID++

	v := w.fill()
	if err := w.eng.Insert(key, v); err != nil {
		return 0, err
	}
	w.sums[key] = checksum(v)
	return len(v), nil
}

// verify reads key back and reports whether its checksum matches
func (w *workload) verify(key string) (int, bool, error) {
	v, err := w.eng.Get(key)
	if err != nil {
		return 0, false, err
	}
	return len(v), checksum(v) == w.sums[key], nil
}

func (w *workload) result(name string, ops int, bytes int64, mismatches int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		BenchmarkType: name,
		NumKeys:       w.cfg.NumKeys,
		ValueSize:     w.cfg.ValueSize,
		BlockSize:     w.eng.Config().BlockSize,
		Operations:    ops,
		Bytes:         bytes,
		Duration:      elapsed.Seconds(),
		Mismatches:    mismatches,
		Timestamp:     time.Now(),
	}
	if ops > 0 && elapsed > 0 {
		r.Throughput = float64(ops) / elapsed.Seconds()
		r.Latency = float64(elapsed.Microseconds()) / float64(ops)
	}
	if length, ok := w.eng.GetStats()["store_length"].(int64); ok {
		r.StoreLength = length
	}
	return r
}

// runWrite inserts up to NumKeys new keys until the duration runs out
func runWrite(w *workload) (BenchmarkResult, error) {
	start := time.Now()
	deadline := start.Add(w.cfg.Duration)

	var ops int
	var total int64
	for ops < w.cfg.NumKeys && time.Now().Before(deadline) {
		n, err := w.insert()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("write error (key #%d): %w", ops, err)
		}
		ops++
		total += int64(n)
	}

	return w.result("write", ops, total, 0, time.Since(start)), nil
}

// runRead reads random keys written earlier and verifies their checksums
func runRead(w *workload) (BenchmarkResult, error) {
	if len(w.sums) == 0 {
		if _, err := runWrite(w); err != nil {
			return BenchmarkResult{}, err
		}
	}
	keys := make([]string, 0, len(w.sums))
	for k := range w.sums {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return w.result("read", 0, 0, 0, 0), nil
	}

	start := time.Now()
	deadline := start.Add(w.cfg.Duration)

	var ops, mismatches int
	var total int64
	for ops < w.cfg.NumKeys && time.Now().Before(deadline) {
		n, ok, err := w.verify(keys[w.rng.Intn(len(keys))])
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("read error: %w", err)
		}
		if !ok {
			mismatches++
		}
		ops++
		total += int64(n)
	}

	return w.result("read", ops, total, mismatches, time.Since(start)), nil
}

// runChurn removes a random key and inserts a new one, so every write
// should land in freed blocks and the store should stop growing
func runChurn(w *workload) (BenchmarkResult, error) {
	if len(w.sums) == 0 {
		if _, err := runWrite(w); err != nil {
			return BenchmarkResult{}, err
		}
	}

	start := time.Now()
	deadline := start.Add(w.cfg.Duration)

	var ops int
	var total int64
	for ops < w.cfg.NumKeys && time.Now().Before(deadline) {
		for victim := range w.sums {
			if err := w.eng.Remove(victim); err != nil {
				return BenchmarkResult{}, fmt.Errorf("remove error: %w", err)
			}
			delete(w.sums, victim)
			break
		}

		n, err := w.insert()
		if err != nil {
			return BenchmarkResult{}, err
		}
		ops++
		total += int64(n)
	}

	mismatches := 0
	for key := range w.sums {
		_, ok, err := w.verify(key)
		if err != nil {
			return BenchmarkResult{}, err
		}
		if !ok {
			mismatches++
		}
	}

	return w.result("churn", ops, total, mismatches, time.Since(start)), nil
}

// runStream pushes and pulls values through the streaming API
func runStream(w *workload) (BenchmarkResult, error) {
	start := time.Now()
	deadline := start.Add(w.cfg.Duration)

	var ops, mismatches int
	var total int64
	var out bytes.Buffer
	for ops < w.cfg.NumKeys && time.Now().Before(deadline) {
		key := fmt.Sprintf("stream-%010d", ops)
		v := w.fill()

		if _, err := w.eng.Push(key, bytes.NewReader(v)); err != nil {
			return BenchmarkResult{}, fmt.Errorf("push error: %w", err)
		}

		out.Reset()
		n, err := w.eng.Pull(key, &out)
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("pull error: %w", err)
		}
		if checksum(out.Bytes()) != checksum(v) {
			mismatches++
		}

		ops++
		total += int64(len(v)) + n
	}

	return w.result("stream", ops, total, mismatches, time.Since(start)), nil
}

// runAppend grows a handful of keys with small appends, then checks them
func runAppend(w *workload) (BenchmarkResult, error) {
	const logs = 8
	digests := make([]*xxhash.Digest, logs)
	for i := range digests {
		digests[i] = xxhash.New()
	}

	start := time.Now()
	deadline := start.Add(w.cfg.Duration)

	var ops int
	var total int64
	for ops < w.cfg.NumKeys && time.Now().Before(deadline) {
		i := ops % logs
		v := w.fill()
		if err := w.eng.Append(fmt.Sprintf("log-%d", i), v); err != nil {
			return BenchmarkResult{}, fmt.Errorf("append error: %w", err)
		}
		digests[i].Write(v)
		ops++
		total += int64(len(v))
	}

	mismatches := 0
	for i, d := range digests {
		if ops <= i {
			break
		}
		h := xxhash.New()
		if _, err := w.eng.Pull(fmt.Sprintf("log-%d", i), h); err != nil {
			return BenchmarkResult{}, err
		}
		if h.Sum64() != d.Sum64() {
			mismatches++
		}
	}

	return w.result("append", ops, total, mismatches, time.Since(start)), nil
}
