package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/engine"
)

const (
	defaultValueSize = 64 * 1024
	defaultKeyCount  = 10000
	defaultBlockSize = 4096
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, churn, append, stream, tune, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run each benchmark")
	numKeys       = flag.Int("keys", defaultKeyCount, "Maximum number of operations per benchmark")
	valueSize     = flag.Int("value-size", defaultValueSize, "Maximum size of values in bytes")
	blockSize     = flag.Int64("block-size", defaultBlockSize, "Block size of the store")
	shardCapacity = flag.Int64("shard-capacity", 256*1024*1024, "Capacity of each shard file")
	compression   = flag.String("compression", config.CompressionNone, "Index compression (none, zstd, snappy)")
	directIO      = flag.Bool("direct-io", false, "Open shard files with O_DIRECT")
	tuneSizes     = flag.String("tune-block-sizes", "512,4096,65536", "Comma separated block sizes compared by the tune benchmark")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	seed          = flag.Int64("seed", 1, "Seed for generated values")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
	csvFile       = flag.String("csv", "", "File to write results to in CSV format")
)

type benchFunc func(*workload) (BenchmarkResult, error)

var benchmarks = map[string]benchFunc{
	"write":  runWrite,
	"read":   runRead,
	"churn":  runChurn,
	"append": runAppend,
	"stream": runStream,
}

// allOrder is the order used by -type=all. Read and churn reuse the keys
// written before them.
var allOrder = []string{"write", "read", "churn", "append", "stream"}

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}

	bc := benchConfig{
		NumKeys:   *numKeys,
		ValueSize: *valueSize,
		Duration:  *duration,
		Seed:      *seed,
	}

	var results []BenchmarkResult
	var err error
	if *benchmarkType == "tune" {
		results, err = runTune(bc, *dataDir, *tuneSizes)
	} else {
		results, err = runSuite(bc, newConfig(*dataDir, *blockSize), *benchmarkType)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	report := []string{fmt.Sprintf("Benchmark Report (%s)", time.Now().Format(time.RFC3339))}
	for _, r := range results {
		report = append(report, r.String())
	}
	output := strings.Join(report, "\n")
	fmt.Println(output)

	if *resultsFile != "" {
		if err := os.WriteFile(*resultsFile, []byte(output+"\n"), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		} else {
			fmt.Printf("Results written to %s\n", *resultsFile)
		}
	}

	if *csvFile != "" {
		if err := SaveResultCSV(results, *csvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write CSV results: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}

	for _, r := range results {
		if r.Mismatches > 0 {
			os.Exit(2)
		}
	}
}

func newConfig(dir string, bs int64) *config.Config {
	cfg := config.NewDefaultConfig(dir)
	cfg.BlockSize = bs
	cfg.ShardCapacity = *shardCapacity
	cfg.IndexCompression = *compression
	cfg.DirectIO = *directIO
	return cfg
}

// runSuite opens one store and runs the named benchmark, or all of them
func runSuite(bc benchConfig, cfg *config.Config, which string) ([]BenchmarkResult, error) {
	names := []string{which}
	if which == "all" {
		names = allOrder
	}
	for _, name := range names {
		if _, ok := benchmarks[name]; !ok {
			return nil, fmt.Errorf("unknown benchmark type: %s", name)
		}
	}

	eng, err := engine.Open(cfg, engine.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer eng.Close()

	w := newWorkload(bc, eng)
	results := make([]BenchmarkResult, 0, len(names))
	for _, name := range names {
		fmt.Printf("Running %s benchmark...\n", name)
		r, err := benchmarks[name](w)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}

	start := time.Now()
	if err := eng.Flush(); err != nil {
		return results, fmt.Errorf("flush failed: %w", err)
	}
	fmt.Printf("Index flush took %v\n", time.Since(start))
	return results, nil
}

// runTune compares write and read throughput across block sizes, each in
// its own store directory
func runTune(bc benchConfig, dir, sizes string) ([]BenchmarkResult, error) {
	var results []BenchmarkResult
	for _, s := range strings.Split(sizes, ",") {
		bs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || bs <= 0 {
			return results, fmt.Errorf("invalid block size %q", s)
		}

		fmt.Printf("Tuning block size %d...\n", bs)
		cfg := newConfig(filepath.Join(dir, fmt.Sprintf("bs-%d", bs)), bs)
		rs, err := runSuite(bc, cfg, "write")
		if err != nil {
			return results, err
		}
		results = append(results, rs...)

		// Reads run on the reopened store so recovery is part of the cost.
		rs, err = runReopenedRead(bc, cfg, bs)
		if err != nil {
			return results, err
		}
		results = append(results, rs...)
	}
	return results, nil
}

func runReopenedRead(bc benchConfig, cfg *config.Config, bs int64) ([]BenchmarkResult, error) {
	eng, err := engine.Open(cfg, engine.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to reopen store with block size %d: %w", bs, err)
	}
	defer eng.Close()

	// Regenerating with the same seed reproduces the checksums of the
	// values written by the first run.
	w := newWorkload(bc, eng)
	keys, err := eng.Keys()
	if err != nil {
		return nil, err
	}
	for i := range keys {
		w.sums[w.key(i)] = checksum(w.fill())
	}

	r, err := runRead(w)
	if err != nil {
		return nil, err
	}
	return []BenchmarkResult{r}, nil
}
