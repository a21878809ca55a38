package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	BlockSize     int64
	Operations    int
	Bytes         int64
	Duration      float64
	Throughput    float64
	Latency       float64
	Mismatches    int // values whose checksum did not match on read back
	StoreLength   int64
	Timestamp     time.Time
}

// MBPerSec returns the data rate of the run
func (r BenchmarkResult) MBPerSec() float64 {
	if r.Duration == 0 {
		return 0
	}
	return float64(r.Bytes) / (1024 * 1024) / r.Duration
}

// String renders the result for the terminal
func (r BenchmarkResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Benchmark Results:", toTitle(r.BenchmarkType))
	fmt.Fprintf(&b, "\n  Block Size: %d bytes", r.BlockSize)
	fmt.Fprintf(&b, "\n  Operations: %d", r.Operations)
	fmt.Fprintf(&b, "\n  Data: %.2f MB", float64(r.Bytes)/(1024*1024))
	fmt.Fprintf(&b, "\n  Time: %.2f seconds", r.Duration)
	fmt.Fprintf(&b, "\n  Throughput: %.2f ops/sec (%.2f MB/sec)", r.Throughput, r.MBPerSec())
	fmt.Fprintf(&b, "\n  Latency: %.3f µs/op", r.Latency)
	fmt.Fprintf(&b, "\n  Logical Store Length: %d bytes", r.StoreLength)
	if r.Mismatches > 0 {
		fmt.Fprintf(&b, "\n  CHECKSUM MISMATCHES: %d", r.Mismatches)
	}
	return b.String()
}

func toTitle(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "BlockSize",
		"Operations", "Bytes", "Duration", "Throughput", "Latency",
		"Mismatches", "StoreLength",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			strconv.FormatInt(r.BlockSize, 10),
			strconv.Itoa(r.Operations),
			strconv.FormatInt(r.Bytes, 10),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			strconv.Itoa(r.Mismatches),
			strconv.FormatInt(r.StoreLength, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}
