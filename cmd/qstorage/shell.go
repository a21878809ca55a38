package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/engine"
	"github.com/KevoDB/qstorage/pkg/inspect"
	"github.com/KevoDB/qstorage/pkg/telemetry"
)

var errNoStore = errors.New("no store open")

// shell executes interactive commands against an engine or, in inspect
// mode, a read-only reader. Execute, Prompt and Shutdown may be called from
// different goroutines.
type shell struct {
	mu sync.Mutex

	base   *config.Config
	tel    telemetry.Telemetry
	out    io.Writer
	path   string
	eng    *engine.Engine
	reader *inspect.Reader
}

func newShell(base *config.Config, tel telemetry.Telemetry, out io.Writer) *shell {
	return &shell{base: base, tel: tel, out: out}
}

// Prompt returns the prompt for the current store
func (s *shell) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt()
}

func (s *shell) prompt() string {
	switch {
	case s.reader != nil:
		return fmt.Sprintf("qstorage:%s[RO]> ", s.path)
	case s.eng != nil:
		return fmt.Sprintf("qstorage:%s> ", s.path)
	default:
		return "qstorage> "
	}
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) fail(err error) {
	s.printf("Error: %s\n", err)
}

// Execute runs one command line and returns false when the shell should exit
func (s *shell) Execute(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execute(line)
}

// Shutdown closes whatever store is open. It waits for a running command.
func (s *shell) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

func (s *shell) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return s.dot(strings.ToLower(cmd), parts[1:])
	}

	var err error
	switch cmd {
	case "INSERT", "APPEND":
		if len(parts) < 3 {
			s.printf("Error: %s requires key and value arguments\n", cmd)
			return true
		}
		err = s.write(cmd, parts[1], []byte(strings.Join(parts[2:], " ")))

	case "GET":
		if len(parts) != 2 {
			s.printf("Error: GET requires a key argument\n")
			return true
		}
		err = s.get(parts[1])

	case "HAS":
		if len(parts) != 2 {
			s.printf("Error: HAS requires a key argument\n")
			return true
		}
		err = s.has(parts[1])

	case "REMOVE":
		if len(parts) != 2 {
			s.printf("Error: REMOVE requires a key argument\n")
			return true
		}
		err = s.remove(parts[1])

	case "PUSH", "PULL":
		if len(parts) != 3 {
			s.printf("Error: %s requires key and file arguments\n", cmd)
			return true
		}
		if cmd == "PUSH" {
			err = s.push(parts[1], parts[2])
		} else {
			err = s.pull(parts[1], parts[2])
		}

	default:
		s.printf("Unknown command: %s\n", cmd)
	}

	if err != nil {
		s.fail(err)
	}
	return true
}

func (s *shell) dot(cmd string, args []string) bool {
	var err error
	switch cmd {
	case ".help":
		s.printf("%s", helpText)

	case ".open", ".inspect":
		if len(args) != 1 {
			s.printf("Error: Missing path argument\n")
			return true
		}
		err = s.open(args[0], cmd == ".inspect")

	case ".close":
		if s.eng == nil && s.reader == nil {
			s.printf("No store open\n")
			return true
		}
		path := s.path
		if err = s.close(); err == nil {
			s.printf("Store %s closed\n", path)
		}

	case ".exit":
		if err := s.close(); err != nil {
			s.fail(err)
		}
		s.printf("Goodbye!\n")
		return false

	case ".flush":
		if s.eng == nil {
			err = errNoStore
			break
		}
		if err = s.eng.Flush(); err == nil {
			s.printf("Index flushed to disk\n")
		}

	case ".keys":
		err = s.keys()

	case ".stats":
		err = s.stats()

	case ".verify":
		if s.reader == nil {
			s.printf("Error: .verify needs a store opened with .inspect\n")
			return true
		}
		if err = s.reader.Verify(); err == nil {
			s.printf("Index OK: %d keys, %d free blocks\n", len(s.reader.Keys()), len(s.reader.Free()))
		}

	default:
		s.printf("Unknown command: %s\n", cmd)
	}

	if err != nil {
		s.fail(err)
	}
	return true
}

func (s *shell) open(path string, readOnly bool) error {
	if err := s.close(); err != nil {
		return err
	}

	if readOnly {
		r, err := inspect.Open(path)
		if err != nil {
			return err
		}
		s.reader = r
		s.path = path
		s.printf("Store opened read-only at %s\n", path)
		return nil
	}

	cfg := config.NewDefaultConfig(path)
	cfg.ShardCapacity = s.base.ShardCapacity
	cfg.BlockSize = s.base.BlockSize
	cfg.IndexCompression = s.base.IndexCompression
	cfg.DirectIO = s.base.DirectIO
	cfg.SyncOnFlush = s.base.SyncOnFlush
	cfg.LogLevel = s.base.LogLevel

	// An existing store keeps the layout it was created with.
	if o, err := config.LoadOptions(path); err == nil {
		cfg.ShardCapacity = o.ShardCapacity
		cfg.BlockSize = o.BlockSize
		cfg.IndexCompression = o.IndexCompression
	}

	eng, err := engine.Open(cfg, engine.WithTelemetry(s.tel))
	if err != nil {
		return err
	}
	s.eng = eng
	s.path = path
	s.printf("Store opened at %s\n", path)
	return nil
}

func (s *shell) close() error {
	var err error
	if s.eng != nil {
		err = s.eng.Close()
		s.eng = nil
	}
	if s.reader != nil {
		if rerr := s.reader.Close(); err == nil {
			err = rerr
		}
		s.reader = nil
	}
	s.path = ""
	return err
}

func (s *shell) writable() error {
	if s.reader != nil {
		return inspect.ErrReadOnly
	}
	if s.eng == nil {
		return errNoStore
	}
	return nil
}

func (s *shell) write(cmd, key string, value []byte) error {
	if err := s.writable(); err != nil {
		return err
	}

	var err error
	if cmd == "INSERT" {
		err = s.eng.Insert(key, value)
	} else {
		err = s.eng.Append(key, value)
	}
	if err != nil {
		return err
	}
	s.printf("Value stored\n")
	return nil
}

func (s *shell) get(key string) error {
	var (
		value []byte
		err   error
	)
	switch {
	case s.reader != nil:
		var ok bool
		value, ok, err = s.reader.Get(key)
		if err == nil && !ok {
			err = engine.ErrKeyNotFound
		}
	case s.eng != nil:
		value, err = s.eng.Get(key)
	default:
		err = errNoStore
	}
	if err != nil {
		return err
	}

	s.printf("%s\n", value)
	return nil
}

func (s *shell) has(key string) error {
	var ok bool
	switch {
	case s.reader != nil:
		_, ok = s.reader.Lookup(key)
	case s.eng != nil:
		var err error
		if ok, err = s.eng.Has(key); err != nil {
			return err
		}
	default:
		return errNoStore
	}
	s.printf("%t\n", ok)
	return nil
}

func (s *shell) remove(key string) error {
	if err := s.writable(); err != nil {
		return err
	}
	if err := s.eng.Remove(key); err != nil {
		return err
	}
	s.printf("Key removed\n")
	return nil
}

func (s *shell) push(key, file string) error {
	if err := s.writable(); err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	start := time.Now()
	n, err := s.eng.Push(key, f)
	if err != nil {
		return err
	}
	s.printf("Pushed %d bytes (%.2f ms)\n", n, float64(time.Since(start).Microseconds())/1000.0)
	return nil
}

func (s *shell) pull(key, file string) error {
	if s.eng == nil {
		if s.reader != nil {
			return fmt.Errorf("PULL is not available in inspect mode, use GET")
		}
		return errNoStore
	}

	f, err := os.Create(file)
	if err != nil {
		return err
	}

	n, err := s.eng.Pull(key, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(file)
		return err
	}
	s.printf("Pulled %d bytes into %s\n", n, file)
	return nil
}

func (s *shell) keys() error {
	var keys []string
	switch {
	case s.reader != nil:
		keys = s.reader.Keys()
	case s.eng != nil:
		var err error
		if keys, err = s.eng.Keys(); err != nil {
			return err
		}
	default:
		return errNoStore
	}

	for _, k := range keys {
		s.printf("%s\n", k)
	}
	s.printf("%d keys\n", len(keys))
	return nil
}

func (s *shell) stats() error {
	if s.reader != nil {
		o := s.reader.Options()
		s.printf("Layout:\n")
		s.printf("  Shard Capacity: %d\n", o.ShardCapacity)
		s.printf("  Block Size: %d\n", o.BlockSize)
		s.printf("  Index Compression: %s\n", o.IndexCompression)
		s.printf("  Shards: %d\n", len(s.reader.Shards()))
		s.printf("  Logical Length: %d\n", s.reader.Len())
		s.printf("  Keys: %d\n", len(s.reader.Keys()))
		s.printf("  Free Blocks: %d\n", len(s.reader.Free()))
		return nil
	}
	if s.eng == nil {
		return errNoStore
	}

	stats := s.eng.GetStats()

	getUint64 := func(m map[string]interface{}, key string) uint64 {
		switch v := m[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		}
		return 0
	}

	s.printf("Operations:\n")
	for _, op := range []string{"insert", "get", "append", "remove", "push", "pull"} {
		s.printf("  %s: %d", strings.ToUpper(op[:1])+op[1:], getUint64(stats, op+"_ops"))
		if latency, ok := stats[op+"_latency"].(map[string]interface{}); ok {
			s.printf(" (avg %.3f ms)", float64(getUint64(latency, "avg_ns"))/1e6)
		}
		s.printf("\n")
	}

	s.printf("\nStorage:\n")
	s.printf("  Logical Length: %d\n", getUint64(stats, "store_length"))
	s.printf("  Shards: %d\n", getUint64(stats, "shard_count"))
	s.printf("  Keys: %d\n", getUint64(stats, "key_count"))
	s.printf("  Free Blocks: %d\n", getUint64(stats, "free_blocks"))
	s.printf("  Total Bytes Read: %d\n", getUint64(stats, "total_bytes_read"))
	s.printf("  Total Bytes Written: %d\n", getUint64(stats, "total_bytes_written"))
	s.printf("  Flush Count: %d\n", getUint64(stats, "flush_count"))

	if recovery, ok := stats["recovery"].(map[string]interface{}); ok {
		s.printf("\nRecovery:\n")
		s.printf("  Shards Opened: %d\n", getUint64(recovery, "shards_opened"))
		s.printf("  Keys Recovered: %d\n", getUint64(recovery, "keys_recovered"))
		s.printf("  Free Blocks: %d\n", getUint64(recovery, "free_blocks"))
		if ms, ok := recovery["recovery_duration_ms"]; ok {
			s.printf("  Duration: %v ms\n", ms)
		}
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		names := make([]string, 0, len(errs))
		for name := range errs {
			names = append(names, name)
		}
		sort.Strings(names)

		s.printf("\nErrors:\n")
		for _, name := range names {
			s.printf("  %s: %d\n", name, errs[name])
		}
	}
	return nil
}
