package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".inspect"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem(".keys"),
	readline.PcItem(".verify"),
	readline.PcItem("INSERT"),
	readline.PcItem("APPEND"),
	readline.PcItem("GET"),
	readline.PcItem("HAS"),
	readline.PcItem("REMOVE"),
	readline.PcItem("PUSH"),
	readline.PcItem("PULL"),
)

const helpText = `
QStorage (qstorage) - block based key-value storage.

Usage:
  qstorage [options] [store_path]  - Start with an optional store path

Commands:
  .help                   - Show this help message
  .open PATH              - Open a store at PATH for reading and writing
  .inspect PATH           - Open a stopped store at PATH read-only
  .close                  - Close the current store
  .exit                   - Exit the program
  .stats                  - Show store statistics
  .flush                  - Write the index to disk
  .keys                   - List all keys
  .verify                 - Check the index (inspect mode)

  INSERT key value        - Store a value under a new key
  APPEND key value        - Append to the value of key
  GET key                 - Print the value of key
  HAS key                 - Report whether key exists
  REMOVE key              - Delete key
  PUSH key FILE           - Append the contents of FILE to key
  PULL key FILE           - Write the value of key to FILE
`

type options struct {
	path      string
	inspect   bool
	telemetry bool
	cfg       *config.Config
}

func parseFlags() options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "QStorage - block based key-value storage\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: qstorage [options] [store_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nEnvironment variables with the QSTORAGE_ prefix override defaults.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "For more details, start qstorage and type .help\n")
	}

	defaults := config.NewDefaultConfig("")
	defaults.LoadFromEnv()

	shardCapacity := flag.Int64("shard-capacity", defaults.ShardCapacity, "Shard file capacity in bytes (fixed at creation)")
	blockSize := flag.Int64("block-size", defaults.BlockSize, "Block size in bytes (fixed at creation)")
	compression := flag.String("compression", defaults.IndexCompression, "Index compression: none, zstd or snappy (fixed at creation)")
	directIO := flag.Bool("direct-io", defaults.DirectIO, "Open shard files with O_DIRECT")
	noSync := flag.Bool("no-sync", !defaults.SyncOnFlush, "Do not fsync shards when flushing")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level: debug, info, warn, error")
	inspectMode := flag.Bool("inspect", false, "Open the store read-only")
	withTelemetry := flag.Bool("telemetry", false, "Export metrics and traces to stdout")

	flag.Parse()

	path := defaults.Dir
	if flag.NArg() > 0 {
		path = flag.Arg(0)
	}

	defaults.ShardCapacity = *shardCapacity
	defaults.BlockSize = *blockSize
	defaults.IndexCompression = *compression
	defaults.DirectIO = *directIO
	defaults.SyncOnFlush = !*noSync
	defaults.LogLevel = *logLevel

	return options{
		path:      path,
		inspect:   *inspectMode,
		telemetry: *withTelemetry,
		cfg:       defaults,
	}
}

func main() {
	opts := parseFlags()

	tel := telemetry.NewNoop()
	if opts.telemetry {
		telCfg := telemetry.DefaultConfig()
		telCfg.LoadFromEnv()
		telCfg.Enabled = true

		var err error
		if tel, err = telemetry.New(telCfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting telemetry: %s\n", err)
			os.Exit(1)
		}
	}
	defer tel.Shutdown(context.Background())

	sh := newShell(opts.cfg, tel, os.Stdout)
	defer sh.Shutdown()

	if opts.path != "" {
		cmd := ".open"
		if opts.inspect {
			cmd = ".inspect"
		}
		if !sh.Execute(cmd + " " + opts.path) {
			return
		}
		if sh.eng == nil && sh.reader == nil {
			os.Exit(1)
		}
	}

	// Close the store cleanly on SIGTERM so the index is flushed.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	go func() {
		<-sigChan
		sh.Shutdown()
		tel.Shutdown(context.Background())
		os.Exit(0)
	}()

	runInteractive(sh)
}

func runInteractive(sh *shell) {
	fmt.Println("QStorage (qstorage)")
	fmt.Println("Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "qstorage> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".qstorage_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.Prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if !sh.Execute(line) {
			return
		}
	}
}
