package main

import (
	"bytes"
	"os"
	"path/filepath"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/KevoDB/qstorage/pkg/common/log"
	"github.com/KevoDB/qstorage/pkg/config"
	"github.com/KevoDB/qstorage/pkg/engine"
	"github.com/KevoDB/qstorage/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	log.SetDefaultLogger(log.NewDiscardLogger())

	base := config.NewDefaultConfig("")
	base.ShardCapacity = 64
	base.BlockSize = 8
	base.LogLevel = "error"

	var out bytes.Buffer
	sh := newShell(base, telemetry.NewNoop(), &out)
	t.Cleanup(func() { sh.Shutdown() })
	return sh, &out
}

// run executes line and returns what it printed
func run(sh *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	sh.Execute(line)
	return out.String()
}

func TestShell_WriteAndRead(t *testing.T) {
	sh, out := newTestShell(t)
	dir := filepath.Join(t.TempDir(), "store")

	assert.Contains(t, run(sh, out, "GET k"), "no store open")
	assert.Contains(t, run(sh, out, ".open "+dir), "Store opened")
	assert.Equal(t, "qstorage:"+dir+"> ", sh.Prompt())

	assert.Contains(t, run(sh, out, "INSERT greeting hello world"), "Value stored")
	assert.Equal(t, "hello world\n", run(sh, out, "GET greeting"))
	assert.Contains(t, run(sh, out, "INSERT greeting again"), "key already exists")

	run(sh, out, "APPEND greeting !!")
	assert.Equal(t, "hello world!!\n", run(sh, out, "get greeting"))

	assert.Equal(t, "true\n", run(sh, out, "HAS greeting"))
	assert.Contains(t, run(sh, out, "REMOVE greeting"), "Key removed")
	assert.Equal(t, "false\n", run(sh, out, "HAS greeting"))
	assert.Contains(t, run(sh, out, "GET greeting"), "key not found")

	assert.Contains(t, run(sh, out, "INSERT"), "requires key and value")
	assert.Contains(t, run(sh, out, "FROB x"), "Unknown command: FROB")
}

func TestShell_PushPull(t *testing.T) {
	sh, out := newTestShell(t)
	tmp := t.TempDir()
	run(sh, out, ".open "+filepath.Join(tmp, "store"))

	src := filepath.Join(tmp, "in.bin")
	data := bytes.Repeat([]byte("0123456789abcdef"), 20)
	require.NoError(t, os.WriteFile(src, data, 0644))

	assert.Contains(t, run(sh, out, "PUSH blob "+src), "Pushed 320 bytes")

	dst := filepath.Join(tmp, "out.bin")
	assert.Contains(t, run(sh, out, "PULL blob "+dst), "Pulled 320 bytes")
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Contains(t, run(sh, out, "PULL missing "+filepath.Join(tmp, "none.bin")), "key not found")
	_, err = os.Stat(filepath.Join(tmp, "none.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestShell_InspectMode(t *testing.T) {
	sh, out := newTestShell(t)
	dir := filepath.Join(t.TempDir(), "store")

	run(sh, out, ".open "+dir)
	run(sh, out, "INSERT a first")
	run(sh, out, "INSERT b second")
	run(sh, out, "REMOVE a")
	assert.Contains(t, run(sh, out, ".close"), "closed")

	assert.Contains(t, run(sh, out, ".inspect "+dir), "read-only")
	assert.True(t, strings.HasSuffix(sh.Prompt(), "[RO]> "))

	assert.Equal(t, "second\n", run(sh, out, "GET b"))
	assert.Contains(t, run(sh, out, "INSERT c third"), "read-only")
	assert.Contains(t, run(sh, out, ".verify"), "Index OK: 1 keys, 1 free blocks")
	assert.Contains(t, run(sh, out, ".keys"), "b\n1 keys")
	assert.Contains(t, run(sh, out, ".stats"), "Block Size: 8")
}

func TestShell_StatsAndExit(t *testing.T) {
	sh, out := newTestShell(t)
	run(sh, out, ".open "+t.TempDir())
	run(sh, out, "INSERT k v")
	run(sh, out, "GET k")

	stats := run(sh, out, ".stats")
	assert.Contains(t, stats, "Insert: 1")
	assert.Contains(t, stats, "Get: 1")
	assert.Contains(t, stats, "Keys: 1")

	assert.Contains(t, run(sh, out, ".flush"), "Index flushed")

	out.Reset()
	assert.False(t, sh.Execute(".exit"))
	assert.Contains(t, out.String(), "Goodbye!")
	assert.Nil(t, sh.eng)
}

func TestShell_ReopenKeepsLayout(t *testing.T) {
	sh, out := newTestShell(t)
	dir := t.TempDir()

	run(sh, out, ".open "+dir)
	run(sh, out, "INSERT k value")
	run(sh, out, ".close")

	// A different default block size does not break an existing store.
	sh.base.BlockSize = 16
	assert.Contains(t, run(sh, out, ".open "+dir), "Store opened")
	assert.Equal(t, "value\n", run(sh, out, "GET k"))
}

// Shutdown from another goroutine waits for the running command and leaves
// the store closed and unlocked.
func TestShell_ShutdownWhileExecuting(t *testing.T) {
	sh, _ := newTestShell(t)
	dir := filepath.Join(t.TempDir(), "store")
	require.True(t, sh.Execute(".open "+dir))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			sh.Execute(fmt.Sprintf("INSERT k%d v%d", i, i))
		}
	}()

	require.NoError(t, sh.Shutdown())
	wg.Wait()

	assert.Equal(t, "qstorage> ", sh.Prompt())

	cfg := config.NewDefaultConfig(dir)
	cfg.ShardCapacity = 64
	cfg.BlockSize = 8
	e, err := engine.Open(cfg, engine.WithLogger(log.NewDiscardLogger()))
	require.NoError(t, err)
	require.NoError(t, e.Close())
}
