// Package fslock guards a store directory against a second process.
package fslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the lock file created inside a locked directory
const FileName = "LOCK"

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("directory is locked by another process")

// Lock is an exclusive advisory lock on a directory
type Lock struct {
	file *os.File
}

// Acquire takes the lock on dir without blocking
func Acquire(dir string) (*Lock, error) {
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}

	// The pid is informational only.
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	return &Lock{file: f}, nil
}

// Release drops the lock. The lock file stays in place.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
