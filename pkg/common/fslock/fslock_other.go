//go:build !unix

package fslock

import "os"

// Locking is a no-op where flock is unavailable.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
