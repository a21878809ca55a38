package persist

import (
	"fmt"
	"os"
	"path/filepath"
)

// ensureFile creates path with no content if it does not exist
func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
