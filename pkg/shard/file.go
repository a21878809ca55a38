package shard

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
)

// File is the handle a shard keeps open for its lifetime. *os.File
// satisfies it.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

// Opener opens (creating if needed, never truncating) a shard file
type Opener func(path string) (File, error)

// OpenFile opens path for positioned reads and writes. The file is created
// when missing and existing content is left untouched.
func OpenFile(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenDirectFile is OpenFile with O_DIRECT. Every buffer, offset and length
// used with the returned file must be aligned to directio.BlockSize.
func OpenDirectFile(path string) (File, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("direct open: %w", err)
	}
	return f, nil
}
