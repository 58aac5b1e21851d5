// Package fsutil reads user-supplied files without following the path
// outside the directory it names.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned when a file exceeds the caller's limit.
var ErrTooLarge = errors.New("file too large")

// ReadFileScoped reads path through an os.Root opened at its directory, so
// the final element cannot escape that directory.
func ReadFileScoped(path string) ([]byte, error) {
	return ReadFileLimit(path, 0)
}

// ReadFileLimit is ReadFileScoped with a size cap in bytes. A non-positive
// limit reads the whole file.
func ReadFileLimit(path string, limit int64) ([]byte, error) {
	cleaned := filepath.Clean(path)
	dir, base := filepath.Split(cleaned)
	if base == "" || base == "." || base == ".." {
		return nil, fmt.Errorf("invalid file path: %q", path)
	}
	if dir == "" {
		dir = "."
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(base)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if limit <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", path, ErrTooLarge, limit)
	}
	return data, nil
}
