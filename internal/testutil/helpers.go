package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDir returns a per-test directory removed on cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// TempFile writes content to dir/name and returns the path. Parent
// directories are created as needed, which suits prompt override trees.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
