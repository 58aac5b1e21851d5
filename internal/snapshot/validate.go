package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// maxEntrySize bounds a single archived checkpoint.
const maxEntrySize = 64 << 20

// Validate checks archive structure and checksums and returns the manifest.
func Validate(r io.Reader) (*Manifest, error) {
	manifest, _, err := loadArchive(r)
	return manifest, err
}

func loadArchive(r io.Reader) (*Manifest, map[string][]byte, error) {
	files, err := readArchiveFiles(r)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := files[manifestArchivePath]
	if !ok {
		return nil, nil, fmt.Errorf("archive is missing %s", manifestArchivePath)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.Version != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported archive version %d", manifest.Version)
	}
	if err := validateFiles(&manifest, files); err != nil {
		return nil, nil, err
	}
	return &manifest, files, nil
}

func readArchiveFiles(r io.Reader) (map[string][]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return nil, fmt.Errorf("unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}

		name, err := cleanArchivePath(header.Name)
		if err != nil {
			return nil, err
		}
		if header.Size > maxEntrySize {
			return nil, fmt.Errorf("archive entry %s is too large", name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize))
		if err != nil {
			return nil, fmt.Errorf("reading tar entry %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

func validateFiles(manifest *Manifest, files map[string][]byte) error {
	listed := make(map[string]bool, len(manifest.Files))
	for _, f := range manifest.Files {
		data, ok := files[f.Path]
		if !ok {
			return fmt.Errorf("manifest entry not found in archive: %s", f.Path)
		}
		if int64(len(data)) != f.Size {
			return fmt.Errorf("size mismatch for %s: manifest=%d archive=%d", f.Path, f.Size, len(data))
		}
		hash := sha256.Sum256(data)
		if hex.EncodeToString(hash[:]) != f.SHA256 {
			return fmt.Errorf("checksum mismatch for %s", f.Path)
		}
		listed[f.Path] = true
	}
	for name := range files {
		if name != manifestArchivePath && !listed[name] {
			return fmt.Errorf("archive entry not listed in manifest: %s", name)
		}
	}
	return nil
}

// checkpointPath is checkpoints/<graph>/<escaped thread>.json. Thread ids
// of interviews contain slashes, so they are path-escaped.
func checkpointPath(graph string, thread core.ThreadID) string {
	return path.Join(checkpointsRoot, graph, url.PathEscape(string(thread))+".json")
}

func parseCheckpointPath(p string) (graph string, thread core.ThreadID, ok bool) {
	rest, found := strings.CutPrefix(p, checkpointsRoot+"/")
	if !found {
		return "", "", false
	}
	graph, file, found := strings.Cut(rest, "/")
	if !found || strings.Contains(file, "/") {
		return "", "", false
	}
	escaped, found := strings.CutSuffix(file, ".json")
	if !found {
		return "", "", false
	}
	id, err := url.PathUnescape(escaped)
	if err != nil || id == "" {
		return "", "", false
	}
	return graph, core.ThreadID(id), true
}

func cleanArchivePath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("invalid archive path %q", p)
	}
	clean := path.Clean(strings.TrimPrefix(p, "./"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal in archive: %q", p)
	}
	return clean, nil
}
