package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Export writes the selected research threads and their interview threads
// to w as an archive.
func Export(ctx context.Context, store core.CheckpointStore, w io.Writer, opts ExportOptions) (*Manifest, error) {
	threads, err := selectThreads(ctx, store, opts.Threads)
	if err != nil {
		return nil, err
	}
	interviews, err := store.List(ctx, core.GraphInterview)
	if err != nil {
		return nil, fmt.Errorf("listing interview threads: %w", err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	manifest := &Manifest{
		Version:    FormatVersion,
		CreatedAt:  time.Now().UTC(),
		AppVersion: opts.AppVersion,
		Threads:    make([]ThreadEntry, 0, len(threads)),
		Files:      make([]FileEntry, 0),
	}

	for _, thread := range threads {
		cp, err := store.Load(ctx, core.GraphResearch, thread)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", thread, err)
		}
		if cp == nil {
			return nil, core.ErrNotFound("thread", string(thread))
		}
		if err := addCheckpoint(tw, manifest, cp); err != nil {
			return nil, err
		}

		entry := ThreadEntry{
			ThreadID:  thread,
			Status:    cp.Status,
			Step:      cp.Step,
			UpdatedAt: cp.UpdatedAt,
			Topic:     cp.Summary().Topic,
		}
		prefix := string(thread) + "/"
		for _, iv := range interviews {
			if !strings.HasPrefix(string(iv.ThreadID), prefix) {
				continue
			}
			child, err := store.Load(ctx, core.GraphInterview, iv.ThreadID)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", iv.ThreadID, err)
			}
			if child == nil {
				continue
			}
			if err := addCheckpoint(tw, manifest, child); err != nil {
				return nil, err
			}
			entry.Interviews++
		}
		manifest.Threads = append(manifest.Threads, entry)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeTarEntry(tw, manifestArchivePath, data); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip stream: %w", err)
	}
	return manifest, nil
}

func selectThreads(ctx context.Context, store core.CheckpointStore, requested []core.ThreadID) ([]core.ThreadID, error) {
	if len(requested) > 0 {
		out := slices.Clone(requested)
		slices.Sort(out)
		return slices.Compact(out), nil
	}
	all, err := store.List(ctx, core.GraphResearch)
	if err != nil {
		return nil, fmt.Errorf("listing research threads: %w", err)
	}
	out := make([]core.ThreadID, 0, len(all))
	for _, s := range all {
		out = append(out, s.ThreadID)
	}
	slices.Sort(out)
	return out, nil
}

func addCheckpoint(tw *tar.Writer, manifest *Manifest, cp *core.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", cp.ThreadID, err)
	}
	path := checkpointPath(cp.Graph, cp.ThreadID)
	if err := writeTarEntry(tw, path, data); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", path, err)
	}
	hash := sha256.Sum256(data)
	manifest.Files = append(manifest.Files, FileEntry{
		Path:   path,
		SHA256: hex.EncodeToString(hash[:]),
		Size:   int64(len(data)),
	})
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o600,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
