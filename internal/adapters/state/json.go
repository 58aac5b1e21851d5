package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// JSONStore keeps one JSON file per thread under dir/<graph>/. Every write
// goes through an atomic rename and keeps the previous file as a backup.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore creates a file-backed store rooted at dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

// checkpointEnvelope wraps a checkpoint with an integrity checksum.
type checkpointEnvelope struct {
	Version    int              `json:"version"`
	Checksum   string           `json:"checksum"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Checkpoint *core.Checkpoint `json:"checkpoint"`
}

func (s *JSONStore) path(graph string, thread core.ThreadID) string {
	return filepath.Join(s.dir, graph, url.PathEscape(string(thread))+".json")
}

// Save implements core.CheckpointStore.
func (s *JSONStore) Save(_ context.Context, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	env := checkpointEnvelope{
		Version:    1,
		Checksum:   checksum(payload),
		UpdatedAt:  cp.UpdatedAt,
		Checkpoint: cp,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	path := s.path(cp.Graph, cp.ThreadID)
	if prev, err := os.ReadFile(path); err == nil {
		if err := atomicWriteFile(path+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("creating backup: %w", err)
		}
	}
	if err := atomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing checkpoint file: %w", err)
	}
	return nil
}

// Load implements core.CheckpointStore. A corrupt file falls back to its
// backup.
func (s *JSONStore) Load(_ context.Context, graph string, thread core.ThreadID) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(graph, thread)
	cp, err := readEnvelope(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		backup, backupErr := readEnvelope(path + ".bak")
		if backupErr != nil {
			return nil, fmt.Errorf("loading checkpoint: %w (backup also failed: %v)", err, backupErr)
		}
		return backup, nil
	}
	return cp, nil
}

func readEnvelope(path string) (*core.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env checkpointEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if env.Checkpoint == nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "envelope has no checkpoint")
	}
	payload, err := json.Marshal(env.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint for checksum: %w", err)
	}
	if checksum(payload) != env.Checksum {
		return nil, core.ErrState(core.CodeStateCorrupted, "checksum mismatch")
	}
	// Indented files carry indented raw fields; hand back the compact form.
	cp := env.Checkpoint
	cp.State = compactJSON(cp.State)
	for i := range cp.Pending {
		cp.Pending[i].Input = compactJSON(cp.Pending[i].Input)
	}
	return cp, nil
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// List implements core.CheckpointStore.
func (s *JSONStore) List(_ context.Context, graph string) ([]core.ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, graph))
	if errors.Is(err, os.ErrNotExist) {
		return []core.ThreadSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	out := make([]core.ThreadSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		cp, err := readEnvelope(filepath.Join(s.dir, graph, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, cp.Summary())
	}
	sortSummaries(out)
	return out, nil
}

// Delete implements core.CheckpointStore.
func (s *JSONStore) Delete(_ context.Context, graph string, thread core.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(graph, thread)
	for _, p := range []string{path, path + ".bak"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// Close implements core.CheckpointStore.
func (s *JSONStore) Close() error { return nil }

// Dir returns the store's root directory.
func (s *JSONStore) Dir() string {
	return s.dir
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var _ core.CheckpointStore = (*JSONStore)(nil)
