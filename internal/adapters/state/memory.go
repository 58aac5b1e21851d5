// Package state provides the checkpoint store backends.
package state

import (
	"context"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

type storeKey struct {
	graph  string
	thread core.ThreadID
}

// MemoryStore keeps checkpoints in process memory. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[storeKey]*core.Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[storeKey]*core.Checkpoint)}
}

// Load implements core.CheckpointStore.
func (s *MemoryStore) Load(_ context.Context, graph string, thread core.ThreadID) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[storeKey{graph, thread}].Clone(), nil
}

// Save implements core.CheckpointStore.
func (s *MemoryStore) Save(_ context.Context, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[storeKey{cp.Graph, cp.ThreadID}] = cp.Clone()
	return nil
}

// List implements core.CheckpointStore.
func (s *MemoryStore) List(_ context.Context, graph string) ([]core.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ThreadSummary, 0)
	for k, cp := range s.records {
		if k.graph == graph {
			out = append(out, cp.Summary())
		}
	}
	sortSummaries(out)
	return out, nil
}

// Delete implements core.CheckpointStore.
func (s *MemoryStore) Delete(_ context.Context, graph string, thread core.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, storeKey{graph, thread})
	return nil
}

// Close implements core.CheckpointStore.
func (s *MemoryStore) Close() error { return nil }

// sortSummaries orders listings newest first.
func sortSummaries(s []core.ThreadSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].ThreadID < s[j].ThreadID
		}
		return s[i].UpdatedAt.After(s[j].UpdatedAt)
	})
}

var _ core.CheckpointStore = (*MemoryStore)(nil)
