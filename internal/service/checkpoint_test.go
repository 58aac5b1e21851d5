package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// mapStore implements core.CheckpointStore for testing.
type mapStore struct {
	mu      sync.Mutex
	records map[string]*core.Checkpoint
	saveErr error
}

func newMapStore() *mapStore {
	return &mapStore{records: make(map[string]*core.Checkpoint)}
}

func (s *mapStore) key(graph string, thread core.ThreadID) string {
	return graph + "|" + string(thread)
}

func (s *mapStore) Load(_ context.Context, graph string, thread core.ThreadID) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[s.key(graph, thread)].Clone(), nil
}

func (s *mapStore) Save(_ context.Context, cp *core.Checkpoint) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.key(cp.Graph, cp.ThreadID)] = cp.Clone()
	return nil
}

func (s *mapStore) List(_ context.Context, graph string) ([]core.ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ThreadSummary
	for _, cp := range s.records {
		if cp.Graph == graph {
			out = append(out, cp.Summary())
		}
	}
	return out, nil
}

func (s *mapStore) Delete(_ context.Context, graph string, thread core.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, s.key(graph, thread))
	return nil
}

func (s *mapStore) Close() error { return nil }

func TestCheckpointManager_SaveStampsAndLoads(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	store := newMapStore()
	m := NewCheckpointManager(store, logging.NewNop(), WithCheckpointClock(clock))
	ctx := context.Background()

	cp := &core.Checkpoint{ThreadID: "t1", Graph: core.GraphResearch, State: json.RawMessage(`{"topic":"x"}`)}
	if err := m.Save(ctx, cp); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	firstID := cp.ID
	if firstID == "" || !cp.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("checkpoint not stamped: %+v", cp)
	}

	clock.Advance(time.Minute)
	cp.Step = 1
	if err := m.Save(ctx, cp); err != nil {
		t.Fatal(err)
	}
	if cp.ID == firstID {
		t.Error("each save should get a fresh checkpoint id")
	}

	got, err := m.Load(ctx, core.GraphResearch, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Step != 1 || !got.UpdatedAt.Equal(clock.Now()) || got.CreatedAt.Equal(got.UpdatedAt) {
		t.Fatalf("loaded = %+v", got)
	}
}

func TestCheckpointManager_LoadMissing(t *testing.T) {
	m := NewCheckpointManager(newMapStore(), nil)
	cp, err := m.Load(context.Background(), core.GraphResearch, "nope")
	if err != nil || cp != nil {
		t.Fatalf("Load() = %v, %v; want nil, nil", cp, err)
	}
}

func TestCheckpointManager_LoadCorrupted(t *testing.T) {
	store := newMapStore()
	store.records[store.key(core.GraphResearch, "bad")] = &core.Checkpoint{
		ThreadID: "bad", Graph: core.GraphResearch, State: json.RawMessage(`{"topic":`),
	}
	_, err := NewCheckpointManager(store, nil).Load(context.Background(), core.GraphResearch, "bad")
	if !core.IsCategory(err, core.ErrCatState) {
		t.Fatalf("error = %v, want state category", err)
	}
}

func TestCheckpointManager_SaveError(t *testing.T) {
	store := newMapStore()
	store.saveErr = errors.New("disk full")
	err := NewCheckpointManager(store, nil).Save(context.Background(), &core.Checkpoint{ThreadID: "t"})
	if err == nil || !errors.Is(err, store.saveErr) {
		t.Fatalf("error = %v", err)
	}
}

func TestCheckpointManager_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewCheckpointManager(newMapStore(), nil)
	for _, id := range []core.ThreadID{"a", "b"} {
		if err := m.Save(ctx, &core.Checkpoint{ThreadID: id, Graph: core.GraphResearch, State: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Save(ctx, &core.Checkpoint{ThreadID: "a/conduct_interview/0", Graph: core.GraphInterview}); err != nil {
		t.Fatal(err)
	}

	list, _ := m.List(ctx, core.GraphResearch)
	if len(list) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(list))
	}
	if err := m.Delete(ctx, core.GraphResearch, "a"); err != nil {
		t.Fatal(err)
	}
	list, _ = m.List(ctx, core.GraphResearch)
	if len(list) != 1 || list[0].ThreadID != "b" {
		t.Fatalf("after delete = %+v", list)
	}
}

func TestGetResumePoint(t *testing.T) {
	m := NewCheckpointManager(newMapStore(), nil)

	if rp := m.GetResumePoint(nil); !rp.FromStart {
		t.Error("nil checkpoint should resume from start")
	}

	tests := []struct {
		status core.RunStatus
		check  func(*ResumePoint) bool
	}{
		{core.RunStatusInterrupted, func(rp *ResumePoint) bool { return rp.AwaitingInput }},
		{core.RunStatusFailed, func(rp *ResumePoint) bool { return rp.AfterError }},
		{core.RunStatusCompleted, func(rp *ResumePoint) bool { return rp.Done }},
		{core.RunStatusRunning, func(rp *ResumePoint) bool { return !rp.AwaitingInput && !rp.AfterError && !rp.Done }},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			cp := &core.Checkpoint{Status: tt.status, Step: 4, Pending: []core.PendingTask{{Node: "human_feedback"}}}
			rp := m.GetResumePoint(cp)
			if !tt.check(rp) || rp.Step != 4 || len(rp.Pending) != 1 {
				t.Errorf("GetResumePoint(%s) = %+v", tt.status, rp)
			}
		})
	}
}
