package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// CheckpointManager stamps, validates and persists run checkpoints on top
// of a CheckpointStore.
type CheckpointManager struct {
	store  core.CheckpointStore
	logger *logging.Logger
	clock  clockwork.Clock
}

// CheckpointOption configures a CheckpointManager.
type CheckpointOption func(*CheckpointManager)

// WithCheckpointClock sets the clock used for checkpoint timestamps.
func WithCheckpointClock(c clockwork.Clock) CheckpointOption {
	return func(m *CheckpointManager) {
		m.clock = c
	}
}

// NewCheckpointManager creates a new checkpoint manager.
func NewCheckpointManager(store core.CheckpointStore, logger *logging.Logger, opts ...CheckpointOption) *CheckpointManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &CheckpointManager{
		store:  store,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *CheckpointManager) Store() core.CheckpointStore {
	return m.store
}

// Load returns the latest checkpoint for a thread, or nil when the thread
// has never been saved.
func (m *CheckpointManager) Load(ctx context.Context, graph string, thread core.ThreadID) (*core.Checkpoint, error) {
	cp, err := m.store.Load(ctx, graph, thread)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s/%s: %w", graph, thread, err)
	}
	if cp == nil {
		return nil, nil
	}
	if len(cp.State) > 0 && !json.Valid(cp.State) {
		return nil, core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("checkpoint %s/%s holds invalid state", graph, thread))
	}
	return cp, nil
}

// Save stamps the checkpoint with a fresh ID and timestamps, then persists it.
func (m *CheckpointManager) Save(ctx context.Context, cp *core.Checkpoint) error {
	now := m.clock.Now().UTC()
	cp.ID = uuid.NewString()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	if err := m.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved",
		"checkpoint_id", cp.ID,
		"graph", cp.Graph,
		"thread_id", string(cp.ThreadID),
		"step", cp.Step,
		"status", string(cp.Status),
		"next", cp.Next,
	)
	return nil
}

// List returns summaries of every thread stored for a graph.
func (m *CheckpointManager) List(ctx context.Context, graph string) ([]core.ThreadSummary, error) {
	return m.store.List(ctx, graph)
}

// Delete removes a thread's checkpoint.
func (m *CheckpointManager) Delete(ctx context.Context, graph string, thread core.ThreadID) error {
	if err := m.store.Delete(ctx, graph, thread); err != nil {
		return fmt.Errorf("deleting checkpoint %s/%s: %w", graph, thread, err)
	}
	m.logger.Info("checkpoint deleted", "graph", graph, "thread_id", string(thread))
	return nil
}

// ResumePoint describes where and how a stored run continues.
type ResumePoint struct {
	Step          int
	Pending       []core.PendingTask
	FromStart     bool
	AwaitingInput bool
	AfterError    bool
	Done          bool
}

// GetResumePoint determines where to resume from.
func (m *CheckpointManager) GetResumePoint(cp *core.Checkpoint) *ResumePoint {
	if cp == nil {
		return &ResumePoint{FromStart: true}
	}
	rp := &ResumePoint{
		Step:    cp.Step,
		Pending: cp.Clone().Pending,
	}
	switch cp.Status {
	case core.RunStatusInterrupted:
		rp.AwaitingInput = true
	case core.RunStatusFailed:
		rp.AfterError = true
	case core.RunStatusCompleted:
		rp.Done = true
	}
	return rp
}
