package snapshot

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Import restores an archive into store. All conflicts are resolved before
// anything is written, so ConflictFail leaves the store untouched.
// Interview threads are written before their research thread.
func Import(ctx context.Context, store core.CheckpointStore, r io.Reader, opts ImportOptions) (*ImportReport, error) {
	policy, err := ParseConflictPolicy(string(opts.ConflictPolicy))
	if err != nil {
		return nil, err
	}
	manifest, files, err := loadArchive(r)
	if err != nil {
		return nil, err
	}

	cps := make([]*core.Checkpoint, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		graph, thread, ok := parseCheckpointPath(f.Path)
		if !ok {
			return nil, fmt.Errorf("unexpected archive entry: %s", f.Path)
		}
		var cp core.Checkpoint
		if err := json.Unmarshal(files[f.Path], &cp); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.Path, err)
		}
		if cp.Graph != graph || cp.ThreadID != thread {
			return nil, fmt.Errorf("checkpoint %s does not match its path (%s/%s)", f.Path, cp.Graph, cp.ThreadID)
		}
		cps = append(cps, &cp)
	}
	slices.SortStableFunc(cps, func(a, b *core.Checkpoint) int {
		return cmp.Compare(graphOrder(a.Graph), graphOrder(b.Graph))
	})

	report := &ImportReport{
		DryRun:         opts.DryRun,
		ConflictPolicy: policy,
		Manifest:       manifest,
		Threads:        make([]ThreadImportReport, 0, len(cps)),
	}
	for _, cp := range cps {
		existing, err := store.Load(ctx, cp.Graph, cp.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", cp.ThreadID, err)
		}
		entry := ThreadImportReport{ThreadID: cp.ThreadID, Graph: cp.Graph, Action: ActionCreated}
		if existing != nil {
			report.Conflicts = append(report.Conflicts, fmt.Sprintf("%s/%s", cp.Graph, cp.ThreadID))
			switch policy {
			case ConflictOverwrite:
				entry.Action = ActionOverwritten
			default:
				entry.Action = ActionSkipped
				entry.Reason = "already exists"
			}
		}
		report.Threads = append(report.Threads, entry)
	}

	if policy == ConflictFail && len(report.Conflicts) > 0 {
		return report, core.ErrConflict(core.CodeThreadExists,
			fmt.Sprintf("%d checkpoints already exist in the store", len(report.Conflicts)))
	}
	if opts.DryRun {
		return report, nil
	}

	for i, cp := range cps {
		if report.Threads[i].Action == ActionSkipped {
			continue
		}
		if err := store.Save(ctx, cp); err != nil {
			return report, fmt.Errorf("saving %s: %w", cp.ThreadID, err)
		}
	}
	return report, nil
}

func graphOrder(graph string) int {
	if graph == core.GraphInterview {
		return 0
	}
	return 1
}
