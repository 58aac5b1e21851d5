// Package snapshot moves research runs between checkpoint stores. An
// archive is a gzipped tar holding a manifest and one JSON checkpoint per
// thread, interview threads included.
package snapshot

import (
	"time"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

const (
	// FormatVersion is the current manifest format version.
	FormatVersion = 1

	manifestArchivePath = "manifest.json"
	checkpointsRoot     = "checkpoints"
)

// ConflictPolicy controls how import handles threads that already exist.
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictFail      ConflictPolicy = "fail"
)

// ParseConflictPolicy validates a policy name. Empty means skip.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case "":
		return ConflictSkip, nil
	case ConflictSkip, ConflictOverwrite, ConflictFail:
		return p, nil
	default:
		return "", core.ErrValidation(core.CodeInvalidRequest,
			"conflict policy must be one of: skip, overwrite, fail")
	}
}

// FileEntry describes one archived file.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ThreadEntry lists an exported research run.
type ThreadEntry struct {
	ThreadID   core.ThreadID  `json:"thread_id"`
	Topic      string         `json:"topic,omitempty"`
	Status     core.RunStatus `json:"status"`
	Step       int            `json:"step"`
	Interviews int            `json:"interviews"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Manifest is stored at the archive root.
type Manifest struct {
	Version    int           `json:"version"`
	CreatedAt  time.Time     `json:"created_at"`
	AppVersion string        `json:"app_version,omitempty"`
	Threads    []ThreadEntry `json:"threads"`
	Files      []FileEntry   `json:"files"`
}

// ExportOptions selects what to export.
type ExportOptions struct {
	// Threads are research threads; empty exports all of them.
	Threads    []core.ThreadID
	AppVersion string
}

// ImportOptions configures import.
type ImportOptions struct {
	ConflictPolicy ConflictPolicy
	DryRun         bool
}

// Import actions.
const (
	ActionCreated     = "created"
	ActionOverwritten = "overwritten"
	ActionSkipped     = "skipped"
)

// ThreadImportReport is the outcome for one checkpoint.
type ThreadImportReport struct {
	ThreadID core.ThreadID `json:"thread_id"`
	Graph    string        `json:"graph"`
	Action   string        `json:"action"`
	Reason   string        `json:"reason,omitempty"`
}

// ImportReport summarizes an import.
type ImportReport struct {
	DryRun         bool                 `json:"dry_run"`
	ConflictPolicy ConflictPolicy       `json:"conflict_policy"`
	Manifest       *Manifest            `json:"manifest"`
	Threads        []ThreadImportReport `json:"threads"`
	Conflicts      []string             `json:"conflicts,omitempty"`
}

// Count returns how many checkpoints ended with action.
func (r *ImportReport) Count(action string) int {
	n := 0
	for _, t := range r.Threads {
		if t.Action == action {
			n++
		}
	}
	return n
}
