package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// sqliteTime is fixed width so text comparison orders timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps checkpoints in a SQLite database, one row per thread.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and brings
// its schema up to date.
func NewSQLiteStore(ctx context.Context, path string, logger *logging.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db, DialectSQLite, logger); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}
	return &SQLiteStore{path: path, db: db}, nil
}

// Save implements core.CheckpointStore.
func (s *SQLiteStore) Save(ctx context.Context, cp *core.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (graph, thread_id, checkpoint_id, step, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(graph, thread_id) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			step = excluded.step,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		cp.Graph, string(cp.ThreadID), cp.ID, cp.Step, string(cp.Status), string(data),
		cp.CreatedAt.UTC().Format(sqliteTime), cp.UpdatedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}
	return nil
}

// Load implements core.CheckpointStore.
func (s *SQLiteStore) Load(ctx context.Context, graph string, thread core.ThreadID) (*core.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE graph = ? AND thread_id = ?`, graph, string(thread),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	return decodeCheckpoint([]byte(data))
}

// List implements core.CheckpointStore.
func (s *SQLiteStore) List(ctx context.Context, graph string) ([]core.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM checkpoints WHERE graph = ? ORDER BY updated_at DESC, thread_id`, graph)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]core.ThreadSummary, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cp, err := decodeCheckpoint([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Summary())
	}
	return out, rows.Err()
}

// Delete implements core.CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, graph string, thread core.ThreadID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE graph = ? AND thread_id = ?`, graph, string(thread)); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

// Close implements core.CheckpointStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func decodeCheckpoint(data []byte) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "decoding stored checkpoint").WithCause(err)
	}
	return &cp, nil
}

var _ core.CheckpointStore = (*SQLiteStore)(nil)
