package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// PostgresStore keeps checkpoints in PostgreSQL, one row per thread with
// the checkpoint stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and brings the schema up to date.
func NewPostgresStore(ctx context.Context, dsn string, logger *logging.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}

	db := stdlib.OpenDB(*cfg.ConnConfig)
	migrateErr := Migrate(ctx, db, DialectPostgres, logger)
	if err := db.Close(); err != nil && migrateErr == nil {
		migrateErr = err
	}
	if migrateErr != nil {
		return nil, migrateErr
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save implements core.CheckpointStore.
func (s *PostgresStore) Save(ctx context.Context, cp *core.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (graph, thread_id, checkpoint_id, step, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (graph, thread_id) DO UPDATE SET
			checkpoint_id = EXCLUDED.checkpoint_id,
			step = EXCLUDED.step,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`,
		cp.Graph, string(cp.ThreadID), cp.ID, cp.Step, string(cp.Status), string(data),
		cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}
	return nil
}

// Load implements core.CheckpointStore.
func (s *PostgresStore) Load(ctx context.Context, graph string, thread core.ThreadID) (*core.Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkpoints WHERE graph = $1 AND thread_id = $2`, graph, string(thread),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// List implements core.CheckpointStore.
func (s *PostgresStore) List(ctx context.Context, graph string) ([]core.ThreadSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM checkpoints WHERE graph = $1 ORDER BY updated_at DESC, thread_id`, graph)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	blobs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoints: %w", err)
	}

	out := make([]core.ThreadSummary, 0, len(blobs))
	for _, data := range blobs {
		cp, err := decodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Summary())
	}
	return out, nil
}

// Delete implements core.CheckpointStore.
func (s *PostgresStore) Delete(ctx context.Context, graph string, thread core.ThreadID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE graph = $1 AND thread_id = $2`, graph, string(thread)); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

// Close implements core.CheckpointStore.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ core.CheckpointStore = (*PostgresStore)(nil)
