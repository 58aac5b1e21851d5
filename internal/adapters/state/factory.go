package state

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// Supported backends.
const (
	BackendMemory   = "memory"
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a checkpoint store.
type Options struct {
	// Backend is one of memory, json, sqlite or postgres.
	Backend string
	// Path is the SQLite database file or the JSON store directory.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// NewCheckpointStore creates the store named by opts.Backend.
func NewCheckpointStore(ctx context.Context, opts Options, logger *logging.Logger) (core.CheckpointStore, error) {
	switch normalizeBackend(opts.Backend) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSON:
		dir := opts.Path
		if ext := filepath.Ext(dir); ext != "" {
			dir = strings.TrimSuffix(dir, ext)
		}
		return NewJSONStore(dir)
	case BackendSQLite:
		path := opts.Path
		if path != ":memory:" && !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteStore(ctx, path, logger)
	case BackendPostgres:
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, core.ErrValidation(core.CodeInvalidConfig, "postgres backend requires a dsn")
		}
		return NewPostgresStore(ctx, opts.DSN, logger)
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unsupported state backend: %s", opts.Backend))
	}
}

// OpenMigrationDB opens a database/sql handle for the SQL backends so
// schema maintenance can run without a store.
func OpenMigrationDB(opts Options) (*sql.DB, string, error) {
	switch normalizeBackend(opts.Backend) {
	case BackendSQLite:
		db, err := sql.Open("sqlite", opts.Path)
		return db, DialectSQLite, err
	case BackendPostgres:
		cfg, err := pgx.ParseConfig(opts.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("parsing postgres dsn: %w", err)
		}
		return stdlib.OpenDB(*cfg), DialectPostgres, nil
	default:
		return nil, "", core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("backend %q has no schema", opts.Backend))
	}
}

func normalizeBackend(b string) string {
	b = strings.ToLower(strings.TrimSpace(b))
	if b == "" {
		return BackendSQLite
	}
	return b
}
