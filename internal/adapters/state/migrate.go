package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQL dialects understood by goose.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// goose keeps its dialect, base FS and logger in package globals.
var migrateMu sync.Mutex

// slogGooseLogger adapts slog.Logger to goose.Logger.
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func migrationsDir(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "migrations/sqlite", nil
	case DialectPostgres:
		return "migrations/postgres", nil
	default:
		return "", fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}

func setupGoose(dialect string, logger *logging.Logger) (string, error) {
	dir, err := migrationsDir(dialect)
	if err != nil {
		return "", err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	goose.SetLogger(&slogGooseLogger{log: logger.Logger})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		return "", fmt.Errorf("setting goose dialect: %w", err)
	}
	return dir, nil
}

// Migrate applies every pending checkpoint schema migration.
func Migrate(ctx context.Context, db *sql.DB, dialect string, logger *logging.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dir, err := setupGoose(dialect, logger)
	if err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(ctx context.Context, db *sql.DB, dialect string, logger *logging.Logger) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dir, err := setupGoose(dialect, logger)
	if err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, dir)
}

// SchemaVersion returns the latest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB, dialect string) (int64, error) {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	if _, err := setupGoose(dialect, nil); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}
