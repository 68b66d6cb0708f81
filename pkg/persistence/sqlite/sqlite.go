// Package sqlite provides the embedded SQLite persistence backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/nexia/flowengine/pkg/persistence/sqlbase"
)

// Dialect is the SQLite flavour of the shared SQL repositories.
var Dialect = sqlbase.Dialect{Name: "sqlite", Rebind: sqlbase.QuestionMarks}

// Persistence implements the persistence layer for SQLite.
type Persistence struct {
	*sqlbase.Store
}

// NewPersistence opens (or creates) the database at databaseURL, which may
// carry a sqlite:// prefix, and migrates the schema.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	dsn := strings.TrimPrefix(databaseURL, "sqlite://")
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}

	database, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps writers queued in
	// database/sql instead of failing with SQLITE_BUSY.
	database.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		_, err := database.ExecContext(ctx, pragma)
		if err != nil {
			_ = database.Close()

			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, Dialect, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{Store: sqlbase.NewStore(database, logger, Dialect)}, nil
}
