package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexia/flowengine/pkg/persistence"
)

// Store implements persistence.Persistence on a database/sql handle.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	dialect Dialect

	flows       *FlowRepository
	runs        *RunRepository
	deadLetters *DeadLetterRepository
}

// NewStore wraps an open database whose schema is already migrated.
func NewStore(db *sql.DB, logger *slog.Logger, dialect Dialect) *Store {
	s := &Store{db: db, logger: logger, dialect: dialect}
	s.flows = &FlowRepository{store: s}
	s.runs = &RunRepository{store: s}
	s.deadLetters = &DeadLetterRepository{store: s}

	return s
}

func (s *Store) Flows() persistence.FlowRepository {
	return s.flows
}

func (s *Store) Runs() persistence.RunRepository {
	return s.runs
}

func (s *Store) DeadLetters() persistence.DeadLetterRepository {
	return s.deadLetters
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (s *Store) closeRows(ctx context.Context, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
