// Package sqlite is the embedded storage backend. It keeps the whole
// protocol state in a single SQLite file and needs no external services.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

//go:embed schema.sql
var schema string

const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Store is a storage.Store backed by SQLite. Writes are serialized over a
// single connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("sqlite: missing database path")
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+p+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", p, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	logger.Info("sqlite store opened", "path", p)
	return &Store{db: db, logger: logger}, nil
}

// Backend names the storage engine for health reporting.
func (s *Store) Backend() string { return "sqlite" }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *Store) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close failed", "error", err)
	}
}

// inClause expands statuses into "?, ?, ..." and the matching args.
func inClause(statuses []model.RunStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
