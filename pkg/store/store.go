// Package store provides typed repository access over the tables owned by
// pkg/database. It exposes the five primitives required by spec §4.A:
// single-row upsert, read-by-key, compare-and-swap update, unique-insert
// claim, and append-log — built directly on database/sql + pgx rather than
// an ORM (see DESIGN.md for why entgo.io/ent is not used here).
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by Get-style lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by compare-and-swap updates when the
// expected version does not match the stored version.
var ErrVersionConflict = errors.New("store: version conflict")

// Store is the shared handle all repositories are built from.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. Callers obtain db from
// database.Client.DB after migrations have run.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx, letting repository
// methods run either standalone or inside WithTx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB exposes the underlying pool for callers that need it directly, such as
// the Ops API's health handler (database.Health takes a *sql.DB).
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single transaction, committing on nil error and
// rolling back otherwise. All multi-statement writes that must be atomic
// (e.g. a GovTask CAS update plus its activity append) go through this.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a Postgres unique_violation,
// used throughout this package as the claim-primitive signal (spec §4.A
// item iv: unique-constraint insert used as a claim).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
