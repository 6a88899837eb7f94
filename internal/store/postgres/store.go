// Package postgres implements every state-store interface the engine
// depends on (sequence/recipient/sender lookups, the scheduler's
// claim/persist/recover cycle, the Rate Governor's sender and warmup
// reads, and webhook idempotency) against a single Postgres database.
// Grounded on internal/automation/store.go's thin sql.DB-wrapping CRUD
// shape, generalized from uuid.UUID keys to opaque string ids (the
// engine's domain types use string ids throughout) and from
// single-table CRUD to the version-guarded, multi-table writes the
// scheduler and Control API require.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

// Store wraps a *sql.DB and implements every store-facing interface the
// engine declares (executor.SequenceStore/RecipientStore/SenderStore,
// scheduler.Store, rategovernor.SenderStore/WarmupStore, eventlog.Store,
// plus the Control API's sequence/enrollment CRUD).
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens a Postgres connection pool for dsn and wraps it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
