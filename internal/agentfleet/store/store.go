package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the narrow interface satisfied by both *pgxpool.Pool and pgx.Tx,
// letting every Store method run either against the pool directly or inside
// a caller-managed transaction. Spec.md §4.1: "the caller decides the commit
// point (callers pass an optional session; if absent, the adapter creates
// one and commits)".
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the persistent store adapter (C1), backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pool, usable as a DBTX when the caller has no
// transaction of its own.
func (s *Store) Pool() DBTX {
	return s.pool
}

// WithTx runs fn inside a new transaction, committing on success and rolling
// back on error or panic. Use this when a caller needs several Store calls to
// take effect atomically (e.g. enqueue-then-verify, or a reboot-orchestration
// state transition plus its queue side effect).
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(tx)
	return err
}
