// Package sqlite provides SQLite-backed implementations of the identity
// storage contracts. Each database is opened by its own constructor and
// applies only its own migrations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/louisbranch/identity.space/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite/migrations"
)

const (
	maxBusyRetries = 8
	retryBaseDelay = 10 * time.Millisecond
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store holds one SQLite handle, optionally bound to a transaction.
type Store struct {
	sqlDB *sql.DB
	tx    *sql.Tx
}

func open(ctx context.Context, path, root string) (*Store, error) {
	sqlDB, err := sqliteconn.Open(ctx, path, migrations.FS, root)
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) withTx(tx *sql.Tx) *Store {
	if s == nil || tx == nil {
		return s
	}
	return &Store{sqlDB: s.sqlDB, tx: tx}
}

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.sqlDB
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil || s.tx != nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the underlying handle for health probes.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// runTx executes fn in a transaction, retrying when SQLite reports lock
// contention. A store already bound to a transaction runs fn inline.
func (s *Store) runTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		err := s.tryTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !sqliteconn.IsBusy(err) {
			return err
		}
		lastBusyErr = err
		if attempt >= maxBusyRetries {
			return sqliteconn.Classify(op+" remained busy", lastBusyErr)
		}
		if waitErr := waitForRetry(ctx, attempt); waitErr != nil {
			return waitErr
		}
	}
}

func (s *Store) tryTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func waitForRetry(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(attempt+1) * retryBaseDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
