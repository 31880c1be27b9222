// Package postgres provides a Postgres-backed second-level document store
// for deployments that serve read models from a shared database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

const driverName = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profile_documents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		body JSONB NOT NULL,
		position BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profile_documents_type ON profile_documents (type, id)`,
	`CREATE TABLE IF NOT EXISTS consumer_checkpoints (
		consumer TEXT PRIMARY KEY,
		position BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS applied_events (
		consumer TEXT NOT NULL,
		event_id TEXT NOT NULL,
		position BIGINT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (consumer, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id BIGSERIAL PRIMARY KEY,
		consumer TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		position BIGINT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DocumentStore persists profile documents as JSONB.
type DocumentStore struct {
	db *sql.DB
	tx *sql.Tx
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*DocumentStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &DocumentStore{db: db}, nil
}

// DB exposes the underlying handle for health probes and tests.
func (s *DocumentStore) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *DocumentStore) Close() error {
	if s == nil || s.db == nil || s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func (s *DocumentStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *DocumentStore) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// ApplyEventExactlyOnce reserves (consumer, event id) and runs apply in the
// same transaction.
func (s *DocumentStore) ApplyEventExactlyOnce(
	ctx context.Context,
	consumer string,
	rec event.Recorded,
	apply func(context.Context, storage.DocumentWriter) error,
) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if apply == nil {
		return false, fmt.Errorf("projection apply callback is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("begin apply tx", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO applied_events (consumer, event_id, position, applied_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (consumer, event_id) DO NOTHING`,
		consumer, rec.ID, int64(rec.Position), time.Now().UTC(),
	)
	if err != nil {
		return false, classify("reserve apply checkpoint", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect apply checkpoint: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := apply(ctx, &DocumentStore{db: s.db, tx: tx}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, classify("commit apply tx", err)
	}
	return true, nil
}

// GetDocument loads one document.
func (s *DocumentStore) GetDocument(ctx context.Context, id string) (storage.ProfileDocument, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ProfileDocument{}, false, err
	}
	var body []byte
	err := s.q().QueryRowContext(ctx, `SELECT body FROM profile_documents WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ProfileDocument{}, false, nil
	}
	if err != nil {
		return storage.ProfileDocument{}, false, classify("get document", err)
	}
	var doc storage.ProfileDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return storage.ProfileDocument{}, false, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, true, nil
}

// ListDocuments lists documents of one type, or all when typ is empty.
func (s *DocumentStore) ListDocuments(ctx context.Context, typ ident.Type, limit int) ([]storage.ProfileDocument, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.ProfileDocument{}, nil
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT body FROM profile_documents WHERE ($1 = '' OR type = $1) ORDER BY id ASC LIMIT $2`,
		string(typ), limit,
	)
	if err != nil {
		return nil, classify("list documents", err)
	}
	defer func() { _ = rows.Close() }()
	docs := make([]storage.ProfileDocument, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc storage.ProfileDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// PutDocument replaces a document.
func (s *DocumentStore) PutDocument(ctx context.Context, doc storage.ProfileDocument) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	if _, err := s.q().ExecContext(ctx,
		`INSERT INTO profile_documents (id, type, body, position, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     type = EXCLUDED.type, body = EXCLUDED.body,
		     position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		doc.ID, string(doc.Type), body, int64(doc.Position), doc.UpdatedAt,
	); err != nil {
		return classify("put document", err)
	}
	return nil
}

// DeleteDocument removes a document.
func (s *DocumentStore) DeleteDocument(ctx context.Context, id string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.q().ExecContext(ctx, `DELETE FROM profile_documents WHERE id = $1`, id)
	if err != nil {
		return false, classify("delete document", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect document delete: %w", err)
	}
	return affected > 0, nil
}

// GetCheckpoint returns the consumer position, or zero.
func (s *DocumentStore) GetCheckpoint(ctx context.Context, consumer string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var position int64
	err := s.q().QueryRowContext(ctx, `SELECT position FROM consumer_checkpoints WHERE consumer = $1`, consumer).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify("read checkpoint", err)
	}
	return uint64(position), nil
}

// SaveCheckpoint advances the checkpoint monotonically.
func (s *DocumentStore) SaveCheckpoint(ctx context.Context, consumer string, position uint64, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.q().ExecContext(ctx,
		`INSERT INTO consumer_checkpoints (consumer, position, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (consumer) DO UPDATE SET
		     position = GREATEST(consumer_checkpoints.position, EXCLUDED.position),
		     updated_at = EXCLUDED.updated_at`,
		consumer, int64(position), now.UTC(),
	); err != nil {
		return classify("save checkpoint", err)
	}
	return nil
}

// RecordDeadLetter stores an event the consumer gave up on.
func (s *DocumentStore) RecordDeadLetter(ctx context.Context, letter storage.DeadLetter) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	if _, err := s.q().ExecContext(ctx,
		`INSERT INTO dead_letters (consumer, event_id, event_type, position, attempts, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		letter.Consumer, letter.EventID, string(letter.EventType), int64(letter.Position),
		letter.Attempts, letter.LastError, letter.CreatedAt,
	); err != nil {
		return classify("record dead letter", err)
	}
	return nil
}

// ListDeadLetters lists the newest dead letters of consumer.
func (s *DocumentStore) ListDeadLetters(ctx context.Context, consumer string, limit int) ([]storage.DeadLetter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.DeadLetter{}, nil
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT consumer, event_id, event_type, position, attempts, last_error, created_at
		 FROM dead_letters WHERE consumer = $1 ORDER BY id DESC LIMIT $2`,
		consumer, limit,
	)
	if err != nil {
		return nil, classify("list dead letters", err)
	}
	defer func() { _ = rows.Close() }()
	letters := make([]storage.DeadLetter, 0, limit)
	for rows.Next() {
		var (
			letter    storage.DeadLetter
			eventType string
			position  int64
		)
		if err := rows.Scan(&letter.Consumer, &letter.EventID, &eventType, &position,
			&letter.Attempts, &letter.LastError, &letter.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.EventType = event.Type(eventType)
		letter.Position = uint64(position)
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// classify marks connection, serialization and deadlock failures as
// transient storage errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && isTransientSQLState(pgErr.Code) {
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), // connection exception
		code == "40001", // serialization_failure
		code == "40P01", // deadlock_detected
		code == "55P03", // lock_not_available
		code == "57P01": // admin_shutdown
		return true
	default:
		return false
	}
}

var (
	_ storage.DocumentStore  = (*DocumentStore)(nil)
	_ storage.DocumentWriter = (*DocumentStore)(nil)
)
