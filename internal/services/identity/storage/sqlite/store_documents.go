package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/identity.space/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite/migrations"
)

// DocumentStore holds second-level profile documents as JSON bodies.
type DocumentStore struct {
	*Store
}

// OpenDocuments opens the document database and applies its migrations.
func OpenDocuments(ctx context.Context, path string) (*DocumentStore, error) {
	s, err := open(ctx, path, migrations.DocumentsRoot)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{Store: s}, nil
}

// ApplyEventExactlyOnce runs apply against a transaction-bound writer.
func (s *DocumentStore) ApplyEventExactlyOnce(
	ctx context.Context,
	consumer string,
	rec event.Recorded,
	apply func(context.Context, storage.DocumentWriter) error,
) (bool, error) {
	return s.applyExactlyOnce(ctx, consumer, rec, func(tx *sql.Tx) error {
		return apply(ctx, &DocumentStore{Store: s.withTx(tx)})
	})
}

// GetDocument loads one document.
func (s *DocumentStore) GetDocument(ctx context.Context, id string) (storage.ProfileDocument, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ProfileDocument{}, false, err
	}
	var body string
	err := s.q().QueryRowContext(ctx, `SELECT body FROM profile_documents WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ProfileDocument{}, false, nil
	}
	if err != nil {
		return storage.ProfileDocument{}, false, sqliteconn.Classify("get document "+id, err)
	}
	var doc storage.ProfileDocument
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return storage.ProfileDocument{}, false, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, true, nil
}

// ListDocuments lists documents of one type ordered by id. An empty type
// lists all documents.
func (s *DocumentStore) ListDocuments(ctx context.Context, typ ident.Type, limit int) ([]storage.ProfileDocument, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.ProfileDocument{}, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if typ == ident.TypeUnspecified {
		rows, err = s.q().QueryContext(ctx, `SELECT body FROM profile_documents ORDER BY id ASC LIMIT ?`, limit)
	} else {
		rows, err = s.q().QueryContext(ctx,
			`SELECT body FROM profile_documents WHERE type = ? ORDER BY id ASC LIMIT ?`, string(typ), limit)
	}
	if err != nil {
		return nil, sqliteconn.Classify("list documents", err)
	}
	defer rows.Close()
	docs := make([]storage.ProfileDocument, 0, limit)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc storage.ProfileDocument
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
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
		`INSERT INTO profile_documents (id, type, body, position, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     type = excluded.type, body = excluded.body,
		     position = excluded.position, updated_at = excluded.updated_at`,
		doc.ID, string(doc.Type), string(body), int64(doc.Position), toMillis(doc.UpdatedAt),
	); err != nil {
		return sqliteconn.Classify("put document "+doc.ID, err)
	}
	return nil
}

// DeleteDocument removes a document.
func (s *DocumentStore) DeleteDocument(ctx context.Context, id string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.q().ExecContext(ctx, `DELETE FROM profile_documents WHERE id = ?`, id)
	if err != nil {
		return false, sqliteconn.Classify("delete document "+id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect document delete %s: %w", id, err)
	}
	return affected > 0, nil
}

var (
	_ storage.DocumentStore  = (*DocumentStore)(nil)
	_ storage.DocumentWriter = (*DocumentStore)(nil)
)
