package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

func TestClassifyTransientSQLStates(t *testing.T) {
	for _, code := range []string{"08006", "40001", "40P01", "55P03", "57P01"} {
		err := classify("op", &pgconn.PgError{Code: code})
		if !apperrors.IsTransient(err) {
			t.Fatalf("sqlstate %s must be transient", code)
		}
	}
	err := classify("op", &pgconn.PgError{Code: "23505"})
	if apperrors.IsTransient(err) {
		t.Fatal("unique violation must not be transient")
	}
	if classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestOpenReportsDriverErrors(t *testing.T) {
	previous := sqlOpen
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, errors.New("driver missing") }
	t.Cleanup(func() { sqlOpen = previous })

	if _, err := Open(context.Background(), "postgres://example"); err == nil {
		t.Fatal("expected open error")
	}
}

func TestDocumentStoreAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("IDENTITY_SPACE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IDENTITY_SPACE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	consumer := "second-level-test-" + suffix
	docID := "g-" + suffix
	rec := event.Recorded{Event: event.Event{ID: "e-" + suffix}, Position: 1}

	apply := func(ctx context.Context, w storage.DocumentWriter) error {
		return w.PutDocument(ctx, storage.ProfileDocument{ID: docID, Type: ident.TypeGroup, Position: 1})
	}
	applied, err := store.ApplyEventExactlyOnce(ctx, consumer, rec, apply)
	if err != nil || !applied {
		t.Fatalf("apply: %v, %v", applied, err)
	}
	applied, err = store.ApplyEventExactlyOnce(ctx, consumer, rec, apply)
	if err != nil || applied {
		t.Fatalf("replay: %v, %v", applied, err)
	}
	doc, found, err := store.GetDocument(ctx, docID)
	if err != nil || !found || doc.Type != ident.TypeGroup {
		t.Fatalf("get: %+v, %v, %v", doc, found, err)
	}

	if err := store.SaveCheckpoint(ctx, consumer, 5, time.Now()); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if err := store.SaveCheckpoint(ctx, consumer, 2, time.Now()); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	if pos, err := store.GetCheckpoint(ctx, consumer); err != nil || pos != 5 {
		t.Fatalf("checkpoint = %d, %v", pos, err)
	}
	if _, err := store.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
