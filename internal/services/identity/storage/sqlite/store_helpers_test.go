package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

func openTempWriteStore(t *testing.T) *WriteStore {
	t.Helper()
	store, err := OpenWrite(context.Background(), filepath.Join(t.TempDir(), "write.db"))
	if err != nil {
		t.Fatalf("open write store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close write store: %v", err)
		}
	})
	return store
}

func openTempEventStore(t *testing.T) *EventStore {
	t.Helper()
	store, err := OpenEvents(context.Background(), filepath.Join(t.TempDir(), "events.db"), "identity_all", nil)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close event store: %v", err)
		}
	})
	return store
}

func openTempGraphStore(t *testing.T) *GraphStore {
	t.Helper()
	store, err := OpenGraph(context.Background(), filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open graph store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close graph store: %v", err)
		}
	})
	return store
}

func openTempDocumentStore(t *testing.T) *DocumentStore {
	t.Helper()
	store, err := OpenDocuments(context.Background(), filepath.Join(t.TempDir(), "documents.db"))
	if err != nil {
		t.Fatalf("open document store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close document store: %v", err)
		}
	})
	return store
}

var (
	testUser  = ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	testGroup = ident.ObjectIdent{ID: "g-1", Type: ident.TypeGroup}
)

func testEvent(id string, typ event.Type, target ident.ObjectIdent, payload any) event.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return event.Event{
		ID:       id,
		Type:     typ,
		Target:   target,
		Metadata: event.Metadata{CorrelationID: "corr", Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Payload:  raw,
	}
}

func testBatch(id string, created time.Time, n int) batch.Batch {
	events := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, testEvent(
			fmt.Sprintf("%s-e%d", id, i),
			event.TypeProfilePropertiesChanged,
			testUser,
			map[string]any{"update": map[string]string{"display_name": fmt.Sprintf("v%d", i)}},
		))
	}
	return batch.Batch{
		ID:        id,
		Status:    batch.StatusInitialized,
		Events:    events,
		CreatedAt: created,
	}
}
