package sqlite

import (
	"context"
	"testing"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

func TestDocumentRoundTripAndList(t *testing.T) {
	store := openTempDocumentStore(t)
	ctx := context.Background()
	rec := event.Recorded{Event: event.Event{ID: "e-1"}, Position: 4}

	applied, err := store.ApplyEventExactlyOnce(ctx, "second-level", rec, func(ctx context.Context, w storage.DocumentWriter) error {
		if err := w.PutDocument(ctx, storage.ProfileDocument{
			ID:       "g-1",
			Type:     ident.TypeGroup,
			Position: 4,
			Members:  []storage.MemberRef{{ID: "u-1", Type: ident.TypeUser, Name: "Ada"}},
		}); err != nil {
			return err
		}
		return w.PutDocument(ctx, storage.ProfileDocument{ID: "u-1", Type: ident.TypeUser, Position: 4})
	})
	if err != nil || !applied {
		t.Fatalf("apply: %v, %v", applied, err)
	}

	doc, found, err := store.GetDocument(ctx, "g-1")
	if err != nil || !found {
		t.Fatalf("get: %v, %v", found, err)
	}
	if len(doc.Members) != 1 || doc.Members[0].Name != "Ada" || doc.Position != 4 {
		t.Fatalf("doc = %+v", doc)
	}

	groups, err := store.ListDocuments(ctx, ident.TypeGroup, 10)
	if err != nil || len(groups) != 1 {
		t.Fatalf("groups = %+v, %v", groups, err)
	}
	all, err := store.ListDocuments(ctx, ident.TypeUnspecified, 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %+v, %v", all, err)
	}

	deleted, err := store.DeleteDocument(ctx, "g-1")
	if err != nil || !deleted {
		t.Fatalf("delete: %v, %v", deleted, err)
	}
	if _, found, _ := store.GetDocument(ctx, "g-1"); found {
		t.Fatal("document must be gone")
	}
}
