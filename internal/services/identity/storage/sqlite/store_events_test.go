package sqlite

import (
	"context"
	"testing"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
)

func TestWriteEventAssignsStreamVersions(t *testing.T) {
	store := openTempEventStore(t)
	ctx := context.Background()

	created := testEvent("e-1", event.TypeProfileCreated, testUser, event.ProfileCreated{Properties: event.ProfileProperties{Name: "Ada"}})
	changed := testEvent("e-2", event.TypeProfilePropertiesChanged, testUser, map[string]any{"update": map[string]string{"email": "a@b"}})
	other := testEvent("e-3", event.TypeProfileCreated, testGroup, event.ProfileCreated{Properties: event.ProfileProperties{Name: "Eng"}})

	for i, tc := range []struct {
		evt     event.Event
		stream  string
		version uint64
	}{
		{created, "identity_u-1_User", 1},
		{changed, "identity_u-1_User", 2},
		{other, "identity_g-1_Group", 1},
	} {
		version, err := store.WriteEvent(ctx, tc.evt, tc.stream)
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if version != tc.version {
			t.Fatalf("write %d version = %d, want %d", i, version, tc.version)
		}
	}

	recs, err := store.ReadEventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 3 || recs[0].Position >= recs[1].Position || recs[2].StreamName != "identity_g-1_Group" {
		t.Fatalf("recs = %+v", recs)
	}
	tail, err := store.ReadEventsAfter(ctx, recs[0].Position, 1)
	if err != nil || len(tail) != 1 || tail[0].ID != "e-2" {
		t.Fatalf("tail = %+v, %v", tail, err)
	}
	head, err := store.HeadPosition(ctx)
	if err != nil || head != recs[2].Position {
		t.Fatalf("head = %d, %v", head, err)
	}
	stream, err := store.ReadStream(ctx, "identity_u-1_User")
	if err != nil || len(stream) != 2 || stream[1].StreamVersion != 2 {
		t.Fatalf("stream = %+v, %v", stream, err)
	}
}

func TestWriteEventIsIdempotentPerStream(t *testing.T) {
	store := openTempEventStore(t)
	ctx := context.Background()
	evt := testEvent("e-1", event.TypeProfileCreated, testUser, event.ProfileCreated{Properties: event.ProfileProperties{Name: "Ada"}})

	first, err := store.WriteEvent(ctx, evt, "identity_u-1_User")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	second, err := store.WriteEvent(ctx, evt, "identity_u-1_User")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if first != second {
		t.Fatalf("rewrite version = %d, want %d", second, first)
	}
	head, _ := store.HeadPosition(ctx)
	if head != 1 {
		t.Fatalf("rewrite must not append, head = %d", head)
	}

	_, err = store.WriteEvent(ctx, evt, "identity_other_User")
	if apperrors.GetCode(err) != apperrors.CodeEventRejected || !apperrors.IsPermanent(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestWriteEventRejectsMalformedEvents(t *testing.T) {
	store := openTempEventStore(t)
	ctx := context.Background()

	nameless := testEvent("e-1", event.TypeProfileCreated, testUser, event.ProfileCreated{})
	if _, err := store.WriteEvent(ctx, nameless, "identity_u-1_User"); apperrors.GetCode(err) != apperrors.CodeEventRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := store.WriteEvent(ctx, nameless, ""); apperrors.GetCode(err) != apperrors.CodeEventRejected {
		t.Fatalf("expected rejection for empty stream, got %v", err)
	}
	if store.GetDefaultStreamName() != "identity_all" {
		t.Fatalf("default stream = %q", store.GetDefaultStreamName())
	}
}
