package batch

import (
	"fmt"
	"testing"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

func TestTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusInitialized, StatusCommitted},
		{StatusInitialized, StatusAborted},
		{StatusCommitted, StatusProcessing},
		{StatusCommitted, StatusAborted},
		{StatusProcessing, StatusExecuted},
		{StatusProcessing, StatusError},
		{StatusProcessing, StatusProcessing},
		{StatusError, StatusProcessing},
	}
	for _, tr := range allowed {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}

	denied := [][2]Status{
		{StatusInitialized, StatusProcessing},
		{StatusExecuted, StatusProcessing},
		{StatusAborted, StatusCommitted},
		{StatusProcessing, StatusAborted},
		{StatusError, StatusExecuted},
	}
	for _, tr := range denied {
		err := Transition(tr[0], tr[1])
		if apperrors.GetCode(err) != apperrors.CodeInvalidStatusTransition {
			t.Fatalf("%s -> %s: expected invalid transition, got %v", tr[0], tr[1], err)
		}
	}
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus(" Committed ")
	if err != nil || got != StatusCommitted {
		t.Fatalf("parse = %q, %v", got, err)
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnitOfWorkRecordsOrderedEvents(t *testing.T) {
	n := 0
	newID := func() (string, error) {
		n++
		return fmt.Sprintf("e-%d", n), nil
	}
	now := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	uow := NewUnitOfWork("b-1", "corr-1", "alice", newID, now)

	group := ident.ObjectIdent{ID: "g-1", Type: ident.TypeGroup}
	user := ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	if err := uow.Record(event.TypeProfileCreated, group, event.ProfileCreated{Properties: event.ProfileProperties{Name: "Eng"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := uow.Record(event.TypeAssignmentAdded, user, event.AssignmentAdded{Container: group}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := uow.Record(event.TypeAssignmentAdded, group, event.AssignmentAdded{Container: user}); err == nil {
		t.Fatal("expected invalid assignment to be rejected at record time")
	}

	b := uow.Batch("t-1")
	if b.Status != StatusInitialized || b.TicketID != "t-1" || len(b.Events) != 2 {
		t.Fatalf("batch = %+v", b)
	}
	if b.Events[0].ID != "e-1" || b.Events[1].Type != event.TypeAssignmentAdded {
		t.Fatalf("events out of order: %+v", b.Events)
	}
	if b.Events[1].Metadata.BatchID != "b-1" || b.Events[1].Metadata.CorrelationID != "corr-1" {
		t.Fatalf("metadata = %+v", b.Events[1].Metadata)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBatchValidate(t *testing.T) {
	if err := (Batch{ID: "b"}).Validate(); err == nil {
		t.Fatal("expected empty batch to be rejected")
	}
	evt := event.Event{ID: "e", Type: event.TypeProfileDeleted}
	if err := (Batch{ID: "b", Events: []event.Event{evt, evt}}).Validate(); err == nil {
		t.Fatal("expected duplicate ids to be rejected")
	}
}
