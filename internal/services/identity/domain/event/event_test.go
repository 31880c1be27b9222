package event

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

var (
	user  = ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	group = ident.ObjectIdent{ID: "g-1", Type: ident.TypeGroup}
)

func TestDefaultRegistryValidatesKnownPayloads(t *testing.T) {
	registry := DefaultRegistry()
	created, err := New("e-1", TypeProfileCreated, user, Metadata{}, ProfileCreated{Properties: ProfileProperties{Name: "Ada"}})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := registry.Validate(created); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if created.Metadata.Timestamp.IsZero() {
		t.Fatal("expected timestamp to default")
	}

	nameless, _ := New("e-2", TypeProfileCreated, user, Metadata{}, ProfileCreated{})
	if err := registry.Validate(nameless); apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRegistryRequiresTarget(t *testing.T) {
	evt := Event{ID: "e-1", Type: TypeProfileDeleted, Payload: json.RawMessage(`{}`)}
	if err := DefaultRegistry().Validate(evt); apperrors.GetCode(err) != apperrors.CodeInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

func TestRegistryPassesUnknownTypes(t *testing.T) {
	evt := Event{ID: "e-1", Type: Type("audit.exported"), Payload: json.RawMessage(`{"anything":true}`)}
	if err := DefaultRegistry().Validate(evt); err != nil {
		t.Fatalf("unknown types must pass: %v", err)
	}
}

func TestRegistryRejectsDuplicateDefinitions(t *testing.T) {
	_, err := NewRegistry(Definition{Type: TypeProfileDeleted}, Definition{Type: " profile.deleted "})
	if err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestAssignmentAddedValidation(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	bad, _ := New("e-1", TypeAssignmentAdded, user, Metadata{}, AssignmentAdded{
		Container:  group,
		Conditions: []assignment.RangeCondition{{Start: &start, End: &end}},
	})
	if err := DefaultRegistry().Validate(bad); err == nil {
		t.Fatal("expected inverted range to be rejected")
	}

	intoUser, _ := New("e-2", TypeAssignmentAdded, group, Metadata{}, AssignmentAdded{Container: user})
	if err := DefaultRegistry().Validate(intoUser); err == nil {
		t.Fatal("expected user container to be rejected")
	}
}

func TestAssignmentsExpandsConditions(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := AssignmentAdded{Container: group}.Assignments(user)
	if len(got) != 1 || !got[0].Condition.Unbounded() {
		t.Fatalf("expected single unbounded assignment, got %+v", got)
	}
	got = AssignmentAdded{Container: group, Conditions: []assignment.RangeCondition{{Start: &start}, {}}}.Assignments(user)
	if len(got) != 2 {
		t.Fatalf("expected two assignments, got %d", len(got))
	}
}

func TestProfileUpdateRejectsUnknownKeys(t *testing.T) {
	var update ProfileUpdate
	err := DecodeStrict([]byte(`{"name":"Ada","is_admin":true}`), &update)
	if apperrors.GetCode(err) != apperrors.CodeUnknownField {
		t.Fatalf("expected unknown field, got %v", err)
	}
	var domainErr *apperrors.Error
	if !asDomain(err, &domainErr) || domainErr.Metadata["field"] != "is_admin" {
		t.Fatalf("expected field metadata, got %+v", domainErr)
	}
	if err := DecodeStrict([]byte(`{"name":"a"} {"name":"b"}`), &update); err == nil {
		t.Fatal("expected trailing document to be rejected")
	}
}

func TestProfileUpdateValidateAndApply(t *testing.T) {
	var update ProfileUpdate
	if err := DecodeStrict([]byte(`{"display_name":"Ada L.","email":""}`), &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := update.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	props := ProfileProperties{Name: "Ada", Email: "ada@example.com"}.Apply(update)
	if props.Name != "Ada" || props.DisplayName != "Ada L." || props.Email != "" {
		t.Fatalf("applied = %+v", props)
	}

	if err := (ProfileUpdate{}).Validate(); apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected empty update to be rejected, got %v", err)
	}
	blank := "  "
	if err := (ProfileUpdate{Name: &blank}).Validate(); apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected name clear to be rejected, got %v", err)
	}
}

func TestDecodeTyped(t *testing.T) {
	evt, _ := New("e-1", TypeClientSettingChanged, user, Metadata{}, ClientSettingChanged{Client: "web", Key: "theme", Value: "dark"})
	got, err := Decode[ClientSettingChanged](evt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != "dark" {
		t.Fatalf("value = %q", got.Value)
	}
}

func asDomain(err error, target **apperrors.Error) bool {
	de, ok := err.(*apperrors.Error)
	if ok {
		*target = de
	}
	return ok
}
