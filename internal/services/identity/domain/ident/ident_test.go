package ident

import (
	"testing"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

func TestValidateRejectsEmptyAndUnknown(t *testing.T) {
	tests := []ObjectIdent{
		{ID: "", Type: TypeUser},
		{ID: "   ", Type: TypeGroup},
		{ID: "u-1", Type: TypeUnspecified},
		{ID: "u-1", Type: Type("Printer")},
		{ID: "a:b", Type: TypeUser},
	}
	for _, o := range tests {
		err := o.Validate()
		if apperrors.GetCode(err) != apperrors.CodeInvalidIdentity {
			t.Fatalf("Validate(%+v) = %v, want INVALID_IDENTITY", o, err)
		}
		if apperrors.KindOf(err) != apperrors.KindValidation {
			t.Fatalf("expected validation kind for %+v", o)
		}
	}
}

func TestParseType(t *testing.T) {
	got, err := ParseType(" organization ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != TypeOrganization {
		t.Fatalf("type = %q", got)
	}
	if _, err := ParseType("printer"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestMemberAndContainerKinds(t *testing.T) {
	if !TypeUser.IsMember() || TypeUser.IsContainer() {
		t.Fatal("users are members only")
	}
	if !TypeGroup.IsMember() || !TypeGroup.IsContainer() {
		t.Fatal("groups are both members and containers")
	}
	if TypeRole.IsMember() || !TypeRole.IsContainer() {
		t.Fatal("roles are containers only")
	}
}
