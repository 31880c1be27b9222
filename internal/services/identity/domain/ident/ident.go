// Package ident defines typed object identities, the unit of stream
// addressing.
package ident

import (
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// Type is the closed set of object kinds that own a stream.
type Type string

const (
	TypeUnspecified  Type = ""
	TypeUser         Type = "User"
	TypeGroup        Type = "Group"
	TypeOrganization Type = "Organization"
	TypeFunction     Type = "Function"
	TypeRole         Type = "Role"
)

// Types returns every known type token in declaration order.
func Types() []Type {
	return []Type{TypeUser, TypeGroup, TypeOrganization, TypeFunction, TypeRole}
}

// ParseType resolves a type token case-insensitively.
func ParseType(value string) (Type, error) {
	trimmed := strings.TrimSpace(value)
	for _, t := range Types() {
		if strings.EqualFold(string(t), trimmed) {
			return t, nil
		}
	}
	return TypeUnspecified, apperrors.WithMetadata(
		apperrors.CodeInvalidIdentity,
		fmt.Sprintf("unknown object type %q", value),
		map[string]string{"type": value},
	)
}

// Valid reports whether t is one of the known tokens.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// IsMember reports whether objects of this type can be assigned into a
// container.
func (t Type) IsMember() bool {
	return t == TypeUser || t == TypeGroup
}

// IsContainer reports whether objects of this type can receive members.
func (t Type) IsContainer() bool {
	switch t {
	case TypeGroup, TypeOrganization, TypeFunction, TypeRole:
		return true
	default:
		return false
	}
}

// ObjectIdent identifies one aggregate.
type ObjectIdent struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
}

// New builds a validated identity.
func New(id string, t Type) (ObjectIdent, error) {
	o := ObjectIdent{ID: id, Type: t}
	if err := o.Validate(); err != nil {
		return ObjectIdent{}, err
	}
	return o, nil
}

// ReservedIDChar separates the parts of assignment compound keys and may
// not appear in object ids.
const ReservedIDChar = ':'

// Validate rejects empty ids, ids containing ReservedIDChar and unknown types.
func (o ObjectIdent) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidIdentity, "object id is required")
	}
	if strings.ContainsRune(o.ID, ReservedIDChar) {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidIdentity,
			fmt.Sprintf("object id may not contain %q", ReservedIDChar),
			map[string]string{"id": o.ID},
		)
	}
	if !o.Type.Valid() {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidIdentity,
			fmt.Sprintf("object type %q is not supported", o.Type),
			map[string]string{"id": o.ID},
		)
	}
	return nil
}

func (o ObjectIdent) String() string {
	return string(o.Type) + "/" + o.ID
}
