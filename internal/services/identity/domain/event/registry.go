package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

// PayloadValidator validates a payload JSON document.
type PayloadValidator func(target ident.ObjectIdent, payload json.RawMessage) error

// Definition registers metadata for an event type.
type Definition struct {
	Type            Type
	RequiresTarget  bool
	ValidatePayload PayloadValidator
}

// Registry stores event definitions. It is built once at startup and only
// read afterwards.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry builds a registry from definitions, rejecting duplicates.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{definitions: make(map[Type]Definition, len(defs))}
	for _, def := range defs {
		def.Type = Type(strings.TrimSpace(string(def.Type)))
		if def.Type == "" {
			return nil, fmt.Errorf("event type is required")
		}
		if _, exists := r.definitions[def.Type]; exists {
			return nil, fmt.Errorf("event type already registered: %s", def.Type)
		}
		r.definitions[def.Type] = def
	}
	return r, nil
}

// Lookup returns the definition for typ.
func (r *Registry) Lookup(typ Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[typ]
	return def, ok
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []Type {
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Validate checks the envelope and, for registered types, the payload.
// Unregistered types pass so newer producers do not break older consumers.
func (r *Registry) Validate(evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	def, ok := r.Lookup(evt.Type)
	if !ok {
		return nil
	}
	if def.RequiresTarget && !evt.HasTarget() {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidIdentity,
			fmt.Sprintf("event %s requires a target", evt.Type),
			map[string]string{"event_id": evt.ID},
		)
	}
	if def.ValidatePayload != nil {
		if err := def.ValidatePayload(evt.Target, evt.Payload); err != nil {
			return err
		}
	}
	return nil
}

var defaultRegistry = mustDefaultRegistry()

// DefaultRegistry returns the process-wide registry of identity events.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func mustDefaultRegistry() *Registry {
	r, err := NewRegistry(
		Definition{Type: TypeProfileCreated, RequiresTarget: true, ValidatePayload: validateProfileCreated},
		Definition{Type: TypeProfileDeleted, RequiresTarget: true},
		Definition{Type: TypeProfilePropertiesChanged, RequiresTarget: true, ValidatePayload: validatePropertiesChanged},
		Definition{Type: TypeAssignmentAdded, RequiresTarget: true, ValidatePayload: validateAssignmentAdded},
		Definition{Type: TypeAssignmentRemoved, RequiresTarget: true, ValidatePayload: validateAssignmentRemoved},
		Definition{Type: TypeRangeConditionAdded, RequiresTarget: true, ValidatePayload: validateRangeCondition},
		Definition{Type: TypeRangeConditionRemoved, RequiresTarget: true, ValidatePayload: validateRangeCondition},
		Definition{Type: TypeClientSettingChanged, RequiresTarget: true, ValidatePayload: validateClientSettingChanged},
		Definition{Type: TypeClientSettingRemoved, RequiresTarget: true, ValidatePayload: validateClientSettingRemoved},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func validateProfileCreated(_ ident.ObjectIdent, raw json.RawMessage) error {
	var p ProfileCreated
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	return p.Properties.Validate()
}

func validatePropertiesChanged(_ ident.ObjectIdent, raw json.RawMessage) error {
	var p ProfilePropertiesChanged
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	return p.Update.Validate()
}

func validateAssignmentAdded(target ident.ObjectIdent, raw json.RawMessage) error {
	var p AssignmentAdded
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	for _, a := range p.Assignments(target) {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func validateAssignmentRemoved(target ident.ObjectIdent, raw json.RawMessage) error {
	var p AssignmentRemoved
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	return assignment.Assignment{Profile: target, Target: p.Container}.Validate()
}

func validateRangeCondition(target ident.ObjectIdent, raw json.RawMessage) error {
	var p RangeConditionAdded
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	return assignment.Assignment{Profile: target, Target: p.Container, Condition: p.Condition}.Validate()
}

func validateClientSettingChanged(_ ident.ObjectIdent, raw json.RawMessage) error {
	var p ClientSettingChanged
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	return requireClientKey(p.Client, p.Key)
}

func validateClientSettingRemoved(_ ident.ObjectIdent, raw json.RawMessage) error {
	var p ClientSettingRemoved
	if err := DecodeStrict(raw, &p); err != nil {
		return err
	}
	return requireClientKey(p.Client, p.Key)
}

func requireClientKey(client, key string) error {
	if strings.TrimSpace(client) == "" || strings.TrimSpace(key) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "client and key are required")
	}
	return nil
}
