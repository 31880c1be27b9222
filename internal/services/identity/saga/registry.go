// Package saga resolves submitted commands to handlers and tracks their
// execution with tickets.
//
// Handlers record events into a unit of work; the orchestrator persists the
// unit as one batch (initialized, then committed) before completing the
// ticket. The outbox takes it from there.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
)

// SagaCommand executes one command against a unit of work.
type SagaCommand interface {
	Execute(ctx context.Context, uow *batch.UnitOfWork, payload json.RawMessage) error
}

// Factory constructs a command handler.
type Factory func() SagaCommand

// Definition registers one command name.
type Definition struct {
	Name string
	New  Factory
}

// Registry maps command names to factories. It is built once at startup and
// read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds a registry from defs, rejecting blanks and duplicates.
func NewRegistry(defs ...Definition) (*Registry, error) {
	factories := make(map[string]Factory, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("command name is required")
		}
		if def.New == nil {
			return nil, fmt.Errorf("command %s has no factory", name)
		}
		if _, dup := factories[name]; dup {
			return nil, fmt.Errorf("command %s registered twice", name)
		}
		factories[name] = def.New
	}
	return &Registry{factories: factories}, nil
}

// ConstructSagaCommand returns a handler for name or a DEPENDENCY_RESOLVE
// error when none is registered.
func (r *Registry) ConstructSagaCommand(name string) (SagaCommand, error) {
	if r != nil {
		if factory, ok := r.factories[strings.TrimSpace(name)]; ok {
			return factory(), nil
		}
	}
	return nil, apperrors.WithMetadata(
		apperrors.CodeDependencyResolve,
		fmt.Sprintf("no handler registered for command %q", name),
		map[string]string{"command": name},
	)
}

// Names lists registered command names in order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validator is implemented by payloads that check themselves after decoding.
type Validator interface {
	Validate() error
}

type typed[P any] struct {
	fn func(context.Context, *batch.UnitOfWork, P) error
}

// Typed adapts a handler taking a decoded payload. Decoding rejects unknown
// fields; payloads implementing Validator are validated before fn runs.
func Typed[P any](fn func(context.Context, *batch.UnitOfWork, P) error) Factory {
	return func() SagaCommand { return typed[P]{fn: fn} }
}

func (t typed[P]) Execute(ctx context.Context, uow *batch.UnitOfWork, payload json.RawMessage) error {
	var p P
	if err := event.DecodeStrict(payload, &p); err != nil {
		return err
	}
	if v, ok := any(p).(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return t.fn(ctx, uow, p)
}
