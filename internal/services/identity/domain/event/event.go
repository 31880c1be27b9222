// Package event defines the domain event envelope, the payloads of every
// identity event type and the static registry that validates them.
package event

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

// Type identifies the event type string.
type Type string

const (
	TypeProfileCreated           Type = "profile.created"
	TypeProfileDeleted           Type = "profile.deleted"
	TypeProfilePropertiesChanged Type = "profile.properties_changed"
	TypeAssignmentAdded          Type = "assignment.added"
	TypeAssignmentRemoved        Type = "assignment.removed"
	TypeRangeConditionAdded      Type = "assignment.range_condition_added"
	TypeRangeConditionRemoved    Type = "assignment.range_condition_removed"
	TypeClientSettingChanged     Type = "client_setting.changed"
	TypeClientSettingRemoved     Type = "client_setting.removed"
)

// Metadata carries the correlation data attached to every event.
type Metadata struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	BatchID       string    `json:"batch_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Initiator     string    `json:"initiator,omitempty"`
}

// Event is a domain event before it is appended. Target names the aggregate
// whose stream receives it; a zero Target routes to the default stream.
type Event struct {
	ID       string            `json:"id"`
	Type     Type              `json:"type"`
	Target   ident.ObjectIdent `json:"target"`
	Metadata Metadata          `json:"metadata"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

// HasTarget reports whether the event is addressed to an aggregate stream.
func (e Event) HasTarget() bool {
	return e.Target != (ident.ObjectIdent{})
}

// Validate checks the envelope fields shared by all event types.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "event id is required")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "event type is required")
	}
	if e.HasTarget() {
		if err := e.Target.Validate(); err != nil {
			return err
		}
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return apperrors.New(apperrors.CodeInvalidArgument, "event payload must be valid json")
	}
	return nil
}

// Recorded is an event as read back from the event store.
type Recorded struct {
	Event
	StreamName    string `json:"stream_name"`
	StreamVersion uint64 `json:"stream_version"`
	Position      uint64 `json:"position"`
}

// New builds an event with a JSON-encoded payload.
func New(id string, typ Type, target ident.ObjectIdent, meta Metadata, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "encode event payload", err)
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	return Event{ID: id, Type: typ, Target: target, Metadata: meta, Payload: raw}, nil
}

// Decode unmarshals the payload into a typed value, rejecting unknown fields.
func Decode[P any](evt Event) (P, error) {
	var payload P
	if err := DecodeStrict(evt.Payload, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
