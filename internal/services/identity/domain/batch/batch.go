// Package batch defines event batches, their status machine and the unit of
// work command handlers record events into.
package batch

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusCommitted   Status = "committed"
	StatusProcessing  Status = "processing"
	StatusExecuted    Status = "executed"
	StatusError       Status = "error"
	StatusAborted     Status = "aborted"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusInitialized, StatusCommitted, StatusProcessing, StatusExecuted, StatusError, StatusAborted}
}

// ParseStatus resolves a status name.
func ParseStatus(value string) (Status, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, s := range Statuses() {
		if string(s) == value {
			return s, nil
		}
	}
	return "", apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown batch status %q", value))
}

var transitions = map[Status][]Status{
	StatusInitialized: {StatusCommitted, StatusAborted},
	StatusCommitted:   {StatusProcessing, StatusAborted},
	StatusProcessing:  {StatusExecuted, StatusError, StatusProcessing},
	StatusError:       {StatusProcessing},
}

// CanTransition reports whether from -> to is allowed. Processing -> Processing
// is a lease reclaim; Error -> Processing is a retry.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns an error when from -> to is not allowed.
func Transition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return apperrors.WithMetadata(
		apperrors.CodeInvalidStatusTransition,
		fmt.Sprintf("batch cannot move from %s to %s", from, to),
		map[string]string{"from": string(from), "to": string(to)},
	)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusAborted
}

// Batch is a unit of events committed together.
type Batch struct {
	ID            string
	Status        Status
	Events        []event.Event
	CorrelationID string
	Initiator     string
	TicketID      string
	AttemptCount  int
	LastError     string
	NextAttemptAt *time.Time
	LeaseOwner    string
	LeaseExpires  *time.Time
	DeadLettered  bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExecutedAt    *time.Time
}

// Validate checks that the batch can be persisted.
func (b Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "batch id is required")
	}
	if len(b.Events) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "batch must contain at least one event")
	}
	seen := make(map[string]struct{}, len(b.Events))
	for _, evt := range b.Events {
		if err := evt.Validate(); err != nil {
			return err
		}
		if _, dup := seen[evt.ID]; dup {
			return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("duplicate event id %s in batch", evt.ID))
		}
		seen[evt.ID] = struct{}{}
	}
	return nil
}

// Summary counts batches per status.
type Summary struct {
	Counts          map[Status]int
	DeadLettered    int
	OldestCommitted *time.Time
}
