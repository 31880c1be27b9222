// Package ticket tracks externally submitted operations from acceptance to a
// terminal outcome.
package ticket

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailure  Status = "failure"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailure
}

// Transition allows only Pending -> Complete and Pending -> Failure.
func Transition(from, to Status) error {
	if from == StatusPending && to.Terminal() {
		return nil
	}
	if from.Terminal() {
		return apperrors.WithMetadata(
			apperrors.CodeTicketFinalized,
			fmt.Sprintf("ticket already %s", from),
			map[string]string{"status": string(from)},
		)
	}
	return apperrors.WithMetadata(
		apperrors.CodeInvalidStatusTransition,
		fmt.Sprintf("ticket cannot move from %s to %s", from, to),
		map[string]string{"from": string(from), "to": string(to)},
	)
}

// Filter selects tickets by outcome.
type Filter string

const (
	FilterPending  Filter = "pending"
	FilterComplete Filter = "complete"
	FilterFailure  Filter = "failure"
	FilterFinished Filter = "finished"
	FilterAll      Filter = "all"
)

// ParseFilter resolves a filter name; empty means All.
func ParseFilter(value string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(value))); f {
	case "":
		return FilterAll, nil
	case FilterPending, FilterComplete, FilterFailure, FilterFinished, FilterAll:
		return f, nil
	default:
		return "", apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown ticket filter %q", value))
	}
}

// Statuses returns the statuses the filter selects.
func (f Filter) Statuses() []Status {
	switch f {
	case FilterPending:
		return []Status{StatusPending}
	case FilterComplete:
		return []Status{StatusComplete}
	case FilterFailure:
		return []Status{StatusFailure}
	case FilterFinished:
		return []Status{StatusComplete, StatusFailure}
	default:
		return []Status{StatusPending, StatusComplete, StatusFailure}
	}
}

// Ticket is the tracked state of a submitted command.
type Ticket struct {
	ID            string
	Type          string
	Status        Status
	Initiator     string
	CorrelationID string
	BatchID       string
	CreatedAt     time.Time
	FinishedAt    *time.Time
	Error         *ProblemDetails
}

// Validate checks the fields required on creation.
func (t Ticket) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "ticket id is required")
	}
	if strings.TrimSpace(t.Type) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "ticket type is required")
	}
	if t.Status != StatusPending {
		return apperrors.New(apperrors.CodeInvalidArgument, "tickets are created pending")
	}
	return nil
}
