// Package storage defines the persistence contracts of the identity write
// path: the batch log, the event journal, the ticket store and the stores
// behind the two projection tiers.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
)

// BatchFailure describes one failed publish attempt.
type BatchFailure struct {
	Error         string
	NextAttemptAt time.Time
	DeadLetter    bool
	FailedAt      time.Time
}

// BatchStore persists event batches and their status machine.
type BatchStore interface {
	SaveBatch(ctx context.Context, b batch.Batch) error
	CommitBatch(ctx context.Context, id string, now time.Time) error
	AbortBatch(ctx context.Context, id string, now time.Time) error
	// ClaimNextCommittedBatch atomically moves one claimable batch to
	// processing under owner's lease. Claimable means committed, failed and
	// due for retry, or processing with an expired lease.
	ClaimNextCommittedBatch(ctx context.Context, owner string, now time.Time, lease time.Duration) (batch.Batch, bool, error)
	MarkBatchExecuted(ctx context.Context, id, owner string, now time.Time) error
	MarkBatchFailed(ctx context.Context, id, owner string, failure BatchFailure) error
	GetBatch(ctx context.Context, id string) (batch.Batch, error)
}

// BatchInspector backs operator tooling.
type BatchInspector interface {
	GetBatchSummary(ctx context.Context) (batch.Summary, error)
	ListBatches(ctx context.Context, status batch.Status, limit int) ([]batch.Batch, error)
	RequeueDeadBatches(ctx context.Context, now time.Time, limit int) (int, error)
}

// EventStore appends events to named streams. WriteEvent returns the
// stream version assigned to the event. Rewriting an event id already on the
// same stream returns its stored version.
type EventStore interface {
	WriteEvent(ctx context.Context, evt event.Event, streamName string) (uint64, error)
	GetDefaultStreamName() string
}

// EventReader reads the journal in global order.
type EventReader interface {
	ReadEventsAfter(ctx context.Context, position uint64, limit int) ([]event.Recorded, error)
	ReadStream(ctx context.Context, streamName string) ([]event.Recorded, error)
	HeadPosition(ctx context.Context) (uint64, error)
}

// TicketStore persists tickets. Updates only succeed from pending.
type TicketStore interface {
	CreateTicket(ctx context.Context, t ticket.Ticket) error
	GetTicket(ctx context.Context, id string) (ticket.Ticket, error)
	FinishTicket(ctx context.Context, id string, status ticket.Status, batchID string, problem *ticket.ProblemDetails, finishedAt time.Time) error
	ListTickets(ctx context.Context, filter ticket.Filter, limit int) ([]ticket.Ticket, error)
}

// DeadLetter records an event a consumer gave up on.
type DeadLetter struct {
	Consumer  string
	EventID   string
	EventType event.Type
	Position  uint64
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// CheckpointStore tracks per-consumer subscription progress.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, consumer string) (uint64, error)
	SaveCheckpoint(ctx context.Context, consumer string, position uint64, now time.Time) error
	RecordDeadLetter(ctx context.Context, letter DeadLetter) error
	ListDeadLetters(ctx context.Context, consumer string, limit int) ([]DeadLetter, error)
}

// Profile is a vertex of the first-level graph.
type Profile struct {
	Ident      ident.ObjectIdent
	Properties event.ProfileProperties
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AssignmentRecord is an edge of the first-level graph.
type AssignmentRecord struct {
	CompoundKey string
	assignment.Assignment
	EventID   string
	CreatedAt time.Time
}

// ClientSetting is one per-client key/value on a profile.
type ClientSetting struct {
	ProfileID string
	Client    string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// GraphReader answers point and adjacency queries on the graph.
type GraphReader interface {
	GetProfile(ctx context.Context, id string) (Profile, bool, error)
	// ListAssignmentsFrom returns edges where id is the member.
	ListAssignmentsFrom(ctx context.Context, id string) ([]AssignmentRecord, error)
	// ListAssignmentsTo returns edges where id is the container.
	ListAssignmentsTo(ctx context.Context, id string) ([]AssignmentRecord, error)
	ListClientSettings(ctx context.Context, profileID string) ([]ClientSetting, error)
}

// GraphWriter mutates the graph inside one apply transaction.
type GraphWriter interface {
	GraphReader
	PutProfile(ctx context.Context, p Profile) error
	// DeleteProfile removes the vertex with its edges and settings.
	DeleteProfile(ctx context.Context, id string) (bool, error)
	// InsertAssignment is a no-op returning false when the compound key exists.
	InsertAssignment(ctx context.Context, a AssignmentRecord) (bool, error)
	DeleteAssignment(ctx context.Context, compoundKey string) (bool, error)
	DeleteAssignmentsBetween(ctx context.Context, profileID, targetID string) (int, error)
	SetClientSetting(ctx context.Context, s ClientSetting) error
	DeleteClientSetting(ctx context.Context, profileID, client, key string) (bool, error)
}

// GraphStore is the first-level projection store.
type GraphStore interface {
	GraphReader
	CheckpointStore
	// ApplyEventExactlyOnce runs apply in a transaction that also records
	// (consumer, event id). It returns false without calling apply when the
	// event was already applied.
	ApplyEventExactlyOnce(ctx context.Context, consumer string, rec event.Recorded, apply func(context.Context, GraphWriter) error) (bool, error)
}

// MemberRef is a denormalized reference to a related profile.
type MemberRef struct {
	ID         string                      `json:"id"`
	Type       ident.Type                  `json:"type"`
	Name       string                      `json:"name,omitempty"`
	Conditions []assignment.RangeCondition `json:"conditions,omitempty"`
}

// ProfileDocument is the second-level read model of one profile.
type ProfileDocument struct {
	ID             string                       `json:"id"`
	Type           ident.Type                   `json:"type"`
	Properties     event.ProfileProperties      `json:"properties"`
	MemberOf       []MemberRef                  `json:"member_of,omitempty"`
	Members        []MemberRef                  `json:"members,omitempty"`
	ClientSettings map[string]map[string]string `json:"client_settings,omitempty"`
	// Placeholder marks a document created from a relation before its own
	// profile.created event arrived.
	Placeholder bool      `json:"placeholder,omitempty"`
	Position    uint64    `json:"position"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DocumentReader reads second-level documents.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (ProfileDocument, bool, error)
	ListDocuments(ctx context.Context, typ ident.Type, limit int) ([]ProfileDocument, error)
}

// DocumentWriter mutates documents inside one apply transaction.
type DocumentWriter interface {
	DocumentReader
	PutDocument(ctx context.Context, doc ProfileDocument) error
	DeleteDocument(ctx context.Context, id string) (bool, error)
}

// DocumentStore is the second-level projection store.
type DocumentStore interface {
	DocumentReader
	CheckpointStore
	ApplyEventExactlyOnce(ctx context.Context, consumer string, rec event.Recorded, apply func(context.Context, DocumentWriter) error) (bool, error)
	Close() error
}
