package batch

import (
	"fmt"
	"sync"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

// IDGenerator returns unique identifiers.
type IDGenerator func() (string, error)

// UnitOfWork collects the events a command produces. It becomes one batch.
type UnitOfWork struct {
	mu            sync.Mutex
	batchID       string
	correlationID string
	initiator     string
	newID         IDGenerator
	now           func() time.Time
	events        []event.Event
}

// NewUnitOfWork starts an empty unit of work for batchID.
func NewUnitOfWork(batchID, correlationID, initiator string, newID IDGenerator, now func() time.Time) *UnitOfWork {
	if now == nil {
		now = time.Now
	}
	return &UnitOfWork{
		batchID:       batchID,
		correlationID: correlationID,
		initiator:     initiator,
		newID:         newID,
		now:           now,
	}
}

// BatchID returns the id the events will be committed under.
func (u *UnitOfWork) BatchID() string { return u.batchID }

// NewID returns a fresh identifier from the unit's generator, for handlers
// that mint profile ids.
func (u *UnitOfWork) NewID() (string, error) {
	return u.newID()
}

// Record appends an event addressed to target.
func (u *UnitOfWork) Record(typ event.Type, target ident.ObjectIdent, payload any) error {
	eventID, err := u.newID()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	evt, err := event.New(eventID, typ, target, event.Metadata{
		CorrelationID: u.correlationID,
		BatchID:       u.batchID,
		Timestamp:     u.now().UTC(),
		Initiator:     u.initiator,
	}, payload)
	if err != nil {
		return err
	}
	if err := event.DefaultRegistry().Validate(evt); err != nil {
		return err
	}
	u.mu.Lock()
	u.events = append(u.events, evt)
	u.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events in order.
func (u *UnitOfWork) Events() []event.Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]event.Event, len(u.events))
	copy(out, u.events)
	return out
}

// Batch renders the recorded events as an initialized batch.
func (u *UnitOfWork) Batch(ticketID string) Batch {
	now := u.now().UTC()
	return Batch{
		ID:            u.batchID,
		Status:        StatusInitialized,
		Events:        u.Events(),
		CorrelationID: u.correlationID,
		Initiator:     u.initiator,
		TicketID:      ticketID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
