package firstlevel

import (
	"context"
	"fmt"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

// ConsumerName is the checkpoint and dedup key of the first-level projection.
const ConsumerName = "first-level"

// Projection applies identity events to a graph store.
type Projection struct {
	store storage.GraphStore
	clock func() time.Time
}

// New builds a projection over store. clock may be nil.
func New(store storage.GraphStore, clock func() time.Time) *Projection {
	if clock == nil {
		clock = time.Now
	}
	return &Projection{store: store, clock: clock}
}

// Name returns ConsumerName.
func (p *Projection) Name() string { return ConsumerName }

// Apply applies rec exactly once. It returns false when rec was already
// applied. Unknown event types are recorded as applied and otherwise ignored.
func (p *Projection) Apply(ctx context.Context, rec event.Recorded) (bool, error) {
	if p == nil || p.store == nil {
		return false, fmt.Errorf("graph store is not configured")
	}
	return p.store.ApplyEventExactlyOnce(ctx, ConsumerName, rec, func(ctx context.Context, w storage.GraphWriter) error {
		entry, ok := handlers[rec.Type]
		if !ok {
			return nil
		}
		if !rec.HasTarget() {
			return fmt.Errorf("event %s (%s) has no target", rec.ID, rec.Type)
		}
		return entry.apply(applier{w: w, now: p.clock().UTC()}, ctx, rec)
	})
}
