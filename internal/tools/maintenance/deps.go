package maintenance

import (
	"context"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

// outboxInspector reads the batch log for reports.
type outboxInspector interface {
	GetBatchSummary(ctx context.Context) (batch.Summary, error)
	ListBatches(ctx context.Context, status batch.Status, limit int) ([]batch.Batch, error)
}

// outboxRequeuer gives dead-lettered batches a fresh attempt budget.
type outboxRequeuer interface {
	RequeueDeadBatches(ctx context.Context, now time.Time, limit int) (int, error)
}

// batchAborter cancels batches that were never claimed.
type batchAborter interface {
	AbortBatch(ctx context.Context, id string, now time.Time) error
}

// ticketLister lists tickets by outcome.
type ticketLister interface {
	ListTickets(ctx context.Context, filter ticket.Filter, limit int) ([]ticket.Ticket, error)
}

// checkpointReader exposes one projection tier's subscription state.
type checkpointReader interface {
	GetCheckpoint(ctx context.Context, consumer string) (uint64, error)
	ListDeadLetters(ctx context.Context, consumer string, limit int) ([]storage.DeadLetter, error)
}

// headReader reports the journal head.
type headReader interface {
	HeadPosition(ctx context.Context) (uint64, error)
}

// streamReader reads one stream of the journal.
type streamReader interface {
	ReadStream(ctx context.Context, streamName string) ([]event.Recorded, error)
}

// closableWriteStore is the batch log and ticket store.
type closableWriteStore interface {
	outboxInspector
	outboxRequeuer
	batchAborter
	ticketLister
	Close() error
}

// closableCheckpointStore is a projection store opened for inspection.
type closableCheckpointStore interface {
	checkpointReader
	Close() error
}

// closableJournal is the journal opened for inspection.
type closableJournal interface {
	headReader
	streamReader
	Close() error
}
