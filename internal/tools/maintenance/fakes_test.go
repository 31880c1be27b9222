package maintenance

import (
	"context"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

type fakeOutbox struct {
	summary      batch.Summary
	batches      []batch.Batch
	listStatus   batch.Status
	listLimit    int
	requeued     int
	requeueLimit int
	requeueAt    time.Time
	aborted      []string
	err          error
}

func (f *fakeOutbox) GetBatchSummary(context.Context) (batch.Summary, error) {
	return f.summary, f.err
}

func (f *fakeOutbox) ListBatches(_ context.Context, status batch.Status, limit int) ([]batch.Batch, error) {
	f.listStatus = status
	f.listLimit = limit
	return f.batches, f.err
}

func (f *fakeOutbox) RequeueDeadBatches(_ context.Context, now time.Time, limit int) (int, error) {
	f.requeueAt = now
	f.requeueLimit = limit
	return f.requeued, f.err
}

func (f *fakeOutbox) AbortBatch(_ context.Context, id string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.aborted = append(f.aborted, id)
	return nil
}

type fakeTickets struct {
	tickets []ticket.Ticket
	filter  ticket.Filter
}

func (f *fakeTickets) ListTickets(_ context.Context, filter ticket.Filter, limit int) ([]ticket.Ticket, error) {
	f.filter = filter
	if limit < len(f.tickets) {
		return f.tickets[:limit], nil
	}
	return f.tickets, nil
}

type fakeCheckpoints struct {
	positions map[string]uint64
	letters   []storage.DeadLetter
	err       error
}

func (f *fakeCheckpoints) GetCheckpoint(_ context.Context, consumer string) (uint64, error) {
	return f.positions[consumer], f.err
}

func (f *fakeCheckpoints) ListDeadLetters(_ context.Context, consumer string, limit int) ([]storage.DeadLetter, error) {
	var out []storage.DeadLetter
	for _, letter := range f.letters {
		if letter.Consumer == consumer && len(out) < limit {
			out = append(out, letter)
		}
	}
	return out, f.err
}

type fakeHead struct {
	head uint64
	err  error
}

func (f fakeHead) HeadPosition(context.Context) (uint64, error) {
	return f.head, f.err
}

type fakeStreams struct {
	streams map[string][]event.Recorded
	read    []string
}

func (f *fakeStreams) ReadStream(_ context.Context, streamName string) ([]event.Recorded, error) {
	f.read = append(f.read, streamName)
	return f.streams[streamName], nil
}
