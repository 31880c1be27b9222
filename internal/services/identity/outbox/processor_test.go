package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/stream"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBatchStore struct {
	mu       sync.Mutex
	pending  []batch.Batch
	claimErr error
	executed []string
	failures map[string]storage.BatchFailure
}

func (s *fakeBatchStore) SaveBatch(context.Context, batch.Batch) error         { return nil }
func (s *fakeBatchStore) CommitBatch(context.Context, string, time.Time) error { return nil }
func (s *fakeBatchStore) AbortBatch(context.Context, string, time.Time) error  { return nil }
func (s *fakeBatchStore) GetBatch(context.Context, string) (batch.Batch, error) {
	return batch.Batch{}, nil
}

func (s *fakeBatchStore) ClaimNextCommittedBatch(_ context.Context, _ string, _ time.Time, _ time.Duration) (batch.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return batch.Batch{}, false, s.claimErr
	}
	if len(s.pending) == 0 {
		return batch.Batch{}, false, nil
	}
	b := s.pending[0]
	s.pending = s.pending[1:]
	b.Status = batch.StatusProcessing
	b.AttemptCount++
	return b, true, nil
}

func (s *fakeBatchStore) MarkBatchExecuted(_ context.Context, id, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, id)
	return nil
}

func (s *fakeBatchStore) MarkBatchFailed(_ context.Context, id, _ string, failure storage.BatchFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = map[string]storage.BatchFailure{}
	}
	s.failures[id] = failure
	return nil
}

type writtenEvent struct {
	id     string
	stream string
}

type fakeEventStore struct {
	mu      sync.Mutex
	written []writtenEvent
	failOn  string
	failErr error
}

func (s *fakeEventStore) GetDefaultStreamName() string { return "identity_all" }

func (s *fakeEventStore) WriteEvent(_ context.Context, evt event.Event, streamName string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == s.failOn {
		return 0, s.failErr
	}
	s.written = append(s.written, writtenEvent{id: evt.ID, stream: streamName})
	return uint64(len(s.written)), nil
}

type fakeObserver struct {
	outcomes []string
}

func (o *fakeObserver) ObserveBatch(outcome string, _ int, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func newTestEvent(id string, target ident.ObjectIdent) event.Event {
	payload, _ := json.Marshal(map[string]any{"update": map[string]string{"display_name": id}})
	return event.Event{
		ID:       id,
		Type:     event.TypeProfilePropertiesChanged,
		Target:   target,
		Metadata: event.Metadata{Timestamp: fixedNow},
		Payload:  payload,
	}
}

func newTestBatch(id string, events ...event.Event) batch.Batch {
	return batch.Batch{ID: id, Status: batch.StatusCommitted, Events: events, CreatedAt: fixedNow}
}

func newTestProcessor(batches *fakeBatchStore, events *fakeEventStore, observer Observer) *Processor {
	return New(batches, events, stream.MustNewResolver("identity", ""), Config{Owner: "test", MaxAttempts: 3}, func() time.Time { return fixedNow }, observer)
}

func TestRunOnceWritesEventsInBatchOrder(t *testing.T) {
	user := ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	group := ident.ObjectIdent{ID: "g-1", Type: ident.TypeGroup}
	batches := &fakeBatchStore{pending: []batch.Batch{newTestBatch("b1",
		newTestEvent("e1", user),
		newTestEvent("e2", group),
		newTestEvent("e3", ident.ObjectIdent{}),
	)}}
	events := &fakeEventStore{}
	observer := &fakeObserver{}
	processor := newTestProcessor(batches, events, observer)

	found, err := processor.RunOnce(context.Background())
	if err != nil || !found {
		t.Fatalf("run once = %v, %v", found, err)
	}
	want := []writtenEvent{
		{id: "e1", stream: "identity_u-1_User"},
		{id: "e2", stream: "identity_g-1_Group"},
		{id: "e3", stream: "identity_all"},
	}
	if len(events.written) != len(want) {
		t.Fatalf("written = %v", events.written)
	}
	for i := range want {
		if events.written[i] != want[i] {
			t.Fatalf("written[%d] = %+v, want %+v", i, events.written[i], want[i])
		}
	}
	if len(batches.executed) != 1 || batches.executed[0] != "b1" {
		t.Fatalf("executed = %v", batches.executed)
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != OutcomeExecuted {
		t.Fatalf("outcomes = %v", observer.outcomes)
	}
}

func TestRunOnceReportsEmptyPoll(t *testing.T) {
	processor := newTestProcessor(&fakeBatchStore{}, &fakeEventStore{}, nil)
	found, err := processor.RunOnce(context.Background())
	if err != nil || found {
		t.Fatalf("run once = %v, %v", found, err)
	}
}

func TestTransientWriteFailureSchedulesRetry(t *testing.T) {
	user := ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	batches := &fakeBatchStore{pending: []batch.Batch{newTestBatch("b1", newTestEvent("e1", user), newTestEvent("e2", user))}}
	events := &fakeEventStore{
		failOn:  "e2",
		failErr: apperrors.Wrap(apperrors.CodeStorageUnavailable, "append", errors.New("database is locked")),
	}
	observer := &fakeObserver{}
	processor := newTestProcessor(batches, events, observer)

	if _, err := processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	failure, ok := batches.failures["b1"]
	if !ok {
		t.Fatal("expected batch failure to be recorded")
	}
	if failure.DeadLetter {
		t.Fatal("transient failure must not dead-letter")
	}
	if !failure.NextAttemptAt.Equal(fixedNow.Add(time.Second)) {
		t.Fatalf("next attempt = %v", failure.NextAttemptAt)
	}
	if len(batches.executed) != 0 {
		t.Fatalf("batch must not be executed: %v", batches.executed)
	}
	if observer.outcomes[0] != OutcomeRetry {
		t.Fatalf("outcome = %v", observer.outcomes)
	}
}

func TestRejectedEventDeadLettersBatch(t *testing.T) {
	user := ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	batches := &fakeBatchStore{pending: []batch.Batch{newTestBatch("b1", newTestEvent("e1", user))}}
	events := &fakeEventStore{failOn: "e1", failErr: apperrors.New(apperrors.CodeEventRejected, "bad payload")}
	processor := newTestProcessor(batches, events, nil)

	if _, err := processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !batches.failures["b1"].DeadLetter {
		t.Fatal("rejected event must dead-letter the batch")
	}
}

func TestUnresolvableTargetDeadLettersBatch(t *testing.T) {
	bad := ident.ObjectIdent{ID: "x", Type: ident.Type("Robot")}
	batches := &fakeBatchStore{pending: []batch.Batch{newTestBatch("b1", newTestEvent("e1", bad))}}
	processor := newTestProcessor(batches, &fakeEventStore{}, nil)

	if _, err := processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !batches.failures["b1"].DeadLetter {
		t.Fatal("invalid identity must dead-letter the batch")
	}
}

func TestExhaustedAttemptsDeadLetterBatch(t *testing.T) {
	user := ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	b := newTestBatch("b1", newTestEvent("e1", user))
	b.AttemptCount = 2
	batches := &fakeBatchStore{pending: []batch.Batch{b}}
	events := &fakeEventStore{failOn: "e1", failErr: errors.New("connection reset")}
	processor := newTestProcessor(batches, events, nil)

	if _, err := processor.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !batches.failures["b1"].DeadLetter {
		t.Fatal("third failed attempt must dead-letter with max attempts 3")
	}
}

func TestClaimFailureSurfaces(t *testing.T) {
	processor := newTestProcessor(&fakeBatchStore{claimErr: errors.New("disk gone")}, &fakeEventStore{}, nil)
	if _, err := processor.RunOnce(context.Background()); err == nil {
		t.Fatal("expected claim error")
	}
}

func TestRetryDelayIsCappedExponential(t *testing.T) {
	processor := New(nil, nil, nil, Config{RetryBackoff: time.Second, RetryMaxDelay: 5 * time.Second}, nil, nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := processor.RetryDelay(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d delay = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestConfigNormalizedDefaults(t *testing.T) {
	cfg := Config{Owner: "  ", RetryBackoff: time.Minute, RetryMaxDelay: time.Second}.normalized()
	if cfg.Owner != defaultOwner {
		t.Fatalf("owner = %q", cfg.Owner)
	}
	if cfg.LeaseTTL != defaultLeaseTTL || cfg.MaxAttempts != defaultMaxAttempts || cfg.PollInterval != defaultPollInterval {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.RetryMaxDelay != time.Minute {
		t.Fatalf("max delay must not be below base: %s", cfg.RetryMaxDelay)
	}
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	user := ident.ObjectIdent{ID: "u-1", Type: ident.TypeUser}
	pending := make([]batch.Batch, 0, 3)
	for i := 0; i < 3; i++ {
		pending = append(pending, newTestBatch(fmt.Sprintf("b%d", i), newTestEvent(fmt.Sprintf("e%d", i), user)))
	}
	batches := &fakeBatchStore{pending: pending}
	events := &fakeEventStore{}
	processor := New(batches, events, stream.MustNewResolver("identity", ""), Config{Owner: "test", PollInterval: time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		batches.mu.Lock()
		n := len(batches.executed)
		batches.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("executed %d batches before deadline", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
