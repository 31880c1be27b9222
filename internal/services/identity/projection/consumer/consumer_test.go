package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

type fakeReader struct {
	records []event.Recorded
	readErr error
}

func (r *fakeReader) ReadEventsAfter(_ context.Context, position uint64, limit int) ([]event.Recorded, error) {
	if r.readErr != nil {
		return nil, r.readErr
	}
	out := make([]event.Recorded, 0, limit)
	for _, rec := range r.records {
		if rec.Position > position && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeReader) ReadStream(context.Context, string) ([]event.Recorded, error) { return nil, nil }

func (r *fakeReader) HeadPosition(context.Context) (uint64, error) {
	if len(r.records) == 0 {
		return 0, nil
	}
	return r.records[len(r.records)-1].Position, nil
}

type fakeCheckpoints struct {
	mu          sync.Mutex
	positions   map[string]uint64
	deadLetters []storage.DeadLetter
}

func (s *fakeCheckpoints) GetCheckpoint(_ context.Context, consumer string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[consumer], nil
}

func (s *fakeCheckpoints) SaveCheckpoint(_ context.Context, consumer string, position uint64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions == nil {
		s.positions = map[string]uint64{}
	}
	if position > s.positions[consumer] {
		s.positions[consumer] = position
	}
	return nil
}

func (s *fakeCheckpoints) RecordDeadLetter(_ context.Context, letter storage.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, letter)
	return nil
}

func (s *fakeCheckpoints) ListDeadLetters(context.Context, string, int) ([]storage.DeadLetter, error) {
	return s.deadLetters, nil
}

type fakeProjection struct {
	mu      sync.Mutex
	applied []string
	calls   map[string]int
	// errs maps an event id to the errors returned on successive calls.
	errs map[string][]error
}

func (p *fakeProjection) Name() string { return "test-projection" }

func (p *fakeProjection) Apply(_ context.Context, rec event.Recorded) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	call := p.calls[rec.ID]
	p.calls[rec.ID]++
	if errs := p.errs[rec.ID]; call < len(errs) && errs[call] != nil {
		return false, errs[call]
	}
	for _, id := range p.applied {
		if id == rec.ID {
			return false, nil
		}
	}
	p.applied = append(p.applied, rec.ID)
	return true, nil
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes []string
	lag      uint64
}

func (o *fakeObserver) ObserveEvent(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *fakeObserver) ObserveLag(_ string, lag uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lag = lag
}

func records(ids ...string) []event.Recorded {
	out := make([]event.Recorded, 0, len(ids))
	for i, id := range ids {
		out = append(out, event.Recorded{
			Event:    event.Event{ID: id, Type: event.TypeProfilePropertiesChanged},
			Position: uint64(i + 1),
		})
	}
	return out
}

var fastRetry = Config{MaxAttempts: 3, RetryBackoff: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}

func TestPollAppliesInOrderAndAdvancesCheckpoint(t *testing.T) {
	reader := &fakeReader{records: records("e1", "e2", "e3")}
	checkpoints := &fakeCheckpoints{}
	projection := &fakeProjection{}
	observer := &fakeObserver{}
	c := New(reader, checkpoints, projection, fastRetry, nil, observer)

	n, err := c.Poll(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if got := projection.applied; len(got) != 3 || got[0] != "e1" || got[2] != "e3" {
		t.Fatalf("applied = %v", got)
	}
	if pos, _ := checkpoints.GetCheckpoint(context.Background(), "test-projection"); pos != 3 {
		t.Fatalf("checkpoint = %d", pos)
	}
	if observer.lag != 0 {
		t.Fatalf("lag = %d", observer.lag)
	}

	n, err = c.Poll(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second poll = %d, %v", n, err)
	}
}

func TestPollCountsDuplicateDeliveries(t *testing.T) {
	reader := &fakeReader{records: records("e1")}
	projection := &fakeProjection{applied: []string{"e1"}}
	observer := &fakeObserver{}
	c := New(reader, &fakeCheckpoints{}, projection, fastRetry, nil, observer)

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != OutcomeDuplicate {
		t.Fatalf("outcomes = %v", observer.outcomes)
	}
}

func TestPollRetriesThenDeadLettersPermanentFailure(t *testing.T) {
	boom := apperrors.New(apperrors.CodeProjectionInconsistent, "profile u-9 does not exist")
	reader := &fakeReader{records: records("e1", "e2")}
	checkpoints := &fakeCheckpoints{}
	projection := &fakeProjection{errs: map[string][]error{"e1": {boom, boom, boom, boom}}}
	c := New(reader, checkpoints, projection, fastRetry, nil, nil)

	n, err := c.Poll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if projection.calls["e1"] != 3 {
		t.Fatalf("e1 attempts = %d, want 3", projection.calls["e1"])
	}
	if len(checkpoints.deadLetters) != 1 {
		t.Fatalf("dead letters = %+v", checkpoints.deadLetters)
	}
	letter := checkpoints.deadLetters[0]
	if letter.EventID != "e1" || letter.Attempts != 3 || letter.Position != 1 {
		t.Fatalf("dead letter = %+v", letter)
	}
	if got := projection.applied; len(got) != 1 || got[0] != "e2" {
		t.Fatalf("applied = %v", got)
	}
	if pos, _ := checkpoints.GetCheckpoint(context.Background(), "test-projection"); pos != 2 {
		t.Fatalf("checkpoint = %d", pos)
	}
}

func TestPollRecoversFromTransientFailure(t *testing.T) {
	busy := apperrors.Wrap(apperrors.CodeStorageUnavailable, "apply", errors.New("database is locked"))
	reader := &fakeReader{records: records("e1")}
	projection := &fakeProjection{errs: map[string][]error{"e1": {busy, busy, busy, busy}}}
	checkpoints := &fakeCheckpoints{}
	c := New(reader, checkpoints, projection, fastRetry, nil, nil)

	n, err := c.Poll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if projection.calls["e1"] != 5 {
		t.Fatalf("transient failures must not count toward max attempts: calls = %d", projection.calls["e1"])
	}
	if len(checkpoints.deadLetters) != 0 {
		t.Fatalf("unexpected dead letters: %+v", checkpoints.deadLetters)
	}
}

func TestPollDoesNotAdvancePastCancelledApply(t *testing.T) {
	busy := apperrors.Wrap(apperrors.CodeStorageUnavailable, "apply", errors.New("database is locked"))
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = busy
	}
	reader := &fakeReader{records: records("e1", "e2")}
	checkpoints := &fakeCheckpoints{}
	projection := &fakeProjection{errs: map[string][]error{"e1": errs}}
	c := New(reader, checkpoints, projection, fastRetry, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Poll(ctx); err == nil {
		t.Fatal("expected poll to stop with an error")
	}
	if pos, _ := checkpoints.GetCheckpoint(context.Background(), "test-projection"); pos != 0 {
		t.Fatalf("checkpoint advanced to %d", pos)
	}
	if len(projection.applied) != 0 {
		t.Fatalf("applied = %v", projection.applied)
	}
}

func TestPollSurfacesReadErrors(t *testing.T) {
	c := New(&fakeReader{readErr: errors.New("journal offline")}, &fakeCheckpoints{}, &fakeProjection{}, fastRetry, nil, nil)
	if _, err := c.Poll(context.Background()); err == nil {
		t.Fatal("expected read error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reader := &fakeReader{records: records("e1", "e2")}
	projection := &fakeProjection{}
	cfg := fastRetry
	cfg.PollInterval = time.Millisecond
	c := New(reader, &fakeCheckpoints{}, projection, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		projection.mu.Lock()
		n := len(projection.applied)
		projection.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("applied %d events before deadline", n)
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
