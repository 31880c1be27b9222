// Package consumer runs an at-least-once subscription from the event journal
// into one projection, tracking progress with a per-projection checkpoint.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	platformotel "github.com/louisbranch/identity.space/internal/platform/otel"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

const (
	defaultPollInterval  = 500 * time.Millisecond
	defaultBatchSize     = 100
	defaultMaxAttempts   = 5
	defaultRetryBackoff  = 100 * time.Millisecond
	defaultRetryMaxDelay = 30 * time.Second
)

// Event outcomes reported to the observer.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeDead      = "dead"
	OutcomeError     = "error"
)

// Projection applies journal events. Apply reports false when the event was
// already applied by an earlier delivery.
type Projection interface {
	Name() string
	Apply(ctx context.Context, rec event.Recorded) (bool, error)
}

// Observer receives per-event outcomes and the lag after each poll.
type Observer interface {
	ObserveEvent(consumer, outcome string, elapsed time.Duration)
	ObserveLag(consumer string, lag uint64)
}

// Config controls polling and retries.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	return c
}

// Consumer feeds one projection from the journal.
type Consumer struct {
	reader      storage.EventReader
	checkpoints storage.CheckpointStore
	projection  Projection
	cfg         Config
	clock       func() time.Time
	observer    Observer
	tracer      trace.Tracer
}

// New builds a consumer. checkpoints is normally the projection's own store
// so progress lives next to the data it describes.
func New(reader storage.EventReader, checkpoints storage.CheckpointStore, projection Projection, cfg Config, clock func() time.Time, observer Observer) *Consumer {
	if clock == nil {
		clock = time.Now
	}
	return &Consumer{
		reader:      reader,
		checkpoints: checkpoints,
		projection:  projection,
		cfg:         cfg.normalized(),
		clock:       clock,
		observer:    observer,
		tracer:      platformotel.Tracer("projection/consumer"),
	}
}

// Name returns the projection name used as checkpoint key.
func (c *Consumer) Name() string {
	return strings.TrimSpace(c.projection.Name())
}

// Poll applies up to BatchSize events after the checkpoint and returns how
// many it consumed. A transient failure stops the poll without advancing past
// the failing event.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	if c == nil || c.reader == nil || c.checkpoints == nil || c.projection == nil {
		return 0, fmt.Errorf("consumer is not configured")
	}
	name := c.Name()
	position, err := c.checkpoints.GetCheckpoint(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	records, err := c.reader.ReadEventsAfter(ctx, position, c.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read events after %d: %w", position, err)
	}

	consumed := 0
	for _, rec := range records {
		if err := c.consume(ctx, rec); err != nil {
			return consumed, err
		}
		position = rec.Position
		consumed++
	}
	c.reportLag(ctx, position)
	return consumed, nil
}

func (c *Consumer) consume(ctx context.Context, rec event.Recorded) error {
	name := c.Name()
	ctx, span := c.tracer.Start(ctx, "projection.apply", trace.WithAttributes(
		attribute.String("projection", name),
		attribute.String("event.id", rec.ID),
		attribute.String("event.type", string(rec.Type)),
		attribute.Int64("event.position", int64(rec.Position)),
	))
	defer span.End()

	started := c.clock()
	attempts := 0
	applied, err := backoff.Retry(ctx, func() (bool, error) {
		attempts++
		applied, err := c.projection.Apply(ctx, rec)
		if err == nil || apperrors.IsTransient(err) {
			return applied, err
		}
		if attempts >= c.cfg.MaxAttempts {
			return false, backoff.Permanent(err)
		}
		return false, err
	}, backoff.WithBackOff(c.newBackOff()))

	// The apply transaction already committed or rolled back; finish the
	// bookkeeping for this event even when ctx was cancelled.
	bookkeeping := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil || apperrors.IsTransient(err) {
			span.SetStatus(codes.Error, "apply interrupted")
			c.observe(OutcomeError, started)
			return fmt.Errorf("apply %s at %d: %w", rec.ID, rec.Position, err)
		}
		span.SetStatus(codes.Error, "dead-lettered")
		log.Printf("projection %s: dead-lettering event %s (%s) at %d after %d attempts: %v",
			name, rec.ID, rec.Type, rec.Position, attempts, err)
		if err := c.checkpoints.RecordDeadLetter(bookkeeping, storage.DeadLetter{
			Consumer:  name,
			EventID:   rec.ID,
			EventType: rec.Type,
			Position:  rec.Position,
			Attempts:  attempts,
			LastError: err.Error(),
			CreatedAt: c.clock().UTC(),
		}); err != nil {
			return fmt.Errorf("record dead letter %s: %w", rec.ID, err)
		}
		c.observe(OutcomeDead, started)
	} else if applied {
		c.observe(OutcomeApplied, started)
	} else {
		c.observe(OutcomeDuplicate, started)
	}

	if err := c.checkpoints.SaveCheckpoint(bookkeeping, name, rec.Position, c.clock().UTC()); err != nil {
		return fmt.Errorf("save checkpoint %s at %d: %w", name, rec.Position, err)
	}
	return nil
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBackoff
	b.MaxInterval = c.cfg.RetryMaxDelay
	return b
}

func (c *Consumer) observe(outcome string, started time.Time) {
	if c.observer != nil {
		c.observer.ObserveEvent(c.Name(), outcome, c.clock().Sub(started))
	}
}

func (c *Consumer) reportLag(ctx context.Context, position uint64) {
	if c.observer == nil {
		return
	}
	head, err := c.reader.HeadPosition(ctx)
	if err != nil {
		return
	}
	var lag uint64
	if head > position {
		lag = head - position
	}
	c.observer.ObserveLag(c.Name(), lag)
}

// Run polls until ctx is cancelled. A full poll is followed immediately by
// another; an empty poll waits PollInterval; failures back off.
func (c *Consumer) Run(ctx context.Context) error {
	if c == nil || c.projection == nil {
		return fmt.Errorf("consumer is not configured")
	}
	name := c.Name()
	errBackoff := c.newBackOff()
	errBackoff.InitialInterval = c.cfg.PollInterval

	log.Printf("projection %s: consumer started", name)
	defer log.Printf("projection %s: consumer stopped", name)
	for {
		if ctx.Err() != nil {
			return nil
		}
		consumed, err := c.Poll(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			wait = errBackoff.NextBackOff()
			log.Printf("projection %s: %v (retrying in %s)", name, err, wait)
		case consumed >= c.cfg.BatchSize:
			errBackoff.Reset()
			continue
		default:
			errBackoff.Reset()
			wait = c.cfg.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
