// Package outbox publishes committed event batches to the event journal.
//
// A processor claims one batch at a time under a lease, appends its events in
// order, then marks the batch executed. A failed attempt leaves the batch in
// error with a scheduled retry; permanent failures and exhausted retries are
// dead-lettered until an operator requeues them.
package outbox

import (
	"context"
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
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

const (
	defaultOwner         = "outbox"
	defaultPollInterval  = 500 * time.Millisecond
	defaultLeaseTTL      = 2 * time.Minute
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

// Batch outcomes reported to the observer.
const (
	OutcomeExecuted = "executed"
	OutcomeRetry    = "retry"
	OutcomeDead     = "dead"
)

// StreamResolver maps an object identity to its stream name.
type StreamResolver interface {
	GetStreamName(o ident.ObjectIdent) (string, error)
}

// Observer receives one call per processed batch.
type Observer interface {
	ObserveBatch(outcome string, events int, elapsed time.Duration)
}

// Config controls claiming and retry behavior.
type Config struct {
	Owner         string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	c.Owner = strings.TrimSpace(c.Owner)
	if c.Owner == "" {
		c.Owner = defaultOwner
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
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

// Processor moves committed batches into the event journal.
type Processor struct {
	batches  storage.BatchStore
	events   storage.EventStore
	resolver StreamResolver
	cfg      Config
	clock    func() time.Time
	observer Observer
	tracer   trace.Tracer
}

// New builds a processor. clock and observer may be nil.
func New(batches storage.BatchStore, events storage.EventStore, resolver StreamResolver, cfg Config, clock func() time.Time, observer Observer) *Processor {
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		batches:  batches,
		events:   events,
		resolver: resolver,
		cfg:      cfg.normalized(),
		clock:    clock,
		observer: observer,
		tracer:   platformotel.Tracer("outbox"),
	}
}

// Config returns the normalized configuration.
func (p *Processor) Config() Config { return p.cfg }

// TryGetNextCommittedBatch claims the next claimable batch. The claim and the
// move to processing are one compare-and-set in the batch store, so a batch
// is handed to at most one processor per lease.
func (p *Processor) TryGetNextCommittedBatch(ctx context.Context) (batch.Batch, bool, error) {
	if p == nil || p.batches == nil {
		return batch.Batch{}, false, fmt.Errorf("batch store is not configured")
	}
	return p.batches.ClaimNextCommittedBatch(ctx, p.cfg.Owner, p.clock().UTC(), p.cfg.LeaseTTL)
}

// RunOnce claims and processes at most one batch. It reports whether a batch
// was found. Batch failures are recorded on the batch and do not surface as
// errors; only store failures do.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	b, found, err := p.TryGetNextCommittedBatch(ctx)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	if !found {
		return false, nil
	}
	// A claimed batch is finished even if ctx is cancelled mid-way so the
	// status either advances or stays retryable.
	if err := p.ProcessBatch(context.WithoutCancel(ctx), b); err != nil {
		return true, err
	}
	return true, nil
}

// ProcessBatch writes b's events in order and records the outcome.
func (p *Processor) ProcessBatch(ctx context.Context, b batch.Batch) error {
	ctx, span := p.tracer.Start(ctx, "outbox.process_batch", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.events", len(b.Events)),
		attribute.Int("batch.attempt", b.AttemptCount),
	))
	defer span.End()

	started := p.clock()
	writeErr := p.publish(ctx, b)
	now := p.clock().UTC()
	if writeErr == nil {
		if err := p.batches.MarkBatchExecuted(ctx, b.ID, p.cfg.Owner, now); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "mark executed")
			return fmt.Errorf("mark batch %s executed: %w", b.ID, err)
		}
		p.observe(OutcomeExecuted, len(b.Events), now.Sub(started))
		return nil
	}

	span.RecordError(writeErr)
	span.SetStatus(codes.Error, "publish batch")
	failure := p.failureFor(b, writeErr, now)
	if err := p.batches.MarkBatchFailed(ctx, b.ID, p.cfg.Owner, failure); err != nil {
		return fmt.Errorf("mark batch %s failed: %w", b.ID, err)
	}
	outcome := OutcomeRetry
	if failure.DeadLetter {
		outcome = OutcomeDead
		log.Printf("outbox: batch %s dead-lettered after %d attempts: %v", b.ID, b.AttemptCount, writeErr)
	} else {
		log.Printf("outbox: batch %s attempt %d failed, retry at %s: %v", b.ID, b.AttemptCount, failure.NextAttemptAt.Format(time.RFC3339), writeErr)
	}
	p.observe(outcome, len(b.Events), now.Sub(started))
	return nil
}

func (p *Processor) publish(ctx context.Context, b batch.Batch) error {
	for i, evt := range b.Events {
		streamName, err := p.streamFor(evt)
		if err != nil {
			return fmt.Errorf("event %d (%s): %w", i, evt.ID, err)
		}
		if _, err := p.events.WriteEvent(ctx, evt, streamName); err != nil {
			return fmt.Errorf("write event %d (%s) to %s: %w", i, evt.ID, streamName, err)
		}
	}
	return nil
}

func (p *Processor) streamFor(evt event.Event) (string, error) {
	if !evt.HasTarget() {
		return p.events.GetDefaultStreamName(), nil
	}
	if p.resolver == nil {
		return "", fmt.Errorf("stream resolver is not configured")
	}
	return p.resolver.GetStreamName(evt.Target)
}

func (p *Processor) failureFor(b batch.Batch, err error, now time.Time) storage.BatchFailure {
	dead := apperrors.IsPermanent(err) || b.AttemptCount >= p.cfg.MaxAttempts
	return storage.BatchFailure{
		Error:         err.Error(),
		NextAttemptAt: now.Add(p.RetryDelay(b.AttemptCount)),
		DeadLetter:    dead,
		FailedAt:      now,
	}
}

// RetryDelay returns the capped exponential delay before attempt+1.
func (p *Processor) RetryDelay(attempt int) time.Duration {
	return retryDelay(p.cfg.RetryBackoff, p.cfg.RetryMaxDelay, attempt)
}

func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	delay := base
	for i := 0; i < max(attempt, 1); i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p *Processor) observe(outcome string, events int, elapsed time.Duration) {
	if p.observer != nil {
		p.observer.ObserveBatch(outcome, events, elapsed)
	}
}

// Run processes batches until ctx is cancelled. Empty polls wait
// PollInterval; store failures back off exponentially up to RetryMaxDelay.
func (p *Processor) Run(ctx context.Context) error {
	if p == nil || p.batches == nil || p.events == nil {
		return fmt.Errorf("outbox processor is not configured")
	}
	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = p.cfg.PollInterval
	errBackoff.MaxInterval = p.cfg.RetryMaxDelay

	log.Printf("outbox: processor %s started", p.cfg.Owner)
	defer log.Printf("outbox: processor %s stopped", p.cfg.Owner)
	for {
		if ctx.Err() != nil {
			return nil
		}
		found, err := p.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait = errBackoff.NextBackOff()
			log.Printf("outbox: %v (retrying in %s)", err, wait)
		case found:
			errBackoff.Reset()
			continue
		default:
			errBackoff.Reset()
			wait = p.cfg.PollInterval
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
