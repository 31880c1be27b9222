package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	platformotel "github.com/louisbranch/identity.space/internal/platform/otel"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

var (
	// ErrStopped is returned by Submit after the orchestrator stopped.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = apperrors.New(apperrors.CodeStorageUnavailable, "command queue is full")
)

// Command is one submitted command.
type Command struct {
	Name          string          `json:"command"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Initiator     string          `json:"initiator,omitempty"`
}

// Observer receives one call per finished ticket.
type Observer interface {
	ObserveCommand(command string, status ticket.Status, elapsed time.Duration)
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

type job struct {
	ticketID string
	cmd      Command
	queuedAt time.Time
}

// Orchestrator accepts commands, runs their handlers and finishes their
// tickets. A handler error or panic always ends as a failure ticket.
type Orchestrator struct {
	registry *Registry
	tickets  storage.TicketStore
	batches  storage.BatchStore
	newID    batch.IDGenerator
	clock    func() time.Time
	observer Observer
	cfg      Config
	tracer   trace.Tracer

	queue  chan job
	mu     sync.RWMutex
	closed bool
}

// NewOrchestrator wires an orchestrator. clock and observer may be nil.
func NewOrchestrator(
	registry *Registry,
	tickets storage.TicketStore,
	batches storage.BatchStore,
	newID batch.IDGenerator,
	cfg Config,
	clock func() time.Time,
	observer Observer,
) *Orchestrator {
	if clock == nil {
		clock = time.Now
	}
	cfg = cfg.normalized()
	return &Orchestrator{
		registry: registry,
		tickets:  tickets,
		batches:  batches,
		newID:    newID,
		clock:    clock,
		observer: observer,
		cfg:      cfg,
		tracer:   platformotel.Tracer("saga"),
		queue:    make(chan job, cfg.QueueSize),
	}
}

// Submit creates a pending ticket for cmd, queues it and returns the ticket
// id without waiting for execution. A full queue fails the ticket.
func (o *Orchestrator) Submit(ctx context.Context, cmd Command) (string, error) {
	id, err := o.createTicket(ctx, cmd)
	if err != nil {
		return "", err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	rejection := ErrStopped
	if !o.closed {
		select {
		case o.queue <- job{ticketID: id, cmd: cmd, queuedAt: o.clock()}:
			return id, nil
		default:
			rejection = ErrQueueFull
		}
	}
	if err := o.finishWithError(context.WithoutCancel(ctx), id, cmd, rejection, "", o.clock()); err != nil {
		log.Printf("saga: %v", err)
	}
	return "", rejection
}

// SubmitAndWait creates the ticket and executes cmd on the caller's
// goroutine. It returns the finished ticket.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, cmd Command) (ticket.Ticket, error) {
	id, err := o.createTicket(ctx, cmd)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if err := o.Execute(ctx, id, cmd); err != nil {
		return ticket.Ticket{}, err
	}
	return o.tickets.GetTicket(ctx, id)
}

func (o *Orchestrator) createTicket(ctx context.Context, cmd Command) (string, error) {
	if o == nil || o.tickets == nil || o.batches == nil || o.newID == nil {
		return "", fmt.Errorf("orchestrator is not configured")
	}
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "command name is required")
	}
	id, err := o.newID()
	if err != nil {
		return "", fmt.Errorf("ticket id: %w", err)
	}
	if err := o.tickets.CreateTicket(ctx, ticket.Ticket{
		ID:            id,
		Type:          name,
		Status:        ticket.StatusPending,
		Initiator:     cmd.Initiator,
		CorrelationID: cmd.CorrelationID,
		CreatedAt:     o.clock().UTC(),
	}); err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}
	return id, nil
}

// GetTicket reads one ticket.
func (o *Orchestrator) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	return o.tickets.GetTicket(ctx, id)
}

// ListTickets lists tickets matching filter, newest first.
func (o *Orchestrator) ListTickets(ctx context.Context, filter ticket.Filter, limit int) ([]ticket.Ticket, error) {
	return o.tickets.ListTickets(ctx, filter, limit)
}

// Execute resolves and runs cmd for the pending ticket ticketID, persists the
// produced batch and finishes the ticket. Only a failure to finish the
// ticket itself is returned.
func (o *Orchestrator) Execute(ctx context.Context, ticketID string, cmd Command) error {
	ctx, span := o.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("command", cmd.Name),
		attribute.String("ticket.id", ticketID),
	))
	defer span.End()

	started := o.clock()
	batchID, stack, err := o.run(ctx, ticketID, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command failed")
		return o.finishWithError(ctx, ticketID, cmd, err, stack, started)
	}
	if err := o.tickets.FinishTicket(ctx, ticketID, ticket.StatusComplete, batchID, nil, o.clock().UTC()); err != nil {
		return fmt.Errorf("complete ticket %s: %w", ticketID, err)
	}
	o.observe(cmd.Name, ticket.StatusComplete, started)
	return nil
}

// run executes the handler and persists its batch. stack is set for panics
// and handler errors.
func (o *Orchestrator) run(ctx context.Context, ticketID string, cmd Command) (batchID, stack string, err error) {
	handler, err := o.registry.ConstructSagaCommand(cmd.Name)
	if err != nil {
		return "", "", err
	}
	batchID, err = o.newID()
	if err != nil {
		return "", "", fmt.Errorf("batch id: %w", err)
	}
	uow := batch.NewUnitOfWork(batchID, cmd.CorrelationID, cmd.Initiator, o.newID, o.clock)

	if stack, err = invoke(ctx, handler, uow, cmd.Payload); err != nil {
		return "", stack, err
	}
	if len(uow.Events()) == 0 {
		return "", "", nil
	}

	b := uow.Batch(ticketID)
	if err := o.batches.SaveBatch(ctx, b); err != nil {
		return "", "", fmt.Errorf("save batch %s: %w", batchID, err)
	}
	if err := o.batches.CommitBatch(ctx, batchID, o.clock().UTC()); err != nil {
		if abortErr := o.batches.AbortBatch(context.WithoutCancel(ctx), batchID, o.clock().UTC()); abortErr != nil {
			log.Printf("saga: abort batch %s after failed commit: %v", batchID, abortErr)
		}
		return "", "", fmt.Errorf("commit batch %s: %w", batchID, err)
	}
	return batchID, "", nil
}

// invoke runs the handler, converting a panic into an error with its stack.
func invoke(ctx context.Context, handler SagaCommand, uow *batch.UnitOfWork, payload json.RawMessage) (stack string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			stack = string(debug.Stack())
			err = &panicError{value: recovered}
		}
	}()
	if err := handler.Execute(ctx, uow, payload); err != nil {
		return string(debug.Stack()), err
	}
	return "", nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("%v", e.value) }

func (o *Orchestrator) finishWithError(ctx context.Context, ticketID string, cmd Command, err error, stack string, started time.Time) error {
	instance := "/tickets/" + ticketID
	var problem *ticket.ProblemDetails
	var panicked *panicError
	if errors.As(err, &panicked) {
		problem = ticket.ProblemFromPanic(panicked.value, instance, stack)
	} else {
		problem = ticket.ProblemFromError(err, instance, stack)
	}
	log.Printf("saga: command %s (ticket %s) failed: %v", cmd.Name, ticketID, err)
	if finishErr := o.tickets.FinishTicket(ctx, ticketID, ticket.StatusFailure, "", problem, o.clock().UTC()); finishErr != nil {
		return fmt.Errorf("fail ticket %s: %w", ticketID, finishErr)
	}
	o.observe(cmd.Name, ticket.StatusFailure, started)
	return nil
}

func (o *Orchestrator) observe(command string, status ticket.Status, started time.Time) {
	if o.observer != nil {
		o.observer.ObserveCommand(command, status, o.clock().Sub(started))
	}
}

// Run executes queued commands on Workers goroutines until ctx is cancelled.
// Commands still queued at shutdown finish as failures.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o == nil || o.queue == nil {
		return fmt.Errorf("orchestrator is not configured")
	}
	log.Printf("saga: orchestrator started with %d workers", o.cfg.Workers)
	defer log.Printf("saga: orchestrator stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-o.queue:
					// In-flight commands finish even when ctx is cancelled.
					if err := o.Execute(context.WithoutCancel(gctx), j.ticketID, j.cmd); err != nil {
						log.Printf("saga: %v", err)
					}
				}
			}
		})
	}
	err := g.Wait()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.drain(context.WithoutCancel(ctx))
	return err
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		select {
		case j := <-o.queue:
			if err := o.finishWithError(ctx, j.ticketID, j.cmd, ErrStopped, "", j.queuedAt); err != nil {
				log.Printf("saga: %v", err)
			}
		default:
			return
		}
	}
}
