package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/identity.space/internal/platform/grpc"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

type outboxReport struct {
	Mode            string         `json:"mode"`
	Status          string         `json:"status,omitempty"`
	Limit           int            `json:"limit"`
	Counts          map[string]int `json:"counts"`
	DeadLettered    int            `json:"dead_lettered"`
	OldestCommitted *time.Time     `json:"oldest_committed,omitempty"`
	Rows            []batchRow     `json:"rows"`
}

type batchRow struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	TicketID      string     `json:"ticket_id,omitempty"`
	Attempts      int        `json:"attempts"`
	DeadLettered  bool       `json:"dead_lettered"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type outboxRequeueDeadResult struct {
	Mode     string `json:"mode"`
	Limit    int    `json:"limit"`
	Requeued int    `json:"requeued"`
}

type batchAbortResult struct {
	Mode    string `json:"mode"`
	BatchID string `json:"batch_id"`
	Aborted bool   `json:"aborted"`
}

type ticketReport struct {
	Mode    string      `json:"mode"`
	Filter  string      `json:"filter"`
	Limit   int         `json:"limit"`
	Tickets []ticketRow `json:"tickets"`
}

type ticketRow struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Status        string                 `json:"status"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	BatchID       string                 `json:"batch_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	Error         *ticket.ProblemDetails `json:"error,omitempty"`
}

type deadLetterReport struct {
	Mode        string          `json:"mode"`
	Consumer    string          `json:"consumer"`
	Limit       int             `json:"limit"`
	DeadLetters []deadLetterRow `json:"dead_letters"`
}

type deadLetterRow struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Position  uint64    `json:"position"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

type checkpointReport struct {
	Mode      string          `json:"mode"`
	Head      uint64          `json:"head"`
	Consumers []consumerState `json:"consumers"`
}

type consumerState struct {
	Consumer   string `json:"consumer"`
	Checkpoint uint64 `json:"checkpoint"`
	Lag        uint64 `json:"lag"`
}

type streamReport struct {
	Mode   string           `json:"mode"`
	Stream string           `json:"stream"`
	Events []streamEventRow `json:"events"`
}

type streamEventRow struct {
	Version       uint64          `json:"version"`
	Position      uint64          `json:"position"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	BatchID       string          `json:"batch_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type healthReport struct {
	Mode     string                       `json:"mode"`
	Addr     string                       `json:"addr"`
	Services []platformgrpc.ServiceStatus `json:"services"`
}

func writeJSON(out io.Writer, label string, report any) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode %s report: %w", label, err)
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func runOutboxReport(
	ctx context.Context,
	inspector outboxInspector,
	status string,
	limit int,
	jsonOutput bool,
	out io.Writer,
) error {
	if inspector == nil {
		return fmt.Errorf("outbox inspector is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox limit must be > 0")
	}
	var filter batch.Status
	if strings.TrimSpace(status) != "" {
		parsed, err := batch.ParseStatus(status)
		if err != nil {
			return err
		}
		filter = parsed
	}

	summary, err := inspector.GetBatchSummary(ctx)
	if err != nil {
		return fmt.Errorf("read batch summary: %w", err)
	}
	batches, err := inspector.ListBatches(ctx, filter, limit)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}

	report := outboxReport{
		Mode:            modeOutboxReport,
		Status:          string(filter),
		Limit:           limit,
		Counts:          make(map[string]int, len(batch.Statuses())),
		DeadLettered:    summary.DeadLettered,
		OldestCommitted: summary.OldestCommitted,
		Rows:            make([]batchRow, 0, len(batches)),
	}
	for _, s := range batch.Statuses() {
		report.Counts[string(s)] = summary.Counts[s]
	}
	for _, b := range batches {
		report.Rows = append(report.Rows, batchRow{
			ID:            b.ID,
			Status:        string(b.Status),
			TicketID:      b.TicketID,
			Attempts:      b.AttemptCount,
			DeadLettered:  b.DeadLettered,
			NextAttemptAt: b.NextAttemptAt,
			LastError:     b.LastError,
			CreatedAt:     b.CreatedAt,
		})
	}
	if jsonOutput {
		return writeJSON(out, "outbox", report)
	}

	parts := make([]string, 0, len(batch.Statuses()))
	for _, s := range batch.Statuses() {
		parts = append(parts, fmt.Sprintf("%s=%d", s, report.Counts[string(s)]))
	}
	fmt.Fprintf(out, "Batch summary: %s dead_lettered=%d\n", strings.Join(parts, " "), report.DeadLettered)
	if report.OldestCommitted == nil {
		fmt.Fprintln(out, "Oldest committed batch: none")
	} else {
		fmt.Fprintf(out, "Oldest committed batch: %s\n", report.OldestCommitted.Format(time.RFC3339))
	}
	if filter == "" {
		fmt.Fprintf(out, "Batches (all statuses, limit=%d):\n", limit)
	} else {
		fmt.Fprintf(out, "Batches (status=%s, limit=%d):\n", filter, limit)
	}
	for _, row := range report.Rows {
		fmt.Fprintf(out, "- %s status=%s attempts=%d dead=%t ticket=%s\n",
			row.ID, row.Status, row.Attempts, row.DeadLettered, row.TicketID)
		if strings.TrimSpace(row.LastError) != "" {
			fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
		}
	}
	return nil
}

func runOutboxRequeueDead(
	ctx context.Context,
	requeuer outboxRequeuer,
	limit int,
	now time.Time,
	jsonOutput bool,
	out io.Writer,
) error {
	if requeuer == nil {
		return fmt.Errorf("outbox requeuer is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("outbox requeue limit must be > 0")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	requeued, err := requeuer.RequeueDeadBatches(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("requeue dead batches: %w", err)
	}
	if jsonOutput {
		return writeJSON(out, "outbox requeue", outboxRequeueDeadResult{
			Mode:     modeOutboxRequeueDead,
			Limit:    limit,
			Requeued: requeued,
		})
	}
	fmt.Fprintf(out, "Requeued dead batches: %d (limit=%d)\n", requeued, limit)
	return nil
}

func runBatchAbort(
	ctx context.Context,
	aborter batchAborter,
	id string,
	now time.Time,
	jsonOutput bool,
	out io.Writer,
) error {
	if aborter == nil {
		return fmt.Errorf("batch aborter is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("batch id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if err := aborter.AbortBatch(ctx, id, now); err != nil {
		return fmt.Errorf("abort batch %s: %w", id, err)
	}
	if jsonOutput {
		return writeJSON(out, "batch abort", batchAbortResult{Mode: modeBatchAbort, BatchID: id, Aborted: true})
	}
	fmt.Fprintf(out, "Aborted batch: %s\n", id)
	return nil
}

func runTicketReport(
	ctx context.Context,
	lister ticketLister,
	filterName string,
	limit int,
	jsonOutput bool,
	out io.Writer,
) error {
	if lister == nil {
		return fmt.Errorf("ticket lister is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("ticket limit must be > 0")
	}
	filter, err := ticket.ParseFilter(filterName)
	if err != nil {
		return err
	}
	tickets, err := lister.ListTickets(ctx, filter, limit)
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}

	report := ticketReport{Mode: modeTickets, Filter: string(filter), Limit: limit, Tickets: make([]ticketRow, 0, len(tickets))}
	for _, t := range tickets {
		report.Tickets = append(report.Tickets, ticketRow{
			ID:            t.ID,
			Type:          t.Type,
			Status:        string(t.Status),
			CorrelationID: t.CorrelationID,
			BatchID:       t.BatchID,
			CreatedAt:     t.CreatedAt,
			FinishedAt:    t.FinishedAt,
			Error:         t.Error,
		})
	}
	if jsonOutput {
		return writeJSON(out, "ticket", report)
	}

	fmt.Fprintf(out, "Tickets (filter=%s, limit=%d):\n", filter, limit)
	for _, row := range report.Tickets {
		fmt.Fprintf(out, "- %s type=%s status=%s batch=%s\n", row.ID, row.Type, row.Status, row.BatchID)
		if row.Error != nil {
			fmt.Fprintf(out, "  error=%s: %s\n", row.Error.Type, row.Error.Detail)
		}
	}
	return nil
}

func runDeadLetterReport(
	ctx context.Context,
	reader checkpointReader,
	consumer string,
	limit int,
	jsonOutput bool,
	out io.Writer,
) error {
	if reader == nil {
		return fmt.Errorf("checkpoint reader is not configured")
	}
	if limit <= 0 {
		return fmt.Errorf("dead letter limit must be > 0")
	}
	letters, err := reader.ListDeadLetters(ctx, consumer, limit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	report := deadLetterReport{Mode: modeDeadLetters, Consumer: consumer, Limit: limit, DeadLetters: make([]deadLetterRow, 0, len(letters))}
	for _, letter := range letters {
		report.DeadLetters = append(report.DeadLetters, toDeadLetterRow(letter))
	}
	if jsonOutput {
		return writeJSON(out, "dead letter", report)
	}

	fmt.Fprintf(out, "Dead letters (consumer=%s, limit=%d):\n", consumer, limit)
	for _, row := range report.DeadLetters {
		fmt.Fprintf(out, "- %d %s type=%s attempts=%d\n", row.Position, row.EventID, row.EventType, row.Attempts)
		fmt.Fprintf(out, "  last_error=%s\n", row.LastError)
	}
	return nil
}

func toDeadLetterRow(letter storage.DeadLetter) deadLetterRow {
	return deadLetterRow{
		EventID:   letter.EventID,
		EventType: string(letter.EventType),
		Position:  letter.Position,
		Attempts:  letter.Attempts,
		LastError: letter.LastError,
		CreatedAt: letter.CreatedAt,
	}
}

func runCheckpointReport(
	ctx context.Context,
	journal headReader,
	consumers map[string]checkpointReader,
	jsonOutput bool,
	out io.Writer,
) error {
	if journal == nil {
		return fmt.Errorf("event journal is not configured")
	}
	head, err := journal.HeadPosition(ctx)
	if err != nil {
		return fmt.Errorf("read journal head: %w", err)
	}

	names := make([]string, 0, len(consumers))
	for name := range consumers {
		names = append(names, name)
	}
	sort.Strings(names)

	report := checkpointReport{Mode: modeCheckpoints, Head: head, Consumers: make([]consumerState, 0, len(names))}
	for _, name := range names {
		reader := consumers[name]
		if reader == nil {
			return fmt.Errorf("checkpoint reader for %s is not configured", name)
		}
		position, err := reader.GetCheckpoint(ctx, name)
		if err != nil {
			return fmt.Errorf("read checkpoint %s: %w", name, err)
		}
		state := consumerState{Consumer: name, Checkpoint: position}
		if head > position {
			state.Lag = head - position
		}
		report.Consumers = append(report.Consumers, state)
	}
	if jsonOutput {
		return writeJSON(out, "checkpoint", report)
	}

	fmt.Fprintf(out, "Journal head: %d\n", head)
	for _, state := range report.Consumers {
		fmt.Fprintf(out, "- %s checkpoint=%d lag=%d\n", state.Consumer, state.Checkpoint, state.Lag)
	}
	return nil
}

func runStreamReport(
	ctx context.Context,
	reader streamReader,
	streamName string,
	jsonOutput bool,
	out io.Writer,
) error {
	if reader == nil {
		return fmt.Errorf("stream reader is not configured")
	}
	streamName = strings.TrimSpace(streamName)
	if streamName == "" {
		return fmt.Errorf("stream name is required")
	}
	events, err := reader.ReadStream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("read stream %s: %w", streamName, err)
	}

	report := streamReport{Mode: modeStream, Stream: streamName, Events: make([]streamEventRow, 0, len(events))}
	for _, rec := range events {
		report.Events = append(report.Events, streamEventRow{
			Version:       rec.StreamVersion,
			Position:      rec.Position,
			ID:            rec.ID,
			Type:          string(rec.Type),
			BatchID:       rec.Metadata.BatchID,
			CorrelationID: rec.Metadata.CorrelationID,
			Timestamp:     rec.Metadata.Timestamp,
			Payload:       rec.Payload,
		})
	}
	if jsonOutput {
		return writeJSON(out, "stream", report)
	}

	fmt.Fprintf(out, "Stream %s (%d events):\n", streamName, len(report.Events))
	for _, row := range report.Events {
		fmt.Fprintf(out, "- v%d pos=%d %s type=%s batch=%s\n", row.Version, row.Position, row.ID, row.Type, row.BatchID)
	}
	return nil
}

func runHealthReport(
	ctx context.Context,
	addr string,
	timeout time.Duration,
	jsonOutput bool,
	out io.Writer,
	errOut io.Writer,
) error {
	if errOut == nil {
		errOut = io.Discard
	}
	logf := func(format string, args ...any) {
		fmt.Fprintf(errOut, format+"\n", args...)
	}
	conn, err := platformgrpc.DialWithHealth(ctx, addr, timeout, logf)
	if err != nil {
		return err
	}
	defer conn.Close()

	statuses, err := platformgrpc.CheckServices(ctx, conn, healthServices())
	if err != nil {
		return err
	}
	var failing []string
	for _, status := range statuses {
		if !status.Serving() {
			failing = append(failing, status.Service)
		}
	}

	if jsonOutput {
		if err := writeJSON(out, "health", healthReport{Mode: modeHealth, Addr: addr, Services: statuses}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Health (%s):\n", addr)
		for _, status := range statuses {
			if status.Error != "" {
				fmt.Fprintf(out, "- %s error=%s\n", status.Service, status.Error)
				continue
			}
			fmt.Fprintf(out, "- %s %s\n", status.Service, status.Status)
		}
	}
	if len(failing) > 0 {
		return fmt.Errorf("services not serving: %s", strings.Join(failing, ", "))
	}
	return nil
}
