package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite/migrations"
)

// WriteStore owns the batch log and the ticket table.
type WriteStore struct {
	*Store
}

// OpenWrite opens the write database and applies its migrations.
func OpenWrite(ctx context.Context, path string) (*WriteStore, error) {
	s, err := open(ctx, path, migrations.WriteRoot)
	if err != nil {
		return nil, err
	}
	return &WriteStore{Store: s}, nil
}

// claimablePredicate selects batches a processor may take over at ?1 = now.
const claimablePredicate = `dead_lettered = 0 AND (
    status = 'committed'
    OR (status = 'error' AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
    OR (status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)`

const batchColumns = `id, status, correlation_id, initiator, ticket_id, attempt_count, last_error,
    next_attempt_at, lease_owner, lease_expires_at, dead_lettered, created_at, updated_at, executed_at`

// SaveBatch inserts a new batch with its events in order.
func (s *WriteStore) SaveBatch(ctx context.Context, b batch.Batch) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = batch.StatusInitialized
	}
	if b.Status != batch.StatusInitialized && b.Status != batch.StatusCommitted {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("new batch cannot start as %s", b.Status))
	}
	now := b.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return s.runTx(ctx, "save batch", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO event_batches (id, status, correlation_id, initiator, ticket_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, string(b.Status), b.CorrelationID, b.Initiator, b.TicketID, toMillis(now), toMillis(now),
		); err != nil {
			if sqliteconn.IsConstraint(err) {
				return apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("batch %s already exists", b.ID), err)
			}
			return fmt.Errorf("insert batch %s: %w", b.ID, err)
		}
		for i, evt := range b.Events {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO event_batch_events (
    batch_id, ordinal, event_id, event_type, target_id, target_type, correlation_id, initiator, occurred_at, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				b.ID, i, evt.ID, string(evt.Type), evt.Target.ID, string(evt.Target.Type),
				evt.Metadata.CorrelationID, evt.Metadata.Initiator, toMillis(evt.Metadata.Timestamp), []byte(evt.Payload),
			); err != nil {
				if sqliteconn.IsConstraint(err) {
					return apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("event %s already belongs to a batch", evt.ID), err)
				}
				return fmt.Errorf("insert batch event %s/%d: %w", b.ID, i, err)
			}
		}
		return nil
	})
}

// CommitBatch moves an initialized batch to committed, making it claimable.
func (s *WriteStore) CommitBatch(ctx context.Context, id string, now time.Time) error {
	return s.moveBatch(ctx, id, batch.StatusCommitted, []batch.Status{batch.StatusInitialized}, now)
}

// AbortBatch cancels a batch that has not been claimed yet.
func (s *WriteStore) AbortBatch(ctx context.Context, id string, now time.Time) error {
	return s.moveBatch(ctx, id, batch.StatusAborted, []batch.Status{batch.StatusInitialized, batch.StatusCommitted}, now)
}

func (s *WriteStore) moveBatch(ctx context.Context, id string, to batch.Status, from []batch.Status, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	placeholders := make([]string, len(from))
	args := []any{string(to), toMillis(now), id}
	for i, status := range from {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	return s.runTx(ctx, "move batch", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_batches SET status = ?, updated_at = ?
			 WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("update batch %s: %w", id, err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("inspect batch update %s: %w", id, err)
		} else if affected == 1 {
			return nil
		}
		current, err := batchStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		return batch.Transition(current, to)
	})
}

func batchStatus(ctx context.Context, q querier, id string) (batch.Status, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM event_batches WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("batch %s not found", id))
	}
	if err != nil {
		return "", fmt.Errorf("read batch status %s: %w", id, err)
	}
	return batch.Status(status), nil
}

// ClaimNextCommittedBatch selects the oldest claimable batch and takes its
// lease with a compare-and-set update in the same transaction.
func (s *WriteStore) ClaimNextCommittedBatch(ctx context.Context, owner string, now time.Time, lease time.Duration) (batch.Batch, bool, error) {
	if err := s.ready(ctx); err != nil {
		return batch.Batch{}, false, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return batch.Batch{}, false, fmt.Errorf("lease owner is required")
	}
	if lease <= 0 {
		return batch.Batch{}, false, fmt.Errorf("lease must be positive")
	}
	nowMillis := toMillis(now)
	expires := toMillis(now.Add(lease))

	var (
		claimed batch.Batch
		found   bool
	)
	err := s.runTx(ctx, "claim batch", func(tx *sql.Tx) error {
		found = false
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM event_batches WHERE `+claimablePredicate+`
			 ORDER BY created_at ASC, id ASC LIMIT 1`,
			nowMillis, nowMillis,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable batch: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE event_batches
			 SET status = 'processing', lease_owner = ?, lease_expires_at = ?,
			     attempt_count = attempt_count + 1, updated_at = ?
			 WHERE id = ? AND `+claimablePredicate,
			owner, expires, nowMillis, id, nowMillis, nowMillis,
		)
		if err != nil {
			return fmt.Errorf("claim batch %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("inspect batch claim %s: %w", id, err)
		}
		if affected != 1 {
			return nil
		}
		claimed, err = loadBatch(ctx, tx, id, true)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return batch.Batch{}, false, err
	}
	return claimed, found, nil
}

// MarkBatchExecuted completes a batch still leased by owner.
func (s *WriteStore) MarkBatchExecuted(ctx context.Context, id, owner string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.runTx(ctx, "mark batch executed", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_batches
			 SET status = 'executed', executed_at = ?, updated_at = ?, last_error = '',
			     lease_owner = '', lease_expires_at = NULL, next_attempt_at = NULL
			 WHERE id = ? AND status = 'processing' AND lease_owner = ?`,
			toMillis(now), toMillis(now), id, owner,
		)
		if err != nil {
			return fmt.Errorf("mark batch executed %s: %w", id, err)
		}
		return requireLeaseHeld(ctx, tx, result, id, batch.StatusExecuted)
	})
}

// MarkBatchFailed records a failed attempt for a batch leased by owner.
func (s *WriteStore) MarkBatchFailed(ctx context.Context, id, owner string, failure storage.BatchFailure) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	dead := 0
	if failure.DeadLetter {
		dead = 1
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now().UTC()
	}
	if failure.NextAttemptAt.IsZero() {
		failure.NextAttemptAt = failure.FailedAt
	}
	return s.runTx(ctx, "mark batch failed", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_batches
			 SET status = 'error', last_error = ?, next_attempt_at = ?, dead_lettered = ?, updated_at = ?,
			     lease_owner = '', lease_expires_at = NULL
			 WHERE id = ? AND status = 'processing' AND lease_owner = ?`,
			failure.Error, toMillis(failure.NextAttemptAt), dead, toMillis(failure.FailedAt), id, owner,
		)
		if err != nil {
			return fmt.Errorf("mark batch failed %s: %w", id, err)
		}
		return requireLeaseHeld(ctx, tx, result, id, batch.StatusError)
	})
}

func requireLeaseHeld(ctx context.Context, tx *sql.Tx, result sql.Result, id string, to batch.Status) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("inspect batch update %s: %w", id, err)
	}
	if affected == 1 {
		return nil
	}
	current, err := batchStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if current == batch.StatusProcessing {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidStatusTransition,
			fmt.Sprintf("batch %s lease is held by another processor", id),
			map[string]string{"batch_id": id},
		)
	}
	return batch.Transition(current, to)
}

// GetBatch loads a batch with its events.
func (s *WriteStore) GetBatch(ctx context.Context, id string) (batch.Batch, error) {
	if err := s.ready(ctx); err != nil {
		return batch.Batch{}, err
	}
	return loadBatch(ctx, s.q(), id, true)
}

func loadBatch(ctx context.Context, q querier, id string, withEvents bool) (batch.Batch, error) {
	b, err := scanBatch(q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM event_batches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return batch.Batch{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("batch %s not found", id))
	}
	if err != nil {
		return batch.Batch{}, fmt.Errorf("load batch %s: %w", id, err)
	}
	if !withEvents {
		return b, nil
	}
	b.Events, err = loadBatchEvents(ctx, q, b)
	if err != nil {
		return batch.Batch{}, err
	}
	return b, nil
}

func scanBatch(row scanner) (batch.Batch, error) {
	var (
		b            batch.Batch
		status       string
		nextAttempt  sql.NullInt64
		leaseExpires sql.NullInt64
		dead         int
		createdAt    int64
		updatedAt    int64
		executedAt   sql.NullInt64
	)
	if err := row.Scan(
		&b.ID, &status, &b.CorrelationID, &b.Initiator, &b.TicketID, &b.AttemptCount, &b.LastError,
		&nextAttempt, &b.LeaseOwner, &leaseExpires, &dead, &createdAt, &updatedAt, &executedAt,
	); err != nil {
		return batch.Batch{}, err
	}
	b.Status = batch.Status(status)
	b.NextAttemptAt = fromNullMillis(nextAttempt)
	b.LeaseExpires = fromNullMillis(leaseExpires)
	b.DeadLettered = dead != 0
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	b.ExecutedAt = fromNullMillis(executedAt)
	return b, nil
}

func loadBatchEvents(ctx context.Context, q querier, b batch.Batch) ([]event.Event, error) {
	rows, err := q.QueryContext(ctx, `
SELECT event_id, event_type, target_id, target_type, correlation_id, initiator, occurred_at, payload
FROM event_batch_events WHERE batch_id = ? ORDER BY ordinal ASC`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("query batch events %s: %w", b.ID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			evt        event.Event
			eventType  string
			targetType string
			occurredAt int64
			payload    []byte
		)
		if err := rows.Scan(&evt.ID, &eventType, &evt.Target.ID, &targetType, &evt.Metadata.CorrelationID,
			&evt.Metadata.Initiator, &occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("scan batch event %s: %w", b.ID, err)
		}
		evt.Type = event.Type(eventType)
		evt.Target.Type = ident.Type(targetType)
		evt.Metadata.BatchID = b.ID
		evt.Metadata.Timestamp = fromMillis(occurredAt)
		evt.Payload = payload
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch events %s: %w", b.ID, err)
	}
	return events, nil
}

// GetBatchSummary counts live batches per status, dead letters apart.
func (s *WriteStore) GetBatchSummary(ctx context.Context) (batch.Summary, error) {
	if err := s.ready(ctx); err != nil {
		return batch.Summary{}, err
	}
	summary := batch.Summary{Counts: make(map[batch.Status]int)}
	rows, err := s.q().QueryContext(ctx,
		`SELECT status, dead_lettered, COUNT(*) FROM event_batches GROUP BY status, dead_lettered`)
	if err != nil {
		return batch.Summary{}, fmt.Errorf("query batch summary: %w", err)
	}
	for rows.Next() {
		var (
			status string
			dead   int
			count  int
		)
		if err := rows.Scan(&status, &dead, &count); err != nil {
			rows.Close()
			return batch.Summary{}, fmt.Errorf("scan batch summary: %w", err)
		}
		if dead != 0 {
			summary.DeadLettered += count
			continue
		}
		summary.Counts[batch.Status(status)] += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return batch.Summary{}, fmt.Errorf("iterate batch summary: %w", err)
	}
	rows.Close()

	var oldest sql.NullInt64
	if err := s.q().QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM event_batches WHERE status = 'committed'`,
	).Scan(&oldest); err != nil {
		return batch.Summary{}, fmt.Errorf("query oldest committed batch: %w", err)
	}
	summary.OldestCommitted = fromNullMillis(oldest)
	return summary, nil
}

// ListBatches lists batches without their events, oldest first. An empty
// status lists every batch.
func (s *WriteStore) ListBatches(ctx context.Context, status batch.Status, limit int) ([]batch.Batch, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []batch.Batch{}, nil
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.q().QueryContext(ctx,
			`SELECT `+batchColumns+` FROM event_batches ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	} else {
		rows, err = s.q().QueryContext(ctx,
			`SELECT `+batchColumns+` FROM event_batches WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]batch.Batch, 0, limit)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// RequeueDeadBatches makes up to limit dead-lettered batches claimable again
// with a fresh attempt budget.
func (s *WriteStore) RequeueDeadBatches(ctx context.Context, now time.Time, limit int) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, nil
	}
	var requeued int
	err := s.runTx(ctx, "requeue dead batches", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_batches
			 SET dead_lettered = 0, attempt_count = 0, last_error = '', next_attempt_at = ?, updated_at = ?
			 WHERE id IN (
			     SELECT id FROM event_batches WHERE dead_lettered = 1
			     ORDER BY updated_at ASC, id ASC LIMIT ?
			 )`,
			toMillis(now), toMillis(now), limit,
		)
		if err != nil {
			return fmt.Errorf("requeue dead batches: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("inspect requeue result: %w", err)
		}
		requeued = int(affected)
		return nil
	})
	return requeued, err
}

var (
	_ storage.BatchStore     = (*WriteStore)(nil)
	_ storage.BatchInspector = (*WriteStore)(nil)
)
