package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

const ticketColumns = `id, type, status, initiator, correlation_id, batch_id, created_at, finished_at, problem_json`

// CreateTicket inserts a pending ticket.
func (s *WriteStore) CreateTicket(ctx context.Context, t ticket.Ticket) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO tickets (id, type, status, initiator, correlation_id, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, string(t.Status), t.Initiator, t.CorrelationID, t.BatchID, toMillis(t.CreatedAt),
	)
	if err != nil {
		if sqliteconn.IsConstraint(err) {
			return apperrors.Wrap(apperrors.CodeInvalidArgument, fmt.Sprintf("ticket %s already exists", t.ID), err)
		}
		return sqliteconn.Classify("insert ticket", err)
	}
	return nil
}

// GetTicket loads one ticket.
func (s *WriteStore) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	if err := s.ready(ctx); err != nil {
		return ticket.Ticket{}, err
	}
	t, err := scanTicket(s.q().QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ticket.Ticket{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("ticket %s not found", id))
	}
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("load ticket %s: %w", id, err)
	}
	return t, nil
}

// FinishTicket moves a pending ticket to a terminal status. Finished
// tickets are never rewritten.
func (s *WriteStore) FinishTicket(ctx context.Context, id string, status ticket.Status, batchID string, problem *ticket.ProblemDetails, finishedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !status.Terminal() {
		return ticket.Transition(ticket.StatusPending, status)
	}
	var problemJSON sql.NullString
	if problem != nil {
		raw, err := json.Marshal(problem)
		if err != nil {
			return fmt.Errorf("encode ticket problem: %w", err)
		}
		problemJSON = sql.NullString{String: string(raw), Valid: true}
	}
	return s.runTx(ctx, "finish ticket", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE tickets SET status = ?, batch_id = ?, finished_at = ?, problem_json = ?
			 WHERE id = ? AND status = 'pending'`,
			string(status), batchID, toMillis(finishedAt), problemJSON, id,
		)
		if err != nil {
			return fmt.Errorf("finish ticket %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("inspect ticket update %s: %w", id, err)
		}
		if affected == 1 {
			return nil
		}
		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("ticket %s not found", id))
		}
		if err != nil {
			return fmt.Errorf("read ticket status %s: %w", id, err)
		}
		return ticket.Transition(ticket.Status(current), status)
	})
}

// ListTickets lists tickets selected by filter, newest first.
func (s *WriteStore) ListTickets(ctx context.Context, filter ticket.Filter, limit int) ([]ticket.Ticket, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []ticket.Ticket{}, nil
	}
	statuses := filter.Statuses()
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	args = append(args, limit)
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE status IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]ticket.Ticket, 0, limit)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return tickets, nil
}

func scanTicket(row scanner) (ticket.Ticket, error) {
	var (
		t           ticket.Ticket
		status      string
		createdAt   int64
		finishedAt  sql.NullInt64
		problemJSON sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Type, &status, &t.Initiator, &t.CorrelationID, &t.BatchID,
		&createdAt, &finishedAt, &problemJSON); err != nil {
		return ticket.Ticket{}, err
	}
	t.Status = ticket.Status(status)
	t.CreatedAt = fromMillis(createdAt)
	t.FinishedAt = fromNullMillis(finishedAt)
	if problemJSON.Valid && problemJSON.String != "" {
		var problem ticket.ProblemDetails
		if err := json.Unmarshal([]byte(problemJSON.String), &problem); err != nil {
			return ticket.Ticket{}, fmt.Errorf("decode ticket problem %s: %w", t.ID, err)
		}
		t.Error = &problem
	}
	return t, nil
}

var _ storage.TicketStore = (*WriteStore)(nil)
