package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

// GetCheckpoint returns the last position consumer fully handled, or zero.
func (s *Store) GetCheckpoint(ctx context.Context, consumer string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var position int64
	err := s.q().QueryRowContext(ctx,
		`SELECT position FROM consumer_checkpoints WHERE consumer = ?`, consumer,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", consumer, err)
	}
	return uint64(position), nil
}

// SaveCheckpoint advances the checkpoint; it never moves backwards.
func (s *Store) SaveCheckpoint(ctx context.Context, consumer string, position uint64, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.q().ExecContext(ctx,
		`INSERT INTO consumer_checkpoints (consumer, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(consumer) DO UPDATE SET
		     position = MAX(consumer_checkpoints.position, excluded.position),
		     updated_at = excluded.updated_at`,
		consumer, int64(position), toMillis(now),
	); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", consumer, err)
	}
	return nil
}

// RecordDeadLetter stores an event the consumer gave up on.
func (s *Store) RecordDeadLetter(ctx context.Context, letter storage.DeadLetter) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}
	if _, err := s.q().ExecContext(ctx,
		`INSERT INTO dead_letters (consumer, event_id, event_type, position, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		letter.Consumer, letter.EventID, string(letter.EventType), int64(letter.Position),
		letter.Attempts, letter.LastError, toMillis(letter.CreatedAt),
	); err != nil {
		return fmt.Errorf("record dead letter %s/%s: %w", letter.Consumer, letter.EventID, err)
	}
	return nil
}

// ListDeadLetters lists the newest dead letters of consumer.
func (s *Store) ListDeadLetters(ctx context.Context, consumer string, limit int) ([]storage.DeadLetter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.DeadLetter{}, nil
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT consumer, event_id, event_type, position, attempts, last_error, created_at
		 FROM dead_letters WHERE consumer = ? ORDER BY id DESC LIMIT ?`,
		consumer, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters %s: %w", consumer, err)
	}
	defer rows.Close()
	letters := make([]storage.DeadLetter, 0, limit)
	for rows.Next() {
		var (
			letter    storage.DeadLetter
			eventType string
			position  int64
			createdAt int64
		)
		if err := rows.Scan(&letter.Consumer, &letter.EventID, &eventType, &position,
			&letter.Attempts, &letter.LastError, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.EventType = event.Type(eventType)
		letter.Position = uint64(position)
		letter.CreatedAt = fromMillis(createdAt)
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// applyExactlyOnce reserves (consumer, event id) and runs apply in the same
// transaction. It reports false without calling apply for a replay.
func (s *Store) applyExactlyOnce(ctx context.Context, consumer string, rec event.Recorded, apply func(*sql.Tx) error) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if apply == nil {
		return false, fmt.Errorf("projection apply callback is required")
	}
	if strings.TrimSpace(consumer) == "" {
		return false, fmt.Errorf("consumer name is required")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return false, fmt.Errorf("event id is required")
	}

	var applied bool
	err := s.runTx(ctx, "apply "+consumer+" event "+rec.ID, func(tx *sql.Tx) error {
		applied = false
		result, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO applied_events (consumer, event_id, position, applied_at) VALUES (?, ?, ?, ?)`,
			consumer, rec.ID, int64(rec.Position), toMillis(time.Now().UTC()),
		)
		if err != nil {
			return fmt.Errorf("reserve apply checkpoint %s/%s: %w", consumer, rec.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("inspect apply checkpoint %s/%s: %w", consumer, rec.ID, err)
		}
		if affected == 0 {
			return nil
		}
		if err := apply(tx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
