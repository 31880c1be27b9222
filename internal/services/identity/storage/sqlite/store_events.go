package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite/migrations"
)

// EventStore is the append-only event journal.
type EventStore struct {
	*Store
	defaultStream string
	registry      *event.Registry
}

// OpenEvents opens the journal database. defaultStream is reported by
// GetDefaultStreamName for events without an aggregate target.
func OpenEvents(ctx context.Context, path, defaultStream string, registry *event.Registry) (*EventStore, error) {
	if strings.TrimSpace(defaultStream) == "" {
		return nil, fmt.Errorf("default stream name is required")
	}
	if registry == nil {
		registry = event.DefaultRegistry()
	}
	s, err := open(ctx, path, migrations.EventsRoot)
	if err != nil {
		return nil, err
	}
	return &EventStore{Store: s, defaultStream: defaultStream, registry: registry}, nil
}

// GetDefaultStreamName returns the catch-all stream.
func (s *EventStore) GetDefaultStreamName() string {
	return s.defaultStream
}

const eventColumns = `position, event_id, stream_name, stream_version, event_type, target_id, target_type,
    correlation_id, batch_id, initiator, occurred_at, payload`

// WriteEvent appends evt to streamName and returns its stream version.
// Writing an event id already present on the same stream returns the stored
// version; on another stream it is rejected.
func (s *EventStore) WriteEvent(ctx context.Context, evt event.Event, streamName string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(streamName) == "" {
		return 0, apperrors.New(apperrors.CodeEventRejected, "stream name is required")
	}
	if err := s.registry.Validate(evt); err != nil {
		return 0, apperrors.WrapWithMetadata(
			apperrors.CodeEventRejected,
			fmt.Sprintf("reject event %s", evt.ID),
			map[string]string{"event_id": evt.ID, "event_type": string(evt.Type)},
			err,
		)
	}
	occurredAt := evt.Metadata.Timestamp
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var version uint64
	err := s.runTx(ctx, "write event", func(tx *sql.Tx) error {
		var (
			existingStream  string
			existingVersion int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT stream_name, stream_version FROM events WHERE event_id = ?`, evt.ID,
		).Scan(&existingStream, &existingVersion)
		switch {
		case err == nil:
			if existingStream != streamName {
				return apperrors.WithMetadata(
					apperrors.CodeEventRejected,
					fmt.Sprintf("event %s already appended to %s", evt.ID, existingStream),
					map[string]string{"event_id": evt.ID, "stream": existingStream},
				)
			}
			version = uint64(existingVersion)
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup event %s: %w", evt.ID, err)
		}

		var current int64
		err = tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream_name = ?`, streamName).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read stream version %s: %w", streamName, err)
		}
		next := current + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO streams (stream_name, version) VALUES (?, ?)
			 ON CONFLICT(stream_name) DO UPDATE SET version = excluded.version`,
			streamName, next,
		); err != nil {
			return fmt.Errorf("advance stream %s: %w", streamName, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO events (
    event_id, stream_name, stream_version, event_type, target_id, target_type,
    correlation_id, batch_id, initiator, occurred_at, recorded_at, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.ID, streamName, next, string(evt.Type), evt.Target.ID, string(evt.Target.Type),
			evt.Metadata.CorrelationID, evt.Metadata.BatchID, evt.Metadata.Initiator,
			toMillis(occurredAt), toMillis(time.Now().UTC()), []byte(evt.Payload),
		); err != nil {
			return fmt.Errorf("append event %s: %w", evt.ID, err)
		}
		version = uint64(next)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// ReadEventsAfter returns up to limit events with position > position.
func (s *EventStore) ReadEventsAfter(ctx context.Context, position uint64, limit int) ([]event.Recorded, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []event.Recorded{}, nil
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE position > ? ORDER BY position ASC LIMIT ?`,
		int64(position), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read events after %d: %w", position, err)
	}
	return scanRecordedRows(rows)
}

// ReadStream returns every event of one stream in version order.
func (s *EventStore) ReadStream(ctx context.Context, streamName string) ([]event.Recorded, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE stream_name = ? ORDER BY stream_version ASC`, streamName)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", streamName, err)
	}
	return scanRecordedRows(rows)
}

// HeadPosition returns the position of the newest event, or zero.
func (s *EventStore) HeadPosition(ctx context.Context) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var head sql.NullInt64
	if err := s.q().QueryRowContext(ctx, `SELECT MAX(position) FROM events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head position: %w", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

func scanRecordedRows(rows *sql.Rows) ([]event.Recorded, error) {
	defer rows.Close()
	var out []event.Recorded
	for rows.Next() {
		var (
			rec        event.Recorded
			position   int64
			version    int64
			eventType  string
			targetType string
			occurredAt int64
			payload    []byte
		)
		if err := rows.Scan(&position, &rec.ID, &rec.StreamName, &version, &eventType, &rec.Target.ID,
			&targetType, &rec.Metadata.CorrelationID, &rec.Metadata.BatchID, &rec.Metadata.Initiator,
			&occurredAt, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Position = uint64(position)
		rec.StreamVersion = uint64(version)
		rec.Type = event.Type(eventType)
		rec.Target.Type = ident.Type(targetType)
		rec.Metadata.Timestamp = fromMillis(occurredAt)
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

var (
	_ storage.EventStore  = (*EventStore)(nil)
	_ storage.EventReader = (*EventStore)(nil)
)
