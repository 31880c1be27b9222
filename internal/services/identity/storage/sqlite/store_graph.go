package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/platform/storage/sqliteconn"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite/migrations"
)

// GraphStore holds the first-level profile graph.
type GraphStore struct {
	*Store
}

// OpenGraph opens the graph database and applies its migrations.
func OpenGraph(ctx context.Context, path string) (*GraphStore, error) {
	s, err := open(ctx, path, migrations.GraphRoot)
	if err != nil {
		return nil, err
	}
	return &GraphStore{Store: s}, nil
}

// ApplyEventExactlyOnce runs apply against a transaction-bound graph writer.
func (s *GraphStore) ApplyEventExactlyOnce(
	ctx context.Context,
	consumer string,
	rec event.Recorded,
	apply func(context.Context, storage.GraphWriter) error,
) (bool, error) {
	return s.applyExactlyOnce(ctx, consumer, rec, func(tx *sql.Tx) error {
		return apply(ctx, &GraphStore{Store: s.withTx(tx)})
	})
}

const profileColumns = `id, type, name, display_name, email, first_name, last_name, external_id, created_at, updated_at`

// GetProfile loads one vertex.
func (s *GraphStore) GetProfile(ctx context.Context, id string) (storage.Profile, bool, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Profile{}, false, err
	}
	var (
		p         storage.Profile
		typ       string
		createdAt int64
		updatedAt int64
	)
	err := s.q().QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id).Scan(
		&p.Ident.ID, &typ, &p.Properties.Name, &p.Properties.DisplayName, &p.Properties.Email,
		&p.Properties.FirstName, &p.Properties.LastName, &p.Properties.ExternalID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Profile{}, false, nil
	}
	if err != nil {
		return storage.Profile{}, false, sqliteconn.Classify("get profile "+id, err)
	}
	p.Ident.Type = ident.Type(typ)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, true, nil
}

// PutProfile inserts or updates a vertex. Changing the type of an existing
// id is refused.
func (s *GraphStore) PutProfile(ctx context.Context, p storage.Profile) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := p.Ident.Validate(); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	result, err := s.q().ExecContext(ctx, `
INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    display_name = excluded.display_name,
    email = excluded.email,
    first_name = excluded.first_name,
    last_name = excluded.last_name,
    external_id = excluded.external_id,
    updated_at = excluded.updated_at
WHERE profiles.type = excluded.type`,
		p.Ident.ID, string(p.Ident.Type), p.Properties.Name, p.Properties.DisplayName, p.Properties.Email,
		p.Properties.FirstName, p.Properties.LastName, p.Properties.ExternalID,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return sqliteconn.Classify("put profile "+p.Ident.ID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return apperrors.WithMetadata(
			apperrors.CodeProjectionInconsistent,
			fmt.Sprintf("profile %s exists with another type", p.Ident.ID),
			map[string]string{"profile_id": p.Ident.ID, "type": string(p.Ident.Type)},
		)
	}
	return nil
}

// DeleteProfile removes a vertex; edges and settings cascade.
func (s *GraphStore) DeleteProfile(ctx context.Context, id string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.q().ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return false, sqliteconn.Classify("delete profile "+id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect profile delete %s: %w", id, err)
	}
	return affected > 0, nil
}

const assignmentColumns = `compound_key, profile_id, profile_type, target_id, target_type, start_at, end_at, event_id, created_at`

// InsertAssignment stores an edge unless its compound key already exists.
func (s *GraphStore) InsertAssignment(ctx context.Context, a storage.AssignmentRecord) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if a.CompoundKey == "" {
		return false, apperrors.New(apperrors.CodeInvalidArgument, "compound key is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cond := a.Condition.Normalized()
	result, err := s.q().ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CompoundKey, a.Profile.ID, string(a.Profile.Type), a.Target.ID, string(a.Target.Type),
		toNullMillis(cond.Start), toNullMillis(cond.End), a.EventID, toMillis(a.CreatedAt),
	)
	if err != nil {
		if sqliteconn.IsConstraint(err) {
			return false, apperrors.WrapWithMetadata(
				apperrors.CodeProjectionInconsistent,
				"assignment references an unknown profile",
				map[string]string{"profile_id": a.Profile.ID, "target_id": a.Target.ID},
				err,
			)
		}
		return false, sqliteconn.Classify("insert assignment "+a.CompoundKey, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect assignment insert %s: %w", a.CompoundKey, err)
	}
	return affected == 1, nil
}

// DeleteAssignment removes the edge with compoundKey, if present.
func (s *GraphStore) DeleteAssignment(ctx context.Context, compoundKey string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.q().ExecContext(ctx, `DELETE FROM assignments WHERE compound_key = ?`, compoundKey)
	if err != nil {
		return false, sqliteconn.Classify("delete assignment "+compoundKey, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect assignment delete %s: %w", compoundKey, err)
	}
	return affected > 0, nil
}

// DeleteAssignmentsBetween removes every edge from profileID to targetID.
func (s *GraphStore) DeleteAssignmentsBetween(ctx context.Context, profileID, targetID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.q().ExecContext(ctx,
		`DELETE FROM assignments WHERE profile_id = ? AND target_id = ?`, profileID, targetID)
	if err != nil {
		return 0, sqliteconn.Classify("delete assignments", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect assignments delete: %w", err)
	}
	return int(affected), nil
}

// ListAssignmentsFrom returns the edges where id is the member.
func (s *GraphStore) ListAssignmentsFrom(ctx context.Context, id string) ([]storage.AssignmentRecord, error) {
	return s.listAssignments(ctx, `profile_id = ?`, id)
}

// ListAssignmentsTo returns the edges where id is the container.
func (s *GraphStore) ListAssignmentsTo(ctx context.Context, id string) ([]storage.AssignmentRecord, error) {
	return s.listAssignments(ctx, `target_id = ?`, id)
}

func (s *GraphStore) listAssignments(ctx context.Context, where string, id string) ([]storage.AssignmentRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE `+where+` ORDER BY compound_key ASC`, id)
	if err != nil {
		return nil, sqliteconn.Classify("list assignments "+id, err)
	}
	defer rows.Close()
	var out []storage.AssignmentRecord
	for rows.Next() {
		var (
			rec         storage.AssignmentRecord
			profileType string
			targetType  string
			start       sql.NullInt64
			end         sql.NullInt64
			createdAt   int64
		)
		if err := rows.Scan(&rec.CompoundKey, &rec.Profile.ID, &profileType, &rec.Target.ID, &targetType,
			&start, &end, &rec.EventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		rec.Profile.Type = ident.Type(profileType)
		rec.Target.Type = ident.Type(targetType)
		rec.Condition = assignment.RangeCondition{Start: fromNullMillis(start), End: fromNullMillis(end)}
		rec.CreatedAt = fromMillis(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

// SetClientSetting upserts one client setting.
func (s *GraphStore) SetClientSetting(ctx context.Context, cs storage.ClientSetting) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx,
		`INSERT INTO client_settings (profile_id, client, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(profile_id, client, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		cs.ProfileID, cs.Client, cs.Key, cs.Value, toMillis(cs.UpdatedAt),
	)
	if err != nil {
		if sqliteconn.IsConstraint(err) {
			return apperrors.Wrap(apperrors.CodeProjectionInconsistent, "client setting for unknown profile "+cs.ProfileID, err)
		}
		return sqliteconn.Classify("set client setting", err)
	}
	return nil
}

// DeleteClientSetting clears one client setting.
func (s *GraphStore) DeleteClientSetting(ctx context.Context, profileID, client, key string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	result, err := s.q().ExecContext(ctx,
		`DELETE FROM client_settings WHERE profile_id = ? AND client = ? AND key = ?`, profileID, client, key)
	if err != nil {
		return false, sqliteconn.Classify("delete client setting", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inspect client setting delete: %w", err)
	}
	return affected > 0, nil
}

// ListClientSettings returns the settings of one profile.
func (s *GraphStore) ListClientSettings(ctx context.Context, profileID string) ([]storage.ClientSetting, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.q().QueryContext(ctx,
		`SELECT profile_id, client, key, value, updated_at FROM client_settings
		 WHERE profile_id = ? ORDER BY client ASC, key ASC`, profileID)
	if err != nil {
		return nil, sqliteconn.Classify("list client settings", err)
	}
	defer rows.Close()
	var out []storage.ClientSetting
	for rows.Next() {
		var (
			cs        storage.ClientSetting
			updatedAt int64
		)
		if err := rows.Scan(&cs.ProfileID, &cs.Client, &cs.Key, &cs.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan client setting: %w", err)
		}
		cs.UpdatedAt = fromMillis(updatedAt)
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client settings: %w", err)
	}
	return out, nil
}

var (
	_ storage.GraphStore  = (*GraphStore)(nil)
	_ storage.GraphWriter = (*GraphStore)(nil)
)
