package firstlevel

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

// applier mutates the graph for one event inside the apply transaction.
type applier struct {
	w   storage.GraphWriter
	now time.Time
}

type handlerEntry struct {
	apply func(applier, context.Context, event.Recorded) error
}

// decoded adapts a typed applier to a handler entry.
func decoded[P any](fn func(applier, context.Context, event.Recorded, P) error) handlerEntry {
	return handlerEntry{apply: func(a applier, ctx context.Context, rec event.Recorded) error {
		payload, err := event.Decode[P](rec.Event)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeProjectionInconsistent, fmt.Sprintf("decode %s payload", rec.Type), err)
		}
		return fn(a, ctx, rec, payload)
	}}
}

var handlers = map[event.Type]handlerEntry{
	event.TypeProfileCreated:           decoded(applier.applyProfileCreated),
	event.TypeProfileDeleted:           decoded(applier.applyProfileDeleted),
	event.TypeProfilePropertiesChanged: decoded(applier.applyPropertiesChanged),
	event.TypeAssignmentAdded:          decoded(applier.applyAssignmentAdded),
	event.TypeAssignmentRemoved:        decoded(applier.applyAssignmentRemoved),
	event.TypeRangeConditionAdded:      decoded(applier.applyRangeConditionAdded),
	event.TypeRangeConditionRemoved:    decoded(applier.applyRangeConditionRemoved),
	event.TypeClientSettingChanged:     decoded(applier.applyClientSettingChanged),
	event.TypeClientSettingRemoved:     decoded(applier.applyClientSettingRemoved),
}

func (a applier) timestamp(rec event.Recorded) time.Time {
	if rec.Metadata.Timestamp.IsZero() {
		return a.now
	}
	return rec.Metadata.Timestamp.UTC()
}

func (a applier) requireProfile(ctx context.Context, rec event.Recorded) (storage.Profile, error) {
	profile, found, err := a.w.GetProfile(ctx, rec.Target.ID)
	if err != nil {
		return storage.Profile{}, err
	}
	if !found || profile.Ident.Type != rec.Target.Type {
		return storage.Profile{}, apperrors.WithMetadata(
			apperrors.CodeProjectionInconsistent,
			fmt.Sprintf("%s references unknown profile %s", rec.Type, rec.Target),
			map[string]string{"event_id": rec.ID, "profile_id": rec.Target.ID},
		)
	}
	return profile, nil
}

func (a applier) applyProfileCreated(ctx context.Context, rec event.Recorded, p event.ProfileCreated) error {
	at := a.timestamp(rec)
	return a.w.PutProfile(ctx, storage.Profile{
		Ident:      rec.Target,
		Properties: p.Properties,
		CreatedAt:  at,
		UpdatedAt:  at,
	})
}

func (a applier) applyProfileDeleted(ctx context.Context, rec event.Recorded, _ event.ProfileDeleted) error {
	if _, err := a.requireProfile(ctx, rec); err != nil {
		return err
	}
	_, err := a.w.DeleteProfile(ctx, rec.Target.ID)
	return err
}

func (a applier) applyPropertiesChanged(ctx context.Context, rec event.Recorded, p event.ProfilePropertiesChanged) error {
	profile, err := a.requireProfile(ctx, rec)
	if err != nil {
		return err
	}
	profile.Properties = profile.Properties.Apply(p.Update)
	profile.UpdatedAt = a.timestamp(rec)
	return a.w.PutProfile(ctx, profile)
}

func (a applier) insertAssignment(ctx context.Context, rec event.Recorded, asg assignment.Assignment) error {
	key, err := asg.CompoundKey()
	if err != nil {
		return err
	}
	_, err = a.w.InsertAssignment(ctx, storage.AssignmentRecord{
		CompoundKey: key,
		Assignment:  asg,
		EventID:     rec.ID,
		CreatedAt:   a.timestamp(rec),
	})
	return err
}

func (a applier) applyAssignmentAdded(ctx context.Context, rec event.Recorded, p event.AssignmentAdded) error {
	for _, asg := range p.Assignments(rec.Target) {
		if err := a.insertAssignment(ctx, rec, asg); err != nil {
			return err
		}
	}
	return nil
}

func (a applier) applyAssignmentRemoved(ctx context.Context, rec event.Recorded, p event.AssignmentRemoved) error {
	_, err := a.w.DeleteAssignmentsBetween(ctx, rec.Target.ID, p.Container.ID)
	return err
}

func (a applier) applyRangeConditionAdded(ctx context.Context, rec event.Recorded, p event.RangeConditionAdded) error {
	return a.insertAssignment(ctx, rec, assignment.Assignment{
		Profile:   rec.Target,
		Target:    p.Container,
		Condition: p.Condition,
	})
}

func (a applier) applyRangeConditionRemoved(ctx context.Context, rec event.Recorded, p event.RangeConditionRemoved) error {
	key, err := assignment.KeyCalculator{}.Calculate(rec.Target.ID, p.Container.ID, p.Condition.Start, p.Condition.End)
	if err != nil {
		return err
	}
	_, err = a.w.DeleteAssignment(ctx, key)
	return err
}

func (a applier) applyClientSettingChanged(ctx context.Context, rec event.Recorded, p event.ClientSettingChanged) error {
	if _, err := a.requireProfile(ctx, rec); err != nil {
		return err
	}
	return a.w.SetClientSetting(ctx, storage.ClientSetting{
		ProfileID: rec.Target.ID,
		Client:    p.Client,
		Key:       p.Key,
		Value:     p.Value,
		UpdatedAt: a.timestamp(rec),
	})
}

func (a applier) applyClientSettingRemoved(ctx context.Context, rec event.Recorded, p event.ClientSettingRemoved) error {
	_, err := a.w.DeleteClientSetting(ctx, rec.Target.ID, p.Client, p.Key)
	return err
}
