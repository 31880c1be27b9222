// Package secondlevel maintains denormalized profile documents: a profile
// with its properties, client settings and resolved member/member-of lists.
//
// Documents for profiles referenced before their creation event arrives are
// created as placeholders and filled in later. Renames are copied into the
// documents that reference the renamed profile.
package secondlevel

import (
	"context"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

// ConsumerName is the checkpoint and dedup key of the second-level projection.
const ConsumerName = "second-level"

// Projection applies identity events to a document store.
type Projection struct {
	store storage.DocumentStore
	clock func() time.Time
}

// New builds a projection over store. clock may be nil.
func New(store storage.DocumentStore, clock func() time.Time) *Projection {
	if clock == nil {
		clock = time.Now
	}
	return &Projection{store: store, clock: clock}
}

// Name returns ConsumerName.
func (p *Projection) Name() string { return ConsumerName }

// Apply applies rec exactly once and reports false for a redelivery.
func (p *Projection) Apply(ctx context.Context, rec event.Recorded) (bool, error) {
	if p == nil || p.store == nil {
		return false, fmt.Errorf("document store is not configured")
	}
	return p.store.ApplyEventExactlyOnce(ctx, ConsumerName, rec, func(ctx context.Context, w storage.DocumentWriter) error {
		apply, ok := handlers[rec.Type]
		if !ok {
			return nil
		}
		if !rec.HasTarget() {
			return fmt.Errorf("event %s (%s) has no target", rec.ID, rec.Type)
		}
		at := rec.Metadata.Timestamp.UTC()
		if rec.Metadata.Timestamp.IsZero() {
			at = p.clock().UTC()
		}
		s := &session{w: w, rec: rec, at: at, docs: map[string]*storage.ProfileDocument{}, dirty: map[string]bool{}}
		if err := apply(s, ctx); err != nil {
			return err
		}
		return s.flush(ctx)
	})
}

// session batches document reads and writes for one event.
type session struct {
	w       storage.DocumentWriter
	rec     event.Recorded
	at      time.Time
	docs    map[string]*storage.ProfileDocument
	dirty   map[string]bool
	deleted []string
}

// load returns the document for o, creating a placeholder when absent.
func (s *session) load(ctx context.Context, o ident.ObjectIdent) (*storage.ProfileDocument, error) {
	if doc, ok := s.docs[o.ID]; ok {
		return doc, nil
	}
	doc, found, err := s.w.GetDocument(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	if !found {
		doc = storage.ProfileDocument{ID: o.ID, Type: o.Type, Placeholder: true}
		s.dirty[o.ID] = true
	} else if doc.Type != o.Type {
		return nil, apperrors.WithMetadata(
			apperrors.CodeProjectionInconsistent,
			fmt.Sprintf("document %s has type %s, event %s expects %s", o.ID, doc.Type, s.rec.ID, o.Type),
			map[string]string{"profile_id": o.ID, "event_id": s.rec.ID},
		)
	}
	s.docs[o.ID] = &doc
	return &doc, nil
}

func (s *session) touch(doc *storage.ProfileDocument) {
	s.dirty[doc.ID] = true
}

func (s *session) flush(ctx context.Context) error {
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc := s.docs[id]
		doc.Position = s.rec.Position
		doc.UpdatedAt = s.at
		if err := s.w.PutDocument(ctx, *doc); err != nil {
			return fmt.Errorf("put document %s: %w", id, err)
		}
	}
	for _, id := range s.deleted {
		if _, err := s.w.DeleteDocument(ctx, id); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
	}
	return nil
}

var handlers = map[event.Type]func(*session, context.Context) error{
	event.TypeProfileCreated:           decoded((*session).profileCreated),
	event.TypeProfileDeleted:           decoded((*session).profileDeleted),
	event.TypeProfilePropertiesChanged: decoded((*session).propertiesChanged),
	event.TypeAssignmentAdded:          decoded((*session).assignmentAdded),
	event.TypeAssignmentRemoved:        decoded((*session).assignmentRemoved),
	event.TypeRangeConditionAdded:      decoded((*session).rangeConditionAdded),
	event.TypeRangeConditionRemoved:    decoded((*session).rangeConditionRemoved),
	event.TypeClientSettingChanged:     decoded((*session).clientSettingChanged),
	event.TypeClientSettingRemoved:     decoded((*session).clientSettingRemoved),
}

func decoded[P any](fn func(*session, context.Context, P) error) func(*session, context.Context) error {
	return func(s *session, ctx context.Context) error {
		payload, err := event.Decode[P](s.rec.Event)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeProjectionInconsistent, fmt.Sprintf("decode %s payload", s.rec.Type), err)
		}
		return fn(s, ctx, payload)
	}
}

func (s *session) profileCreated(ctx context.Context, p event.ProfileCreated) error {
	doc, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	doc.Properties = p.Properties
	doc.Placeholder = false
	s.touch(doc)
	return s.propagateName(ctx, doc)
}

func (s *session) profileDeleted(ctx context.Context, _ event.ProfileDeleted) error {
	doc, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	for _, ref := range doc.MemberOf {
		container, err := s.load(ctx, ident.ObjectIdent{ID: ref.ID, Type: ref.Type})
		if err != nil {
			return err
		}
		container.Members = removeRef(container.Members, doc.ID)
		s.touch(container)
	}
	for _, ref := range doc.Members {
		member, err := s.load(ctx, ident.ObjectIdent{ID: ref.ID, Type: ref.Type})
		if err != nil {
			return err
		}
		member.MemberOf = removeRef(member.MemberOf, doc.ID)
		s.touch(member)
	}
	delete(s.dirty, doc.ID)
	s.deleted = append(s.deleted, doc.ID)
	return nil
}

func (s *session) propertiesChanged(ctx context.Context, p event.ProfilePropertiesChanged) error {
	doc, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	previous := doc.Properties.Name
	doc.Properties = doc.Properties.Apply(p.Update)
	s.touch(doc)
	if doc.Properties.Name == previous {
		return nil
	}
	return s.propagateName(ctx, doc)
}

// propagateName copies doc's name into the references held by its
// counterparts.
func (s *session) propagateName(ctx context.Context, doc *storage.ProfileDocument) error {
	for _, ref := range doc.MemberOf {
		container, err := s.load(ctx, ident.ObjectIdent{ID: ref.ID, Type: ref.Type})
		if err != nil {
			return err
		}
		if renameRef(container.Members, doc.ID, doc.Properties.Name) {
			s.touch(container)
		}
	}
	for _, ref := range doc.Members {
		member, err := s.load(ctx, ident.ObjectIdent{ID: ref.ID, Type: ref.Type})
		if err != nil {
			return err
		}
		if renameRef(member.MemberOf, doc.ID, doc.Properties.Name) {
			s.touch(member)
		}
	}
	return nil
}

func (s *session) link(ctx context.Context, container ident.ObjectIdent, conditions []assignment.RangeCondition) error {
	member, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	target, err := s.load(ctx, container)
	if err != nil {
		return err
	}
	member.MemberOf = addRef(member.MemberOf, storage.MemberRef{ID: target.ID, Type: target.Type, Name: target.Properties.Name}, conditions)
	target.Members = addRef(target.Members, storage.MemberRef{ID: member.ID, Type: member.Type, Name: member.Properties.Name}, conditions)
	s.touch(member)
	s.touch(target)
	return nil
}

func (s *session) unlink(ctx context.Context, container ident.ObjectIdent, condition *assignment.RangeCondition) error {
	member, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	target, err := s.load(ctx, container)
	if err != nil {
		return err
	}
	if condition == nil {
		member.MemberOf = removeRef(member.MemberOf, target.ID)
		target.Members = removeRef(target.Members, member.ID)
	} else {
		member.MemberOf = removeCondition(member.MemberOf, target.ID, *condition)
		target.Members = removeCondition(target.Members, member.ID, *condition)
	}
	s.touch(member)
	s.touch(target)
	return nil
}

func (s *session) assignmentAdded(ctx context.Context, p event.AssignmentAdded) error {
	conditions := p.Conditions
	if len(conditions) == 0 {
		conditions = []assignment.RangeCondition{{}}
	}
	return s.link(ctx, p.Container, conditions)
}

func (s *session) assignmentRemoved(ctx context.Context, p event.AssignmentRemoved) error {
	return s.unlink(ctx, p.Container, nil)
}

func (s *session) rangeConditionAdded(ctx context.Context, p event.RangeConditionAdded) error {
	return s.link(ctx, p.Container, []assignment.RangeCondition{p.Condition})
}

func (s *session) rangeConditionRemoved(ctx context.Context, p event.RangeConditionRemoved) error {
	return s.unlink(ctx, p.Container, &p.Condition)
}

func (s *session) clientSettingChanged(ctx context.Context, p event.ClientSettingChanged) error {
	doc, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	if doc.ClientSettings == nil {
		doc.ClientSettings = map[string]map[string]string{}
	}
	if doc.ClientSettings[p.Client] == nil {
		doc.ClientSettings[p.Client] = map[string]string{}
	}
	doc.ClientSettings[p.Client][p.Key] = p.Value
	s.touch(doc)
	return nil
}

func (s *session) clientSettingRemoved(ctx context.Context, p event.ClientSettingRemoved) error {
	doc, err := s.load(ctx, s.rec.Target)
	if err != nil {
		return err
	}
	if settings := doc.ClientSettings[p.Client]; settings != nil {
		delete(settings, p.Key)
		if len(settings) == 0 {
			delete(doc.ClientSettings, p.Client)
		}
	}
	s.touch(doc)
	return nil
}
