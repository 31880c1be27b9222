// Package assignment models memberships of profiles in containers and the
// compound keys that deduplicate their temporal variants.
package assignment

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

// RangeCondition bounds an assignment in time. A nil bound is open.
type RangeCondition struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Validate enforces start <= end when both bounds are present.
func (c RangeCondition) Validate() error {
	if c.Start != nil && c.End != nil && c.Start.After(*c.End) {
		return apperrors.WithMetadata(
			apperrors.CodeInvalidArgument,
			"range condition start must not be after end",
			map[string]string{
				"start": c.Start.UTC().Format(time.RFC3339),
				"end":   c.End.UTC().Format(time.RFC3339),
			},
		)
	}
	return nil
}

// Unbounded reports whether neither bound is set.
func (c RangeCondition) Unbounded() bool {
	return c.Start == nil && c.End == nil
}

// ActiveAt reports whether at falls in [start, end).
func (c RangeCondition) ActiveAt(at time.Time) bool {
	if c.Start != nil && at.Before(*c.Start) {
		return false
	}
	if c.End != nil && !at.Before(*c.End) {
		return false
	}
	return true
}

// Normalized returns a copy with both bounds truncated to seconds in UTC,
// the precision compound keys are computed at.
func (c RangeCondition) Normalized() RangeCondition {
	return RangeCondition{Start: normalize(c.Start), End: normalize(c.End)}
}

func normalize(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Second)
	return &v
}

// Assignment links a member profile to a container under a condition.
type Assignment struct {
	Profile   ident.ObjectIdent `json:"profile"`
	Target    ident.ObjectIdent `json:"target"`
	Condition RangeCondition    `json:"condition"`
}

// Validate checks the identities, their roles and the condition.
func (a Assignment) Validate() error {
	if err := a.Profile.Validate(); err != nil {
		return err
	}
	if err := a.Target.Validate(); err != nil {
		return err
	}
	if !a.Profile.Type.IsMember() {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("%s cannot be a member", a.Profile.Type))
	}
	if !a.Target.Type.IsContainer() {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("%s cannot hold members", a.Target.Type))
	}
	if a.Profile == a.Target {
		return apperrors.New(apperrors.CodeInvalidArgument, "profile cannot be assigned to itself")
	}
	return a.Condition.Validate()
}

// CompoundKey computes the dedup key of the assignment.
func (a Assignment) CompoundKey() (string, error) {
	return KeyCalculator{}.Calculate(a.Profile.ID, a.Target.ID, a.Condition.Start, a.Condition.End)
}

// KeyCalculator produces "{profile}:{target}:{start}:{end}" keys with
// bounds rendered at second precision in UTC and open bounds as "".
type KeyCalculator struct{}

// Calculate is pure and deterministic.
func (KeyCalculator) Calculate(profileID, targetID string, start, end *time.Time) (string, error) {
	if strings.TrimSpace(profileID) == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "profile id is required for compound key")
	}
	if strings.TrimSpace(targetID) == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "target id is required for compound key")
	}
	if strings.ContainsRune(profileID, ident.ReservedIDChar) || strings.ContainsRune(targetID, ident.ReservedIDChar) {
		return "", apperrors.WithMetadata(
			apperrors.CodeInvalidArgument,
			fmt.Sprintf("compound key ids may not contain %q", ident.ReservedIDChar),
			map[string]string{"profile": profileID, "target": targetID},
		)
	}
	var b strings.Builder
	b.Grow(len(profileID) + len(targetID) + 2*len(time.RFC3339) + 3)
	b.WriteString(profileID)
	b.WriteByte(':')
	b.WriteString(targetID)
	b.WriteByte(':')
	b.WriteString(formatBound(start))
	b.WriteByte(':')
	b.WriteString(formatBound(end))
	return b.String(), nil
}

func formatBound(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
