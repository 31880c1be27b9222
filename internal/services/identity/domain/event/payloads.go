package event

import (
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
)

// ProfileCreated announces a new profile on its own stream.
type ProfileCreated struct {
	Properties ProfileProperties `json:"properties"`
}

// ProfileDeleted removes the profile and all of its relations.
type ProfileDeleted struct{}

// ProfilePropertiesChanged carries a partial property update.
type ProfilePropertiesChanged struct {
	Update ProfileUpdate `json:"update"`
}

// AssignmentAdded places the target profile of the event into Container.
// An empty Conditions list means a single unbounded assignment.
type AssignmentAdded struct {
	Container  ident.ObjectIdent           `json:"container"`
	Conditions []assignment.RangeCondition `json:"conditions,omitempty"`
}

// AssignmentRemoved drops every assignment between the profile and Container.
type AssignmentRemoved struct {
	Container ident.ObjectIdent `json:"container"`
}

// RangeConditionAdded adds one temporal assignment to Container.
type RangeConditionAdded struct {
	Container ident.ObjectIdent         `json:"container"`
	Condition assignment.RangeCondition `json:"condition"`
}

// RangeConditionRemoved revokes the assignment matching Condition.
type RangeConditionRemoved struct {
	Container ident.ObjectIdent         `json:"container"`
	Condition assignment.RangeCondition `json:"condition"`
}

// ClientSettingChanged sets a per-client setting on the profile.
type ClientSettingChanged struct {
	Client string `json:"client"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// ClientSettingRemoved clears a per-client setting.
type ClientSettingRemoved struct {
	Client string `json:"client"`
	Key    string `json:"key"`
}

// Assignments expands the payload into one assignment per condition.
func (p AssignmentAdded) Assignments(member ident.ObjectIdent) []assignment.Assignment {
	if len(p.Conditions) == 0 {
		return []assignment.Assignment{{Profile: member, Target: p.Container}}
	}
	out := make([]assignment.Assignment, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		out = append(out, assignment.Assignment{Profile: member, Target: p.Container, Condition: c})
	}
	return out
}
