// Package commands holds the saga command handlers of the identity service.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/batch"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/saga"
)

// Command names.
const (
	UserCreate              = "UserCreate"
	GroupCreate             = "GroupCreate"
	OrganizationCreate      = "OrganizationCreate"
	RoleCreate              = "RoleCreate"
	FunctionCreate          = "FunctionCreate"
	ProfileDelete           = "ProfileDelete"
	ProfilePropertiesUpdate = "ProfilePropertiesUpdate"
	ContainerMembersAdd     = "ContainerMembersAdd"
	ContainerMembersRemove  = "ContainerMembersRemove"
	RangeConditionAdd       = "RangeConditionAdd"
	RangeConditionRemove    = "RangeConditionRemove"
	ClientSettingsSet       = "ClientSettingsSet"
	ClientSettingsUnset     = "ClientSettingsUnset"
)

// Definitions lists every identity command.
func Definitions() []saga.Definition {
	return []saga.Definition{
		{Name: UserCreate, New: saga.Typed(createProfile(ident.TypeUser))},
		{Name: GroupCreate, New: saga.Typed(createProfile(ident.TypeGroup))},
		{Name: OrganizationCreate, New: saga.Typed(createProfile(ident.TypeOrganization))},
		{Name: RoleCreate, New: saga.Typed(createProfile(ident.TypeRole))},
		{Name: FunctionCreate, New: saga.Typed(createProfile(ident.TypeFunction))},
		{Name: ProfileDelete, New: saga.Typed(deleteProfile)},
		{Name: ProfilePropertiesUpdate, New: saga.Typed(updateProperties)},
		{Name: ContainerMembersAdd, New: saga.Typed(addMembers)},
		{Name: ContainerMembersRemove, New: saga.Typed(removeMembers)},
		{Name: RangeConditionAdd, New: saga.Typed(addRangeCondition)},
		{Name: RangeConditionRemove, New: saga.Typed(removeRangeCondition)},
		{Name: ClientSettingsSet, New: saga.Typed(setClientSettings)},
		{Name: ClientSettingsUnset, New: saga.Typed(unsetClientSettings)},
	}
}

// NewRegistry builds the saga registry with every identity command.
func NewRegistry() (*saga.Registry, error) {
	return saga.NewRegistry(Definitions()...)
}

// CreateProfilePayload creates one profile. ID is generated when empty.
type CreateProfilePayload struct {
	ID string `json:"id,omitempty"`
	event.ProfileProperties
}

// Validate requires a name.
func (p CreateProfilePayload) Validate() error {
	return p.ProfileProperties.Validate()
}

func createProfile(typ ident.Type) func(context.Context, *batch.UnitOfWork, CreateProfilePayload) error {
	return func(_ context.Context, uow *batch.UnitOfWork, p CreateProfilePayload) error {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			generated, err := uow.NewID()
			if err != nil {
				return fmt.Errorf("profile id: %w", err)
			}
			id = generated
		}
		target, err := ident.New(id, typ)
		if err != nil {
			return err
		}
		return uow.Record(event.TypeProfileCreated, target, event.ProfileCreated{Properties: p.ProfileProperties})
	}
}

// ProfilePayload addresses one profile.
type ProfilePayload struct {
	Profile ident.ObjectIdent `json:"profile"`
}

// Validate checks the identity.
func (p ProfilePayload) Validate() error {
	return p.Profile.Validate()
}

func deleteProfile(_ context.Context, uow *batch.UnitOfWork, p ProfilePayload) error {
	return uow.Record(event.TypeProfileDeleted, p.Profile, event.ProfileDeleted{})
}

// UpdatePropertiesPayload patches the properties of one profile.
type UpdatePropertiesPayload struct {
	Profile ident.ObjectIdent   `json:"profile"`
	Update  event.ProfileUpdate `json:"update"`
}

// Validate rejects empty patches and cleared names.
func (p UpdatePropertiesPayload) Validate() error {
	if err := p.Profile.Validate(); err != nil {
		return err
	}
	return p.Update.Validate()
}

func updateProperties(_ context.Context, uow *batch.UnitOfWork, p UpdatePropertiesPayload) error {
	return uow.Record(event.TypeProfilePropertiesChanged, p.Profile, event.ProfilePropertiesChanged{Update: p.Update})
}

// MembersPayload adds or removes members of one container.
type MembersPayload struct {
	Container  ident.ObjectIdent           `json:"container"`
	Members    []ident.ObjectIdent         `json:"members"`
	Conditions []assignment.RangeCondition `json:"conditions,omitempty"`
}

// Validate requires a container and at least one member.
func (p MembersPayload) Validate() error {
	if err := p.Container.Validate(); err != nil {
		return err
	}
	if len(p.Members) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "at least one member is required")
	}
	return nil
}

func addMembers(_ context.Context, uow *batch.UnitOfWork, p MembersPayload) error {
	for _, member := range p.Members {
		if err := uow.Record(event.TypeAssignmentAdded, member, event.AssignmentAdded{
			Container:  p.Container,
			Conditions: p.Conditions,
		}); err != nil {
			return err
		}
	}
	return nil
}

func removeMembers(_ context.Context, uow *batch.UnitOfWork, p MembersPayload) error {
	if len(p.Conditions) > 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "conditions are not accepted when removing members")
	}
	for _, member := range p.Members {
		if err := uow.Record(event.TypeAssignmentRemoved, member, event.AssignmentRemoved{Container: p.Container}); err != nil {
			return err
		}
	}
	return nil
}

// RangeConditionPayload adds or revokes one temporal assignment.
type RangeConditionPayload struct {
	Profile   ident.ObjectIdent         `json:"profile"`
	Container ident.ObjectIdent         `json:"container"`
	Condition assignment.RangeCondition `json:"condition"`
}

// Validate checks the assignment the payload describes.
func (p RangeConditionPayload) Validate() error {
	return assignment.Assignment{Profile: p.Profile, Target: p.Container, Condition: p.Condition}.Validate()
}

func addRangeCondition(_ context.Context, uow *batch.UnitOfWork, p RangeConditionPayload) error {
	return uow.Record(event.TypeRangeConditionAdded, p.Profile, event.RangeConditionAdded{
		Container: p.Container,
		Condition: p.Condition,
	})
}

func removeRangeCondition(_ context.Context, uow *batch.UnitOfWork, p RangeConditionPayload) error {
	return uow.Record(event.TypeRangeConditionRemoved, p.Profile, event.RangeConditionRemoved{
		Container: p.Container,
		Condition: p.Condition,
	})
}

// ClientSettingsPayload sets settings of one client on a profile.
type ClientSettingsPayload struct {
	Profile  ident.ObjectIdent `json:"profile"`
	Client   string            `json:"client"`
	Settings map[string]string `json:"settings"`
}

// Validate requires a client and at least one setting.
func (p ClientSettingsPayload) Validate() error {
	if err := p.Profile.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Client) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "client is required")
	}
	if len(p.Settings) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "at least one setting is required")
	}
	return nil
}

func setClientSettings(_ context.Context, uow *batch.UnitOfWork, p ClientSettingsPayload) error {
	keys := make([]string, 0, len(p.Settings))
	for key := range p.Settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := uow.Record(event.TypeClientSettingChanged, p.Profile, event.ClientSettingChanged{
			Client: p.Client,
			Key:    key,
			Value:  p.Settings[key],
		}); err != nil {
			return err
		}
	}
	return nil
}

// ClientSettingsUnsetPayload clears settings of one client on a profile.
type ClientSettingsUnsetPayload struct {
	Profile ident.ObjectIdent `json:"profile"`
	Client  string            `json:"client"`
	Keys    []string          `json:"keys"`
}

// Validate requires a client and at least one key.
func (p ClientSettingsUnsetPayload) Validate() error {
	if err := p.Profile.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Client) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "client is required")
	}
	if len(p.Keys) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "at least one key is required")
	}
	return nil
}

func unsetClientSettings(_ context.Context, uow *batch.UnitOfWork, p ClientSettingsUnsetPayload) error {
	for _, key := range p.Keys {
		if err := uow.Record(event.TypeClientSettingRemoved, p.Profile, event.ClientSettingRemoved{
			Client: p.Client,
			Key:    key,
		}); err != nil {
			return err
		}
	}
	return nil
}
