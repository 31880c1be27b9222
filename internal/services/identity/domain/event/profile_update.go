package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// ProfileProperties is the full property set of a profile.
type ProfileProperties struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
}

// ProfileUpdate enumerates the properties a caller may patch. A nil field is
// left untouched; a non-nil empty string clears the value.
type ProfileUpdate struct {
	Name        *string `json:"name,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Email       *string `json:"email,omitempty"`
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	ExternalID  *string `json:"external_id,omitempty"`
}

// Validate rejects empty patches and cleared names.
func (u ProfileUpdate) Validate() error {
	if u.IsEmpty() {
		return apperrors.New(apperrors.CodeInvalidArgument, "profile update has no fields")
	}
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "profile name cannot be cleared")
	}
	return nil
}

// IsEmpty reports whether no field is set.
func (u ProfileUpdate) IsEmpty() bool {
	return u == ProfileUpdate{}
}

// Apply returns p with the update's non-nil fields applied.
func (p ProfileProperties) Apply(u ProfileUpdate) ProfileProperties {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.Name, u.Name)
	set(&p.DisplayName, u.DisplayName)
	set(&p.Email, u.Email)
	set(&p.FirstName, u.FirstName)
	set(&p.LastName, u.LastName)
	set(&p.ExternalID, u.ExternalID)
	return p
}

// Validate requires a name.
func (p ProfileProperties) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "profile name is required")
	}
	return nil
}

// DecodeStrict unmarshals a single JSON object into target and reports unknown
// fields as UNKNOWN_FIELD validation errors.
func DecodeStrict(raw []byte, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			return apperrors.WithMetadata(
				apperrors.CodeUnknownField,
				err.Error(),
				map[string]string{"field": strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)},
			)
		}
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "decode payload", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperrors.New(apperrors.CodeInvalidArgument, "payload must contain a single json object")
	}
	return nil
}
