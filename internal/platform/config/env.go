package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every identity.space environment variable.
const EnvPrefix = "IDENTITY_SPACE_"

// ParsePrefixedEnv loads configuration from environment variables, prepending
// EnvPrefix to every tag name so structs can use short keys.
func ParsePrefixedEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
