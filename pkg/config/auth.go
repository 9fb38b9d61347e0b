package config

import (
	"fmt"
	"os"
	"strings"
)

// AuthConfig lists the authentication methods advertised at initialize.
// With no methods configured, sessions need no authentication.
type AuthConfig struct {
	Methods []AuthMethod `toml:"methods"`
}

// AuthMethod is one advertised method. When Env is set, authenticating
// with the method succeeds only if that environment variable holds a
// credential.
type AuthMethod struct {
	ID          string `toml:"id"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Env         string `toml:"env"`
}

// Required reports whether sessions must authenticate first.
func (c AuthConfig) Required() bool {
	return len(c.Methods) > 0
}

// Resolve checks that methodID is configured and its credential is present.
func (c AuthConfig) Resolve(methodID string) error {
	for _, m := range c.Methods {
		if m.ID != methodID {
			continue
		}
		if m.Env != "" && strings.TrimSpace(os.Getenv(m.Env)) == "" {
			return fmt.Errorf("auth method %q: set %s", methodID, m.Env)
		}
		return nil
	}
	return fmt.Errorf("unknown auth method %q", methodID)
}

func (c AuthConfig) validate() error {
	seen := make(map[string]bool, len(c.Methods))
	for _, m := range c.Methods {
		if m.ID == "" {
			return fmt.Errorf("auth.methods: id must not be empty")
		}
		if seen[m.ID] {
			return fmt.Errorf("auth.methods: duplicate id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}
