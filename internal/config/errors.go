package config

import (
	"fmt"
	"strings"
)

// ConfigError reports missing or malformed settings. It is fatal at startup.
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required config: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("invalid config: %s", strings.Join(e.Invalid, "; ")))
	}
	return strings.Join(parts, "; ")
}
