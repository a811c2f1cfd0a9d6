package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses value as a duration, substituting defaultValue
// when value is blank. A doubly blank or unparsable input is an error.
func DurationOrDefault(value, defaultValue string) (time.Duration, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		raw = strings.TrimSpace(defaultValue)
	}
	if raw == "" {
		return 0, fmt.Errorf("no duration given")
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", raw, err)
	}
	return d, nil
}
