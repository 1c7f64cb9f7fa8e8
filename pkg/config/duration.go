package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses either a Go duration string ("1m30s") or a bare
// number of seconds from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Numeric scalars also decode into a Go string, so the tag is the
	// only reliable way to tell "45" the number from "45s" the string.
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value: %w", err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
