package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config structs can accept human-readable
// strings ("30s", "5m", "1h30m") from YAML, TOML and JSON alike instead of
// raw nanosecond integers.
type Duration struct {
	time.Duration
}

// NewDuration builds a Duration from a time.Duration value.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	d.Duration = parsed

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	return d.UnmarshalText([]byte(s))
}
