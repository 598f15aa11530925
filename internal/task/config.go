package task

import (
	"fmt"
	"time"
)

// Config is the opaque key/value configuration attached to a task or step.
// It is validated by the task type's handler, never by the engine itself.
type Config map[string]any

// Clone returns a shallow copy (values are assumed immutable by convention).
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	cp := make(Config, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Merge returns a new Config with overrides applied on top of c.
// A key present in both maps takes the override's value (last-write-wins).
func (c Config) Merge(overrides Config) Config {
	if len(overrides) == 0 {
		return c.Clone()
	}
	out := make(Config, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// String returns the value under key as a string.
// Missing keys and non-string values return "".
func (c Config) String(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns the value under key as an int, tolerating the numeric types
// JSON/YAML decoding produces (float64, int64).
func (c Config) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Bool returns the value under key as a bool.
func (c Config) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Duration reads key either as a Go duration string ("30s") or as a number
// of milliseconds (common for *_ms keys).
func (c Config) Duration(key string) (time.Duration, error) {
	v, ok := c[key]
	if !ok {
		return 0, nil
	}
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q", key, t)
		}
		return d, nil
	case int:
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		return time.Duration(t) * time.Millisecond, nil
	case float64:
		return time.Duration(t) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("%s: unsupported duration value %T", key, v)
	}
}
