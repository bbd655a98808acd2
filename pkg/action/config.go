package action

import (
	"fmt"
	"time"
)

// ErrKeyNotFound reports a missing config key.
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("config key %q not found", e.Key)
}

// ErrTypeAssertion reports a config value of the wrong type. The value
// itself is not included so config contents never leak into errors.
type ErrTypeAssertion struct {
	Key  string
	Got  string
	Want string
}

func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("config key %q has type %s, want %s", e.Key, e.Got, e.Want)
}

// Config is a step's config block with typed accessors. Values arrive
// normalized from the definition parser, so integer values are int64 and
// nested collections are map[string]any / []any.
type Config map[string]any

// GetString retrieves a string value.
// Returns ErrKeyNotFound if the key doesn't exist, ErrTypeAssertion if wrong type.
func (c Config) GetString(key string) (string, error) {
	val, ok := c[key]
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	str, ok := val.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "string"}
	}
	return str, nil
}

// GetStringOr returns a string value or the default if the key is missing
// or the wrong type. Never panics.
func (c Config) GetStringOr(key, defaultVal string) string {
	str, err := c.GetString(key)
	if err != nil {
		return defaultVal
	}
	return str
}

// GetInt64 retrieves an integer value, accepting the numeric types that
// YAML and JSON decoding produce.
func (c Config) GetInt64(key string) (int64, error) {
	val, ok := c[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "int64"}
	}
}

// GetInt64Or returns an integer value or the default if the key is
// missing or the wrong type. Never panics.
func (c Config) GetInt64Or(key string, defaultVal int64) int64 {
	i, err := c.GetInt64(key)
	if err != nil {
		return defaultVal
	}
	return i
}

// GetBool retrieves a bool value.
func (c Config) GetBool(key string) (bool, error) {
	val, ok := c[key]
	if !ok {
		return false, ErrKeyNotFound{Key: key}
	}
	b, ok := val.(bool)
	if !ok {
		return false, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "bool"}
	}
	return b, nil
}

// GetBoolOr returns a bool value or the default if the key is missing or
// the wrong type. Never panics.
func (c Config) GetBoolOr(key string, defaultVal bool) bool {
	b, err := c.GetBool(key)
	if err != nil {
		return defaultVal
	}
	return b
}

// GetFloat64 retrieves a float value, widening integers.
func (c Config) GetFloat64(key string) (float64, error) {
	val, ok := c[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "float64"}
	}
}

// GetFloat64Or returns a float value or the default if the key is
// missing or the wrong type. Never panics.
func (c Config) GetFloat64Or(key string, defaultVal float64) float64 {
	f, err := c.GetFloat64(key)
	if err != nil {
		return defaultVal
	}
	return f
}

// GetSlice retrieves a list value.
func (c Config) GetSlice(key string) ([]any, error) {
	val, ok := c[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	slice, ok := val.([]any)
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "[]any"}
	}
	return slice, nil
}

// GetMap retrieves a nested map value.
func (c Config) GetMap(key string) (map[string]any, error) {
	val, ok := c[key]
	if !ok {
		return nil, ErrKeyNotFound{Key: key}
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "map[string]any"}
	}
	return m, nil
}

// GetDuration retrieves a duration: a string in time.ParseDuration form
// or a bare number of seconds.
func (c Config) GetDuration(key string) (time.Duration, error) {
	val, ok := c[key]
	if !ok {
		return 0, ErrKeyNotFound{Key: key}
	}
	switch v := val.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config key %q: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", val), Want: "duration"}
	}
}

// GetDurationOr returns a duration or the default if the key is missing
// or unparseable. Never panics.
func (c Config) GetDurationOr(key string, defaultVal time.Duration) time.Duration {
	d, err := c.GetDuration(key)
	if err != nil {
		return defaultVal
	}
	return d
}

// Has reports whether the key is present.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}
