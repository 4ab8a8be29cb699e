package host

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSetting is wrapped by ConfigError when a required setting is absent or empty.
	ErrMissingSetting = errors.New("missing required setting")

	// ErrInvalidSetting is wrapped by ConfigError when a setting has an unusable value.
	ErrInvalidSetting = errors.New("invalid setting")
)

// ConfigError describes a client setting that failed validation. It is
// returned before any client is constructed.
type ConfigError struct {
	// Field is the settings field, e.g. "ConnectionString"
	Field string

	// Value is the offending value; empty for missing settings
	Value string

	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s (value %q)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// MissingSetting returns a ConfigError wrapping ErrMissingSetting.
func MissingSetting(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrMissingSetting}
}

// InvalidSetting returns a ConfigError wrapping ErrInvalidSetting.
func InvalidSetting(field, value, message string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Message: message, Err: ErrInvalidSetting}
}
