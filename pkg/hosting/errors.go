package hosting

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyConnectionString is wrapped by ResolutionError when a connection string evaluates to "".
	ErrEmptyConnectionString = errors.New("connection string is empty")

	// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyCompleted is returned when an endpoint allocation is completed twice.
	ErrAlreadyCompleted = errors.New("endpoint allocation already completed")

	// ErrResourceFailed is returned to waiters when the awaited resource reached a terminal failure.
	ErrResourceFailed = errors.New("resource failed")

	// ErrNotFound is returned for unknown resource names.
	ErrNotFound = errors.New("resource not found")
)

// ConfigError is a build-time misconfiguration of the application model.
type ConfigError struct {
	Resource string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("resource %q: %s", e.Resource, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(resource, format string, args ...any) *ConfigError {
	return &ConfigError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

// ResolutionError means a resource could not obtain its endpoint or
// connection string. It is terminal for the resource and aborts start.
type ResolutionError struct {
	Resource string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resource %q failed to resolve: %v", e.Resource, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err is or wraps a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
