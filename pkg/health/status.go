package health

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the outcome of a health check.
type Status int

const (
	// Unhealthy is the zero value so an unset FailureStatus means Unhealthy.
	Unhealthy Status = iota
	Degraded
	Healthy
)

func (s Status) String() string {
	switch s {
	case Unhealthy:
		return "Unhealthy"
	case Degraded:
		return "Degraded"
	case Healthy:
		return "Healthy"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name (case-insensitive).
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses "healthy", "degraded" or "unhealthy".
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "healthy":
		return Healthy, nil
	case "degraded":
		return Degraded, nil
	case "unhealthy":
		return Unhealthy, nil
	default:
		return Unhealthy, fmt.Errorf("unknown health status %q", name)
	}
}
