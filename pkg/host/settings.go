package host

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"evalgo.org/apphost/pkg/connstr"
)

// Layer applies one configuration source to settings.
type Layer[S any] func(s *S) error

// ResolveSettings folds layers over a zero S in order; later layers win.
func ResolveSettings[S any](layers ...Layer[S]) (S, error) {
	var s S
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if err := layer(&s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Defaults starts from a fixed value.
func Defaults[S any](defaults S) Layer[S] {
	return func(s *S) error {
		*s = defaults
		return nil
	}
}

// FromSection binds the keys under path. Missing sections are skipped.
func FromSection[S any](v *viper.Viper, path string) Layer[S] {
	return func(s *S) error {
		if v == nil || path == "" {
			return nil
		}
		sub := v.Sub(path)
		if sub == nil {
			return nil
		}
		if err := sub.Unmarshal(s); err != nil {
			return fmt.Errorf("failed to bind configuration section %s: %w", path, err)
		}
		return nil
	}
}

// FromConnectionString applies the "connection_strings.<name>" entry when
// it is set and non-empty.
func FromConnectionString[S any](v *viper.Viper, name string, apply func(s *S, connectionString string) error) Layer[S] {
	return func(s *S) error {
		cs := ConnectionString(v, name)
		if cs == "" {
			return nil
		}
		return apply(s, cs)
	}
}

// Override applies a programmatic callback. A nil fn is a no-op.
func Override[S any](fn func(s *S)) Layer[S] {
	return func(s *S) error {
		if fn != nil {
			fn(s)
		}
		return nil
	}
}

// ConnectionString reads "connection_strings.<name>" from v, falling back
// to the CONNECTION_STRINGS__<NAME> environment variable.
func ConnectionString(v *viper.Viper, name string) string {
	if name == "" {
		return ""
	}
	if v != nil {
		if cs := v.GetString("connection_strings." + name); cs != "" {
			return cs
		}
	}
	return os.Getenv(connstr.EnvName(name))
}
