package influxdb

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"evalgo.org/apphost/internal/validation"
	"evalgo.org/apphost/pkg/host"
)

// DefaultConfigSection is the configuration section client settings are read from.
const DefaultConfigSection = "apphost.influxdb.client"

// Settings configures an InfluxDB client registration.
type Settings struct {
	// ConnectionString is "http(s)://host:port?token=..." with optional
	// org, bucket and timeout query parameters
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string"`

	DisableHealthChecks bool `mapstructure:"disable_health_checks" yaml:"disable_health_checks"`

	// HealthCheckTimeout in milliseconds; unset or <= 0 uses the runner's timeout
	HealthCheckTimeout *int `mapstructure:"health_check_timeout" yaml:"health_check_timeout,omitempty"`

	DisableTracing bool `mapstructure:"disable_tracing" yaml:"disable_tracing"`
}

// Validate checks the connection string.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.ConnectionString) == "" {
		return host.MissingSetting("ConnectionString", "connection string must be provided")
	}
	if !validation.IsHTTPURL(s.ConnectionString) {
		return host.InvalidSetting("ConnectionString", s.ConnectionString,
			"the connection string is invalid, expected an absolute http or https URL")
	}
	return nil
}

func (s Settings) healthCheckTimeout() time.Duration {
	if s.HealthCheckTimeout == nil || *s.HealthCheckTimeout <= 0 {
		return 0
	}
	return time.Duration(*s.HealthCheckTimeout) * time.Millisecond
}

// ResolveSettings reads settings for connectionName from, in order, the
// default section, the named sub-section, "connection_strings.<name>" and
// finally configure.
func ResolveSettings(v *viper.Viper, connectionName string, configure func(*Settings)) (Settings, error) {
	return host.ResolveSettings(
		host.FromSection[Settings](v, DefaultConfigSection),
		host.FromSection[Settings](v, DefaultConfigSection+"."+connectionName),
		host.FromConnectionString(v, connectionName, func(s *Settings, cs string) error {
			s.ConnectionString = cs
			return nil
		}),
		host.Override(configure),
	)
}

// ConnectionInfo is a parsed connection string.
type ConnectionInfo struct {
	// URL is the server URL without query parameters
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
}

// ParseConnectionString splits a connection string into the server URL and
// its options. Timeouts are Go durations ("10s") or whole milliseconds.
func ParseConnectionString(cs string) (ConnectionInfo, error) {
	u, err := url.Parse(cs)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("invalid InfluxDB connection string: %w", err)
	}
	if !validation.IsHTTPURL(cs) {
		return ConnectionInfo{}, fmt.Errorf("invalid InfluxDB connection string %q: expected an http or https URL", cs)
	}

	q := u.Query()
	info := ConnectionInfo{
		Token:  q.Get("token"),
		Org:    q.Get("org"),
		Bucket: q.Get("bucket"),
	}
	if t := q.Get("timeout"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			info.Timeout = d
		} else if ms, err := strconv.Atoi(t); err == nil {
			info.Timeout = time.Duration(ms) * time.Millisecond
		} else {
			return ConnectionInfo{}, fmt.Errorf("invalid InfluxDB connection string timeout %q", t)
		}
	}

	u.RawQuery = ""
	u.Fragment = ""
	info.URL = strings.TrimSuffix(u.String(), "/")
	return info, nil
}
