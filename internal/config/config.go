// Package config provides configuration management for the apphost CLI.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with APPHOST_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./apphost.yaml, ./configs/apphost.yaml, ~/.apphost/apphost.yaml, /etc/apphost/apphost.yaml)
//  3. .env files
//  4. Environment variables (APPHOST_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/apphost.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("API: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Use the APPHOST_ prefix and underscores for nested keys:
//   - APPHOST_SERVER_PORT=18888
//   - APPHOST_RUNTIME_PULL_POLICY=always
//   - APPHOST_LOGGING_LEVEL=debug
//
// The same viper instance also carries client settings
// ("apphost.influxdb.client", "apphost.ravendb.client") and
// "connection_strings", see LoadViper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"evalgo.org/apphost/internal/validation"
)

// EnvPrefix is the prefix of configuration environment variables.
const EnvPrefix = "APPHOST"

// Config is the root configuration of the apphost CLI.
type Config struct {
	// App names the application; container, network and volume names derive from it
	App AppConfig `mapstructure:"app" yaml:"app"`

	// Runtime configures the Docker container runtime
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`

	// Server contains the HTTP API configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Health controls resource health monitoring
	Health HealthConfig `mapstructure:"health" yaml:"health"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Security contains rate limiting and CORS settings
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// AppConfig identifies the application and its manifest.
type AppConfig struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required,resource_name"`

	// Manifest is the path of the resource manifest
	Manifest string `mapstructure:"manifest" yaml:"manifest"`
}

// RuntimeConfig configures the Docker runtime.
type RuntimeConfig struct {
	// DockerHost overrides DOCKER_HOST when set
	DockerHost string `mapstructure:"docker_host" yaml:"docker_host,omitempty"`

	// HostAddress is the address published endpoints are reached on
	HostAddress string `mapstructure:"host_address" yaml:"host_address" validate:"required"`

	// PullPolicy is one of missing, always, never
	PullPolicy string `mapstructure:"pull_policy" yaml:"pull_policy" validate:"oneof=missing always never"`

	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// PortTimeout bounds the wait for the runtime to report dynamic ports
	PortTimeout time.Duration `mapstructure:"port_timeout" yaml:"port_timeout"`

	// KeepContainers leaves stopped containers in place for inspection
	KeepContainers bool `mapstructure:"keep_containers" yaml:"keep_containers"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Enabled starts the API alongside the application
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the server bind address (default: 127.0.0.1)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the server listen port (default: 18888)
	Port int `mapstructure:"port" yaml:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Debug enables request logging
	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// HealthConfig controls health monitoring.
type HealthConfig struct {
	// Interval between health check rounds per resource
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// Timeout applied to checks that do not set their own
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`

	// Output is the log destination (stdout, stderr)
	Output string `mapstructure:"output" yaml:"output" validate:"oneof=stdout stderr"`
}

// SecurityConfig contains rate limiting and CORS settings.
type SecurityConfig struct {
	// RateLimit is the maximum requests per second per client, 0 disables it
	RateLimit int `mapstructure:"rate_limit" yaml:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

var cfg *Config

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for apphost.yaml in standard locations.
func Load(cfgFile string) (*Config, error) {
	_, c, err := LoadViper(cfgFile)
	return c, err
}

// LoadViper is like Load but also returns the viper instance, which client
// registrations and parameters read from.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (APPHOST_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func LoadViper(cfgFile string) (*viper.Viper, *Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("apphost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.apphost")
		v.AddConfigPath("/etc/apphost")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(c); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg = c
	return v, c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "apphost")
	v.SetDefault("app.manifest", "apphost.manifest.yaml")

	v.SetDefault("runtime.host_address", "localhost")
	v.SetDefault("runtime.pull_policy", "missing")
	v.SetDefault("runtime.stop_timeout", "10s")
	v.SetDefault("runtime.port_timeout", "30s")
	v.SetDefault("runtime.keep_containers", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 18888)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("security.rate_limit", 50)
	v.SetDefault("security.allowed_origins", []string{"*"})
}

func validate(c *Config) error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", c.Health.Interval)
	}

	if c.Security.RateLimit < 0 {
		return fmt.Errorf("invalid rate limit: %d", c.Security.RateLimit)
	}

	if res := validation.New().Struct(c); !res.Valid {
		return res.Err()
	}

	return nil
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	return cfg
}

// Addr returns host:port of the API server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
