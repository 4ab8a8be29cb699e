package ravendb

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"

	ravendb "github.com/ravendb/ravendb-go-client"
	"github.com/spf13/viper"

	"evalgo.org/apphost/internal/validation"
	"evalgo.org/apphost/pkg/connstr"
	"evalgo.org/apphost/pkg/host"
)

// DefaultConfigSection is the configuration section client settings are read from.
const DefaultConfigSection = "apphost.ravendb.client"

// Settings configures a RavenDB client registration.
type Settings struct {
	// Urls of the cluster nodes
	Urls []string `mapstructure:"urls" yaml:"urls"`

	DatabaseName string `mapstructure:"database_name" yaml:"database_name,omitempty"`

	// CertificatePath points to a PFX (.pfx, .p12) or PEM file holding the
	// client certificate and its key
	CertificatePath     string `mapstructure:"certificate_path" yaml:"certificate_path,omitempty"`
	CertificatePassword string `mapstructure:"certificate_password" yaml:"certificate_password,omitempty"`

	// Certificate takes precedence over CertificatePath.
	Certificate *tls.Certificate `mapstructure:"-" yaml:"-"`

	// CreateDatabase creates DatabaseName when the server does not have it.
	CreateDatabase bool `mapstructure:"create_database" yaml:"create_database"`

	// ModifyDocumentStore runs before the store is initialized.
	ModifyDocumentStore func(*ravendb.DocumentStore) `mapstructure:"-" yaml:"-"`

	DisableHealthChecks bool `mapstructure:"disable_health_checks" yaml:"disable_health_checks"`

	// HealthCheckTimeout in milliseconds
	HealthCheckTimeout *int `mapstructure:"health_check_timeout" yaml:"health_check_timeout,omitempty"`

	DisableTracing bool `mapstructure:"disable_tracing" yaml:"disable_tracing"`
}

// Validate checks URLs, database name and certificate requirements.
func (s Settings) Validate() error {
	if len(s.Urls) == 0 {
		return host.MissingSetting("Urls", "at least one connection URL must be provided")
	}
	if s.CreateDatabase && strings.TrimSpace(s.DatabaseName) == "" {
		return host.MissingSetting("DatabaseName",
			"a database name must be specified in DatabaseName when CreateDatabase is set")
	}
	for _, raw := range s.Urls {
		if !validation.IsHTTPURL(raw) {
			return host.InvalidSetting("Urls", raw, "the URL is invalid, expected an absolute http or https URL")
		}
		u, _ := url.Parse(raw)
		if u.Scheme == "https" && s.Certificate == nil && s.CertificatePath == "" {
			return host.MissingSetting("Certificate",
				"a certificate or certificate path must be provided when using https")
		}
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
		host.FromConnectionString(v, connectionName, ApplyConnectionString),
		host.Override(configure),
	)
}

// ApplyConnectionString copies URL and Database from a key-value connection
// string such as "URL=http://localhost:8080;Database=orders".
func ApplyConnectionString(s *Settings, cs string) error {
	values, err := connstr.Parse(cs)
	if err != nil {
		return host.InvalidSetting("ConnectionString", cs, err.Error())
	}
	if u, ok := values.Get("URL"); ok && u != "" {
		s.Urls = []string{u}
	}
	if db, ok := values.Get("Database"); ok && db != "" {
		s.DatabaseName = db
	}
	return nil
}
