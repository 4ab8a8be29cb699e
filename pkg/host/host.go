// Package host assembles the services a process uses to talk to hosted
// resources: layered configuration, a keyed service container, a health
// check registry, trace sources and a logger.
//
// Client packages register themselves against a Builder:
//
//	b := host.NewBuilder()
//	if err := influxdb.AddClient(b, "metrics", nil); err != nil {
//	    log.Fatal(err)
//	}
//	h := b.Build()
//	client := services.MustResolve[influxdb2.Client](h.Services)
package host

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/services"
)

// Builder collects client registrations.
type Builder struct {
	Config   *viper.Viper
	Services *services.Container
	Health   *health.Registry
	Tracing  *Tracing
	Logger   *logrus.Entry
}

// Option configures a Builder.
type Option func(*Builder)

// WithConfig uses v instead of a fresh environment-backed viper instance.
func WithConfig(v *viper.Viper) Option {
	return func(b *Builder) { b.Config = v }
}

func WithServices(c *services.Container) Option {
	return func(b *Builder) { b.Services = c }
}

func WithHealth(r *health.Registry) Option {
	return func(b *Builder) { b.Health = r }
}

func WithTracing(t *Tracing) Option {
	return func(b *Builder) { b.Tracing = t }
}

func WithLogger(l *logrus.Entry) Option {
	return func(b *Builder) { b.Logger = l }
}

// NewBuilder creates a builder. The default configuration reads
// environment variables, mapping "connection_strings.my-db" to
// CONNECTION_STRINGS__MY_DB.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.Config == nil {
		b.Config = NewConfig()
	}
	if b.Services == nil {
		b.Services = services.New()
	}
	if b.Health == nil {
		b.Health = health.NewRegistry()
	}
	if b.Tracing == nil {
		b.Tracing = NewTracing(nil)
	}
	if b.Logger == nil {
		b.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return b
}

// NewConfig returns a viper instance backed by the environment.
func NewConfig() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ConnectionString returns the "connection_strings.<name>" entry.
func (b *Builder) ConnectionString(name string) string {
	return ConnectionString(b.Config, name)
}

// TryAddHealthCheck registers reg unless a check with the same name exists.
func (b *Builder) TryAddHealthCheck(reg health.Registration) bool {
	added := b.Health.TryAdd(reg)
	if !added {
		b.Logger.WithField("check", reg.Name).Debug("Health check already registered")
	}
	return added
}

// Build returns the assembled host.
func (b *Builder) Build() *Host {
	return &Host{
		Config:   b.Config,
		Services: b.Services,
		Health:   b.Health,
		Tracing:  b.Tracing,
		Logger:   b.Logger,
	}
}

// Host is a built set of client services.
type Host struct {
	Config   *viper.Viper
	Services *services.Container
	Health   *health.Registry
	Tracing  *Tracing
	Logger   *logrus.Entry
}

// CheckHealth runs every registered health check.
func (h *Host) CheckHealth(ctx context.Context) health.Report {
	return h.Health.Run(ctx, nil)
}

// Close releases singleton clients.
func (h *Host) Close() error {
	return h.Services.Close()
}
