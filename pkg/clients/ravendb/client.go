// Package ravendb registers RavenDB document stores and sessions with a
// host.
//
// The document store is a singleton created on first resolution. When a
// database name is configured, *ravendb.DocumentSession is registered as
// transient, one session per resolution.
package ravendb

import (
	"context"
	"fmt"
	"strings"

	ravendb "github.com/ravendb/ravendb-go-client"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/host"
	"evalgo.org/apphost/pkg/services"
)

const (
	// TraceSource is the trace source enabled unless tracing is disabled.
	TraceSource = "RavenDB.Client.DiagnosticSources"

	// HealthCheckName is the health check of the unkeyed client.
	HealthCheckName = "RavenDB.Client"
)

// Replaced in tests.
var (
	openStore = OpenStore
	probe     = Probe
)

// AddClient registers a document store configured for connectionName.
func AddClient(b *host.Builder, connectionName string, configure func(*Settings)) error {
	settings, err := ResolveSettings(b.Config, connectionName, configure)
	if err != nil {
		return err
	}
	return add(b, nil, settings)
}

// AddKeyedClient registers a document store under key.
func AddKeyedClient(b *host.Builder, key any, connectionName string, configure func(*Settings)) error {
	if key == nil {
		return fmt.Errorf("service key is required")
	}
	settings, err := ResolveSettings(b.Config, connectionName, configure)
	if err != nil {
		return err
	}
	return add(b, key, settings)
}

// AddClientWithSettings registers a document store from explicit settings.
func AddClientWithSettings(b *host.Builder, settings Settings) error {
	return add(b, nil, settings)
}

// AddKeyedClientWithSettings registers a document store from explicit
// settings under key.
func AddKeyedClientWithSettings(b *host.Builder, key any, settings Settings) error {
	if key == nil {
		return fmt.Errorf("service key is required")
	}
	return add(b, key, settings)
}

// HealthCheckNameFor returns the health check name for a registration key.
func HealthCheckNameFor(key any) string {
	if key == nil {
		return HealthCheckName
	}
	return fmt.Sprintf("%s_%v", HealthCheckName, key)
}

func add(b *host.Builder, key any, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	if !settings.DisableTracing {
		b.Tracing.AddSource(TraceSource)
	}
	tracer := b.Tracing.Tracer(TraceSource)

	log := b.Logger.WithField("connection", strings.Join(settings.Urls, ","))
	if key != nil {
		log = log.WithField("key", key)
	}

	storeFactory := func(*services.Container) (*ravendb.DocumentStore, error) {
		_, span := tracer.Start(context.Background(), "ravendb open store", trace.WithAttributes(
			attribute.StringSlice("ravendb.urls", settings.Urls),
			attribute.String("ravendb.database", settings.DatabaseName),
		))
		defer span.End()

		store, err := openStore(settings)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.WithError(err).Error("Failed to open RavenDB document store")
			return nil, err
		}
		log.Debug("RavenDB document store opened")
		return store, nil
	}

	if err := register(b.Services, key, services.Singleton, storeFactory); err != nil {
		return err
	}

	if strings.TrimSpace(settings.DatabaseName) != "" {
		sessionFactory := func(c *services.Container) (*ravendb.DocumentSession, error) {
			store, err := resolveStore(c, key)
			if err != nil {
				return nil, err
			}
			return store.OpenSession("")
		}
		if err := register(b.Services, key, services.Transient, sessionFactory); err != nil {
			return err
		}
	}

	if !settings.DisableHealthChecks {
		b.TryAddHealthCheck(health.Registration{
			Name: HealthCheckNameFor(key),
			Factory: func(context.Context) (health.Check, error) {
				return health.CheckFunc(func(ctx context.Context) error {
					ctx, span := tracer.Start(ctx, "ravendb health check")
					defer span.End()
					if err := probe(ctx, settings); err != nil {
						span.RecordError(err)
						span.SetStatus(codes.Error, err.Error())
						return err
					}
					return nil
				}), nil
			},
			Timeout: settings.healthCheckTimeout(),
			Tags:    []string{"ravendb"},
		})
	}

	log.Debug("RavenDB client registered")
	return nil
}

func register[T any](c *services.Container, key any, lifetime services.Lifetime, factory services.Factory[T]) error {
	if key == nil {
		services.Add(c, lifetime, factory)
		return nil
	}
	return services.AddKeyed(c, key, lifetime, factory)
}

func resolveStore(c *services.Container, key any) (*ravendb.DocumentStore, error) {
	if key == nil {
		return services.Resolve[*ravendb.DocumentStore](c)
	}
	return services.ResolveKeyed[*ravendb.DocumentStore](c, key)
}

// OpenStore creates and initializes a document store for s, creating the
// database first when CreateDatabase is set.
func OpenStore(s Settings) (*ravendb.DocumentStore, error) {
	store, err := newStore(s)
	if err != nil {
		return nil, err
	}
	if s.ModifyDocumentStore != nil {
		s.ModifyDocumentStore(store)
	}
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize RavenDB document store: %w", err)
	}
	if s.CreateDatabase {
		if err := EnsureDatabase(store, s.DatabaseName); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func newStore(s Settings) (*ravendb.DocumentStore, error) {
	cert, err := s.LoadCertificate()
	if err != nil {
		return nil, err
	}
	store := ravendb.NewDocumentStore(s.Urls, s.DatabaseName)
	store.Certificate = cert
	return store, nil
}

// EnsureDatabase creates name unless the server already has it.
func EnsureDatabase(store *ravendb.DocumentStore, name string) error {
	names, err := databaseNames(store)
	if err != nil {
		return err
	}
	if containsFold(names, name) {
		return nil
	}
	op := ravendb.NewCreateDatabaseOperation(&ravendb.DatabaseRecord{DatabaseName: name}, 1)
	if err := store.Maintenance().Server().Send(op); err != nil {
		return fmt.Errorf("failed to create RavenDB database %s: %w", name, err)
	}
	return nil
}

func databaseNames(store *ravendb.DocumentStore) ([]string, error) {
	op := ravendb.NewGetDatabaseNamesOperation(0, 1024)
	if err := store.Maintenance().Server().Send(op); err != nil {
		return nil, fmt.Errorf("failed to list RavenDB databases: %w", err)
	}
	return op.Command.Result, nil
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Probe connects with a short-lived store and checks that the server
// answers and, when a database is configured, that it exists.
func Probe(ctx context.Context, s Settings) error {
	store, err := newStore(s)
	if err != nil {
		return err
	}
	if err := store.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize RavenDB document store: %w", err)
	}
	defer store.Close()

	type result struct {
		names []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		names, err := databaseNames(store)
		done <- result{names, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if s.DatabaseName != "" && !containsFold(r.names, s.DatabaseName) {
			return fmt.Errorf("RavenDB database %s does not exist", s.DatabaseName)
		}
		return nil
	}
}
