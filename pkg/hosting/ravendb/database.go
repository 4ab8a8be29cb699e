package ravendb

import (
	"context"
	"sync/atomic"

	"evalgo.org/apphost/models"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
)

// DatabaseResource is a database on a RavenDB server. It is created once
// the server is healthy.
type DatabaseResource struct {
	hosting.ResourceBase

	database string
	server   *ServerResource
	expr     *hosting.ReferenceExpression

	created   atomic.Bool
	createErr atomic.Pointer[error]
}

// DatabaseName returns the name of the database on the server.
func (d *DatabaseResource) DatabaseName() string { return d.database }

func (d *DatabaseResource) Server() *ServerResource { return d.server }

// ConnectionStringExpression returns URL=scheme://host:port;Database=<name>.
func (d *DatabaseResource) ConnectionStringExpression() *hosting.ReferenceExpression { return d.expr }

// Created reports whether the database exists on the server.
func (d *DatabaseResource) Created() bool { return d.created.Load() }

// AddDatabase declares a database on the server. An empty databaseName uses
// name.
func AddDatabase(rb *hosting.ResourceBuilder[*ServerResource], name, databaseName string) (*hosting.ResourceBuilder[*DatabaseResource], error) {
	if databaseName == "" {
		databaseName = name
	}
	server := rb.Resource()
	d := &DatabaseResource{
		ResourceBase: hosting.NewResourceBase(name, "ravendb-database"),
		database:     databaseName,
		server:       server,
	}
	d.expr = hosting.NewReferenceExpression(
		server.ConnectionStringExpression(),
		hosting.Literal(";Database="+databaseName),
	)
	d.SetParent(server)

	b := rb.Builder()
	if err := b.AddResource(d); err != nil {
		return nil, err
	}

	server.mu.Lock()
	server.databases = append(server.databases, d)
	server.mu.Unlock()

	checkName := name + "_check"
	if err := b.Health().Add(health.Registration{
		Name:    checkName,
		Factory: databaseCheck(d),
		Tags:    []string{"ravendb", "database"},
	}); err != nil {
		return nil, err
	}

	return hosting.NewResourceBuilder(b, d).WithHealthCheck(checkName), nil
}

func databaseCheck(d *DatabaseResource) health.Factory {
	serverCheck := check(d.server, d.database)
	return func(ctx context.Context) (health.Check, error) {
		if p := d.createErr.Load(); p != nil {
			return nil, *p
		}
		return serverCheck(ctx)
	}
}

func (d *DatabaseResource) create(ctx context.Context, b *hosting.Builder) {
	log := b.Logger().WithField("resource", d.Name()).WithField("database", d.database)

	s, err := d.server.clientSettings(d.database)
	if err == nil {
		s.CreateDatabase = true
		err = ensureDatabase(ctx, s)
	}
	if err != nil {
		if ctx.Err() == nil {
			d.createErr.Store(&err)
			log.WithError(err).Error("Failed to create database")
			cause := &hosting.ResolutionError{Resource: d.Name(), Err: err}
			if terr := d.Transition(models.StateResolutionFailed, cause); terr != nil {
				log.WithError(terr).Warn("Database not marked failed")
			}
		}
		return
	}
	d.created.Store(true)
	log.Info("Database ready")
}
