// Package influxdb adds InfluxDB 2 servers to an application model.
//
//	b := hosting.NewBuilder(hosting.WithRuntime(rt))
//	influx, err := influxdb.Add(b, "influxdb")
//	if err != nil {
//	    return err
//	}
//	influxdb.WithDataVolume(influx, "", false)
//
// The server publishes "http://host:port?token=<admin token>" once its
// endpoint is allocated.
package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	influxclient "evalgo.org/apphost/pkg/clients/influxdb"
	"evalgo.org/apphost/pkg/connstr"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
)

const (
	Registry = "docker.io"
	Image    = "influxdb"
	Tag      = "2.7.11-alpine"

	// TargetPort is the port InfluxDB listens on inside the container.
	TargetPort = 8086

	// EndpointName is the name of the primary endpoint.
	EndpointName = "http"

	DataPath   = "/var/lib/influxdb2"
	ConfigPath = "/etc/influxdb2"
)

// ErrConnectionStringUnavailable is reported by the health check until the
// connection string has been published.
var ErrConnectionStringUnavailable = errors.New("connection string is unavailable")

// ServerResource is an InfluxDB server container.
type ServerResource struct {
	*hosting.ContainerResource

	token    *hosting.Parameter
	endpoint *hosting.Endpoint
	expr     *hosting.ReferenceExpression

	connectionString atomic.Pointer[string]
}

// Token returns the admin token parameter.
func (r *ServerResource) Token() *hosting.Parameter { return r.token }

// PrimaryEndpoint returns the http endpoint.
func (r *ServerResource) PrimaryEndpoint() *hosting.Endpoint { return r.endpoint }

// ConnectionStringExpression returns scheme://host:port?token=<token>.
func (r *ServerResource) ConnectionStringExpression() *hosting.ReferenceExpression { return r.expr }

// PublishedConnectionString returns the value captured when the connection
// string became available, or "" before that.
func (r *ServerResource) PublishedConnectionString() string {
	if p := r.connectionString.Load(); p != nil {
		return *p
	}
	return ""
}

type options struct {
	token    *hosting.Parameter
	port     int
	username string
	password string
	org      string
	bucket   string
}

// Option customizes Add.
type Option func(*options)

// WithToken uses p as the admin token instead of a generated one.
func WithToken(p *hosting.Parameter) Option {
	return func(o *options) { o.token = p }
}

// WithPort publishes the endpoint on a fixed host port.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithAdmin sets the initial admin user. Empty values keep the defaults.
func WithAdmin(username, password string) Option {
	return func(o *options) {
		if username != "" {
			o.username = username
		}
		if password != "" {
			o.password = password
		}
	}
}

// WithOrganization sets the initial organization and bucket. Empty values
// keep the defaults.
func WithOrganization(org, bucket string) Option {
	return func(o *options) {
		if org != "" {
			o.org = org
		}
		if bucket != "" {
			o.bucket = bucket
		}
	}
}

// Add declares an InfluxDB server called name.
func Add(b *hosting.Builder, name string, opts ...Option) (*hosting.ResourceBuilder[*ServerResource], error) {
	o := options{
		username: "testuser",
		password: "testpass",
		org:      "testorg",
		bucket:   "testbucket",
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := b.CheckName(name); err != nil {
		return nil, err
	}

	r := &ServerResource{
		ContainerResource: hosting.NewContainerResource(name, "influxdb"),
	}
	ep, err := r.AddEndpoint(EndpointName, "http", TargetPort, o.port)
	if err != nil {
		return nil, err
	}

	if o.token == nil {
		token, err := b.AddSecretParameter(name + "-token")
		if err != nil {
			return nil, err
		}
		o.token = token
	}
	r.token = o.token
	r.endpoint = ep
	r.expr = hosting.NewConnectionStringExpression(connstr.TokenQuery, ep, o.token)

	r.SetImage(hosting.ImageRef{Registry: Registry, Image: Image, Tag: Tag})
	r.SetEnv("DOCKER_INFLUXDB_INIT_MODE", "setup")
	r.SetEnv("DOCKER_INFLUXDB_INIT_USERNAME", o.username)
	r.SetEnv("DOCKER_INFLUXDB_INIT_PASSWORD", o.password)
	r.SetEnv("DOCKER_INFLUXDB_INIT_ORG", o.org)
	r.SetEnv("DOCKER_INFLUXDB_INIT_BUCKET", o.bucket)
	r.SetEnv("DOCKER_INFLUXDB_INIT_RETENTION", "1w")
	token := o.token
	r.AddEnvFunc(func(ec *hosting.EnvironmentContext) error {
		v, err := token.Value(ec.Context)
		if err != nil {
			return err
		}
		ec.Env["DOCKER_INFLUXDB_INIT_ADMIN_TOKEN"] = v
		return nil
	})

	if err := b.AddResource(r); err != nil {
		return nil, err
	}

	hosting.SubscribeResource(b.Eventing(), r, func(ctx context.Context, _ hosting.ConnectionStringAvailableEvent) error {
		cs, err := r.expr.Value(ctx)
		if err != nil {
			return err
		}
		if cs == "" {
			return &hosting.ResolutionError{Resource: r.Name(), Err: fmt.Errorf(
				"connection string available event was published for %q but the connection string was empty", r.Name())}
		}
		r.connectionString.Store(&cs)
		return nil
	})

	checkName := name + "_check"
	if err := b.Health().Add(health.Registration{
		Name:    checkName,
		Factory: healthCheck(r),
		Tags:    []string{"influxdb"},
	}); err != nil {
		return nil, err
	}

	return hosting.NewResourceBuilder(b, r).WithHealthCheck(checkName), nil
}

// healthCheck resolves the captured connection string at invocation time.
func healthCheck(r *ServerResource) health.Factory {
	return func(context.Context) (health.Check, error) {
		cs := r.PublishedConnectionString()
		if cs == "" {
			return nil, ErrConnectionStringUnavailable
		}
		info, err := influxclient.ParseConnectionString(cs)
		if err != nil {
			return nil, err
		}
		return health.CheckFunc(func(ctx context.Context) error {
			return influxclient.Ping(ctx, info)
		}), nil
	}
}

// WithDataVolume mounts a named volume at /var/lib/influxdb2. An empty name
// generates <app>-<resource>-influxdb2-data.
func WithDataVolume(rb *hosting.ResourceBuilder[*ServerResource], name string, readOnly bool) *hosting.ResourceBuilder[*ServerResource] {
	if name == "" {
		name = rb.Builder().VolumeName(rb.Resource(), "influxdb2-data")
	}
	return rb.WithVolume(name, DataPath, readOnly)
}

// WithDataBindMount mounts source at /var/lib/influxdb2.
func WithDataBindMount(rb *hosting.ResourceBuilder[*ServerResource], source string, readOnly bool) *hosting.ResourceBuilder[*ServerResource] {
	return rb.WithBindMount(source, DataPath, readOnly)
}

// WithConfigVolume mounts a named volume at /etc/influxdb2. An empty name
// generates <app>-<resource>-influxdb2-config.
func WithConfigVolume(rb *hosting.ResourceBuilder[*ServerResource], name string, readOnly bool) *hosting.ResourceBuilder[*ServerResource] {
	if name == "" {
		name = rb.Builder().VolumeName(rb.Resource(), "influxdb2-config")
	}
	return rb.WithVolume(name, ConfigPath, readOnly)
}

// WithConfigBindMount mounts source at /etc/influxdb2.
func WithConfigBindMount(rb *hosting.ResourceBuilder[*ServerResource], source string, readOnly bool) *hosting.ResourceBuilder[*ServerResource] {
	return rb.WithBindMount(source, ConfigPath, readOnly)
}
