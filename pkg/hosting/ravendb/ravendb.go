// Package ravendb adds RavenDB servers and databases to an application
// model.
//
//	server, err := ravendb.Add(b, "raven", ravendb.Unsecured())
//	if err != nil {
//	    return err
//	}
//	orders, err := ravendb.AddDatabase(server, "orders", "")
//
// The server publishes "URL=http://host:port"; each database appends
// ";Database=<name>".
package ravendb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	ravenclient "evalgo.org/apphost/pkg/clients/ravendb"
	"evalgo.org/apphost/pkg/connstr"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
)

const (
	Registry = "docker.io"
	Image    = "ravendb/ravendb"
	Tag      = "6.2-ubuntu-latest"

	// HTTPTargetPort serves the studio and the client API.
	HTTPTargetPort = 8080
	// TCPTargetPort carries cluster and subscription traffic.
	TCPTargetPort = 38888

	HTTPEndpointName = "http"
	TCPEndpointName  = "tcp"

	DataPath = "/var/lib/ravendb/data"
)

// ErrConnectionStringUnavailable is reported by health checks until the
// server has published its connection string.
var ErrConnectionStringUnavailable = errors.New("connection string is unavailable")

// Replaced in tests.
var (
	probe          = ravenclient.Probe
	ensureDatabase = func(ctx context.Context, s ravenclient.Settings) error {
		store, err := ravenclient.OpenStore(s)
		if err != nil {
			return err
		}
		store.Close()
		return nil
	}
)

// ServerSettings selects how the server is secured.
type ServerSettings struct {
	Secured bool

	// PublicServerURL is the domain URL clients reach a secured server on.
	PublicServerURL     string
	CertificatePath     string
	CertificatePassword string

	License      string
	EulaAccepted bool
}

// Unsecured runs the server without authentication, reachable from any
// network.
func Unsecured() ServerSettings {
	return ServerSettings{}
}

// Secured runs the server with the certificate at certPath, mounted into the
// container by the caller, answering on domainURL.
func Secured(domainURL, certPath, certPassword string) ServerSettings {
	return ServerSettings{
		Secured:             true,
		PublicServerURL:     domainURL,
		CertificatePath:     certPath,
		CertificatePassword: certPassword,
	}
}

// WithLicense sets the license and accepts the EULA.
func (s ServerSettings) WithLicense(license string) ServerSettings {
	s.License = license
	s.EulaAccepted = true
	return s
}

func (s ServerSettings) validate(resource string) error {
	if !s.Secured {
		return nil
	}
	if s.PublicServerURL == "" {
		return &hosting.ConfigError{Resource: resource, Message: "a secured RavenDB server requires a public server URL"}
	}
	if s.CertificatePath == "" {
		return &hosting.ConfigError{Resource: resource, Message: "a secured RavenDB server requires a certificate path"}
	}
	return nil
}

func (s ServerSettings) env() map[string]string {
	scheme := connstr.Scheme(s.Secured)
	env := map[string]string{
		"RAVEN_Setup_Mode":    "None",
		"RAVEN_ServerUrl":     fmt.Sprintf("%s://0.0.0.0:%d", scheme, HTTPTargetPort),
		"RAVEN_ServerUrl_Tcp": fmt.Sprintf("tcp://0.0.0.0:%d", TCPTargetPort),
		"RAVEN_Logs_Mode":     "Information",
	}
	if s.Secured {
		env["RAVEN_PublicServerUrl"] = s.PublicServerURL
		env["RAVEN_Security_Certificate_Path"] = s.CertificatePath
		if s.CertificatePassword != "" {
			env["RAVEN_Security_Certificate_Password"] = s.CertificatePassword
		}
	} else {
		env["RAVEN_Security_UnsecuredAccessAllowed"] = "PublicNetwork"
	}
	if s.License != "" {
		env["RAVEN_License"] = s.License
	}
	if s.EulaAccepted {
		env["RAVEN_License_Eula_Accepted"] = "true"
	}
	return env
}

// ServerResource is a RavenDB server container.
type ServerResource struct {
	*hosting.ContainerResource

	settings ServerSettings
	http     *hosting.Endpoint
	tcp      *hosting.Endpoint
	expr     *hosting.ReferenceExpression

	mu        sync.Mutex
	databases []*DatabaseResource

	connectionString atomic.Pointer[string]
}

func (r *ServerResource) Settings() ServerSettings { return r.settings }

// PrimaryEndpoint returns the http (or https) endpoint.
func (r *ServerResource) PrimaryEndpoint() *hosting.Endpoint { return r.http }

func (r *ServerResource) TCPEndpoint() *hosting.Endpoint { return r.tcp }

// ConnectionStringExpression returns URL=scheme://host:port.
func (r *ServerResource) ConnectionStringExpression() *hosting.ReferenceExpression { return r.expr }

// PublishedConnectionString returns the value captured when the connection
// string became available, or "" before that.
func (r *ServerResource) PublishedConnectionString() string {
	if p := r.connectionString.Load(); p != nil {
		return *p
	}
	return ""
}

// Databases returns the databases declared on r.
func (r *ServerResource) Databases() []*DatabaseResource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*DatabaseResource(nil), r.databases...)
}

// clientSettings converts the published connection string into client
// settings for database. It fails until the connection string is known.
func (r *ServerResource) clientSettings(database string) (ravenclient.Settings, error) {
	cs := r.PublishedConnectionString()
	if cs == "" {
		return ravenclient.Settings{}, ErrConnectionStringUnavailable
	}
	var s ravenclient.Settings
	if err := ravenclient.ApplyConnectionString(&s, cs); err != nil {
		return s, err
	}
	s.DatabaseName = database
	if r.settings.Secured {
		s.CertificatePath = r.settings.CertificatePath
		s.CertificatePassword = r.settings.CertificatePassword
	}
	return s, nil
}

type options struct {
	port    int
	tcpPort int
}

// Option customizes Add.
type Option func(*options)

// WithPort publishes the http endpoint on a fixed host port.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithTCPPort publishes the tcp endpoint on a fixed host port.
func WithTCPPort(port int) Option {
	return func(o *options) { o.tcpPort = port }
}

// Add declares a RavenDB server called name.
func Add(b *hosting.Builder, name string, settings ServerSettings, opts ...Option) (*hosting.ResourceBuilder[*ServerResource], error) {
	if err := settings.validate(name); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := &ServerResource{
		ContainerResource: hosting.NewContainerResource(name, "ravendb"),
		settings:          settings,
	}
	var err error
	if r.http, err = r.AddEndpoint(HTTPEndpointName, connstr.Scheme(settings.Secured), HTTPTargetPort, o.port); err != nil {
		return nil, err
	}
	if r.tcp, err = r.AddEndpoint(TCPEndpointName, "tcp", TCPTargetPort, o.tcpPort); err != nil {
		return nil, err
	}
	r.expr = hosting.NewConnectionStringExpression(connstr.KeyValueURL, r.http, nil)

	r.SetImage(hosting.ImageRef{Registry: Registry, Image: Image, Tag: Tag})
	for k, v := range settings.env() {
		r.SetEnv(k, v)
	}

	if err := b.AddResource(r); err != nil {
		return nil, err
	}

	hosting.SubscribeResource(b.Eventing(), r, func(ctx context.Context, _ hosting.ConnectionStringAvailableEvent) error {
		cs, err := r.expr.Value(ctx)
		if err != nil {
			return err
		}
		if cs == "" {
			return &hosting.ResolutionError{Resource: r.Name(), Err: hosting.ErrEmptyConnectionString}
		}
		r.connectionString.Store(&cs)
		return nil
	})

	hosting.SubscribeResource(b.Eventing(), r, func(ctx context.Context, _ hosting.ResourceReadyEvent) error {
		for _, db := range r.Databases() {
			go db.create(ctx, b)
		}
		return nil
	})

	checkName := name + "_check"
	if err := b.Health().Add(health.Registration{
		Name:    checkName,
		Factory: check(r, ""),
		Tags:    []string{"ravendb"},
	}); err != nil {
		return nil, err
	}

	return hosting.NewResourceBuilder(b, r).WithHealthCheck(checkName), nil
}

func check(r *ServerResource, database string) health.Factory {
	return func(context.Context) (health.Check, error) {
		s, err := r.clientSettings(database)
		if err != nil {
			return nil, err
		}
		return health.CheckFunc(func(ctx context.Context) error {
			return probe(ctx, s)
		}), nil
	}
}

// WithDataVolume mounts a named volume at /var/lib/ravendb/data. An empty
// name generates <app>-<resource>-data.
func WithDataVolume(rb *hosting.ResourceBuilder[*ServerResource], name string, readOnly bool) *hosting.ResourceBuilder[*ServerResource] {
	return rb.WithVolume(name, DataPath, readOnly)
}

// WithDataBindMount mounts source at /var/lib/ravendb/data.
func WithDataBindMount(rb *hosting.ResourceBuilder[*ServerResource], source string, readOnly bool) *hosting.ResourceBuilder[*ServerResource] {
	return rb.WithBindMount(source, DataPath, readOnly)
}
