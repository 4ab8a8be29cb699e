// Package ollama adds Ollama servers, their models and an optional Open
// WebUI front end to an application model.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/ollama/ollama/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"evalgo.org/apphost/pkg/connstr"
	"evalgo.org/apphost/pkg/health"
	"evalgo.org/apphost/pkg/hosting"
)

const (
	Registry = "docker.io"
	Image    = "ollama/ollama"
	Tag      = "0.5.7"

	// TargetPort is the port Ollama listens on inside the container.
	TargetPort   = 11434
	EndpointName = "http"

	// DataPath holds downloaded models.
	DataPath = "/root/.ollama"
)

// ErrConnectionStringUnavailable is reported by health checks until the
// server has published its connection string.
var ErrConnectionStringUnavailable = errors.New("connection string is unavailable")

// Resource is an Ollama server container.
type Resource struct {
	*hosting.ContainerResource

	endpoint *hosting.Endpoint
	expr     *hosting.ReferenceExpression

	mu     sync.Mutex
	models []*ModelResource

	connectionString atomic.Pointer[string]
}

// PrimaryEndpoint returns the http endpoint.
func (r *Resource) PrimaryEndpoint() *hosting.Endpoint { return r.endpoint }

// ConnectionStringExpression returns scheme://host:port.
func (r *Resource) ConnectionStringExpression() *hosting.ReferenceExpression { return r.expr }

// PublishedConnectionString returns the server URL once it is available.
func (r *Resource) PublishedConnectionString() string {
	if p := r.connectionString.Load(); p != nil {
		return *p
	}
	return ""
}

// Models returns the model names served by r in declaration order.
func (r *Resource) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m.model)
	}
	return out
}

func (r *Resource) modelResources() []*ModelResource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ModelResource(nil), r.models...)
}

type options struct {
	port int
}

// Option customizes Add.
type Option func(*options)

// WithPort publishes the endpoint on a fixed host port.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// Add declares an Ollama server called name. Models added with AddModel are
// pulled once the server is healthy.
func Add(b *hosting.Builder, name string, opts ...Option) (*hosting.ResourceBuilder[*Resource], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := &Resource{ContainerResource: hosting.NewContainerResource(name, "ollama")}
	ep, err := r.AddEndpoint(EndpointName, "http", TargetPort, o.port)
	if err != nil {
		return nil, err
	}
	r.endpoint = ep
	r.expr = hosting.NewConnectionStringExpression(connstr.URL, ep, nil)
	r.SetImage(hosting.ImageRef{Registry: Registry, Image: Image, Tag: Tag})

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
		for _, m := range r.modelResources() {
			go m.pull(ctx, r.PublishedConnectionString(), b.Logger())
		}
		return nil
	})

	checkName := name + "_check"
	if err := b.Health().Add(health.Registration{
		Name:    checkName,
		Factory: serverCheck(r),
		Tags:    []string{"ollama"},
	}); err != nil {
		return nil, err
	}

	return hosting.NewResourceBuilder(b, r).WithHealthCheck(checkName), nil
}

func serverCheck(r *Resource) health.Factory {
	return func(context.Context) (health.Check, error) {
		client, err := clientFor(r.PublishedConnectionString())
		if err != nil {
			return nil, err
		}
		return health.CheckFunc(client.Heartbeat), nil
	}
}

// clientFor builds an API client for a published server URL.
func clientFor(serverURL string) (*api.Client, error) {
	if serverURL == "" {
		return nil, ErrConnectionStringUnavailable
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return api.NewClient(u, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}), nil
}

// GPUVendor selects how GPUs are passed to the container.
type GPUVendor int

const (
	Nvidia GPUVendor = iota
	AMD
)

func (v GPUVendor) String() string {
	switch v {
	case Nvidia:
		return "nvidia"
	case AMD:
		return "amd"
	default:
		return fmt.Sprintf("GPUVendor(%d)", int(v))
	}
}

// WithGPUSupport exposes the host GPUs to the server. AMD GPUs require the
// rocm image variant and the kfd and dri devices.
func WithGPUSupport(rb *hosting.ResourceBuilder[*Resource], vendor GPUVendor) *hosting.ResourceBuilder[*Resource] {
	r := rb.Resource()
	switch vendor {
	case Nvidia:
		r.AddDeviceRequest(hosting.DeviceRequest{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}})
	case AMD:
		rb.WithImageTag("rocm")
		r.AddDevice("/dev/kfd")
		r.AddDevice("/dev/dri")
	default:
		rb.Builder().AddError(&hosting.ConfigError{Resource: r.Name(), Message: "unsupported GPU vendor " + vendor.String()})
	}
	return rb
}

// WithDataVolume mounts a named volume at /root/.ollama. An empty name
// generates <app>-<resource>-ollama.
func WithDataVolume(rb *hosting.ResourceBuilder[*Resource], name string, readOnly bool) *hosting.ResourceBuilder[*Resource] {
	if name == "" {
		name = rb.Builder().VolumeName(rb.Resource(), "ollama")
	}
	return rb.WithVolume(name, DataPath, readOnly)
}
