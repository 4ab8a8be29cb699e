package hosting

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"evalgo.org/apphost/models"
)

// Resource is an entry of the application model.
type Resource interface {
	Name() string
	Type() string
	Base() *ResourceBase
}

// WaitBehavior selects what a dependent waits for.
type WaitBehavior int

const (
	// WaitUntilHealthy waits for the dependency to report healthy.
	WaitUntilHealthy WaitBehavior = iota
	// WaitUntilStarted waits only for the dependency endpoints to resolve.
	WaitUntilStarted
)

type waitAnnotation struct {
	resource Resource
	behavior WaitBehavior
}

// ResourceBase carries the name, lifecycle state and relationships shared by
// every resource. Embed it by value and construct it with NewResourceBase.
type ResourceBase struct {
	name         string
	kind         string
	parent       Resource
	healthChecks []string
	waits        []waitAnnotation
	references   []Resource
	state        *stateTracker
}

// NewResourceBase creates the base of a resource of the given kind.
func NewResourceBase(name, kind string) ResourceBase {
	return ResourceBase{name: name, kind: kind, state: newStateTracker()}
}

func (r *ResourceBase) Name() string        { return r.name }
func (r *ResourceBase) Type() string        { return r.kind }
func (r *ResourceBase) Base() *ResourceBase { return r }

// Parent returns the owning resource of a child resource, or nil.
func (r *ResourceBase) Parent() Resource { return r.parent }

// SetParent marks the resource as a child of parent. Child resources are not
// started on their own; they resolve when their parent does.
func (r *ResourceBase) SetParent(parent Resource) { r.parent = parent }

// HealthChecks returns the names of health checks attached to the resource.
func (r *ResourceBase) HealthChecks() []string {
	return append([]string(nil), r.healthChecks...)
}

// AddHealthCheck attaches a registered health check to the resource.
func (r *ResourceBase) AddHealthCheck(name string) {
	for _, n := range r.healthChecks {
		if n == name {
			return
		}
	}
	r.healthChecks = append(r.healthChecks, name)
}

// State returns the current lifecycle state and, if the resource failed, the cause.
func (r *ResourceBase) State() (models.ResourceState, error) {
	return r.state.get()
}

// Transition moves the resource to state. Transitions not allowed by the
// lifecycle return ErrInvalidTransition and leave the state unchanged.
func (r *ResourceBase) Transition(state models.ResourceState, cause error) error {
	return r.state.transition(r.name, state, cause)
}

// WaitForState blocks until the resource reaches state or fails.
func (r *ResourceBase) WaitForState(ctx context.Context, state models.ResourceState) error {
	return r.state.wait(ctx, r.name, state)
}

// ImageRef is a container image reference.
type ImageRef struct {
	Registry string
	Image    string
	Tag      string
}

// String returns registry/image:tag.
func (i ImageRef) String() string {
	s := i.Image
	if i.Registry != "" {
		s = i.Registry + "/" + s
	}
	if i.Tag != "" {
		s += ":" + i.Tag
	}
	return s
}

// MountType distinguishes named volumes from bind mounts.
type MountType string

const (
	MountVolume MountType = "volume"
	MountBind   MountType = "bind"
)

// Mount attaches storage to a container.
type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// DeviceRequest asks the runtime for host devices such as GPUs.
type DeviceRequest struct {
	Driver       string
	Count        int
	Capabilities [][]string
}

// EnvironmentContext is passed to environment callbacks at container start.
type EnvironmentContext struct {
	Context  context.Context
	Resource Resource
	Env      map[string]string
}

// EnvironmentFunc computes environment variables when the container starts.
type EnvironmentFunc func(ec *EnvironmentContext) error

// ContainerResource is a resource run as a container.
type ContainerResource struct {
	ResourceBase

	image          ImageRef
	endpoints      []*Endpoint
	env            map[string]string
	envFuncs       []EnvironmentFunc
	mounts         []Mount
	args           []string
	deviceRequests []DeviceRequest
	devices        []string
	containerID    string
}

// NewContainerResource creates a container resource without an image.
// Resource types built on containers embed the returned pointer.
func NewContainerResource(name, kind string) *ContainerResource {
	return &ContainerResource{
		ResourceBase: NewResourceBase(name, kind),
		env:          make(map[string]string),
	}
}

// Container returns the container part of a resource.
func (c *ContainerResource) Container() *ContainerResource { return c }

func (c *ContainerResource) Image() ImageRef { return c.image }

// SetImage replaces the image reference and marks the image as attached.
func (c *ContainerResource) SetImage(ref ImageRef) {
	c.image = ref
	if state, _ := c.State(); state == models.StateDeclared && ref.Image != "" {
		_ = c.Transition(models.StateImageAttached, nil)
	}
}

// AddEndpoint declares an endpoint. port 0 lets the runtime choose.
func (c *ContainerResource) AddEndpoint(name, scheme string, targetPort, port int) (*Endpoint, error) {
	if name == "" {
		return nil, configErrorf(c.name, "endpoint name is required")
	}
	if targetPort <= 0 || targetPort > 65535 {
		return nil, configErrorf(c.name, "endpoint %q: invalid target port %d", name, targetPort)
	}
	if port < 0 || port > 65535 {
		return nil, configErrorf(c.name, "endpoint %q: invalid port %d", name, port)
	}
	if _, ok := c.Endpoint(name); ok {
		return nil, configErrorf(c.name, "endpoint %q already exists", name)
	}
	ep := newEndpoint(c.name, name, scheme, targetPort, port)
	c.endpoints = append(c.endpoints, ep)
	return ep, nil
}

// Endpoint returns the endpoint called name.
func (c *ContainerResource) Endpoint(name string) (*Endpoint, bool) {
	for _, ep := range c.endpoints {
		if ep.name == name {
			return ep, true
		}
	}
	return nil, false
}

// Endpoints returns all declared endpoints.
func (c *ContainerResource) Endpoints() []*Endpoint {
	return append([]*Endpoint(nil), c.endpoints...)
}

// SetEnv sets a static environment variable.
func (c *ContainerResource) SetEnv(key, value string) { c.env[key] = value }

// AddEnvFunc adds an environment callback, run in order at start.
func (c *ContainerResource) AddEnvFunc(fn EnvironmentFunc) { c.envFuncs = append(c.envFuncs, fn) }

// StaticEnv returns a copy of the static environment.
func (c *ContainerResource) StaticEnv() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// ResolveEnv returns the static environment overlaid with the callbacks.
func (c *ContainerResource) ResolveEnv(ctx context.Context) (map[string]string, error) {
	ec := &EnvironmentContext{Context: ctx, Resource: c, Env: c.StaticEnv()}
	for _, fn := range c.envFuncs {
		if err := fn(ec); err != nil {
			return nil, fmt.Errorf("resolve environment of %s: %w", c.name, err)
		}
	}
	return ec.Env, nil
}

func (c *ContainerResource) AddMount(m Mount)         { c.mounts = append(c.mounts, m) }
func (c *ContainerResource) Mounts() []Mount          { return append([]Mount(nil), c.mounts...) }
func (c *ContainerResource) AddArgs(args ...string)   { c.args = append(c.args, args...) }
func (c *ContainerResource) Args() []string           { return append([]string(nil), c.args...) }
func (c *ContainerResource) AddDevice(path string)    { c.devices = append(c.devices, path) }
func (c *ContainerResource) Devices() []string        { return append([]string(nil), c.devices...) }
func (c *ContainerResource) ContainerID() string      { return c.containerID }
func (c *ContainerResource) setContainerID(id string) { c.containerID = id }
func (c *ContainerResource) AddDeviceRequest(d DeviceRequest) {
	c.deviceRequests = append(c.deviceRequests, d)
}
func (c *ContainerResource) DeviceRequests() []DeviceRequest {
	return append([]DeviceRequest(nil), c.deviceRequests...)
}

// containerResource is implemented by every type embedding ContainerResource.
type containerResource interface {
	Resource
	Container() *ContainerResource
}

// AsContainer returns the container part of r if it has one.
func AsContainer(r Resource) (*ContainerResource, bool) {
	if c, ok := r.(containerResource); ok {
		return c.Container(), true
	}
	return nil, false
}

// Snapshot returns a serialisable view of r.
func Snapshot(r Resource) models.ResourceSnapshot {
	b := r.Base()
	state, err := b.State()
	snap := models.ResourceSnapshot{
		Name:         r.Name(),
		Type:         r.Type(),
		State:        state,
		HealthChecks: b.HealthChecks(),
	}
	if err != nil {
		snap.Error = err.Error()
	}
	if b.parent != nil {
		snap.Parent = b.parent.Name()
	}
	for _, w := range b.waits {
		snap.WaitFor = append(snap.WaitFor, w.resource.Name())
	}
	if c, ok := AsContainer(r); ok {
		if c.image.Image != "" {
			snap.Image = c.image.String()
		}
		snap.ContainerID = c.containerID
		for _, ep := range c.endpoints {
			es := models.EndpointSnapshot{
				Name:       ep.name,
				Scheme:     ep.scheme,
				TargetPort: ep.targetPort,
				Port:       ep.port,
			}
			if a, ok := ep.Allocated(); ok {
				es.Allocated = true
				es.AllocatedHost = a.Host
				es.AllocatedPort = a.Port
			}
			snap.Endpoints = append(snap.Endpoints, es)
		}
	}
	return snap
}

// envKeys returns the keys of env in sorted order.
func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range envKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// VolumeName returns the generated volume name <app>-<resource>-<suffix>.
func VolumeName(app, resource, suffix string) string {
	parts := []string{sanitizeVolumePart(app), sanitizeVolumePart(resource), sanitizeVolumePart(suffix)}
	return strings.Join(parts, "-")
}

func sanitizeVolumePart(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
