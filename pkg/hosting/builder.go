package hosting

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"evalgo.org/apphost/models"
	"evalgo.org/apphost/pkg/connstr"
	"evalgo.org/apphost/pkg/health"
)

var resourceNamePattern = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,62}[a-zA-Z0-9])?$`)

// ValidateName checks a resource or parameter name: ASCII letters, digits and
// hyphens, starting with a letter, not ending with a hyphen, no consecutive
// hyphens, at most 64 characters.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !resourceNamePattern.MatchString(name) || strings.Contains(name, "--") {
		return fmt.Errorf("invalid name %q: use letters, digits and single hyphens, starting with a letter", name)
	}
	return nil
}

// Builder declares the resources of an application. It is not safe for
// concurrent use; declaration happens on a single goroutine before Build.
type Builder struct {
	name           string
	logger         *logrus.Entry
	health         *health.Registry
	config         *viper.Viper
	runtime        Runtime
	eventing       *Eventing
	healthInterval time.Duration

	resources  []Resource
	byName     map[string]Resource
	parameters map[string]*Parameter
	errs       []error
	built      bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithName sets the application name used for volume and container names.
func WithName(name string) Option {
	return func(b *Builder) { b.name = name }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(b *Builder) { b.logger = l }
}

// WithHealthRegistry shares a health registry with the caller.
func WithHealthRegistry(r *health.Registry) Option {
	return func(b *Builder) { b.health = r }
}

// WithConfig supplies configuration. Parameter values are read from
// "parameters.<name>".
func WithConfig(v *viper.Viper) Option {
	return func(b *Builder) { b.config = v }
}

// WithRuntime sets the container runtime used by the application.
func WithRuntime(rt Runtime) Option {
	return func(b *Builder) { b.runtime = rt }
}

// WithHealthInterval sets how often resource health checks run.
func WithHealthInterval(d time.Duration) Option {
	return func(b *Builder) { b.healthInterval = d }
}

// NewBuilder creates an empty application builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		name:           "apphost",
		eventing:       NewEventing(),
		healthInterval: 5 * time.Second,
		byName:         make(map[string]Resource),
		parameters:     make(map[string]*Parameter),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if b.health == nil {
		b.health = health.NewRegistry()
	}
	return b
}

func (b *Builder) Name() string             { return b.name }
func (b *Builder) Logger() *logrus.Entry    { return b.logger }
func (b *Builder) Health() *health.Registry { return b.health }
func (b *Builder) Eventing() *Eventing      { return b.eventing }

// AddResource adds r to the model. Names are unique across resources and
// parameters.
func (b *Builder) AddResource(r Resource) error {
	if err := b.CheckName(r.Name()); err != nil {
		return err
	}

	base := r.Base()
	base.state.onChange = b.logTransition

	b.resources = append(b.resources, r)
	b.byName[strings.ToLower(r.Name())] = r

	if c, ok := AsContainer(r); ok && c.image.Image != "" {
		if state, _ := base.State(); state == models.StateDeclared {
			_ = base.Transition(models.StateImageAttached, nil)
		}
	}

	b.logger.WithField("resource", r.Name()).WithField("type", r.Type()).Debug("Resource added")
	return nil
}

// CheckName reports whether a resource called name could be added now.
func (b *Builder) CheckName(name string) error {
	if b.built {
		return configErrorf(name, "cannot add resources after Build")
	}
	if err := ValidateName(name); err != nil {
		return &ConfigError{Resource: name, Message: "invalid resource name", Err: err}
	}
	if b.exists(name) {
		return configErrorf(name, "a resource with this name already exists")
	}
	return nil
}

func (b *Builder) exists(name string) bool {
	key := strings.ToLower(name)
	_, isResource := b.byName[key]
	_, isParameter := b.parameters[key]
	return isResource || isParameter
}

func (b *Builder) logTransition(ev models.ResourceEvent) {
	entry := b.logger.WithField("resource", ev.Resource).WithField("state", ev.State)
	if ev.Error != "" {
		entry.WithField("error", ev.Error).Error("Resource state changed")
		return
	}
	entry.Debug("Resource state changed")
}

// Resources returns the model in declaration order.
func (b *Builder) Resources() []Resource {
	return append([]Resource(nil), b.resources...)
}

// Resource looks a resource up by name, case-insensitively.
func (b *Builder) Resource(name string) (Resource, bool) {
	r, ok := b.byName[strings.ToLower(name)]
	return r, ok
}

// Children returns the resources whose parent is r.
func (b *Builder) Children(r Resource) []Resource {
	var out []Resource
	for _, c := range b.resources {
		if p := c.Base().Parent(); p != nil && p.Name() == r.Name() {
			out = append(out, c)
		}
	}
	return out
}

// AddParameter declares a parameter. A value configured under
// "parameters.<name>" takes precedence over value.
func (b *Builder) AddParameter(name, value string, secret bool) (*Parameter, error) {
	if err := ValidateName(name); err != nil {
		return nil, &ConfigError{Resource: name, Message: "invalid parameter name", Err: err}
	}
	if b.exists(name) {
		return nil, configErrorf(name, "a resource with this name already exists")
	}
	if b.config != nil {
		if v := b.config.GetString("parameters." + name); v != "" {
			value = v
		}
	}
	p := &Parameter{name: name, value: value, secret: secret}
	b.parameters[strings.ToLower(name)] = p
	return p, nil
}

// AddSecretParameter declares a secret parameter whose default is a
// generated token.
func (b *Builder) AddSecretParameter(name string) (*Parameter, error) {
	return b.AddParameter(name, GenerateToken(), true)
}

// Parameter looks a parameter up by name.
func (b *Builder) Parameter(name string) (*Parameter, bool) {
	p, ok := b.parameters[strings.ToLower(name)]
	return p, ok
}

// VolumeName returns the generated volume name for r.
func (b *Builder) VolumeName(r Resource, suffix string) string {
	return VolumeName(b.name, r.Name(), suffix)
}

// AddError records a configuration error that Build reports. Resource
// packages use it from fluent methods that cannot return an error.
func (b *Builder) AddError(err error) { b.fail(err) }

func (b *Builder) fail(err error) {
	b.errs = append(b.errs, err)
}

// Build validates the model and returns a runnable application. Every
// resource moves to EndpointPending.
func (b *Builder) Build() (*Application, error) {
	if b.built {
		return nil, &ConfigError{Message: "application already built"}
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.runtime == nil {
		return nil, &ConfigError{Message: "no container runtime configured"}
	}
	if err := b.checkCycles(); err != nil {
		return nil, err
	}

	for _, r := range b.resources {
		if err := r.Base().Transition(models.StateEndpointPending, nil); err != nil {
			return nil, err
		}
	}
	b.built = true

	return newApplication(b), nil
}

// dependencies returns the resources r must not start before.
func dependencies(r Resource) []Resource {
	base := r.Base()
	deps := make([]Resource, 0, len(base.waits)+len(base.references))
	for _, w := range base.waits {
		deps = append(deps, w.resource)
	}
	deps = append(deps, base.references...)
	return deps
}

// checkCycles rejects cycles among wait and reference relationships. A
// dependency on a child resource counts as a dependency on its parent.
func (b *Builder) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int)

	root := func(r Resource) Resource {
		for r.Base().Parent() != nil {
			r = r.Base().Parent()
		}
		return r
	}

	var visit func(r Resource, path []string) error
	visit = func(r Resource, path []string) error {
		r = root(r)
		switch marks[r.Name()] {
		case visiting:
			return configErrorf(r.Name(), "dependency cycle: %s", strings.Join(append(path, r.Name()), " -> "))
		case done:
			return nil
		}
		marks[r.Name()] = visiting
		path = append(path, r.Name())
		for _, member := range append([]Resource{r}, b.Children(r)...) {
			for _, dep := range dependencies(member) {
				if root(dep).Name() == r.Name() {
					continue
				}
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		marks[r.Name()] = done
		return nil
	}

	for _, r := range b.resources {
		if err := visit(r, nil); err != nil {
			return err
		}
	}
	return nil
}

// ResourceBuilder configures one resource with a fluent chain. Errors are
// collected and reported by Build.
type ResourceBuilder[T Resource] struct {
	builder  *Builder
	resource T
}

// NewResourceBuilder wraps r, which must already be added to b.
func NewResourceBuilder[T Resource](b *Builder, r T) *ResourceBuilder[T] {
	return &ResourceBuilder[T]{builder: b, resource: r}
}

func (rb *ResourceBuilder[T]) Resource() T       { return rb.resource }
func (rb *ResourceBuilder[T]) Builder() *Builder { return rb.builder }
func (rb *ResourceBuilder[T]) Name() string      { return rb.resource.Name() }

func (rb *ResourceBuilder[T]) container(op string) (*ContainerResource, bool) {
	c, ok := AsContainer(rb.resource)
	if !ok {
		rb.builder.fail(configErrorf(rb.resource.Name(), "%s requires a container resource", op))
	}
	return c, ok
}

// WithImageTag replaces only the image tag.
func (rb *ResourceBuilder[T]) WithImageTag(tag string) *ResourceBuilder[T] {
	if c, ok := rb.container("WithImageTag"); ok {
		if tag == "" {
			rb.builder.fail(configErrorf(rb.Name(), "image tag must not be empty"))
			return rb
		}
		ref := c.Image()
		ref.Tag = tag
		c.SetImage(ref)
	}
	return rb
}

// WithImage replaces the image name. A tag given as "image:tag" replaces the
// tag as well; otherwise the tag becomes "latest".
func (rb *ResourceBuilder[T]) WithImage(image string) *ResourceBuilder[T] {
	if c, ok := rb.container("WithImage"); ok {
		if image == "" {
			rb.builder.fail(configErrorf(rb.Name(), "image must not be empty"))
			return rb
		}
		ref := c.Image()
		ref.Image, ref.Tag = image, "latest"
		if i := strings.LastIndex(image, ":"); i > 0 && !strings.Contains(image[i:], "/") {
			ref.Image, ref.Tag = image[:i], image[i+1:]
		}
		c.SetImage(ref)
	}
	return rb
}

// WithImageRegistry replaces only the registry.
func (rb *ResourceBuilder[T]) WithImageRegistry(registry string) *ResourceBuilder[T] {
	if c, ok := rb.container("WithImageRegistry"); ok {
		ref := c.Image()
		ref.Registry = registry
		c.SetImage(ref)
	}
	return rb
}

// WithEnvironment sets a static environment variable.
func (rb *ResourceBuilder[T]) WithEnvironment(key, value string) *ResourceBuilder[T] {
	if c, ok := rb.container("WithEnvironment"); ok {
		c.SetEnv(key, value)
	}
	return rb
}

// WithEnvironmentFunc adds a callback run when the container starts.
func (rb *ResourceBuilder[T]) WithEnvironmentFunc(fn EnvironmentFunc) *ResourceBuilder[T] {
	if c, ok := rb.container("WithEnvironmentFunc"); ok {
		c.AddEnvFunc(fn)
	}
	return rb
}

// WithEndpoint declares an additional endpoint. port 0 lets the runtime choose.
func (rb *ResourceBuilder[T]) WithEndpoint(name, scheme string, targetPort, port int) *ResourceBuilder[T] {
	if c, ok := rb.container("WithEndpoint"); ok {
		if _, err := c.AddEndpoint(name, scheme, targetPort, port); err != nil {
			rb.builder.fail(err)
		}
	}
	return rb
}

// WithVolume mounts a named volume. An empty name generates
// <app>-<resource>-data.
func (rb *ResourceBuilder[T]) WithVolume(name, target string, readOnly bool) *ResourceBuilder[T] {
	if c, ok := rb.container("WithVolume"); ok {
		if target == "" {
			rb.builder.fail(configErrorf(rb.Name(), "volume target is required"))
			return rb
		}
		if name == "" {
			name = rb.builder.VolumeName(rb.resource, "data")
		}
		c.AddMount(Mount{Type: MountVolume, Source: name, Target: target, ReadOnly: readOnly})
	}
	return rb
}

// WithBindMount mounts a host path.
func (rb *ResourceBuilder[T]) WithBindMount(source, target string, readOnly bool) *ResourceBuilder[T] {
	if c, ok := rb.container("WithBindMount"); ok {
		if source == "" || target == "" {
			rb.builder.fail(configErrorf(rb.Name(), "bind mount source and target are required"))
			return rb
		}
		c.AddMount(Mount{Type: MountBind, Source: source, Target: target, ReadOnly: readOnly})
	}
	return rb
}

// WithArgs appends container arguments.
func (rb *ResourceBuilder[T]) WithArgs(args ...string) *ResourceBuilder[T] {
	if c, ok := rb.container("WithArgs"); ok {
		c.AddArgs(args...)
	}
	return rb
}

// WithHealthCheck attaches a health check registered under name.
func (rb *ResourceBuilder[T]) WithHealthCheck(name string) *ResourceBuilder[T] {
	if _, ok := rb.builder.health.Get(name); !ok {
		rb.builder.fail(configErrorf(rb.Name(), "health check %q is not registered", name))
		return rb
	}
	rb.resource.Base().AddHealthCheck(name)
	return rb
}

// WaitFor delays the start of this resource until dep is healthy.
func (rb *ResourceBuilder[T]) WaitFor(dep Resource) *ResourceBuilder[T] {
	return rb.wait(dep, WaitUntilHealthy)
}

// WaitForStart delays the start of this resource until the endpoints of dep
// are resolved.
func (rb *ResourceBuilder[T]) WaitForStart(dep Resource) *ResourceBuilder[T] {
	return rb.wait(dep, WaitUntilStarted)
}

func (rb *ResourceBuilder[T]) wait(dep Resource, behavior WaitBehavior) *ResourceBuilder[T] {
	if dep.Name() == rb.Name() {
		rb.builder.fail(configErrorf(rb.Name(), "a resource cannot wait for itself"))
		return rb
	}
	if _, ok := rb.builder.Resource(dep.Name()); !ok {
		rb.builder.fail(configErrorf(rb.Name(), "wait target %q is not part of the application", dep.Name()))
		return rb
	}
	base := rb.resource.Base()
	base.waits = append(base.waits, waitAnnotation{resource: dep, behavior: behavior})
	return rb
}

// WithReference injects the connection string of dep as
// CONNECTION_STRINGS__<NAME>.
func (rb *ResourceBuilder[T]) WithReference(dep ConnectionStringResource) *ResourceBuilder[T] {
	c, ok := rb.container("WithReference")
	if !ok {
		return rb
	}
	if _, ok := rb.builder.Resource(dep.Name()); !ok {
		rb.builder.fail(configErrorf(rb.Name(), "referenced resource %q is not part of the application", dep.Name()))
		return rb
	}
	base := rb.resource.Base()
	base.references = append(base.references, dep)

	key := connstr.EnvName(dep.Name())
	c.AddEnvFunc(func(ec *EnvironmentContext) error {
		v, err := ConnectionString(ec.Context, dep)
		if err != nil {
			return fmt.Errorf("connection string of %s: %w", dep.Name(), err)
		}
		ec.Env[key] = v
		return nil
	})
	return rb
}
