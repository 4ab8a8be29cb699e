package hosting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"evalgo.org/apphost/models"
	"evalgo.org/apphost/pkg/health"
)

// Application is a built, runnable application model.
type Application struct {
	builder *Builder
	runtime Runtime
	logger  *logrus.Entry
	runID   string

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	monitors sync.WaitGroup
	running  []*ContainerResource

	watchMu  sync.Mutex
	watchers map[chan models.ResourceEvent]struct{}
}

func newApplication(b *Builder) *Application {
	a := &Application{
		builder:  b,
		runtime:  b.runtime,
		runID:    models.GenerateID("run"),
		watchers: make(map[chan models.ResourceEvent]struct{}),
	}
	a.logger = b.logger.WithField("app", b.name).WithField("run", a.runID)
	for _, r := range b.resources {
		r.Base().state.onChange = a.notify
	}
	return a
}

func (a *Application) Name() string             { return a.builder.name }
func (a *Application) RunID() string            { return a.runID }
func (a *Application) Health() *health.Registry { return a.builder.health }
func (a *Application) Eventing() *Eventing      { return a.builder.eventing }

// Resources returns the model in declaration order.
func (a *Application) Resources() []Resource { return a.builder.Resources() }

// Resource looks a resource up by name.
func (a *Application) Resource(name string) (Resource, bool) { return a.builder.Resource(name) }

// Snapshot returns the current state of every resource.
func (a *Application) Snapshot() []models.ResourceSnapshot {
	out := make([]models.ResourceSnapshot, 0, len(a.builder.resources))
	for _, r := range a.builder.resources {
		out = append(out, Snapshot(r))
	}
	return out
}

// Start launches every top-level container concurrently, each after its
// wait dependencies are satisfied, and returns once all of them have
// resolved their endpoints and connection strings. The first resolution
// error aborts start and is returned.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("application %s already started", a.Name())
	}
	a.started = true
	monitorCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	if err := Publish(ctx, a.Eventing(), BeforeStartEvent{Application: a}); err != nil {
		return err
	}

	a.logger.WithField("resources", len(a.builder.resources)).Info("Starting application")

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.builder.resources {
		if r.Base().Parent() != nil {
			continue
		}
		c, ok := AsContainer(r)
		if !ok {
			continue
		}
		g.Go(func() error {
			return a.startResource(gctx, monitorCtx, r, c)
		})
	}

	if err := g.Wait(); err != nil {
		a.logger.WithError(err).Error("Application failed to start")
		return err
	}

	a.logger.Info("Application started")
	return nil
}

func (a *Application) startResource(ctx, monitorCtx context.Context, r Resource, c *ContainerResource) error {
	log := a.logger.WithField("resource", r.Name())

	for _, w := range r.Base().waits {
		target := models.StateHealthy
		if w.behavior == WaitUntilStarted {
			target = models.StateEndpointResolved
		}
		log.WithField("dependency", w.resource.Name()).WithField("state", target).Debug("Waiting for dependency")
		if err := w.resource.Base().WaitForState(ctx, target); err != nil {
			return a.failResource(r, c, fmt.Errorf("dependency %s: %w", w.resource.Name(), err))
		}
	}

	if err := Publish(ctx, a.Eventing(), BeforeResourceStartedEvent{Resource: r}); err != nil {
		return a.failResource(r, c, err)
	}

	env, err := c.ResolveEnv(ctx)
	if err != nil {
		return a.failResource(r, c, err)
	}

	spec := a.containerSpec(r, c, env)
	log.WithField("image", spec.Image).Info("Starting container")

	running, err := a.runtime.Start(ctx, spec)
	if err != nil {
		return a.failResource(r, c, fmt.Errorf("start container: %w", err))
	}
	c.setContainerID(running.ID)
	a.mu.Lock()
	a.running = append(a.running, c)
	a.mu.Unlock()

	for _, ep := range c.endpoints {
		alloc, ok := running.Endpoints[ep.name]
		if !ok {
			return a.failResource(r, c, fmt.Errorf("runtime reported no allocation for endpoint %q", ep.name))
		}
		if err := ep.Resolve(alloc); err != nil {
			return a.failResource(r, c, err)
		}
	}

	if err := Publish(ctx, a.Eventing(), ResourceEndpointsAllocatedEvent{Resource: r}); err != nil {
		return a.failResource(r, c, err)
	}

	members := append([]Resource{r}, a.builder.Children(r)...)
	for _, m := range members {
		if err := a.publishConnectionString(ctx, m); err != nil {
			if m != r {
				a.markFailed(m, err)
			}
			return a.failResource(r, c, err)
		}
	}

	for _, m := range members {
		if err := m.Base().Transition(models.StateEndpointResolved, nil); err != nil {
			return err
		}
		a.monitors.Add(1)
		go a.monitor(monitorCtx, m)
	}

	log.WithField("container", running.ID).Info("Container started")
	return nil
}

// publishConnectionString enforces that an empty connection string is never
// announced.
func (a *Application) publishConnectionString(ctx context.Context, r Resource) error {
	csr, ok := r.(ConnectionStringResource)
	if !ok {
		return nil
	}
	value, err := ConnectionString(ctx, csr)
	if err != nil {
		return &ResolutionError{Resource: r.Name(), Err: err}
	}
	if value == "" {
		return &ResolutionError{Resource: r.Name(), Err: ErrEmptyConnectionString}
	}
	if err := Publish(ctx, a.Eventing(), ConnectionStringAvailableEvent{Resource: r}); err != nil {
		var re *ResolutionError
		if errors.As(err, &re) {
			return err
		}
		return &ResolutionError{Resource: r.Name(), Err: err}
	}
	return nil
}

func (a *Application) containerSpec(r Resource, c *ContainerResource, env map[string]string) ContainerSpec {
	spec := ContainerSpec{
		Name:           fmt.Sprintf("%s-%s-%s", a.Name(), r.Name(), a.runID[len(a.runID)-8:]),
		Resource:       r.Name(),
		Image:          c.image.String(),
		Env:            env,
		Args:           c.Args(),
		Mounts:         c.Mounts(),
		DeviceRequests: c.DeviceRequests(),
		Devices:        c.Devices(),
		Network:        a.Name(),
		Labels: map[string]string{
			"apphost.app":      a.Name(),
			"apphost.run":      a.runID,
			"apphost.resource": r.Name(),
		},
	}
	for _, ep := range c.endpoints {
		spec.Ports = append(spec.Ports, PortSpec{
			Name:       ep.name,
			TargetPort: ep.targetPort,
			HostPort:   ep.port,
			Protocol:   "tcp",
		})
	}
	return spec
}

// failResource fails every pending endpoint of c and moves r to
// ResolutionFailed. The returned error is a ResolutionError.
func (a *Application) failResource(r Resource, c *ContainerResource, cause error) error {
	var re *ResolutionError
	if !errors.As(cause, &re) {
		re = &ResolutionError{Resource: r.Name(), Err: cause}
	}
	for _, ep := range c.endpoints {
		_ = ep.Fail(re)
	}
	a.markFailed(r, re)
	for _, child := range a.builder.Children(r) {
		a.markFailed(child, re)
	}
	return re
}

func (a *Application) markFailed(r Resource, cause error) {
	if err := r.Base().Transition(models.StateResolutionFailed, cause); err != nil {
		a.logger.WithField("resource", r.Name()).WithError(err).Debug("Resource not marked failed")
	}
}

// monitor runs the health checks of r until ctx is done, moving it between
// EndpointResolved and Healthy. A resource without checks is healthy as
// soon as its endpoint is resolved.
func (a *Application) monitor(ctx context.Context, r Resource) {
	defer a.monitors.Done()

	base := r.Base()
	checks := base.HealthChecks()
	log := a.logger.WithField("resource", r.Name())
	ready := false

	ticker := time.NewTicker(a.builder.healthInterval)
	defer ticker.Stop()

	for {
		status := health.Healthy
		if len(checks) > 0 {
			report := a.Health().RunNames(ctx, checks...)
			status = report.Status
			if ctx.Err() != nil {
				return
			}
		}

		state, _ := base.State()
		if state.IsTerminal() {
			return
		}
		switch {
		case status == health.Healthy && state == models.StateEndpointResolved:
			if err := base.Transition(models.StateHealthy, nil); err != nil {
				log.WithError(err).Warn("Failed to mark resource healthy")
			}
			if !ready {
				ready = true
				if err := Publish(ctx, a.Eventing(), ResourceReadyEvent{Resource: r}); err != nil {
					log.WithError(err).Warn("Resource ready handler failed")
				}
			}
		case status != health.Healthy && state == models.StateHealthy:
			log.WithField("status", status).Warn("Resource became unhealthy")
			_ = base.Transition(models.StateEndpointResolved, nil)
		}

		if len(checks) == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WaitForResource blocks until the named resource reaches state. It returns
// an error wrapping ErrResourceFailed if the resource fails instead.
func (a *Application) WaitForResource(ctx context.Context, name string, state models.ResourceState) error {
	r, ok := a.Resource(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.Base().WaitForState(ctx, state)
}

// Stop stops health monitoring and every started container.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
	}
	running := append([]*ContainerResource(nil), a.running...)
	a.mu.Unlock()

	a.monitors.Wait()

	var errs []error
	for i := len(running) - 1; i >= 0; i-- {
		c := running[i]
		if err := a.runtime.Stop(ctx, c.containerID); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
	}

	for _, r := range a.builder.resources {
		if state, _ := r.Base().State(); !state.IsTerminal() {
			_ = r.Base().Transition(models.StateStopped, nil)
		}
	}

	a.logger.Info("Application stopped")
	a.closeWatchers()
	return errors.Join(errs...)
}

// Watch streams resource state changes until ctx is done or the
// application stops. Slow consumers miss events rather than block.
func (a *Application) Watch(ctx context.Context) <-chan models.ResourceEvent {
	ch := make(chan models.ResourceEvent, 64)

	a.watchMu.Lock()
	if a.watchers == nil {
		a.watchMu.Unlock()
		close(ch)
		return ch
	}
	a.watchers[ch] = struct{}{}
	a.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		a.watchMu.Lock()
		defer a.watchMu.Unlock()
		if _, ok := a.watchers[ch]; ok {
			delete(a.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

func (a *Application) notify(ev models.ResourceEvent) {
	a.builder.logTransition(ev)

	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	for ch := range a.watchers {
		select {
		case ch <- ev:
		default:
			a.logger.WithField("resource", ev.Resource).Warn("Dropping state event for slow watcher")
		}
	}
}

func (a *Application) closeWatchers() {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	for ch := range a.watchers {
		close(ch)
	}
	a.watchers = nil
}
