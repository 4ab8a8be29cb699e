// Package hostingtest provides an in-memory container runtime for tests.
package hostingtest

import (
	"context"
	"fmt"
	"sync"

	"evalgo.org/apphost/pkg/hosting"
)

// FirstPort is the first host port handed out for dynamic endpoints.
const FirstPort = 49152

// Runtime records started containers and assigns ports deterministically:
// requested host ports are used verbatim, dynamic ones count up from
// FirstPort.
type Runtime struct {
	// Host is reported for every allocation, "localhost" by default
	Host string

	mu       sync.Mutex
	next     int
	seq      int
	started  map[string]hosting.ContainerSpec
	order    []string
	stopped  []string
	failures map[string]error
	omit     map[string]string
	hooks    map[string]func(hosting.ContainerSpec)
}

// New creates an empty runtime.
func New() *Runtime {
	return &Runtime{
		Host:     "localhost",
		next:     FirstPort,
		started:  make(map[string]hosting.ContainerSpec),
		failures: make(map[string]error),
		omit:     make(map[string]string),
		hooks:    make(map[string]func(hosting.ContainerSpec)),
	}
}

// FailStart makes starting the named resource fail with err.
func (r *Runtime) FailStart(resource string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[resource] = err
}

// OmitEndpoint makes the runtime report no allocation for an endpoint.
func (r *Runtime) OmitEndpoint(resource, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.omit[resource] = endpoint
}

// OnStart registers a hook called when the named resource starts.
func (r *Runtime) OnStart(resource string, fn func(hosting.ContainerSpec)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[resource] = fn
}

func (r *Runtime) Start(ctx context.Context, spec hosting.ContainerSpec) (*hosting.RunningContainer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if err, ok := r.failures[spec.Resource]; ok {
		r.mu.Unlock()
		return nil, err
	}

	r.seq++
	id := fmt.Sprintf("container-%d", r.seq)
	running := &hosting.RunningContainer{ID: id, Endpoints: make(map[string]hosting.Allocation)}
	for _, p := range spec.Ports {
		if r.omit[spec.Resource] == p.Name {
			continue
		}
		port := p.HostPort
		if port == 0 {
			port = r.next
			r.next++
		}
		running.Endpoints[p.Name] = hosting.Allocation{Host: r.Host, Port: port}
	}
	r.started[id] = spec
	r.order = append(r.order, spec.Resource)
	hook := r.hooks[spec.Resource]
	r.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return running, nil
}

func (r *Runtime) Stop(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.started[id]; !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	r.stopped = append(r.stopped, id)
	return nil
}

// Spec returns the spec the named resource was started with.
func (r *Runtime) Spec(resource string) (hosting.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range r.started {
		if spec.Resource == resource {
			return spec, true
		}
	}
	return hosting.ContainerSpec{}, false
}

// StartOrder returns resource names in the order they were started.
func (r *Runtime) StartOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Stopped returns the IDs of stopped containers.
func (r *Runtime) Stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}
