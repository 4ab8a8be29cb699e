package hosting

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Allocation is the host address the runtime assigned to an endpoint.
type Allocation struct {
	Host string
	Port int
}

// Endpoint is a network endpoint of a container resource. The target port is
// fixed at declaration time; the host allocation becomes known only after the
// container starts and is completed exactly once, either with Resolve or Fail.
type Endpoint struct {
	resource   string
	name       string
	scheme     string
	targetPort int
	port       int
	transport  string

	once  sync.Once
	done  chan struct{}
	alloc Allocation
	err   error
}

func newEndpoint(resource, name, scheme string, targetPort, port int) *Endpoint {
	transport := "tcp"
	if scheme == "http" || scheme == "https" {
		transport = "http"
	}
	return &Endpoint{
		resource:   resource,
		name:       name,
		scheme:     scheme,
		targetPort: targetPort,
		port:       port,
		transport:  transport,
		done:       make(chan struct{}),
	}
}

func (e *Endpoint) Name() string      { return e.name }
func (e *Endpoint) Scheme() string    { return e.scheme }
func (e *Endpoint) TargetPort() int   { return e.targetPort }
func (e *Endpoint) Transport() string { return e.transport }

// Resource returns the name of the owning resource.
func (e *Endpoint) Resource() string { return e.resource }

// Port returns the requested host port, 0 when the runtime picks one.
func (e *Endpoint) Port() int { return e.port }

// SetPort changes the requested host port. It only has an effect before the
// application starts.
func (e *Endpoint) SetPort(port int) error {
	if port < 0 || port > 65535 {
		return configErrorf(e.resource, "endpoint %q: invalid port %d", e.name, port)
	}
	e.port = port
	return nil
}

// Resolve completes the allocation. An allocation without host or port
// fails the endpoint instead, and the failure is returned.
func (e *Endpoint) Resolve(a Allocation) error {
	if a.Host == "" || a.Port <= 0 {
		err := fmt.Errorf("endpoint %s/%s: invalid allocation %q:%d", e.resource, e.name, a.Host, a.Port)
		if cerr := e.Fail(err); cerr != nil {
			return cerr
		}
		return err
	}
	return e.complete(a, nil)
}

// Fail completes the allocation with an error. Waiters receive err.
func (e *Endpoint) Fail(err error) error {
	if err == nil {
		err = fmt.Errorf("endpoint %s/%s: allocation failed", e.resource, e.name)
	}
	return e.complete(Allocation{}, err)
}

func (e *Endpoint) complete(a Allocation, err error) error {
	completed := false
	e.once.Do(func() {
		e.alloc, e.err = a, err
		completed = true
		close(e.done)
	})
	if !completed {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyCompleted, e.resource, e.name)
	}
	return nil
}

// Wait blocks until the allocation completes or ctx is done.
func (e *Endpoint) Wait(ctx context.Context) (Allocation, error) {
	select {
	case <-ctx.Done():
		return Allocation{}, ctx.Err()
	case <-e.done:
		return e.alloc, e.err
	}
}

// Allocated returns the allocation if it completed successfully.
func (e *Endpoint) Allocated() (Allocation, bool) {
	select {
	case <-e.done:
		return e.alloc, e.err == nil
	default:
		return Allocation{}, false
	}
}

// URL waits for the allocation and returns scheme://host:port.
func (e *Endpoint) URL(ctx context.Context) (string, error) {
	a, err := e.Wait(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s:%d", e.scheme, a.Host, a.Port), nil
}

// EndpointProperty selects a part of an allocated endpoint.
type EndpointProperty string

const (
	PropertyURL  EndpointProperty = "url"
	PropertyHost EndpointProperty = "host"
	PropertyPort EndpointProperty = "port"
)

// Property returns a value provider for one part of the endpoint.
func (e *Endpoint) Property(p EndpointProperty) ValueProvider {
	return endpointReference{endpoint: e, property: p}
}

type endpointReference struct {
	endpoint *Endpoint
	property EndpointProperty
}

func (r endpointReference) Value(ctx context.Context) (string, error) {
	switch r.property {
	case PropertyHost:
		a, err := r.endpoint.Wait(ctx)
		return a.Host, err
	case PropertyPort:
		a, err := r.endpoint.Wait(ctx)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(a.Port), nil
	default:
		return r.endpoint.URL(ctx)
	}
}

func (r endpointReference) ValueExpression() string {
	return fmt.Sprintf("{%s.bindings.%s.%s}", r.endpoint.resource, r.endpoint.name, r.property)
}
