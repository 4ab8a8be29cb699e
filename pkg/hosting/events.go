package hosting

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// BeforeStartEvent is published once before any resource starts.
type BeforeStartEvent struct {
	Application *Application
}

// BeforeResourceStartedEvent is published after the wait dependencies of a
// container are satisfied and before the runtime starts it.
type BeforeResourceStartedEvent struct {
	Resource Resource
}

// ResourceEndpointsAllocatedEvent is published once all endpoints of a
// container have an allocation.
type ResourceEndpointsAllocatedEvent struct {
	Resource Resource
}

// ConnectionStringAvailableEvent is published when the connection string of
// a resource can be evaluated. The value is never empty at that point.
type ConnectionStringAvailableEvent struct {
	Resource Resource
}

// ResourceReadyEvent is published the first time a resource becomes healthy.
type ResourceReadyEvent struct {
	Resource Resource
}

func (e BeforeResourceStartedEvent) EventResource() Resource      { return e.Resource }
func (e ResourceEndpointsAllocatedEvent) EventResource() Resource { return e.Resource }
func (e ConnectionStringAvailableEvent) EventResource() Resource  { return e.Resource }
func (e ResourceReadyEvent) EventResource() Resource              { return e.Resource }

// ResourceEvent is an event about a single resource.
type ResourceEvent interface {
	EventResource() Resource
}

type handler struct {
	resource string
	fn       func(context.Context, any) error
}

// Eventing dispatches lifecycle events to subscribers. Handlers run
// sequentially in subscription order; the first error stops dispatch.
type Eventing struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]handler
}

// NewEventing creates an empty dispatcher.
func NewEventing() *Eventing {
	return &Eventing{handlers: make(map[reflect.Type][]handler)}
}

func (ev *Eventing) subscribe(t reflect.Type, h handler) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.handlers[t] = append(ev.handlers[t], h)
}

// Subscribe registers fn for every event of type E.
func Subscribe[E any](ev *Eventing, fn func(ctx context.Context, e E) error) {
	ev.subscribe(reflect.TypeFor[E](), handler{
		fn: func(ctx context.Context, e any) error { return fn(ctx, e.(E)) },
	})
}

// SubscribeResource registers fn for events of type E concerning r only.
func SubscribeResource[E ResourceEvent](ev *Eventing, r Resource, fn func(ctx context.Context, e E) error) {
	ev.subscribe(reflect.TypeFor[E](), handler{
		resource: r.Name(),
		fn:       func(ctx context.Context, e any) error { return fn(ctx, e.(E)) },
	})
}

// Publish delivers e to its subscribers.
func Publish[E any](ctx context.Context, ev *Eventing, e E) error {
	ev.mu.RLock()
	handlers := append([]handler(nil), ev.handlers[reflect.TypeFor[E]()]...)
	ev.mu.RUnlock()

	var target string
	if re, ok := any(e).(ResourceEvent); ok && re.EventResource() != nil {
		target = re.EventResource().Name()
	}

	for _, h := range handlers {
		if h.resource != "" && h.resource != target {
			continue
		}
		if err := h.fn(ctx, e); err != nil {
			return fmt.Errorf("%T handler: %w", e, err)
		}
	}
	return nil
}
