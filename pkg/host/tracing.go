package host

import (
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracing tracks the named trace sources clients registered. Tracers for
// sources that were never added are no-ops.
type Tracing struct {
	mu       sync.RWMutex
	provider trace.TracerProvider
	sources  map[string]struct{}
}

// NewTracing uses provider, or the global provider when nil.
func NewTracing(provider trace.TracerProvider) *Tracing {
	return &Tracing{provider: provider, sources: make(map[string]struct{})}
}

// AddSource enables a trace source.
func (t *Tracing) AddSource(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[name] = struct{}{}
}

func (t *Tracing) Enabled(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sources[name]
	return ok
}

// Sources returns the enabled sources, sorted.
func (t *Tracing) Sources() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sources))
	for s := range t.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SetProvider replaces the tracer provider.
func (t *Tracing) SetProvider(p trace.TracerProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provider = p
}

// Provider returns the configured provider.
func (t *Tracing) Provider() trace.TracerProvider {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.provider == nil {
		return otel.GetTracerProvider()
	}
	return t.provider
}

// Tracer returns a tracer for source, or a no-op tracer if the source is disabled.
func (t *Tracing) Tracer(source string) trace.Tracer {
	if !t.Enabled(source) {
		return noop.NewTracerProvider().Tracer(source)
	}
	return t.Provider().Tracer(source)
}
