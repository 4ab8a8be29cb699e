// Package health registers named probes and runs them on demand.
//
// A Registration carries a Factory rather than a ready-made probe: the probe
// is built on every run, so that values which are only known later (a
// connection string published once a container is up) are read at
// invocation time. A probe failure, a factory failure and a timeout are all
// reported through the Report as the registration's FailureStatus; running
// checks never returns an error and never retries.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrDuplicate is returned by Registry.Add for a name that is already taken.
var ErrDuplicate = errors.New("health check already registered")

// Check probes a dependency. A nil error means healthy.
type Check interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context) error

// Check calls f(ctx).
func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// Factory builds the probe for one run.
type Factory func(ctx context.Context) (Check, error)

// Registration associates a name with a probe factory.
type Registration struct {
	Name    string
	Factory Factory

	// FailureStatus is reported when the probe fails (default Unhealthy)
	FailureStatus Status

	Tags []string

	// Timeout bounds a single run; zero means only the caller's context applies
	Timeout time.Duration
}

// HasTag reports whether the registration carries tag.
func (r Registration) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Observer receives every entry produced by a run.
type Observer interface {
	Observe(name string, entry Entry)
}

// Registry holds health-check registrations. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	regs     map[string]Registration
	order    []string
	observer Observer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		regs: make(map[string]Registration),
	}
}

// SetObserver installs an observer notified after each check runs.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Add registers reg. Names are unique.
func (r *Registry) Add(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("health check name is required")
	}
	if reg.Factory == nil {
		return fmt.Errorf("health check %q has no factory", reg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regs[reg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, reg.Name)
	}

	r.regs[reg.Name] = reg
	r.order = append(r.order, reg.Name)
	return nil
}

// TryAdd registers reg unless the name is taken. It reports whether reg was added.
func (r *Registry) TryAdd(reg Registration) bool {
	return r.Add(reg) == nil
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[name]
	return reg, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// Run executes every registration accepted by filter (all when filter is nil)
// concurrently and aggregates the results.
func (r *Registry) Run(ctx context.Context, filter func(Registration) bool) Report {
	r.mu.RLock()
	regs := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		reg := r.regs[name]
		if filter == nil || filter(reg) {
			regs = append(regs, reg)
		}
	}
	observer := r.observer
	r.mu.RUnlock()

	return run(ctx, regs, observer)
}

// RunNames executes the named registrations. Unknown names are reported as
// Unhealthy entries.
func (r *Registry) RunNames(ctx context.Context, names ...string) Report {
	r.mu.RLock()
	regs := make([]Registration, 0, len(names))
	var missing []string
	for _, name := range names {
		if reg, ok := r.regs[name]; ok {
			regs = append(regs, reg)
		} else {
			missing = append(missing, name)
		}
	}
	observer := r.observer
	r.mu.RUnlock()

	report := run(ctx, regs, observer)
	for _, name := range missing {
		report.Entries[name] = Entry{
			Status: Unhealthy,
			Error:  fmt.Sprintf("health check %q is not registered", name),
		}
		report.Status = Unhealthy
	}
	return report
}

func run(ctx context.Context, regs []Registration, observer Observer) Report {
	start := time.Now()
	report := Report{
		Status:  Healthy,
		Entries: make(map[string]Entry, len(regs)),
	}

	// Failures are entries, not errors, so no probe cancels its siblings.
	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	for _, reg := range regs {
		g.Go(func() error {
			entry := RunOne(ctx, reg)
			if observer != nil {
				observer.Observe(reg.Name, entry)
			}

			mu.Lock()
			report.Entries[reg.Name] = entry
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, entry := range report.Entries {
		if entry.Status < report.Status {
			report.Status = entry.Status
		}
	}
	report.TotalDuration = time.Since(start)

	return report
}

// RunOne executes a single registration, honouring its timeout.
func RunOne(ctx context.Context, reg Registration) Entry {
	start := time.Now()

	if reg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, reg.Timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- probe(ctx, reg)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if reg.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("health check %q timed out after %s", reg.Name, reg.Timeout)
		} else {
			err = ctx.Err()
		}
	}

	entry := Entry{
		Status:   Healthy,
		Duration: time.Since(start),
		Tags:     reg.Tags,
	}
	if err != nil {
		entry.Status = reg.FailureStatus
		entry.Error = err.Error()
	}
	return entry
}

func probe(ctx context.Context, reg Registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check %q panicked: %v", reg.Name, r)
		}
	}()

	check, err := reg.Factory(ctx)
	if err != nil {
		return err
	}
	if check == nil {
		return fmt.Errorf("health check %q factory returned no probe", reg.Name)
	}
	return check.Check(ctx)
}

// Entry is the result of one check.
type Entry struct {
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Tags     []string      `json:"tags,omitempty"`
}

// Report aggregates entries; Status is the worst entry status.
type Report struct {
	Status        Status           `json:"status"`
	TotalDuration time.Duration    `json:"totalDuration"`
	Entries       map[string]Entry `json:"entries"`
}

// Failed returns the names of non-healthy entries, sorted.
func (r Report) Failed() []string {
	var names []string
	for name, entry := range r.Entries {
		if entry.Status != Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
