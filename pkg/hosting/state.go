package hosting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"evalgo.org/apphost/models"
)

var transitions = map[models.ResourceState][]models.ResourceState{
	models.StateDeclared:         {models.StateImageAttached, models.StateEndpointPending, models.StateResolutionFailed},
	models.StateImageAttached:    {models.StateEndpointPending, models.StateResolutionFailed},
	models.StateEndpointPending:  {models.StateEndpointResolved, models.StateResolutionFailed, models.StateStopped},
	models.StateEndpointResolved: {models.StateHealthy, models.StateResolutionFailed, models.StateStopped},
	models.StateHealthy:          {models.StateEndpointResolved, models.StateStopped},
}

func canTransition(from, to models.ResourceState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateTracker holds the lifecycle state of one resource. Every change
// closes the current changed channel so waiters re-check.
type stateTracker struct {
	mu       sync.Mutex
	state    models.ResourceState
	err      error
	changed  chan struct{}
	onChange func(models.ResourceEvent)
}

func newStateTracker() *stateTracker {
	return &stateTracker{
		state:   models.StateDeclared,
		changed: make(chan struct{}),
	}
}

func (t *stateTracker) get() (models.ResourceState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

func (t *stateTracker) transition(resource string, to models.ResourceState, cause error) error {
	t.mu.Lock()
	from := t.state
	if from == to {
		t.mu.Unlock()
		return nil
	}
	if !canTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, resource, from, to)
	}
	t.state = to
	if to == models.StateResolutionFailed {
		t.err = cause
	}
	close(t.changed)
	t.changed = make(chan struct{})
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		ev := models.ResourceEvent{Resource: resource, Previous: from, State: to, Timestamp: time.Now().UTC()}
		if cause != nil {
			ev.Error = cause.Error()
		}
		onChange(ev)
	}
	return nil
}

// wait blocks until the resource reaches target, or a state from which
// target cannot be reached.
func (t *stateTracker) wait(ctx context.Context, resource string, target models.ResourceState) error {
	for {
		t.mu.Lock()
		state, cause, ch := t.state, t.err, t.changed
		t.mu.Unlock()

		if state == target || (target == models.StateEndpointResolved && state == models.StateHealthy) {
			return nil
		}
		if state.IsTerminal() {
			if cause != nil {
				return fmt.Errorf("%w: %s is %s: %v", ErrResourceFailed, resource, state, cause)
			}
			return fmt.Errorf("%w: %s is %s", ErrResourceFailed, resource, state)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to become %s: %w", resource, target, ctx.Err())
		case <-ch:
		}
	}
}
