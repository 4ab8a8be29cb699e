package models

import "time"

// ResourceState is the lifecycle state of a resource in an application model.
//
// The normal progression is
//
//	Declared -> ImageAttached -> EndpointPending -> EndpointResolved -> Healthy
//
// ResolutionFailed is terminal. Resources without a container image (models,
// databases) go straight from Declared to EndpointPending.
type ResourceState string

const (
	StateDeclared         ResourceState = "declared"
	StateImageAttached    ResourceState = "image_attached"
	StateEndpointPending  ResourceState = "endpoint_pending"
	StateEndpointResolved ResourceState = "endpoint_resolved"
	StateHealthy          ResourceState = "healthy"
	StateResolutionFailed ResourceState = "resolution_failed"
	StateStopped          ResourceState = "stopped"
)

// IsTerminal reports whether no further transition can leave the state.
func (s ResourceState) IsTerminal() bool {
	return s == StateResolutionFailed || s == StateStopped
}

// IsRunning reports whether the resource endpoint is known.
func (s ResourceState) IsRunning() bool {
	return s == StateEndpointResolved || s == StateHealthy
}

// ResourceSnapshot is a point-in-time, serialisable view of a resource.
type ResourceSnapshot struct {
	// Name is the unique resource name within the application
	Name string `json:"name" yaml:"name"`

	// Type is the resource kind (e.g., "influxdb", "ollama-model")
	Type string `json:"type" yaml:"type"`

	// State is the current lifecycle state
	State ResourceState `json:"state" yaml:"state"`

	// Image is the fully qualified container image reference, empty for child resources
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Parent is the name of the owning resource, if any
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`

	// ContainerID is the runtime identifier once started
	ContainerID string `json:"containerId,omitempty" yaml:"containerId,omitempty"`

	Endpoints    []EndpointSnapshot `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	HealthChecks []string           `json:"healthChecks,omitempty" yaml:"healthChecks,omitempty"`
	WaitFor      []string           `json:"waitFor,omitempty" yaml:"waitFor,omitempty"`

	// Error is set when the resource is in StateResolutionFailed
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// EndpointSnapshot describes a resource endpoint and its allocation.
type EndpointSnapshot struct {
	Name       string `json:"name" yaml:"name"`
	Scheme     string `json:"scheme" yaml:"scheme"`
	TargetPort int    `json:"targetPort" yaml:"targetPort"`

	// Port is the requested host port, 0 when dynamically assigned
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Allocated is true once the runtime reported host and port
	Allocated     bool   `json:"allocated" yaml:"allocated"`
	AllocatedHost string `json:"allocatedHost,omitempty" yaml:"allocatedHost,omitempty"`
	AllocatedPort int    `json:"allocatedPort,omitempty" yaml:"allocatedPort,omitempty"`
}

// ResourceEvent records a state transition of a resource.
type ResourceEvent struct {
	Resource  string        `json:"resource"`
	Previous  ResourceState `json:"previous"`
	State     ResourceState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}
