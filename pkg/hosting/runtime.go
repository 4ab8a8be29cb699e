package hosting

import "context"

// PortSpec maps a container port to the host.
type PortSpec struct {
	Name       string
	TargetPort int
	// HostPort 0 lets the runtime assign a free port
	HostPort int
	Protocol string
}

// ContainerSpec is everything a runtime needs to start a container.
type ContainerSpec struct {
	Name           string
	Resource       string
	Image          string
	Env            map[string]string
	Args           []string
	Ports          []PortSpec
	Mounts         []Mount
	DeviceRequests []DeviceRequest
	Devices        []string
	Labels         map[string]string
	Network        string
}

// RunningContainer is the result of a successful start.
type RunningContainer struct {
	ID string
	// Endpoints maps endpoint names to their host allocation
	Endpoints map[string]Allocation
}

// Runtime starts and stops containers. Implementations are the authority on
// port assignment.
type Runtime interface {
	Start(ctx context.Context, spec ContainerSpec) (*RunningContainer, error)
	Stop(ctx context.Context, id string) error
}
