// Package docker runs application resources as Docker containers.
//
// Containers join a per-application bridge network where they are reachable
// by resource name. Endpoints without a requested host port are published on
// a port chosen by the daemon; the assigned port is read back from the
// container inspect response.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"evalgo.org/apphost/pkg/hosting"
)

// Label keys set on every container and network the runtime creates.
const (
	LabelManagedBy = "apphost.managed-by"
	LabelApp       = "apphost.app"
)

// Client is the subset of the Docker API the runtime uses. *client.Client
// implements it.
type Client interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// PullPolicy controls when images are pulled.
type PullPolicy string

const (
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
	PullNever   PullPolicy = "never"
)

// Options configures the runtime.
type Options struct {
	// Host is reported as the endpoint host (default "localhost")
	Host string

	PullPolicy PullPolicy

	// StopTimeout is passed to the daemon when stopping containers
	StopTimeout time.Duration

	// PortTimeout bounds how long to wait for the daemon to report published ports
	PortTimeout time.Duration

	// KeepContainers skips container removal on Stop
	KeepContainers bool

	Logger *logrus.Entry
}

// Runtime implements hosting.Runtime on top of a Docker daemon.
type Runtime struct {
	client Client
	opts   Options
	logger *logrus.Entry

	mu       sync.Mutex
	networks map[string]string
}

// NewClient connects to the daemon configured by the environment
// (DOCKER_HOST and friends) with API version negotiation. A non-empty host
// overrides DOCKER_HOST.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return cli, nil
}

// New creates a runtime using cli.
func New(cli Client, opts Options) *Runtime {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.PullPolicy == "" {
		opts.PullPolicy = PullMissing
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.PortTimeout == 0 {
		opts.PortTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{
		client:   cli,
		opts:     opts,
		logger:   logger.WithField("runtime", "docker"),
		networks: make(map[string]string),
	}
}

// Start pulls the image if needed, creates and starts the container and
// returns the host allocation of every published port.
func (r *Runtime) Start(ctx context.Context, spec hosting.ContainerSpec) (*hosting.RunningContainer, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	var networkingConfig *network.NetworkingConfig
	if spec.Network != "" {
		if err := r.ensureNetwork(ctx, spec.Network); err != nil {
			return nil, err
		}
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: []string{spec.Resource}},
			},
		}
	}

	config, hostConfig := buildConfig(spec)

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, networkingConfig, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		r.logger.WithField("container", spec.Name).Warn(w)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	endpoints, err := r.waitForPorts(ctx, resp.ID, spec.Ports)
	if err != nil {
		r.remove(resp.ID)
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"container": spec.Name,
		"id":        shortID(resp.ID),
		"ports":     len(endpoints),
	}).Info("Container running")

	return &hosting.RunningContainer{ID: resp.ID, Endpoints: endpoints}, nil
}

// Stop stops and removes the container.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	timeout := int(r.opts.StopTimeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", shortID(id), err)
	}
	if r.opts.KeepContainers {
		return nil
	}
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: false, Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

// Close removes networks created by the runtime and closes the client.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	networks := r.networks
	r.networks = make(map[string]string)
	r.mu.Unlock()

	for name, id := range networks {
		if err := r.client.NetworkRemove(ctx, id); err != nil {
			r.logger.WithField("network", name).WithError(err).Warn("Failed to remove network")
		}
	}
	return r.client.Close()
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	switch r.opts.PullPolicy {
	case PullNever:
		return nil
	case PullMissing:
		images, err := r.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
		if err == nil && len(images) > 0 {
			return nil
		}
	}

	r.logger.WithField("image", ref).Info("Pulling image")
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (r *Runtime) ensureNetwork(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[name]; ok {
		return nil
	}

	existing, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	resp, err := r.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: "apphost", LabelApp: name},
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	r.networks[name] = resp.ID
	return nil
}

// waitForPorts polls the container until the daemon reports a host binding
// for every requested port.
func (r *Runtime) waitForPorts(ctx context.Context, id string, ports []hosting.PortSpec) (map[string]hosting.Allocation, error) {
	deadline := time.Now().Add(r.opts.PortTimeout)
	for {
		info, err := r.client.ContainerInspect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container %s: %w", shortID(id), err)
		}
		if info.State != nil && !info.State.Running && info.State.Status == "exited" {
			return nil, fmt.Errorf("container %s exited with code %d", shortID(id), info.State.ExitCode)
		}

		allocs, missing := r.allocations(info, ports)
		if missing == "" {
			return allocs, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("container %s: no host port published for endpoint %q", shortID(id), missing)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (r *Runtime) allocations(info container.InspectResponse, ports []hosting.PortSpec) (map[string]hosting.Allocation, string) {
	allocs := make(map[string]hosting.Allocation, len(ports))
	if info.NetworkSettings == nil {
		if len(ports) > 0 {
			return nil, ports[0].Name
		}
		return allocs, ""
	}
	for _, p := range ports {
		bindings := info.NetworkSettings.Ports[natPort(p)]
		port := 0
		for _, b := range bindings {
			if n, err := strconv.Atoi(b.HostPort); err == nil && n > 0 {
				port = n
				break
			}
		}
		if port == 0 {
			return nil, p.Name
		}
		allocs[p.Name] = hosting.Allocation{Host: r.opts.Host, Port: port}
	}
	return allocs, ""
}

func (r *Runtime) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.WithField("id", shortID(id)).WithError(err).Warn("Failed to remove container")
	}
}

func natPort(p hosting.PortSpec) nat.Port {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return nat.Port(fmt.Sprintf("%d/%s", p.TargetPort, proto))
}

// buildConfig translates a container spec into Docker create options.
func buildConfig(spec hosting.ContainerSpec) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:  spec.Image,
		Env:    hosting.EnvList(spec.Env),
		Labels: map[string]string{LabelManagedBy: "apphost"},
	}
	for k, v := range spec.Labels {
		config.Labels[k] = v
	}
	if len(spec.Args) > 0 {
		config.Cmd = spec.Args
	}

	hostConfig := &container.HostConfig{
		PortBindings: make(nat.PortMap),
		Mounts:       []mount.Mount{},
	}

	if len(spec.Ports) > 0 {
		config.ExposedPorts = make(nat.PortSet)
	}
	for _, p := range spec.Ports {
		port := natPort(p)
		config.ExposedPorts[port] = struct{}{}

		binding := nat.PortBinding{}
		if p.HostPort > 0 {
			binding.HostPort = strconv.Itoa(p.HostPort)
		}
		hostConfig.PortBindings[port] = []nat.PortBinding{binding}
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	for _, d := range spec.DeviceRequests {
		hostConfig.DeviceRequests = append(hostConfig.DeviceRequests, container.DeviceRequest{
			Driver:       d.Driver,
			Count:        d.Count,
			Capabilities: d.Capabilities,
		})
	}
	for _, path := range spec.Devices {
		hostConfig.Devices = append(hostConfig.Devices, container.DeviceMapping{
			PathOnHost:        path,
			PathInContainer:   path,
			CgroupPermissions: "rwm",
		})
	}

	return config, hostConfig
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
