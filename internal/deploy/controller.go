package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/terra-clan/range-engine/internal/blueprint"
	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/models"
)

// ErrDeployTimeout is returned when a stack does not become ready in
// time. The partial stack is left in place for inspection and removed
// on the next delete or reset.
var ErrDeployTimeout = errors.New("stack did not become ready in time")

// Resolver fills placeholder values at render time
type Resolver func(kind blueprint.PlaceholderKind, key string) (string, bool)

// dockerAPI is the slice of the Docker client the controller uses.
// Declared locally so tests can run against a fake daemon.
type dockerAPI interface {
	NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkList(ctx context.Context, options types.NetworkListOptions) ([]types.NetworkResource, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Controller renders expanded topologies into Docker networks and
// containers, one stack per world.
type Controller struct {
	docker dockerAPI
	config config.DockerConfig
}

// NewController connects to the Docker daemon
func NewController(cfg config.DockerConfig) (*Controller, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Controller{docker: cli, config: cfg}, nil
}

// Ping checks Docker connectivity
func (c *Controller) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Close releases the Docker client
func (c *Controller) Close() error {
	return c.docker.Close()
}

// Deploy renders the topology into a running stack for the world:
// per-world networks first, then containers with placeholders
// substituted and published ports bound. Blocks until every container
// reports running (and healthy, when a healthcheck is defined) or the
// ready timeout expires. On timeout the partial stack is left in place;
// delete or reset removes it.
func (c *Controller) Deploy(ctx context.Context, topo *blueprint.Topology, world *models.World, resolve Resolver) error {
	networkIDs := make(map[string]string, len(topo.Networks))
	for _, net := range topo.Networks {
		id, err := c.createNetwork(ctx, world, net)
		if err != nil {
			return fmt.Errorf("failed to create network %q: %w", net.Name, err)
		}
		networkIDs[net.Name] = id
	}

	if world.Services == nil {
		world.Services = make(map[string]*models.ServiceState)
	}

	for _, svc := range topo.Services {
		if err := c.pullImage(ctx, svc.Image); err != nil {
			return fmt.Errorf("failed to pull image %q: %w", svc.Image, err)
		}

		containerID, err := c.createContainer(ctx, world, svc, networkIDs, resolve)
		if err != nil {
			return fmt.Errorf("failed to create container for %q: %w", svc.Name, err)
		}

		if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start %q: %w", svc.Name, err)
		}

		world.Services[svc.Name] = &models.ServiceState{
			Name:        svc.Name,
			ContainerID: containerID,
			State:       "starting",
		}
	}

	if err := c.waitReady(ctx, world); err != nil {
		return err
	}

	slog.Info("stack deployed",
		"stack", world.StackName(),
		"services", len(world.Services),
	)
	return nil
}

// Delete tears down the world's stack. Containers and networks are
// looked up by label, so partially deployed stacks tear down the same
// way as healthy ones. Deleting an absent stack is a no-op.
func (c *Controller) Delete(ctx context.Context, world *models.World) error {
	stackFilter := filters.NewArgs(filters.Arg("label", labelStack+"="+world.StackName()))

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: stackFilter})
	if err != nil {
		return fmt.Errorf("failed to list stack containers: %w", err)
	}
	for _, cont := range containers {
		timeout := 10
		_ = c.docker.ContainerStop(ctx, cont.ID, container.StopOptions{Timeout: &timeout})
		if err := c.docker.ContainerRemove(ctx, cont.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("failed to remove container", "error", err, "container", cont.ID, "stack", world.StackName())
		}
	}

	networks, err := c.docker.NetworkList(ctx, types.NetworkListOptions{Filters: stackFilter})
	if err != nil {
		return fmt.Errorf("failed to list stack networks: %w", err)
	}
	for _, net := range networks {
		if err := c.docker.NetworkRemove(ctx, net.ID); err != nil {
			slog.Warn("failed to remove network", "error", err, "network", net.Name, "stack", world.StackName())
		}
	}

	world.Services = nil

	slog.Info("stack removed", "stack", world.StackName())
	return nil
}

// Status refreshes the world's per-service runtime state from the
// daemon without changing anything
func (c *Controller) Status(ctx context.Context, world *models.World) error {
	for _, svc := range world.Services {
		if svc.ContainerID == "" {
			continue
		}
		info, err := c.docker.ContainerInspect(ctx, svc.ContainerID)
		if err != nil {
			svc.State = "missing"
			svc.Healthy = false
			continue
		}
		svc.State = info.State.Status
		svc.Healthy = containerHealthy(info)
	}
	return nil
}

// Logs returns the tail of one service container's output
func (c *Controller) Logs(ctx context.Context, world *models.World, service string, tail int) (string, error) {
	svc, ok := world.Services[service]
	if !ok || svc.ContainerID == "" {
		return "", fmt.Errorf("no container for service %q", service)
	}

	out, err := c.docker.ContainerLogs(ctx, svc.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer out.Close()

	data, err := io.ReadAll(out)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(data), nil
}

const (
	labelStack    = "crl.stack"
	labelEvent    = "crl.event"
	labelIdentity = "crl.identity"
	labelService  = "crl.service"
	labelManaged  = "crl.managed"
)

func (c *Controller) stackLabels(world *models.World) map[string]string {
	return map[string]string{
		labelStack:    world.StackName(),
		labelEvent:    world.EventName,
		labelIdentity: world.Identity,
		labelManaged:  "true",
	}
}

func (c *Controller) createNetwork(ctx context.Context, world *models.World, net models.Network) (string, error) {
	name := world.StackName() + "-" + net.Name
	resp, err := c.docker.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver:   "bridge",
		Internal: net.Internal,
		Labels:   c.stackLabels(world),
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Controller) pullImage(ctx context.Context, imageName string) error {
	if c.config.PullPolicy == "never" {
		return nil
	}

	_, _, err := c.docker.ImageInspectWithRaw(ctx, imageName)
	if err == nil && c.config.PullPolicy == "if-not-present" {
		return nil
	}

	slog.Info("pulling image", "image", imageName)
	out, err := c.docker.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()

	_, _ = io.Copy(io.Discard, out)
	return nil
}

func (c *Controller) createContainer(ctx context.Context, world *models.World, svc models.ServiceSpec, networkIDs map[string]string, resolve Resolver) (string, error) {
	containerName := world.StackName() + "-" + svc.Name

	env := make([]string, 0, len(svc.Env))
	for k, v := range svc.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, blueprint.Substitute(v, resolve)))
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pub := range svc.Publish {
		hostPort, ok := world.Ports[svc.Name]
		if !ok {
			return "", fmt.Errorf("no host port reserved for service %q", svc.Name)
		}
		p := nat.Port(fmt.Sprintf("%d/%s", pub.ContainerPort, pub.Protocol))
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: fmt.Sprintf("%d", hostPort),
		}}
	}

	labels := c.stackLabels(world)
	labels[labelService] = svc.Name

	containerConfig := &container.Config{
		Image:        svc.Image,
		Env:          env,
		Cmd:          renderCommand(svc.Command, resolve),
		ExposedPorts: exposedPorts,
		Labels:       labels,
		Hostname:     svc.Name,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		AutoRemove:   false,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	// Containers join their first network at create time; services on an
	// alias equal to their name are reachable from siblings by name.
	networkConfig := &network.NetworkingConfig{}
	if len(svc.Networks) > 0 {
		first := svc.Networks[0]
		networkConfig.EndpointsConfig = map[string]*network.EndpointSettings{
			world.StackName() + "-" + first: {
				NetworkID: networkIDs[first],
				Aliases:   []string{svc.Name},
			},
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, containerName)
	if err != nil {
		return "", err
	}

	if len(svc.Networks) > 1 {
		for _, netName := range svc.Networks[1:] {
			err := c.docker.NetworkConnect(ctx, networkIDs[netName], resp.ID, &network.EndpointSettings{
				Aliases: []string{svc.Name},
			})
			if err != nil {
				return "", fmt.Errorf("failed to connect %q to network %q: %w", svc.Name, netName, err)
			}
		}
	}

	return resp.ID, nil
}

// waitReady polls the stack's containers until all report running and
// healthy, or the configured timeout elapses
func (c *Controller) waitReady(ctx context.Context, world *models.World) error {
	deadline := time.Now().Add(c.config.ReadyTimeout)
	ticker := time.NewTicker(c.config.ReadyInterval)
	defer ticker.Stop()

	for {
		allReady := true
		for _, svc := range world.Services {
			info, err := c.docker.ContainerInspect(ctx, svc.ContainerID)
			if err != nil {
				allReady = false
				continue
			}
			svc.State = info.State.Status
			svc.Healthy = containerHealthy(info)
			if !svc.Healthy {
				allReady = false
			}
		}
		if allReady {
			return nil
		}

		if time.Now().After(deadline) {
			var waiting []string
			for name, svc := range world.Services {
				if !svc.Healthy {
					waiting = append(waiting, name)
				}
			}
			return fmt.Errorf("%w: %s", ErrDeployTimeout, strings.Join(waiting, ", "))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// containerHealthy treats a running container without a healthcheck as
// healthy, and defers to the healthcheck when one is defined
func containerHealthy(info types.ContainerJSON) bool {
	if info.State == nil || !info.State.Running {
		return false
	}
	if info.State.Health != nil {
		return info.State.Health.Status == types.Healthy
	}
	return true
}

func renderCommand(cmd []string, resolve Resolver) []string {
	if len(cmd) == 0 {
		return nil
	}
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		out[i] = blueprint.Substitute(arg, resolve)
	}
	return out
}
