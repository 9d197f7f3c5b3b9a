package deploy

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/range-engine/internal/blueprint"
	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/models"
)

type fakeContainer struct {
	name    string
	config  *container.Config
	host    *container.HostConfig
	running bool
	healthy bool
	started bool
}

type fakeNetwork struct {
	name   string
	labels map[string]string
}

// fakeDocker is an in-memory stand-in for the daemon
type fakeDocker struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeContainer
	networks   map[string]*fakeNetwork
	pulled     []string

	// when set, containers start unhealthy and stay that way
	neverHealthy bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]*fakeNetwork),
	}
}

func (f *fakeDocker) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeDocker) NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("net")
	f.networks[id] = &fakeNetwork{name: name, labels: options.Labels}
	return types.NetworkCreateResponse{ID: id}, nil
}

func (f *fakeDocker) NetworkRemove(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, networkID)
	return nil
}

func (f *fakeDocker) NetworkList(ctx context.Context, options types.NetworkListOptions) ([]types.NetworkResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.NetworkResource
	for id, net := range f.networks {
		if matchesLabelFilter(net.labels, options.Filters.Get("label")) {
			out = append(out, types.NetworkResource{ID: id, Name: net.name})
		}
	}
	return out, nil
}

func (f *fakeDocker) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	return nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("ctr")
	f.containers[id] = &fakeContainer{name: containerName, config: cfg, host: hostCfg}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	c.started = true
	c.running = true
	c.healthy = !f.neverHealthy
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return types.ContainerJSON{}, fmt.Errorf("no such container: %s", containerID)
	}
	state := &types.ContainerState{Running: c.running, Status: "running"}
	if !c.running {
		state.Status = "exited"
	}
	if c.running && !c.healthy {
		state.Health = &types.Health{Status: types.Starting}
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: containerID, State: state}}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Container
	for id, c := range f.containers {
		if matchesLabelFilter(c.config.Labels, options.Filters.Get("label")) {
			out = append(out, types.Container{ID: id, Names: []string{"/" + c.name}})
		}
	}
	return out, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line\n")), nil
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, fmt.Errorf("no such image: %s", imageID)
}

func (f *fakeDocker) ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDocker) Close() error { return nil }

func matchesLabelFilter(labels map[string]string, wanted []string) bool {
	for _, want := range wanted {
		k, v, _ := strings.Cut(want, "=")
		if labels[k] != v {
			return false
		}
	}
	return true
}

func testController(f *fakeDocker) *Controller {
	return &Controller{
		docker: f,
		config: config.DockerConfig{
			PullPolicy:    "if-not-present",
			ReadyTimeout:  200 * time.Millisecond,
			ReadyInterval: 5 * time.Millisecond,
		},
	}
}

func testTopology(t *testing.T) *blueprint.Topology {
	t.Helper()
	bp, err := blueprint.Parse([]byte(`
name: dvad25
challenges:
  - slug: web-intro
    name: Web Intro
    value: 100
    flag-mode: individual
networks:
  - name: frontend
  - name: backend
    internal: true
services:
  - name: web
    image: example/web:1.0
    challenge: web-intro
    networks: [frontend, backend]
    env:
      FLAG: "{FLAG:web-intro}"
      LISTEN_PORT: "8080"
    publish:
      - name: http
        port: 8080
        protocol: tcp
  - name: db
    image: example/db:1.0
    networks: [backend]
`))
	require.NoError(t, err)

	topo, err := blueprint.Expand(bp, "dvad25", "alice")
	require.NoError(t, err)
	return topo
}

func testWorld() *models.World {
	return &models.World{
		ID:        "w-1",
		EventName: "dvad25",
		Identity:  "alice",
		Status:    models.StatusCreating,
		Ports:     map[string]int{"web": 31337},
	}
}

func staticResolver(t *testing.T) Resolver {
	return func(kind blueprint.PlaceholderKind, key string) (string, bool) {
		if kind == blueprint.PlaceholderFlag && key == "web-intro" {
			return "flag{deadbeef}", true
		}
		t.Errorf("unexpected placeholder %s:%s", kind, key)
		return "", false
	}
}

func TestDeployCreatesStack(t *testing.T) {
	f := newFakeDocker()
	c := testController(f)
	world := testWorld()

	err := c.Deploy(context.Background(), testTopology(t), world, staticResolver(t))
	require.NoError(t, err)

	var networkNames []string
	for _, net := range f.networks {
		networkNames = append(networkNames, net.name)
	}
	assert.ElementsMatch(t, []string{"crl-dvad25-alice-frontend", "crl-dvad25-alice-backend"}, networkNames)

	require.Len(t, f.containers, 2)
	byName := make(map[string]*fakeContainer)
	for _, ctr := range f.containers {
		byName[ctr.name] = ctr
		assert.True(t, ctr.started)
	}

	web := byName["crl-dvad25-alice-web"]
	require.NotNil(t, web)
	assert.Contains(t, web.config.Env, "FLAG=flag{deadbeef}")
	assert.Contains(t, web.config.Env, "LISTEN_PORT=8080")
	assert.Equal(t, "crl-dvad25-alice", web.config.Labels["crl.stack"])
	assert.Equal(t, "web", web.config.Labels["crl.service"])

	bindings := web.host.PortBindings["8080/tcp"]
	require.Len(t, bindings, 1)
	assert.Equal(t, "31337", bindings[0].HostPort)

	db := byName["crl-dvad25-alice-db"]
	require.NotNil(t, db)
	assert.Empty(t, db.host.PortBindings)

	assert.ElementsMatch(t, []string{"example/web:1.0", "example/db:1.0"}, f.pulled)

	require.Contains(t, world.Services, "web")
	assert.True(t, world.Services["web"].Healthy)
}

func TestDeployTimeoutLeavesStack(t *testing.T) {
	f := newFakeDocker()
	f.neverHealthy = true
	c := testController(f)
	world := testWorld()

	err := c.Deploy(context.Background(), testTopology(t), world, staticResolver(t))
	require.ErrorIs(t, err, ErrDeployTimeout)

	// partial stack stays up for inspection
	assert.Len(t, f.containers, 2)
	assert.Len(t, f.networks, 2)
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFakeDocker()
	c := testController(f)
	world := testWorld()

	require.NoError(t, c.Deploy(context.Background(), testTopology(t), world, staticResolver(t)))
	require.NoError(t, c.Delete(context.Background(), world))

	assert.Empty(t, f.containers)
	assert.Empty(t, f.networks)
	assert.Nil(t, world.Services)
}

func TestDeleteAbsentStackIsNoop(t *testing.T) {
	f := newFakeDocker()
	c := testController(f)

	require.NoError(t, c.Delete(context.Background(), testWorld()))
}

func TestDeleteOnlyTouchesOwnStack(t *testing.T) {
	f := newFakeDocker()
	c := testController(f)

	alice := testWorld()
	bob := &models.World{ID: "w-2", EventName: "dvad25", Identity: "bob", Ports: map[string]int{"web": 31338}}

	require.NoError(t, c.Deploy(context.Background(), testTopology(t), alice, staticResolver(t)))

	bobTopo, err := blueprint.Expand(testTopology(t).Blueprint, "dvad25", "bob")
	require.NoError(t, err)
	require.NoError(t, c.Deploy(context.Background(), bobTopo, bob, staticResolver(t)))

	require.NoError(t, c.Delete(context.Background(), alice))

	assert.Len(t, f.containers, 2)
	for _, ctr := range f.containers {
		assert.Equal(t, "crl-dvad25-bob", ctr.config.Labels["crl.stack"])
	}
}

func TestStatusReportsStoppedContainer(t *testing.T) {
	f := newFakeDocker()
	c := testController(f)
	world := testWorld()

	require.NoError(t, c.Deploy(context.Background(), testTopology(t), world, staticResolver(t)))

	// stop one container behind the controller's back
	require.NoError(t, f.ContainerStop(context.Background(), world.Services["db"].ContainerID, container.StopOptions{}))

	require.NoError(t, c.Status(context.Background(), world))
	assert.False(t, world.Services["db"].Healthy)
	assert.Equal(t, "exited", world.Services["db"].State)
	assert.True(t, world.Services["web"].Healthy)
}
