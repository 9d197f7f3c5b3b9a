package world

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terra-clan/range-engine/internal/blueprint"
	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/deploy"
	"github.com/terra-clan/range-engine/internal/flag"
	"github.com/terra-clan/range-engine/internal/models"
	"github.com/terra-clan/range-engine/internal/scoreboard"
	"github.com/terra-clan/range-engine/internal/storage"
	"github.com/terra-clan/range-engine/internal/wireguard"
)

// Common errors
var (
	ErrEventNotFound = errors.New("event not found")
	ErrEventExists   = errors.New("event already exists")
	ErrWorldNotFound = errors.New("world not found")
	ErrWorldExists   = errors.New("world already exists")
	ErrWorldBusy     = errors.New("another operation is in progress for this world")
)

// Saga stage names recorded on failed worlds
const (
	StageExpand = "expand"
	StageFlags  = "flags"
	StagePorts  = "ports"
	StageVPN    = "vpn"
	StageDeploy = "deploy"
	StageSync   = "sync"
)

// PortAllocator reserves host ports
type PortAllocator interface {
	Allocate(ctx context.Context, protocol string, blacklist []int) (int, error)
}

// VPNProvisioner assigns and releases per-world VPN peers
type VPNProvisioner interface {
	Provision(ctx context.Context, event *models.Event, world *models.World) (*models.WireguardPeer, error)
	Deprovision(ctx context.Context, event *models.Event, world *models.World) error
}

// Deployer runs topologies as container stacks
type Deployer interface {
	Deploy(ctx context.Context, topo *blueprint.Topology, world *models.World, resolve deploy.Resolver) error
	Delete(ctx context.Context, world *models.World) error
	Status(ctx context.Context, world *models.World) error
	Logs(ctx context.Context, world *models.World, service string, tail int) (string, error)
}

// Scoreboard syncs challenges and flags to the scoring platform
type Scoreboard interface {
	PublishChallenges(ctx context.Context, bp *models.Blueprint) (map[string]int, error)
	EnsureFlag(ctx context.Context, challengeID int, content, worldTag string) error
	RemoveFlag(ctx context.Context, challengeID int, content string) error
}

// ScoreboardFactory builds a platform client for an event's CTF
// instance, or returns nil when the event has none configured
type ScoreboardFactory func(event *models.Event) Scoreboard

// NewScoreboardFactory returns the production factory backed by the
// CTFd client
func NewScoreboardFactory(cfg config.ScoreboardConfig) ScoreboardFactory {
	return func(event *models.Event) Scoreboard {
		if event.CTFURL == "" {
			return nil
		}
		return scoreboard.NewClient(event.CTFURL, event.CTFToken, cfg)
	}
}

// Coordinator drives event and world lifecycles. All mutating world
// operations are single-flight per (event, identity); a second caller
// gets ErrWorldBusy instead of queueing.
type Coordinator struct {
	repo       storage.Repository
	blueprints *blueprint.Loader
	flags      *flag.Generator
	broker     PortAllocator
	vpn        VPNProvisioner
	deployer   Deployer
	scoreboard ScoreboardFactory

	mu     sync.Mutex
	inWork map[string]bool
}

func NewCoordinator(
	repo storage.Repository,
	blueprints *blueprint.Loader,
	broker PortAllocator,
	vpn VPNProvisioner,
	deployer Deployer,
	scoreboards ScoreboardFactory,
) *Coordinator {
	return &Coordinator{
		repo:       repo,
		blueprints: blueprints,
		flags:      flag.NewGenerator(repo),
		broker:     broker,
		vpn:        vpn,
		deployer:   deployer,
		scoreboard: scoreboards,
		inWork:     make(map[string]bool),
	}
}

// acquire marks the world as busy. Callers must release on all paths.
func (c *Coordinator) acquire(eventName, identity string) error {
	key := eventName + "/" + identity
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inWork[key] {
		return ErrWorldBusy
	}
	c.inWork[key] = true
	return nil
}

func (c *Coordinator) release(eventName, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inWork, eventName+"/"+identity)
}

// CreateEvent registers a new event. The blueprint is expanded once up
// front so malformed blueprints are rejected before anything exists,
// and challenges are published to the scoring platform when one is
// configured.
func (c *Coordinator) CreateEvent(ctx context.Context, req *models.CreateEventRequest) (*models.Event, error) {
	name, err := models.ValidateName(req.Name)
	if err != nil {
		return nil, err
	}

	if existing, err := c.repo.GetEvent(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrEventExists
	}

	bp := c.blueprints.Get(req.Blueprint)
	if bp == nil {
		return nil, fmt.Errorf("unknown blueprint %q", req.Blueprint)
	}
	if _, err := blueprint.Expand(bp, name, "probe"); err != nil {
		return nil, err
	}

	event := &models.Event{
		Name:        name,
		Title:       req.Title,
		Blueprint:   req.Blueprint,
		CTFURL:      req.CTFURL,
		CTFToken:    req.CTFToken,
		ExternalURL: req.ExternalURL,
		FlagFormat:  req.FlagFormat,
		VPNEnabled:  req.VPNEnabled,
		VPNSubnet:   req.VPNSubnet,
		CreatedAt:   time.Now(),
	}

	if req.WorldTTL != "" {
		ttl, err := time.ParseDuration(req.WorldTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid world TTL %q: %w", req.WorldTTL, err)
		}
		event.WorldTTL = ttl
	}

	if event.VPNEnabled {
		if _, err := netip.ParsePrefix(event.VPNSubnet); err != nil {
			return nil, fmt.Errorf("invalid VPN subnet %q: %w", event.VPNSubnet, err)
		}
		// One server identity per event; every peer config of the
		// event dials the same tunnel server.
		server, err := wireguard.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		event.VPNServerKey = server.PrivateKey
		event.VPNServerPub = server.PublicKey
	}

	if sb := c.scoreboard(event); sb != nil {
		ids, err := sb.PublishChallenges(ctx, bp)
		if err != nil {
			return nil, err
		}
		event.ChallengeIDs = ids
	}

	if err := c.repo.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	slog.Info("event created", "event", event.Name, "blueprint", event.Blueprint)
	return event, nil
}

// GetEvent returns a registered event
func (c *Coordinator) GetEvent(ctx context.Context, name string) (*models.Event, error) {
	event, err := c.repo.GetEvent(ctx, name)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	return event, nil
}

// ListEvents returns all registered events
func (c *Coordinator) ListEvents(ctx context.Context) ([]*models.Event, error) {
	return c.repo.ListEvents(ctx)
}

// DeleteEvent tears down every world of the event and removes it
func (c *Coordinator) DeleteEvent(ctx context.Context, name string) error {
	event, err := c.GetEvent(ctx, name)
	if err != nil {
		return err
	}

	worlds, err := c.repo.ListWorlds(ctx, models.ListFilters{EventName: name})
	if err != nil {
		return err
	}
	for _, w := range worlds {
		if err := c.Delete(ctx, event.Name, w.Identity); err != nil {
			return fmt.Errorf("failed to delete world %s: %w", w.Identity, err)
		}
	}

	if err := c.repo.DeleteEvent(ctx, name); err != nil {
		return err
	}

	slog.Info("event deleted", "event", name)
	return nil
}

// Create builds a world for the identity: expand the blueprint, resolve
// flags, reserve ports, provision VPN, deploy the stack and sync the
// scoring platform, in that order. On failure the world is left in
// status failed with the stage recorded; reset rebuilds it.
func (c *Coordinator) Create(ctx context.Context, eventName, identity string) (*models.World, error) {
	identity, err := models.ValidateName(identity)
	if err != nil {
		return nil, err
	}

	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(event.Name, identity); err != nil {
		return nil, err
	}
	defer c.release(event.Name, identity)

	existing, err := c.repo.GetWorld(ctx, event.Name, identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrWorldExists
	}

	world := &models.World{
		ID:        uuid.New().String()[:12],
		EventName: event.Name,
		Identity:  identity,
		Status:    models.StatusCreating,
		CreatedAt: time.Now(),
	}
	if err := c.repo.CreateWorld(ctx, world); err != nil {
		return nil, err
	}

	if err := c.build(ctx, event, world); err != nil {
		return world, err
	}

	slog.Info("world created", "event", event.Name, "identity", identity, "stack", world.StackName())
	return world, nil
}

// Reset rebuilds the identity's world from scratch. Individual flags
// are retracted and reminted, so anything captured from the old world
// stops scoring. Shared flags survive.
func (c *Coordinator) Reset(ctx context.Context, eventName, identity string) (*models.World, error) {
	identity, err := models.ValidateName(identity)
	if err != nil {
		return nil, err
	}

	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(event.Name, identity); err != nil {
		return nil, err
	}
	defer c.release(event.Name, identity)

	world, err := c.repo.GetWorld(ctx, event.Name, identity)
	if err != nil {
		return nil, err
	}
	if world == nil {
		return nil, ErrWorldNotFound
	}

	world.Status = models.StatusResetting
	world.StatusMsg = ""
	world.FailedStage = ""
	if err := c.repo.UpdateWorld(ctx, world); err != nil {
		return world, c.fail(ctx, event, world, StageDeploy, fmt.Errorf("failed to persist world state: %w", err))
	}

	if err := c.retract(ctx, event, world); err != nil {
		return world, c.fail(ctx, event, world, StageSync, err)
	}
	if err := c.teardown(ctx, event, world); err != nil {
		return world, c.fail(ctx, event, world, StageDeploy, err)
	}

	world.Flags = nil
	world.Ports = nil
	world.Services = nil
	world.StartedAt = nil
	world.CreatedAt = time.Now()
	if err := c.repo.UpdateWorld(ctx, world); err != nil {
		return world, c.fail(ctx, event, world, StageExpand, fmt.Errorf("failed to persist world state: %w", err))
	}

	if err := c.build(ctx, event, world); err != nil {
		return world, err
	}

	slog.Info("world reset", "event", event.Name, "identity", identity)
	return world, nil
}

// Delete tears the world down and forgets it. Deleting a world that
// does not exist is not an error.
func (c *Coordinator) Delete(ctx context.Context, eventName, identity string) error {
	identity, err := models.ValidateName(identity)
	if err != nil {
		return err
	}

	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return err
	}

	if err := c.acquire(event.Name, identity); err != nil {
		return err
	}
	defer c.release(event.Name, identity)

	world, err := c.repo.GetWorld(ctx, event.Name, identity)
	if err != nil {
		return err
	}
	if world == nil {
		return nil
	}

	world.Status = models.StatusStopping
	if err := c.repo.UpdateWorld(ctx, world); err != nil {
		return err
	}

	if err := c.retract(ctx, event, world); err != nil {
		return c.fail(ctx, event, world, StageSync, err)
	}
	if err := c.teardown(ctx, event, world); err != nil {
		return c.fail(ctx, event, world, StageDeploy, err)
	}

	if err := c.repo.DeleteWorld(ctx, event.Name, identity); err != nil {
		return err
	}

	slog.Info("world deleted", "event", event.Name, "identity", identity)
	return nil
}

// Status returns the world with service state refreshed from the
// container runtime
func (c *Coordinator) Status(ctx context.Context, eventName, identity string) (*models.World, error) {
	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}

	world, err := c.repo.GetWorld(ctx, event.Name, identity)
	if err != nil {
		return nil, err
	}
	if world == nil {
		return nil, ErrWorldNotFound
	}

	if world.Status.IsRunning() {
		if err := c.deployer.Status(ctx, world); err != nil {
			slog.Warn("failed to refresh service state", "error", err, "event", event.Name, "identity", identity)
		}
	}

	return world, nil
}

// ListWorlds returns the event's worlds
func (c *Coordinator) ListWorlds(ctx context.Context, eventName string) ([]*models.World, error) {
	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}
	return c.repo.ListWorlds(ctx, models.ListFilters{EventName: event.Name})
}

// Config renders the world's per-identity view: connection info per
// challenge with placeholders filled in, plus the VPN client config
// when the event has VPN enabled.
type WorldConfig struct {
	Challenges []ChallengeInfo `json:"challenges"`
	VPNConfig  string          `json:"vpn_config,omitempty"`
}

type ChallengeInfo struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	ConnectionInfo string `json:"connection_info,omitempty"`
}

func (c *Coordinator) Config(ctx context.Context, eventName, identity string) (*WorldConfig, error) {
	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}

	world, err := c.repo.GetWorld(ctx, event.Name, identity)
	if err != nil {
		return nil, err
	}
	if world == nil {
		return nil, ErrWorldNotFound
	}

	bp := c.blueprints.Get(event.Blueprint)
	if bp == nil {
		return nil, fmt.Errorf("unknown blueprint %q", event.Blueprint)
	}

	resolve := c.resolver(event, world)
	cfg := &WorldConfig{}
	for _, ch := range bp.Challenges {
		cfg.Challenges = append(cfg.Challenges, ChallengeInfo{
			Slug:           ch.Slug,
			Name:           ch.Name,
			ConnectionInfo: blueprint.Substitute(ch.ConnectionInfo, resolve),
		})
	}
	if world.Peer != nil {
		cfg.VPNConfig = world.Peer.Config
	}

	return cfg, nil
}

// Logs returns recent output of one service in the world
func (c *Coordinator) Logs(ctx context.Context, eventName, identity, service string, tail int) (string, error) {
	event, err := c.GetEvent(ctx, eventName)
	if err != nil {
		return "", err
	}

	world, err := c.repo.GetWorld(ctx, event.Name, identity)
	if err != nil {
		return "", err
	}
	if world == nil {
		return "", ErrWorldNotFound
	}

	return c.deployer.Logs(ctx, world, service, tail)
}

// build runs the creation stages against a persisted world record
func (c *Coordinator) build(ctx context.Context, event *models.Event, world *models.World) error {
	bp := c.blueprints.Get(event.Blueprint)
	if bp == nil {
		return c.fail(ctx, event, world, StageExpand, fmt.Errorf("unknown blueprint %q", event.Blueprint))
	}

	topo, err := blueprint.Expand(bp, event.Name, world.Identity)
	if err != nil {
		return c.fail(ctx, event, world, StageExpand, err)
	}

	for i := range bp.Challenges {
		if _, err := c.flags.Resolve(ctx, event, world, &bp.Challenges[i]); err != nil {
			return c.fail(ctx, event, world, StageFlags, err)
		}
	}

	if err := c.reservePorts(ctx, topo, world); err != nil {
		return c.fail(ctx, event, world, StagePorts, err)
	}

	peer, err := c.vpn.Provision(ctx, event, world)
	if err != nil {
		return c.fail(ctx, event, world, StageVPN, err)
	}
	world.Peer = peer

	if err := c.repo.UpdateWorld(ctx, world); err != nil {
		return c.fail(ctx, event, world, StageDeploy, fmt.Errorf("failed to persist world state: %w", err))
	}

	if err := c.deployer.Deploy(ctx, topo, world, c.resolver(event, world)); err != nil {
		return c.fail(ctx, event, world, StageDeploy, err)
	}

	if err := c.sync(ctx, event, world, bp); err != nil {
		return c.fail(ctx, event, world, StageSync, err)
	}

	now := time.Now()
	world.Status = models.StatusRunning
	world.StatusMsg = ""
	world.FailedStage = ""
	world.StartedAt = &now
	return c.repo.UpdateWorld(ctx, world)
}

// reservePorts asks the broker for one host port per published service.
// Ports already granted to this world ride along as the blacklist, so
// a world never receives the same port twice.
func (c *Coordinator) reservePorts(ctx context.Context, topo *blueprint.Topology, world *models.World) error {
	published := topo.PublishedServices()
	if len(published) == 0 {
		return nil
	}

	if world.Ports == nil {
		world.Ports = make(map[string]int, len(published))
	}

	var blacklist []int
	for _, p := range world.Ports {
		blacklist = append(blacklist, p)
	}

	for _, svc := range published {
		if _, ok := world.Ports[svc]; ok {
			continue
		}
		port, err := c.broker.Allocate(ctx, "tcp", blacklist)
		if err != nil {
			return fmt.Errorf("failed to reserve port for %s: %w", svc, err)
		}
		world.Ports[svc] = port
		blacklist = append(blacklist, port)
	}

	return nil
}

// sync pushes the world's flags to the scoring platform. Challenge IDs
// are published lazily for events created before the platform was
// reachable and persisted on the event.
func (c *Coordinator) sync(ctx context.Context, event *models.Event, world *models.World, bp *models.Blueprint) error {
	sb := c.scoreboard(event)
	if sb == nil {
		return nil
	}

	if len(event.ChallengeIDs) == 0 {
		ids, err := sb.PublishChallenges(ctx, bp)
		if err != nil {
			return err
		}
		event.ChallengeIDs = ids
		if err := c.repo.UpdateEvent(ctx, event); err != nil {
			return err
		}
	}

	tag := event.Name + "/" + world.Identity
	for _, ch := range bp.Challenges {
		id, ok := event.ChallengeIDs[ch.Slug]
		if !ok {
			return fmt.Errorf("challenge %q has no scoring-platform ID", ch.Slug)
		}

		switch ch.FlagMode {
		case models.FlagShared:
			if err := sb.EnsureFlag(ctx, id, event.SharedFlags[ch.Slug], event.Name); err != nil {
				return err
			}
		case models.FlagIndividual:
			if err := sb.EnsureFlag(ctx, id, world.Flags[ch.Slug], tag); err != nil {
				return err
			}
		}
	}

	return nil
}

// retract removes the world's individual flags from the scoring
// platform. Shared flags stay valid for the rest of the event.
func (c *Coordinator) retract(ctx context.Context, event *models.Event, world *models.World) error {
	sb := c.scoreboard(event)
	if sb == nil || len(world.Flags) == 0 {
		return nil
	}

	for slug, content := range world.Flags {
		id, ok := event.ChallengeIDs[slug]
		if !ok {
			continue
		}
		if err := sb.RemoveFlag(ctx, id, content); err != nil {
			return err
		}
	}
	return nil
}

// teardown removes the world's stack and releases its resources.
// Callers retract flags first; a world must not disappear while its
// individual flags still score.
func (c *Coordinator) teardown(ctx context.Context, event *models.Event, world *models.World) error {
	if err := c.deployer.Delete(ctx, world); err != nil {
		return err
	}

	if err := c.vpn.Deprovision(ctx, event, world); err != nil {
		slog.Warn("failed to release VPN peer", "error", err, "event", event.Name, "identity", world.Identity)
	}

	return nil
}

// resolver maps placeholders to the world's resolved values
func (c *Coordinator) resolver(event *models.Event, world *models.World) deploy.Resolver {
	return func(kind blueprint.PlaceholderKind, key string) (string, bool) {
		switch kind {
		case blueprint.PlaceholderFlag:
			if v, ok := world.Flags[key]; ok {
				return v, true
			}
			if v, ok := event.SharedFlags[key]; ok {
				return v, true
			}
		case blueprint.PlaceholderPort:
			if p, ok := world.Ports[key]; ok {
				return strconv.Itoa(p), true
			}
		case blueprint.PlaceholderVPN:
			if world.Peer == nil {
				return "", false
			}
			switch key {
			case blueprint.VPNAddress:
				return world.Peer.Address, true
			case blueprint.VPNServerPublicKey:
				return world.Peer.ServerPublicKey, true
			case blueprint.VPNServerEndpoint:
				return world.Peer.ServerEndpoint, true
			}
		}
		return "", false
	}
}

// fail records the failed stage on the world before surfacing the error
func (c *Coordinator) fail(ctx context.Context, event *models.Event, world *models.World, stage string, err error) error {
	world.Status = models.StatusFailed
	world.FailedStage = stage
	world.StatusMsg = err.Error()

	if uerr := c.repo.UpdateWorld(ctx, world); uerr != nil {
		slog.Error("failed to record world failure", "error", uerr, "event", event.Name, "identity", world.Identity)
	}

	slog.Error("world operation failed",
		"event", event.Name,
		"identity", world.Identity,
		"stage", stage,
		"error", err,
	)
	return err
}
