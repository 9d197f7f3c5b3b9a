package wireguard

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/models"
)

// Provisioner assigns each world a VPN peer: a key pair, a tunnel
// address inside the event's subnet, and a rendered client config.
type Provisioner struct {
	pool   AddrPool
	cfg    config.WireguardConfig
	logger *slog.Logger
}

func NewProvisioner(pool AddrPool, cfg config.WireguardConfig, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "wireguard"),
	}
}

// Provision creates the VPN peer for a world. Returns nil when the
// event has no VPN enabled.
func (p *Provisioner) Provision(ctx context.Context, event *models.Event, world *models.World) (*models.WireguardPeer, error) {
	if !event.VPNEnabled {
		return nil, nil
	}

	subnet, err := netip.ParsePrefix(event.VPNSubnet)
	if err != nil {
		return nil, fmt.Errorf("event %s has invalid VPN subnet %q: %w", event.Name, event.VPNSubnet, err)
	}
	if event.VPNServerPub == "" {
		return nil, fmt.Errorf("event %s has no VPN server key", event.Name)
	}

	addr, err := p.pool.Allocate(ctx, event.Name, subnet)
	if err != nil {
		return nil, err
	}

	client, err := GenerateKeyPair()
	if err != nil {
		p.releaseQuietly(ctx, event.Name, addr)
		return nil, err
	}

	peer := &models.WireguardPeer{
		PrivateKey:      client.PrivateKey,
		PublicKey:       client.PublicKey,
		Address:         addr.String(),
		ServerPublicKey: event.VPNServerPub,
		ServerEndpoint:  p.endpoint(event),
	}
	peer.Config = p.renderConfig(peer, subnet)

	p.logger.Info("provisioned VPN peer",
		"event", event.Name,
		"identity", world.Identity,
		"address", peer.Address)

	return peer, nil
}

// Deprovision returns the world's tunnel address to the pool. Safe to
// call for worlds that never had a peer.
func (p *Provisioner) Deprovision(ctx context.Context, event *models.Event, world *models.World) error {
	if world.Peer == nil {
		return nil
	}

	addr, err := netip.ParseAddr(world.Peer.Address)
	if err != nil {
		return fmt.Errorf("world %s has corrupt tunnel address %q: %w", world.ID, world.Peer.Address, err)
	}

	if err := p.pool.Release(ctx, event.Name, addr); err != nil {
		return err
	}

	p.logger.Info("released VPN address",
		"event", event.Name,
		"identity", world.Identity,
		"address", world.Peer.Address)

	world.Peer = nil
	return nil
}

// endpoint picks the address participants dial: the configured server
// endpoint when set, otherwise the event's external URL with the
// WireGuard listen port.
func (p *Provisioner) endpoint(event *models.Event) string {
	host := p.cfg.ServerEndpoint
	if host == "" {
		host = event.ExternalURL
	}
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, p.cfg.ListenPort)
}

// renderConfig produces the client-side wg-quick configuration. Routed
// traffic is limited to the event subnet.
func (p *Provisioner) renderConfig(peer *models.WireguardPeer, subnet netip.Prefix) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", peer.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", peer.Address)
	if p.cfg.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", p.cfg.DNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", peer.ServerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", peer.ServerEndpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", subnet.Masked().String())
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

func (p *Provisioner) releaseQuietly(ctx context.Context, eventName string, addr netip.Addr) {
	if err := p.pool.Release(ctx, eventName, addr); err != nil {
		p.logger.Warn("failed to return address after provisioning error",
			"event", eventName,
			"address", addr.String(),
			"error", err)
	}
}
