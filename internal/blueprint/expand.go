package blueprint

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/terra-clan/range-engine/internal/models"
)

// ValidationError reports a blueprint that cannot be expanded. It is
// raised before any side effect is taken.
type ValidationError struct {
	Blueprint string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Blueprint == "" {
		return "invalid blueprint: " + e.Reason
	}
	return fmt.Sprintf("invalid blueprint %q: %s", e.Blueprint, e.Reason)
}

// PlaceholderKind classifies what a placeholder resolves to
type PlaceholderKind string

const (
	PlaceholderFlag PlaceholderKind = "FLAG"
	PlaceholderPort PlaceholderKind = "PORT"
	PlaceholderVPN  PlaceholderKind = "VPN"
)

// VPN placeholder fields understood by the renderer
const (
	VPNAddress         = "address"
	VPNServerPublicKey = "server-public-key"
	VPNServerEndpoint  = "server-endpoint"
)

// Placeholder is one unresolved `{KIND:key}` occurrence found during
// expansion. The deployment renderer substitutes it once flags, ports
// and VPN data are resolved.
type Placeholder struct {
	Kind PlaceholderKind `json:"kind"`
	Key  string          `json:"key"`
	Raw  string          `json:"raw"`
}

// Topology is a fully-expanded blueprint for one world: the concrete
// services and networks to deploy, plus every placeholder still to be
// filled by later stages. Expansion is pure, so a topology can be cached
// per event and shared across worlds.
type Topology struct {
	Blueprint    *models.Blueprint
	EventName    string
	Identity     string
	Networks     []models.Network
	Services     []models.ServiceSpec
	Placeholders []Placeholder
}

// PublishedServices returns the names of services requesting host ports,
// sorted for deterministic allocation order
func (t *Topology) PublishedServices() []string {
	var names []string
	for _, svc := range t.Services {
		if len(svc.Publish) > 0 {
			names = append(names, svc.Name)
		}
	}
	sort.Strings(names)
	return names
}

var placeholderRe = regexp.MustCompile(`\{([A-Z]+):([A-Za-z0-9_.-]*)\}`)

// Expand resolves a blueprint against a world identity. It validates
// challenge references, network attachments and placeholder syntax, and
// collects the placeholders the later stages must fill. It performs no
// I/O and mutates nothing.
func Expand(bp *models.Blueprint, eventName, identity string) (*Topology, error) {
	networks := make(map[string]bool, len(bp.Networks))
	for _, n := range bp.Networks {
		if n.Name == "" {
			return nil, &ValidationError{Blueprint: bp.Name, Reason: "network name is required"}
		}
		networks[n.Name] = true
	}

	published := make(map[string]bool)
	for _, svc := range bp.Services {
		if len(svc.Publish) > 0 {
			published[svc.Name] = true
		}
	}

	topo := &Topology{
		Blueprint: bp,
		EventName: eventName,
		Identity:  identity,
		Networks:  bp.Networks,
		Services:  bp.Services,
	}

	seen := make(map[string]bool)
	collect := func(where, value string) error {
		phs, err := scanPlaceholders(bp, where, value, published)
		if err != nil {
			return err
		}
		for _, ph := range phs {
			if !seen[ph.Raw] {
				seen[ph.Raw] = true
				topo.Placeholders = append(topo.Placeholders, ph)
			}
		}
		return nil
	}

	for _, svc := range bp.Services {
		if svc.Challenge != "" && bp.Challenge(svc.Challenge) == nil {
			return nil, &ValidationError{
				Blueprint: bp.Name,
				Reason:    fmt.Sprintf("service %q references unknown challenge %q", svc.Name, svc.Challenge),
			}
		}
		for _, net := range svc.Networks {
			if !networks[net] {
				return nil, &ValidationError{
					Blueprint: bp.Name,
					Reason:    fmt.Sprintf("service %q attaches to undeclared network %q", svc.Name, net),
				}
			}
		}
		for key, value := range svc.Env {
			if err := collect(fmt.Sprintf("service %q env %q", svc.Name, key), value); err != nil {
				return nil, err
			}
		}
	}

	for _, ch := range bp.Challenges {
		if err := collect(fmt.Sprintf("challenge %q connection-info", ch.Slug), ch.ConnectionInfo); err != nil {
			return nil, err
		}
	}

	return topo, nil
}

// scanPlaceholders extracts and validates all placeholders in a string
func scanPlaceholders(bp *models.Blueprint, where, value string, published map[string]bool) ([]Placeholder, error) {
	var result []Placeholder

	for _, m := range placeholderRe.FindAllStringSubmatch(value, -1) {
		raw, kind, key := m[0], PlaceholderKind(m[1]), m[2]

		if key == "" {
			return nil, &ValidationError{
				Blueprint: bp.Name,
				Reason:    fmt.Sprintf("%s: malformed placeholder %q", where, raw),
			}
		}

		switch kind {
		case PlaceholderFlag:
			if bp.Challenge(key) == nil {
				return nil, &ValidationError{
					Blueprint: bp.Name,
					Reason:    fmt.Sprintf("%s: placeholder %q references unknown challenge", where, raw),
				}
			}
		case PlaceholderPort:
			if !published[key] {
				return nil, &ValidationError{
					Blueprint: bp.Name,
					Reason:    fmt.Sprintf("%s: placeholder %q references a service with no published ports", where, raw),
				}
			}
		case PlaceholderVPN:
			switch key {
			case VPNAddress, VPNServerPublicKey, VPNServerEndpoint:
			default:
				return nil, &ValidationError{
					Blueprint: bp.Name,
					Reason:    fmt.Sprintf("%s: unknown VPN placeholder field %q", where, key),
				}
			}
		default:
			return nil, &ValidationError{
				Blueprint: bp.Name,
				Reason:    fmt.Sprintf("%s: malformed placeholder %q", where, raw),
			}
		}

		result = append(result, Placeholder{Kind: kind, Key: key, Raw: raw})
	}

	return result, nil
}

// Substitute replaces every placeholder occurrence in value using the
// supplied resolver. The resolver receives the placeholder kind and key
// and returns the concrete value.
func Substitute(value string, resolve func(kind PlaceholderKind, key string) (string, bool)) string {
	return placeholderRe.ReplaceAllStringFunc(value, func(raw string) string {
		m := placeholderRe.FindStringSubmatch(raw)
		if v, ok := resolve(PlaceholderKind(m[1]), m[2]); ok {
			return v
		}
		return raw
	})
}
