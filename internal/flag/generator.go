package flag

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/terra-clan/range-engine/internal/models"
)

// tokenBytes gives 128 bits of randomness per flag, enough that guessing
// or colliding is infeasible
const tokenBytes = 16

// SharedStore records event-scoped flags atomically. Two worlds of the
// same event racing to mint the shared flag must both observe the same
// winner, so the store decides, not the generator.
type SharedStore interface {
	// EnsureSharedFlag stores the candidate flag for (event, challenge)
	// unless one exists, and returns the flag now on record.
	EnsureSharedFlag(ctx context.Context, eventName, challenge, candidate string) (string, error)
}

// Generator resolves flag values per (challenge, world) pair
type Generator struct {
	store SharedStore
}

// NewGenerator creates a flag generator backed by the given shared store
func NewGenerator(store SharedStore) *Generator {
	return &Generator{store: store}
}

// Resolve returns the flag for a challenge within a world. Shared-mode
// flags are event-scoped and generated at most once per event.
// Individual-mode flags are minted on first request for the world and
// cached on it; a reset clears the cache, which is what invalidates them.
func (g *Generator) Resolve(ctx context.Context, event *models.Event, world *models.World, ch *models.Challenge) (string, error) {
	switch ch.FlagMode {
	case models.FlagShared:
		if v, ok := event.SharedFlags[ch.Slug]; ok && v != "" {
			return v, nil
		}
		candidate := Format(event.FlagPrefix(), event.Name+"-"+NewToken())
		v, err := g.store.EnsureSharedFlag(ctx, event.Name, ch.Slug, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to record shared flag for %s: %w", ch.Slug, err)
		}
		if event.SharedFlags == nil {
			event.SharedFlags = make(map[string]string)
		}
		event.SharedFlags[ch.Slug] = v
		return v, nil

	case models.FlagIndividual:
		if v, ok := world.Flags[ch.Slug]; ok && v != "" {
			return v, nil
		}
		v := Format(event.FlagPrefix(), NewToken())
		if world.Flags == nil {
			world.Flags = make(map[string]string)
		}
		world.Flags[ch.Slug] = v
		return v, nil

	default:
		return "", fmt.Errorf("challenge %q has unknown flag mode %q", ch.Slug, ch.FlagMode)
	}
}

// NewToken returns a fresh high-entropy token
func NewToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform itself is broken
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Format renders a token in the event's flag format, e.g. flag{...}
func Format(prefix, token string) string {
	return fmt.Sprintf("%s{%s}", prefix, token)
}
