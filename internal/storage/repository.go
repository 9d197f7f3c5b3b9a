package storage

import (
	"context"

	"github.com/terra-clan/range-engine/internal/models"
)

// Repository defines the interface for event and world persistence
type Repository interface {
	// Events
	CreateEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, name string) (*models.Event, error)
	UpdateEvent(ctx context.Context, e *models.Event) error
	ListEvents(ctx context.Context) ([]*models.Event, error)
	DeleteEvent(ctx context.Context, name string) error

	// EnsureSharedFlag records candidate as the event-wide flag for the
	// challenge unless one is already recorded, and returns the winner.
	// Must be atomic across concurrent callers.
	EnsureSharedFlag(ctx context.Context, eventName, challengeSlug, candidate string) (string, error)

	// Worlds
	CreateWorld(ctx context.Context, w *models.World) error
	GetWorld(ctx context.Context, eventName, identity string) (*models.World, error)
	UpdateWorld(ctx context.Context, w *models.World) error
	DeleteWorld(ctx context.Context, eventName, identity string) error
	ListWorlds(ctx context.Context, filters models.ListFilters) ([]*models.World, error)
	GetExpiredWorlds(ctx context.Context) ([]*models.World, error)

	// Health
	Ping(ctx context.Context) error
	Close() error
}
