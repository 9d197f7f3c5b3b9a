package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/terra-clan/range-engine/internal/storage"
	"github.com/terra-clan/range-engine/internal/world"
)

// Cleaner periodically reaps worlds that outlived their event's TTL
type Cleaner struct {
	repo        storage.Repository
	coordinator *world.Coordinator
	interval    time.Duration
}

// NewCleaner creates a new cleanup worker
func NewCleaner(repo storage.Repository, coordinator *world.Coordinator, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Cleaner{
		repo:        repo,
		coordinator: coordinator,
		interval:    interval,
	}
}

// Start begins the cleanup worker in a goroutine
func (c *Cleaner) Start(ctx context.Context) {
	go c.run(ctx)
}

// run is the main loop for the cleanup worker
func (c *Cleaner) run(ctx context.Context) {
	slog.Info("cleanup worker started", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Run immediately on start
	c.cleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// cleanup finds and tears down expired worlds. Worlds busy with
// another operation are skipped and picked up next cycle.
func (c *Cleaner) cleanup(ctx context.Context) {
	slog.Debug("running cleanup cycle")

	expired, err := c.repo.GetExpiredWorlds(ctx)
	if err != nil {
		slog.Error("failed to get expired worlds", "error", err)
		return
	}

	if len(expired) == 0 {
		slog.Debug("no expired worlds found")
		return
	}

	slog.Info("found expired worlds", "count", len(expired))

	for _, w := range expired {
		if w.Status.InFlight() {
			continue
		}

		slog.Info("deleting expired world",
			"event", w.EventName,
			"identity", w.Identity,
			"created_at", w.CreatedAt,
		)

		if err := c.coordinator.Delete(ctx, w.EventName, w.Identity); err != nil {
			if errors.Is(err, world.ErrWorldBusy) {
				continue
			}
			slog.Error("failed to delete expired world",
				"error", err,
				"event", w.EventName,
				"identity", w.Identity,
			)
			continue
		}

		slog.Info("expired world deleted", "event", w.EventName, "identity", w.Identity)
	}
}
