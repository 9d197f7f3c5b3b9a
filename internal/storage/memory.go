package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/terra-clan/range-engine/internal/models"
)

// MemoryRepository is an in-process Repository. It backs single-node
// deployments without a database and the test suite.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*models.Event
	worlds map[string]*models.World // keyed event/identity
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events: make(map[string]*models.Event),
		worlds: make(map[string]*models.World),
	}
}

func worldKey(eventName, identity string) string {
	return eventName + "/" + identity
}

func (r *MemoryRepository) CreateEvent(ctx context.Context, e *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.Name]; ok {
		return fmt.Errorf("event already exists: %s", e.Name)
	}
	cp := *e
	r.events[e.Name] = &cp
	return nil
}

func (r *MemoryRepository) GetEvent(ctx context.Context, name string) (*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[name]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.SharedFlags = copyMap(e.SharedFlags)
	cp.ChallengeIDs = copyIntMap(e.ChallengeIDs)
	return &cp, nil
}

func (r *MemoryRepository) UpdateEvent(ctx context.Context, e *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.Name]; !ok {
		return fmt.Errorf("event not found: %s", e.Name)
	}
	cp := *e
	cp.SharedFlags = copyMap(e.SharedFlags)
	cp.ChallengeIDs = copyIntMap(e.ChallengeIDs)
	r.events[e.Name] = &cp
	return nil
}

func (r *MemoryRepository) ListEvents(ctx context.Context) ([]*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Event, 0, len(r.events))
	for _, e := range r.events {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) DeleteEvent(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[name]; !ok {
		return fmt.Errorf("event not found: %s", name)
	}
	delete(r.events, name)
	for key, w := range r.worlds {
		if w.EventName == name {
			delete(r.worlds, key)
		}
	}
	return nil
}

func (r *MemoryRepository) EnsureSharedFlag(ctx context.Context, eventName, challengeSlug, candidate string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventName]
	if !ok {
		return "", fmt.Errorf("event not found: %s", eventName)
	}
	if e.SharedFlags == nil {
		e.SharedFlags = make(map[string]string)
	}
	if existing, ok := e.SharedFlags[challengeSlug]; ok {
		return existing, nil
	}
	e.SharedFlags[challengeSlug] = candidate
	return candidate, nil
}

func (r *MemoryRepository) CreateWorld(ctx context.Context, w *models.World) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := worldKey(w.EventName, w.Identity)
	if _, ok := r.worlds[key]; ok {
		return fmt.Errorf("world already exists: %s", key)
	}
	r.worlds[key] = cloneWorld(w)
	return nil
}

func (r *MemoryRepository) GetWorld(ctx context.Context, eventName, identity string) (*models.World, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.worlds[worldKey(eventName, identity)]
	if !ok {
		return nil, nil
	}
	return cloneWorld(w), nil
}

func (r *MemoryRepository) UpdateWorld(ctx context.Context, w *models.World) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := worldKey(w.EventName, w.Identity)
	if _, ok := r.worlds[key]; !ok {
		return fmt.Errorf("world not found: %s", key)
	}
	r.worlds[key] = cloneWorld(w)
	return nil
}

func (r *MemoryRepository) DeleteWorld(ctx context.Context, eventName, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := worldKey(eventName, identity)
	if _, ok := r.worlds[key]; !ok {
		return fmt.Errorf("world not found: %s", key)
	}
	delete(r.worlds, key)
	return nil
}

func (r *MemoryRepository) ListWorlds(ctx context.Context, filters models.ListFilters) ([]*models.World, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.World
	for _, w := range r.worlds {
		if filters.EventName != "" && w.EventName != filters.EventName {
			continue
		}
		if filters.Status != "" && w.Status != filters.Status {
			continue
		}
		out = append(out, cloneWorld(w))
	}
	return out, nil
}

func (r *MemoryRepository) GetExpiredWorlds(ctx context.Context) ([]*models.World, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var out []*models.World
	for _, w := range r.worlds {
		e, ok := r.events[w.EventName]
		if !ok || e.WorldTTL <= 0 {
			continue
		}
		if w.CreatedAt.Add(e.WorldTTL).Before(now) {
			out = append(out, cloneWorld(w))
		}
	}
	return out, nil
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

func cloneWorld(w *models.World) *models.World {
	cp := *w
	cp.Flags = copyMap(w.Flags)
	cp.Ports = copyIntMap(w.Ports)
	if w.Peer != nil {
		peer := *w.Peer
		cp.Peer = &peer
	}
	if w.Services != nil {
		cp.Services = make(map[string]*models.ServiceState, len(w.Services))
		for k, v := range w.Services {
			svc := *v
			cp.Services[k] = &svc
		}
	}
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
