package flag

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/range-engine/internal/models"
)

// memStore keeps shared flags in a map with the same first-writer-wins
// semantics as the database
type memStore struct {
	mu    sync.Mutex
	flags map[string]string
}

func newMemStore() *memStore {
	return &memStore{flags: make(map[string]string)}
}

func (s *memStore) EnsureSharedFlag(_ context.Context, event, challenge, candidate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event + "/" + challenge
	if v, ok := s.flags[key]; ok {
		return v, nil
	}
	s.flags[key] = candidate
	return candidate, nil
}

func testEvent() *models.Event {
	return &models.Event{Name: "dvad25", SharedFlags: make(map[string]string)}
}

func TestResolveSharedIsEventScoped(t *testing.T) {
	g := NewGenerator(newMemStore())
	event := testEvent()
	ch := &models.Challenge{Slug: "web-intro", FlagMode: models.FlagShared}

	alice := &models.World{EventName: "dvad25", Identity: "alice", Flags: map[string]string{}}
	bob := &models.World{EventName: "dvad25", Identity: "bobby", Flags: map[string]string{}}

	f1, err := g.Resolve(context.Background(), event, alice, ch)
	require.NoError(t, err)
	f2, err := g.Resolve(context.Background(), event, bob, ch)
	require.NoError(t, err)

	assert.Equal(t, f1, f2, "shared flag must be identical across worlds")
	assert.Regexp(t, `^flag\{dvad25-[0-9a-f]{32}\}$`, f1)
}

func TestResolveSharedRaceConvergesOnStoreWinner(t *testing.T) {
	store := newMemStore()
	g := NewGenerator(store)
	ch := &models.Challenge{Slug: "pwn-1000", FlagMode: models.FlagShared}

	// Fresh event copies emulate two concurrent creates that each loaded
	// the event before either minted the flag.
	e1, e2 := testEvent(), testEvent()
	w := &models.World{Flags: map[string]string{}}

	f1, err := g.Resolve(context.Background(), e1, w, ch)
	require.NoError(t, err)
	f2, err := g.Resolve(context.Background(), e2, w, ch)
	require.NoError(t, err)

	assert.Equal(t, f1, f2)
}

func TestResolveIndividualUniquePerWorld(t *testing.T) {
	g := NewGenerator(newMemStore())
	event := testEvent()
	ch := &models.Challenge{Slug: "crypto-1", FlagMode: models.FlagIndividual}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		w := &models.World{Flags: map[string]string{}}
		f, err := g.Resolve(context.Background(), event, w, ch)
		require.NoError(t, err)
		assert.False(t, seen[f], "individual flag collided: %s", f)
		seen[f] = true
	}
}

func TestResolveIndividualStableUntilReset(t *testing.T) {
	g := NewGenerator(newMemStore())
	event := testEvent()
	ch := &models.Challenge{Slug: "crypto-1", FlagMode: models.FlagIndividual}
	w := &models.World{Flags: map[string]string{}}

	f1, err := g.Resolve(context.Background(), event, w, ch)
	require.NoError(t, err)
	f2, err := g.Resolve(context.Background(), event, w, ch)
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "repeated resolve must not regenerate")

	// Reset discards the world flag map; the next resolve mints fresh.
	w.Flags = map[string]string{}
	f3, err := g.Resolve(context.Background(), event, w, ch)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestResolveCustomPrefix(t *testing.T) {
	g := NewGenerator(newMemStore())
	event := testEvent()
	event.FlagFormat = "crl"
	ch := &models.Challenge{Slug: "misc-1", FlagMode: models.FlagIndividual}
	w := &models.World{Flags: map[string]string{}}

	f, err := g.Resolve(context.Background(), event, w, ch)
	require.NoError(t, err)
	assert.Regexp(t, `^crl\{[0-9a-f]{32}\}$`, f)
}

func TestResolveUnknownModeFails(t *testing.T) {
	g := NewGenerator(newMemStore())
	ch := &models.Challenge{Slug: "odd", FlagMode: "per-team"}
	_, err := g.Resolve(context.Background(), testEvent(), &models.World{}, ch)
	assert.Error(t, err)
}
