package citation_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/citation"
	"github.com/engram-labs/engram-go/pkg/storage"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func TestDerive(t *testing.T) {
	// Deterministic across calls.
	assert.Equal(t, citation.Derive(42, 0), citation.Derive(42, 0))

	// Different events and different salts produce different ids.
	assert.NotEqual(t, citation.Derive(42, 0), citation.Derive(43, 0))
	assert.NotEqual(t, citation.Derive(42, 0), citation.Derive(42, 1))

	// Always six characters from the base-62 alphabet.
	for _, id := range []string{citation.Derive(1, 0), citation.Derive(1<<40, 0), citation.Derive(7, 3)} {
		assert.Len(t, id, citation.IDLength)
		for _, ch := range id {
			assert.True(t, strings.ContainsRune(idAlphabet, ch), "unexpected character %q", ch)
		}
	}
}

// memCitationStore is an in-memory storage.CitationStore.
type memCitationStore struct {
	byEvent    map[int64]string
	byCitation map[string]int64
	usages     []*storage.CitationUsage

	// alwaysTaken makes every create fail, exercising salt exhaustion.
	alwaysTaken bool
}

func newMemCitationStore() *memCitationStore {
	return &memCitationStore{
		byEvent:    make(map[int64]string),
		byCitation: make(map[string]int64),
	}
}

func (s *memCitationStore) CitationByEvent(_ context.Context, eventID int64) (string, error) {
	if id, ok := s.byEvent[eventID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("citation for event %d: %w", eventID, storage.ErrNotFound)
}

func (s *memCitationStore) EventByCitation(_ context.Context, citationID string) (int64, error) {
	if id, ok := s.byCitation[citationID]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("citation %q: %w", citationID, storage.ErrNotFound)
}

func (s *memCitationStore) CreateCitation(_ context.Context, citationID string, eventID int64) (string, error) {
	if s.alwaysTaken {
		return "", storage.ErrCitationTaken
	}
	if existing, ok := s.byEvent[eventID]; ok {
		return existing, nil
	}
	if holder, ok := s.byCitation[citationID]; ok && holder != eventID {
		return "", storage.ErrCitationTaken
	}
	s.byEvent[eventID] = citationID
	s.byCitation[citationID] = eventID
	return citationID, nil
}

func (s *memCitationStore) InsertUsage(_ context.Context, u *storage.CitationUsage) error {
	s.usages = append(s.usages, u)
	return nil
}

func TestRegistry_GetOrCreate(t *testing.T) {
	store := newMemCitationStore()
	registry := citation.NewRegistry(store)
	ctx := context.Background()

	id, err := registry.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, citation.Derive(42, 0), id, "canonical salt-0 derivation")

	// Idempotent.
	again, err := registry.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	resolved, err := registry.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(42), resolved)
}

func TestRegistry_GetOrCreate_Collision(t *testing.T) {
	store := newMemCitationStore()
	registry := citation.NewRegistry(store)
	ctx := context.Background()

	// Occupy event 99's canonical id with a different event.
	canonical := citation.Derive(99, 0)
	store.byCitation[canonical] = 1
	store.byEvent[1] = canonical

	id, err := registry.GetOrCreate(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, citation.Derive(99, 1), id, "re-salted derivation after collision")
}

func TestRegistry_GetOrCreate_Exhausted(t *testing.T) {
	store := newMemCitationStore()
	store.alwaysTaken = true
	registry := citation.NewRegistry(store)

	_, err := registry.GetOrCreate(context.Background(), 7)
	assert.ErrorIs(t, err, citation.ErrGenerationExhausted)
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	registry := citation.NewRegistry(newMemCitationStore())

	_, err := registry.Resolve(context.Background(), "nosuch")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegistry_LogUsage(t *testing.T) {
	store := newMemCitationStore()
	registry := citation.NewRegistry(store)
	ctx := context.Background()

	id, err := registry.GetOrCreate(ctx, 42)
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, registry.LogUsage(ctx, id, "sess-b", "how was the cache sized?"))

	require.Len(t, store.usages, 1)
	usage := store.usages[0]
	assert.Equal(t, id, usage.CitationID)
	assert.Equal(t, "sess-b", usage.SessionID)
	assert.Equal(t, "how was the cache sized?", usage.ContextQuery)
	assert.False(t, usage.UsedAt.Before(before))
}
