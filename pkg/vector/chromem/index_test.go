package chromem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/vector"
	chromemIndex "github.com/engram-labs/engram-go/pkg/vector/chromem"
)

func setupIndex(t *testing.T) *chromemIndex.Index {
	t.Helper()

	idx, err := chromemIndex.NewIndex(&chromemIndex.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func upsert(t *testing.T, idx *chromemIndex.Index, id int64, embedding []float64, snippet, sessionID string) {
	t.Helper()
	require.NoError(t, idx.Upsert(context.Background(), &vector.Record{
		EventID:   id,
		Embedding: embedding,
		Snippet:   snippet,
		Metadata:  map[string]string{"session_id": sessionID, "type": "prompt"},
		IndexedAt: time.Now(),
	}))
}

func TestIndex_UpsertAndSearch(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	upsert(t, idx, 1, []float64{1, 0, 0}, "first topic", "sess-a")
	upsert(t, idx, 2, []float64{0, 1, 0}, "second topic", "sess-a")
	upsert(t, idx, 3, []float64{0.9, 0.1, 0}, "close to the first", "sess-b")

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	matches, err := idx.Search(ctx, []float64{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].EventID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-3)
	assert.Equal(t, int64(3), matches[1].EventID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, "first topic", matches[0].Snippet)
	assert.Equal(t, "sess-a", matches[0].Metadata["session_id"])
}

func TestIndex_Upsert_Replaces(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	upsert(t, idx, 1, []float64{1, 0, 0}, "original snippet", "sess-a")
	upsert(t, idx, 1, []float64{1, 0, 0}, "replacement snippet", "sess-a")

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "redelivery replaces instead of duplicating")

	matches, err := idx.Search(ctx, []float64{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "replacement snippet", matches[0].Snippet)
}

func TestIndex_Search_MetadataFilter(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	upsert(t, idx, 1, []float64{1, 0, 0}, "in session a", "sess-a")
	upsert(t, idx, 2, []float64{1, 0, 0}, "in session b", "sess-b")

	matches, err := idx.Search(ctx, []float64{1, 0, 0}, 2, map[string]string{"session_id": "sess-b"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(2), matches[0].EventID)
}

func TestIndex_Search_Empty(t *testing.T) {
	idx := setupIndex(t)

	matches, err := idx.Search(context.Background(), []float64{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_Search_TopKAboveCount(t *testing.T) {
	idx := setupIndex(t)

	upsert(t, idx, 1, []float64{1, 0, 0}, "only record", "sess-a")

	matches, err := idx.Search(context.Background(), []float64{1, 0, 0}, 50, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestIndex_Remove(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	upsert(t, idx, 1, []float64{1, 0, 0}, "to be removed", "sess-a")
	require.NoError(t, idx.Remove(ctx, 1))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIndex_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := chromemIndex.NewIndex(&chromemIndex.Config{Path: dir})
	require.NoError(t, err)
	upsert(t, idx, 1, []float64{1, 0, 0}, "survives reopen", "sess-a")
	require.NoError(t, idx.Close())

	reopened, err := chromemIndex.NewIndex(&chromemIndex.Config{Path: dir})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
