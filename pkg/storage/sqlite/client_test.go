package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-labs/engram-go/pkg/event"
	"github.com/engram-labs/engram-go/pkg/storage"
	sqliteStore "github.com/engram-labs/engram-go/pkg/storage/sqlite"
)

func setupStore(t *testing.T) *sqliteStore.Client {
	t.Helper()

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "engram.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPromptEvent(id int64, sessionID, text string, ts time.Time) *event.Event {
	return &event.Event{
		ID:        id,
		SessionID: sessionID,
		Type:      event.TypePrompt,
		Timestamp: ts,
		Payload:   &event.PromptPayload{Text: text},
		Level:     event.LevelL0,
	}
}

func TestClient_AppendAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ev := newPromptEvent(1, "sess-a", "how do I rotate the API key?", time.Now())
	res, err := store.Append(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventID)
	assert.False(t, res.IsDuplicate)

	got, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "sess-a", got.SessionID)
	assert.Equal(t, event.TypePrompt, got.Type)
	assert.Equal(t, "how do I rotate the API key?", got.Payload.SearchText())
	assert.Equal(t, event.LevelL0, got.Level)
	assert.Nil(t, got.EmbeddedAt)

	_, err = store.GetByID(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClient_AppendDuplicate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	first, err := store.Append(ctx, newPromptEvent(1, "sess-a", "Same Content", now))
	require.NoError(t, err)
	require.False(t, first.IsDuplicate)

	// Same normalized content in the same session within the window.
	dup, err := store.Append(ctx, newPromptEvent(2, "sess-a", "same   content", now.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, int64(1), dup.EventID)

	// Same content in a different session is a new event.
	other, err := store.Append(ctx, newPromptEvent(3, "sess-b", "same content", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, other.IsDuplicate)
	assert.Equal(t, int64(3), other.EventID)

	// Duplicates do not enqueue embedding work.
	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestClient_ListRecent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := int64(1); i <= 5; i++ {
		ev := newPromptEvent(i, "sess-a", "prompt number "+string(rune('0'+i)), base.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			ev.SessionID = "sess-b"
			ev.Type = event.TypeInsight
			ev.Payload = &event.InsightPayload{Text: "insight number three"}
			ev.Level = event.LevelL2
		}
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	all, err := store.ListRecent(ctx, 10, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].ID, "newest first")
	assert.Equal(t, int64(1), all[4].ID)

	limited, err := store.ListRecent(ctx, 2, storage.Filters{})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	bySession, err := store.ListRecent(ctx, 10, storage.Filters{SessionID: "sess-b"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, int64(3), bySession[0].ID)

	byType, err := store.ListRecent(ctx, 10, storage.Filters{Type: event.TypeInsight})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	byLevel, err := store.ListRecent(ctx, 10, storage.Filters{MinLevel: event.LevelL1})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	assert.Equal(t, event.LevelL2, byLevel[0].Level)
}

func TestClient_FindSurrounding(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	var target *event.Event
	for i := int64(1); i <= 7; i++ {
		ev := newPromptEvent(i, "sess-a", "step "+string(rune('0'+i)), base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			target = ev
		}
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}
	// An event in another session never appears in the window.
	_, err := store.Append(ctx, newPromptEvent(100, "sess-b", "unrelated", base.Add(4*time.Minute)))
	require.NoError(t, err)

	window, err := store.FindSurrounding(ctx, "sess-a", target.Timestamp, 2)
	require.NoError(t, err)
	require.Len(t, window, 5)
	for i, want := range []int64{2, 3, 4, 5, 6} {
		assert.Equal(t, want, window[i].ID, "chronological order")
	}
}

func TestClient_Neighbors(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	events := make([]*event.Event, 3)
	for i := int64(1); i <= 3; i++ {
		ev := newPromptEvent(i, "sess-a", "message "+string(rune('0'+i)), base.Add(time.Duration(i)*time.Minute))
		events[i-1] = ev
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	prev, next, err := store.Neighbors(ctx, events[1])
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.NotNil(t, next)
	assert.Equal(t, int64(1), prev.ID)
	assert.Equal(t, int64(3), next.ID)

	prev, next, err = store.Neighbors(ctx, events[0])
	require.NoError(t, err)
	assert.Nil(t, prev, "no event before the session start")
	require.NotNil(t, next)
	assert.Equal(t, int64(2), next.ID)

	prev, next, err = store.Neighbors(ctx, events[2])
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Nil(t, next, "no event after the session end")
}

func TestClient_SearchKeyword(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "configure the retry backoff", base))
	require.NoError(t, err)
	_, err = store.Append(ctx, newPromptEvent(2, "sess-a", "tune the worker pool size", base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = store.Append(ctx, newPromptEvent(3, "sess-b", "retry policy for the uploader", base.Add(2*time.Minute)))
	require.NoError(t, err)

	hits, err := store.SearchKeyword(ctx, "retry", 10, storage.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(3), hits[0].ID, "newest first")

	scoped, err := store.SearchKeyword(ctx, "retry", 10, storage.Filters{SessionID: "sess-a"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, int64(1), scoped[0].ID)

	none, err := store.SearchKeyword(ctx, "kubernetes", 10, storage.Filters{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_UpdateLevel(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "promote me", time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.UpdateLevel(ctx, 1, event.LevelL2))
	got, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, event.LevelL2, got.Level)

	err = store.UpdateLevel(ctx, 999, event.LevelL1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClient_Stats(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "first", base))
	require.NoError(t, err)
	_, err = store.Append(ctx, newPromptEvent(2, "sess-a", "second", base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = store.Append(ctx, newPromptEvent(3, "sess-b", "third", base.Add(2*time.Minute)))
	require.NoError(t, err)
	require.NoError(t, store.UpdateLevel(ctx, 3, event.LevelL1))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EventCount)
	assert.Equal(t, 2, stats.SessionCount)
	assert.Equal(t, 2, stats.LevelCounts[event.LevelL0])
	assert.Equal(t, 1, stats.LevelCounts[event.LevelL1])
}

func TestClient_ClaimBatch(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := int64(1); i <= 3; i++ {
		_, err := store.Append(ctx, newPromptEvent(i, "sess-a", "work item "+string(rune('0'+i)), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	first, err := store.ClaimBatch(ctx, "worker-1", 2, time.Hour)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0].EventID, "oldest enqueued first")
	assert.Equal(t, int64(2), first[1].EventID)

	// A second worker only sees the unclaimed remainder.
	second, err := store.ClaimBatch(ctx, "worker-2", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(3), second[0].EventID)

	none, err := store.ClaimBatch(ctx, "worker-3", 10, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_ClaimBatch_StaleReclaim(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "stale claim", time.Now()))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, "worker-crashed", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(10 * time.Millisecond)

	// The crashed worker's claim is past staleAfter and re-claimable.
	reclaimed, err := store.ClaimBatch(ctx, "worker-2", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, int64(1), reclaimed[0].EventID)
}

func TestClient_MarkProcessed(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "embed me", time.Now()))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, "worker-1", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A worker that does not hold the claim cannot complete the entry.
	require.NoError(t, store.MarkProcessed(ctx, 1, "worker-impostor"))
	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	require.NoError(t, store.MarkProcessed(ctx, 1, "worker-1"))
	pending, err = store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	got, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, got.EmbeddedAt, "embedded marker stamped on completion")
}

func TestClient_Release(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "release me", time.Now()))
	require.NoError(t, err)

	claimed, err := store.ClaimBatch(ctx, "worker-1", 10, time.Hour)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Release(ctx, 1, "worker-1"))

	reclaimed, err := store.ClaimBatch(ctx, "worker-2", 10, time.Hour)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1)
}

func TestClient_Citations(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "cited event", time.Now()))
	require.NoError(t, err)
	_, err = store.Append(ctx, newPromptEvent(2, "sess-a", "other event", time.Now().Add(time.Minute)))
	require.NoError(t, err)

	got, err := store.CreateCitation(ctx, "aB3xYz", 1)
	require.NoError(t, err)
	assert.Equal(t, "aB3xYz", got)

	// A second create for the same event returns the existing id.
	again, err := store.CreateCitation(ctx, "different", 1)
	require.NoError(t, err)
	assert.Equal(t, "aB3xYz", again)

	// A citation id held by another event forces a re-salt.
	_, err = store.CreateCitation(ctx, "aB3xYz", 2)
	assert.ErrorIs(t, err, storage.ErrCitationTaken)

	eventID, err := store.EventByCitation(ctx, "aB3xYz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), eventID)

	citationID, err := store.CitationByEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "aB3xYz", citationID)

	_, err = store.EventByCitation(ctx, "nosuch")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.CitationByEvent(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClient_UsageAggregates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "heavily used", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = store.CreateCitation(ctx, "cite01", 1)
	require.NoError(t, err)

	usages := []*storage.CitationUsage{
		{CitationID: "cite01", SessionID: "sess-b", UsedAt: now.Add(-48 * time.Hour), ContextQuery: "old lookup"},
		{CitationID: "cite01", SessionID: "sess-b", UsedAt: now.Add(-time.Minute), ContextQuery: "recent lookup"},
		{CitationID: "cite01", SessionID: "sess-c", UsedAt: now, ContextQuery: "another session"},
	}
	for _, u := range usages {
		require.NoError(t, store.InsertUsage(ctx, u))
	}

	aggs, err := store.UsageAggregates(ctx, now.Add(-72*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	agg := aggs[0]
	assert.Equal(t, int64(1), agg.EventID)
	assert.Equal(t, 3, agg.TotalRefs)
	assert.Equal(t, 2, agg.RefsInWindow, "48h-old usage falls outside the window")
	assert.Equal(t, 2, agg.DistinctSessions)
	assert.False(t, agg.LastUsedAt.IsZero())

	// No usage since the cutoff means no aggregate at all.
	none, err := store.UsageAggregates(ctx, now.Add(time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_DemoteAndPrune(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	// Stale L1 with no usage: demoted to L0.
	_, err := store.Append(ctx, newPromptEvent(1, "sess-a", "stale promoted", now.Add(-time.Hour)))
	require.NoError(t, err)
	require.NoError(t, store.UpdateLevel(ctx, 1, event.LevelL1))

	// Stale L1 with recent usage: kept.
	_, err = store.Append(ctx, newPromptEvent(2, "sess-a", "still referenced", now.Add(-time.Hour)))
	require.NoError(t, err)
	require.NoError(t, store.UpdateLevel(ctx, 2, event.LevelL1))
	_, err = store.CreateCitation(ctx, "cite02", 2)
	require.NoError(t, err)
	require.NoError(t, store.InsertUsage(ctx, &storage.CitationUsage{
		CitationID: "cite02", SessionID: "sess-b", UsedAt: now.Add(time.Hour),
	}))

	cutoff := now.Add(time.Minute)
	demoted, err := store.DemoteUnused(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, demoted)

	got, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, event.LevelL0, got.Level)
	kept, err := store.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, event.LevelL1, kept.Level)

	// The demoted event is now stale L0 and gets pruned.
	pruned, err := store.PruneUnused(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, pruned)

	_, err = store.GetByID(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetByID(ctx, 2)
	assert.NoError(t, err, "referenced event survives the sweep")
}

func TestClient_SweepState(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	got, err := store.SweepState(ctx, "graduation")
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "unknown sweep reads as zero time")

	ran := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetSweepState(ctx, "graduation", ran))

	got, err = store.SweepState(ctx, "graduation")
	require.NoError(t, err)
	assert.True(t, got.Equal(ran))

	// Re-recording overwrites.
	later := ran.Add(time.Hour)
	require.NoError(t, store.SetSweepState(ctx, "graduation", later))
	got, err = store.SweepState(ctx, "graduation")
	require.NoError(t, err)
	assert.True(t, got.Equal(later))
}
