package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/engram-labs/engram-go/pkg/citation"
	"github.com/engram-labs/engram-go/pkg/embedder"
	"github.com/engram-labs/engram-go/pkg/event"
	"github.com/engram-labs/engram-go/pkg/storage"
	"github.com/engram-labs/engram-go/pkg/vector"
)

// Retriever orchestrates the three disclosure layers over the ledger and
// the similarity index. It is stateless apart from the injected layer
// cache and safe for concurrent use.
type Retriever struct {
	ledger    storage.Ledger
	index     vector.Index
	embedder  embedder.Provider
	citations *citation.Registry
	cache     LayerCache
	cfg       Config
}

// NewRetriever wires a retriever. index and provider may be nil, in which
// case every search takes the keyword path. cache may be nil to disable
// caching.
func NewRetriever(ledger storage.Ledger, index vector.Index, provider embedder.Provider, citations *citation.Registry, cache LayerCache, cfg Config) *Retriever {
	if cache == nil {
		cache = nopCache{}
	}
	return &Retriever{
		ledger:    ledger,
		index:     index,
		embedder:  provider,
		citations: citations,
		cache:     cache,
		cfg:       cfg.withDefaults(),
	}
}

// SmartSearch computes Layer 1, applies the auto-expansion decision, and
// materializes deeper layers within the token budget.
//
// Read-path failures degrade instead of erroring: a broken expansion
// still returns a valid Layer 1 result with Meta.Degraded set, and "no
// relevant memories" is an empty index with reason no-results, never an
// error.
func (r *Retriever) SmartSearch(ctx context.Context, query string, opts ...SearchOption) (*Result, error) {
	o := r.applyOptions(opts)
	result := &Result{Meta: Meta{}}

	items, degraded, err := r.layer1(ctx, query, o)
	if err != nil {
		return nil, err
	}
	result.Meta.Degraded = degraded
	result.Meta.TotalMatches = len(items)

	// Layer 1 always fits the budget first: keep items in rank order
	// while they fit, drop the rest.
	budget := o.maxTokens
	estimated := 0
	for _, item := range items {
		if estimated+r.cfg.IndexItemCost > budget {
			break
		}
		result.Index = append(result.Index, item)
		estimated += r.cfg.IndexItemCost
	}

	decision := decideExpansion(result.Index, r.cfg)
	result.Meta.ExpansionReason = decision.reason

	if len(decision.targetIDs) > 0 {
		timeline, note := r.layer2(ctx, query, o, result.Index, decision.targetIDs, budget-estimated)
		if note != "" {
			result.Meta.Degraded = joinNotes(result.Meta.Degraded, note)
		}
		result.Timeline = timeline
		estimated += len(timeline) * r.cfg.TimelineItemCost

		if decision.withDetails {
			details, cost, note := r.layer3(ctx, query, o, decision.targetIDs, budget-estimated)
			if note != "" {
				result.Meta.Degraded = joinNotes(result.Meta.Degraded, note)
			}
			result.Details = details
			estimated += cost
		}
	}

	result.Meta.ExpandedCount = len(decision.targetIDs)
	result.Meta.EstimatedTokens = estimated
	return result, nil
}

// layer1 returns ranked index hits. Vector search is preferred; the
// keyword path serves keyword-only calls and degraded vector failures.
func (r *Retriever) layer1(ctx context.Context, query string, o searchOptions) ([]IndexItem, string, error) {
	key := o.cacheKey("l1", query)
	if cached, ok := r.cache.Get(key); ok {
		if items, ok := cached.([]IndexItem); ok {
			return items, "", nil
		}
	}

	var (
		items    []IndexItem
		degraded string
	)

	useVector := !o.keywordOnly && r.index != nil && r.embedder != nil
	if useVector {
		vecItems, err := r.vectorLayer1(ctx, query, o)
		if err != nil {
			degraded = "vector search unavailable, keyword fallback: " + err.Error()
			useVector = false
		} else {
			items = vecItems
		}
	}
	if !useVector {
		kwItems, err := r.keywordLayer1(ctx, query, o)
		if err != nil {
			return nil, degraded, err
		}
		items = kwItems
	}

	r.cache.Set(key, items, r.cfg.Layer1TTL)
	return items, degraded, nil
}

func (r *Retriever) vectorLayer1(ctx context.Context, query string, o searchOptions) ([]IndexItem, error) {
	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.EmbedTimeout)
	defer cancel()

	queryVec, err := r.embedder.Embed(embedCtx, query)
	if err != nil {
		return nil, err
	}

	filter := map[string]string{}
	if o.sessionID != "" {
		filter["session_id"] = o.sessionID
	}
	if o.eventType != "" {
		filter["type"] = string(o.eventType)
	}

	matches, err := r.index.Search(ctx, queryVec, o.topK, filter)
	if err != nil {
		return nil, err
	}

	items := make([]IndexItem, 0, len(matches))
	for _, m := range matches {
		if m.Score < o.minScore {
			continue
		}
		item := IndexItem{
			EventID:      m.EventID,
			ShortSummary: m.Snippet,
			Score:        m.Score,
			SessionID:    m.Metadata["session_id"],
			Type:         event.Type(m.Metadata["type"]),
		}
		if ts, err := time.Parse(time.RFC3339, m.Metadata["timestamp"]); err == nil {
			item.Timestamp = ts
		}
		items = append(items, item)
	}
	return items, nil
}

func (r *Retriever) keywordLayer1(ctx context.Context, query string, o searchOptions) ([]IndexItem, error) {
	events, err := r.ledger.SearchKeyword(ctx, query, o.topK, storage.Filters{
		SessionID: o.sessionID,
		Type:      o.eventType,
	})
	if err != nil {
		return nil, err
	}

	items := make([]IndexItem, 0, len(events))
	for _, ev := range events {
		// Keyword matches carry no similarity score; expansion stays
		// conservative for them.
		items = append(items, IndexItem{
			EventID:      ev.ID,
			ShortSummary: event.Summary(ev.Payload, 120),
			Type:         ev.Type,
			Timestamp:    ev.Timestamp,
			SessionID:    ev.SessionID,
		})
	}
	return items, nil
}

// layer2 fetches timeline windows around the targets, deduplicated
// across overlapping windows, within the residual budget.
func (r *Retriever) layer2(ctx context.Context, query string, o searchOptions, index []IndexItem, targetIDs []int64, residual int) ([]TimelineItem, string) {
	key := o.cacheKey("l2", query)
	if cached, ok := r.cache.Get(key); ok {
		if items, ok := cached.([]TimelineItem); ok {
			return items, ""
		}
	}

	targets := make(map[int64]bool, len(targetIDs))
	for _, id := range targetIDs {
		targets[id] = true
	}

	byID := make(map[int64]IndexItem, len(index))
	for _, item := range index {
		byID[item.EventID] = item
	}

	var (
		timeline []TimelineItem
		seen     = make(map[int64]bool)
		note     string
	)
	for _, id := range targetIDs {
		anchor, ok := byID[id]
		if !ok {
			continue
		}
		window, err := r.ledger.FindSurrounding(ctx, anchor.SessionID, anchor.Timestamp, o.windowSize)
		if err != nil {
			note = "timeline expansion failed: " + err.Error()
			continue
		}
		for _, ev := range window {
			if seen[ev.ID] {
				continue
			}
			if len(timeline)*r.cfg.TimelineItemCost+r.cfg.TimelineItemCost > residual {
				break
			}
			seen[ev.ID] = true
			timeline = append(timeline, TimelineItem{
				EventID:   ev.ID,
				SessionID: ev.SessionID,
				Type:      ev.Type,
				Timestamp: ev.Timestamp,
				Summary:   event.Summary(ev.Payload, 120),
				IsTarget:  targets[ev.ID],
			})
		}
	}

	if note == "" {
		r.cache.Set(key, timeline, r.cfg.Layer2TTL)
	}
	return timeline, note
}

// layer3 materializes full details for the targets, greedily in rank
// order within the residual budget. Items that would overflow are
// dropped whole, never truncated.
func (r *Retriever) layer3(ctx context.Context, query string, o searchOptions, targetIDs []int64, residual int) ([]DetailItem, int, string) {
	key := o.cacheKey("l3", query)
	if cached, ok := r.cache.Get(key); ok {
		if items, ok := cached.([]DetailItem); ok {
			cost := 0
			for _, d := range items {
				cost += d.TokenEstimate
			}
			return items, cost, ""
		}
	}

	var (
		details []DetailItem
		cost    int
		note    string
	)
	for _, id := range targetIDs {
		ev, err := r.ledger.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				note = "detail expansion failed: " + err.Error()
			}
			continue
		}

		itemCost := event.EstimateTokens(ev.Payload.SearchText())
		if cost+itemCost > residual {
			continue
		}

		detail := DetailItem{
			Event:         ev,
			TokenEstimate: itemCost,
			FileRefs:      extractFileRefs(ev.Payload.SearchText()),
			ToolRefs:      extractToolRefs(ev.Payload),
		}

		if r.citations != nil {
			if cid, err := r.citations.GetOrCreate(ctx, ev.ID); err == nil {
				detail.CitationID = cid
			} else {
				note = "citation creation failed: " + err.Error()
			}
		}

		if prev, next, err := r.ledger.Neighbors(ctx, ev); err == nil {
			if prev != nil {
				detail.PrevID = prev.ID
			}
			if next != nil {
				detail.NextID = next.ID
			}
		}

		details = append(details, detail)
		cost += itemCost
	}

	if note == "" {
		r.cache.Set(key, details, r.cfg.Layer3TTL)
	}
	return details, cost, note
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "; " + b
}
