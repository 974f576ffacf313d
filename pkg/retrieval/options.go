package retrieval

import (
	"fmt"
	"time"

	"github.com/engram-labs/engram-go/pkg/event"
)

// Defaults for retriever configuration.
const (
	DefaultTopK             = 10
	DefaultMinScore         = 0.25
	DefaultWindowSize       = 2
	DefaultMaxTotalTokens   = 2000
	DefaultHighConfidence   = 0.92
	DefaultClearWinnerScore = 0.85
	DefaultClearWinnerGap   = 0.10
	DefaultAmbiguousScore   = 0.80
	DefaultIndexItemCost    = 25
	DefaultTimelineItemCost = 50
	DefaultEmbedTimeout     = 10 * time.Second
	DefaultLayer1TTL        = time.Minute
	DefaultLayer2TTL        = 5 * time.Minute
	DefaultLayer3TTL        = 15 * time.Minute
)

// Config tunes the retriever. The zero value means "all defaults".
type Config struct {
	// TopK is the Layer 1 result count.
	TopK int `json:"top_k"`

	// MinScore filters Layer 1 vector matches.
	MinScore float64 `json:"min_score"`

	// WindowSize is the number of timeline events on each side of a target.
	WindowSize int `json:"window_size"`

	// MaxTotalTokens is the additive token budget per search.
	MaxTotalTokens int `json:"max_total_tokens"`

	// Expansion thresholds; see the ExpansionReason constants.
	HighConfidence    float64 `json:"high_confidence"`
	ClearWinnerScore  float64 `json:"clear_winner_score"`
	ClearWinnerGap    float64 `json:"clear_winner_gap"`
	AmbiguousScore    float64 `json:"ambiguous_score"`

	// Per-item cost constants for layers 1 and 2. Layer 3 cost comes
	// from actual content length.
	IndexItemCost    int `json:"index_item_cost"`
	TimelineItemCost int `json:"timeline_item_cost"`

	// EmbedTimeout bounds the query embedding call.
	EmbedTimeout time.Duration `json:"embed_timeout"`

	// Layer TTLs increase with cost-to-recompute: Layer 1 is cheap and
	// volatile, Layer 3 expensive and stable.
	Layer1TTL time.Duration `json:"layer1_ttl"`
	Layer2TTL time.Duration `json:"layer2_ttl"`
	Layer3TTL time.Duration `json:"layer3_ttl"`
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MaxTotalTokens <= 0 {
		c.MaxTotalTokens = DefaultMaxTotalTokens
	}
	if c.HighConfidence <= 0 {
		c.HighConfidence = DefaultHighConfidence
	}
	if c.ClearWinnerScore <= 0 {
		c.ClearWinnerScore = DefaultClearWinnerScore
	}
	if c.ClearWinnerGap <= 0 {
		c.ClearWinnerGap = DefaultClearWinnerGap
	}
	if c.AmbiguousScore <= 0 {
		c.AmbiguousScore = DefaultAmbiguousScore
	}
	if c.IndexItemCost <= 0 {
		c.IndexItemCost = DefaultIndexItemCost
	}
	if c.TimelineItemCost <= 0 {
		c.TimelineItemCost = DefaultTimelineItemCost
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = DefaultEmbedTimeout
	}
	if c.Layer1TTL <= 0 {
		c.Layer1TTL = DefaultLayer1TTL
	}
	if c.Layer2TTL <= 0 {
		c.Layer2TTL = DefaultLayer2TTL
	}
	if c.Layer3TTL <= 0 {
		c.Layer3TTL = DefaultLayer3TTL
	}
	return c
}

// searchOptions are per-call overrides.
type searchOptions struct {
	topK        int
	minScore    float64
	sessionID   string
	eventType   event.Type
	windowSize  int
	maxTokens   int
	keywordOnly bool
}

// SearchOption configures one search call.
type SearchOption func(*searchOptions)

// WithTopK overrides the Layer 1 result count.
func WithTopK(k int) SearchOption {
	return func(o *searchOptions) { o.topK = k }
}

// WithMinScore overrides the minimum similarity score.
func WithMinScore(score float64) SearchOption {
	return func(o *searchOptions) { o.minScore = score }
}

// WithSession restricts the search to one session.
func WithSession(sessionID string) SearchOption {
	return func(o *searchOptions) { o.sessionID = sessionID }
}

// WithType restricts the search to one event type.
func WithType(t event.Type) SearchOption {
	return func(o *searchOptions) { o.eventType = t }
}

// WithWindowSize overrides the timeline window size.
func WithWindowSize(n int) SearchOption {
	return func(o *searchOptions) { o.windowSize = n }
}

// WithMaxTokens overrides the token budget for one search.
func WithMaxTokens(n int) SearchOption {
	return func(o *searchOptions) { o.maxTokens = n }
}

// WithKeywordSearch forces the low-latency keyword path, skipping the
// embedding backend and the similarity index.
func WithKeywordSearch() SearchOption {
	return func(o *searchOptions) { o.keywordOnly = true }
}

func (r *Retriever) applyOptions(opts []SearchOption) searchOptions {
	o := searchOptions{
		topK:       r.cfg.TopK,
		minScore:   r.cfg.MinScore,
		windowSize: r.cfg.WindowSize,
		maxTokens:  r.cfg.MaxTotalTokens,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.topK <= 0 {
		o.topK = r.cfg.TopK
	}
	if o.windowSize <= 0 {
		o.windowSize = r.cfg.WindowSize
	}
	if o.maxTokens <= 0 {
		o.maxTokens = r.cfg.MaxTotalTokens
	}
	return o
}

// cacheKey canonicalizes (query, options) for the layer caches.
func (o searchOptions) cacheKey(layer, query string) string {
	return fmt.Sprintf("%s|%s|k=%d|s=%.3f|sess=%s|t=%s|w=%d|b=%d|kw=%t",
		layer, query, o.topK, o.minScore, o.sessionID, o.eventType,
		o.windowSize, o.maxTokens, o.keywordOnly)
}
