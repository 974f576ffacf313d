// Package retrieval implements the progressive disclosure retriever.
//
// A search always computes Layer 1 (ranked index hits), then decides how
// much more to surface: Layer 2 adds session timelines around promising
// hits, Layer 3 adds full payloads with derived metadata. Expansion is
// driven by score heuristics and capped by an additive token budget.
package retrieval

import (
	"time"

	"github.com/engram-labs/engram-go/pkg/event"
)

// ExpansionReason explains the auto-expansion decision for a search.
type ExpansionReason string

const (
	// ReasonNoResults: Layer 1 was empty, nothing to expand.
	ReasonNoResults ExpansionReason = "no-results"

	// ReasonHighConfidenceSingle: one result above the high-confidence
	// threshold, expanded through Layer 3.
	ReasonHighConfidenceSingle ExpansionReason = "high-confidence-single"

	// ReasonClearWinner: the top result clearly outscored the runner-up,
	// expanded through Layer 3 for the top id only.
	ReasonClearWinner ExpansionReason = "clear-winner"

	// ReasonAmbiguousMultipleHigh: several strong candidates, timeline
	// expanded for the top three, details withheld.
	ReasonAmbiguousMultipleHigh ExpansionReason = "ambiguous-multiple-high"

	// ReasonLowConfidence: matches too weak to justify expansion.
	ReasonLowConfidence ExpansionReason = "low-confidence"
)

// IndexItem is one Layer 1 hit.
type IndexItem struct {
	EventID      int64       `json:"event_id"`
	ShortSummary string      `json:"short_summary"`
	Score        float64     `json:"score"`
	Type         event.Type  `json:"type"`
	Timestamp    time.Time   `json:"timestamp"`
	SessionID    string      `json:"session_id"`
}

// TimelineItem is one Layer 2 entry: an event near a target within the
// same session.
type TimelineItem struct {
	EventID   int64      `json:"event_id"`
	SessionID string     `json:"session_id"`
	Type      event.Type `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Summary   string     `json:"summary"`

	// IsTarget marks the events the timeline was expanded around.
	IsTarget bool `json:"is_target"`
}

// DetailItem is one Layer 3 entry: full payload plus derived metadata.
type DetailItem struct {
	Event *event.Event `json:"event"`

	// CitationID is the short stable reference token, created lazily on
	// first display.
	CitationID string `json:"citation_id,omitempty"`

	// TokenEstimate is the content cost in abstract token units.
	TokenEstimate int `json:"token_estimate"`

	// FileRefs and ToolRefs are references extracted from the content.
	FileRefs []string `json:"file_refs,omitempty"`
	ToolRefs []string `json:"tool_refs,omitempty"`

	// PrevID and NextID are the immediate neighbors in the session
	// (0 at session boundaries).
	PrevID int64 `json:"prev_id,omitempty"`
	NextID int64 `json:"next_id,omitempty"`
}

// Meta summarizes a search outcome.
type Meta struct {
	TotalMatches    int             `json:"total_matches"`
	ExpandedCount   int             `json:"expanded_count"`
	EstimatedTokens int             `json:"estimated_tokens"`
	ExpansionReason ExpansionReason `json:"expansion_reason"`

	// Degraded notes a failed or partial expansion; the Layer 1 result
	// is still valid when set.
	Degraded string `json:"degraded,omitempty"`
}

// Result is a full progressive search result.
type Result struct {
	Index    []IndexItem    `json:"index"`
	Timeline []TimelineItem `json:"timeline,omitempty"`
	Details  []DetailItem   `json:"details,omitempty"`
	Meta     Meta           `json:"meta"`
}
