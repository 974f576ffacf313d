package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideExpansion(t *testing.T) {
	cfg := Config{}.withDefaults()

	items := func(scores ...float64) []IndexItem {
		out := make([]IndexItem, len(scores))
		for i, s := range scores {
			out[i] = IndexItem{EventID: int64(i + 1), Score: s}
		}
		return out
	}

	tests := []struct {
		name        string
		items       []IndexItem
		wantReason  ExpansionReason
		wantTargets []int64
		wantDetails bool
	}{
		{
			name:       "no results",
			items:      nil,
			wantReason: ReasonNoResults,
		},
		{
			name:        "single high confidence",
			items:       items(0.95),
			wantReason:  ReasonHighConfidenceSingle,
			wantTargets: []int64{1},
			wantDetails: true,
		},
		{
			name:       "single below high confidence",
			items:      items(0.88),
			wantReason: ReasonLowConfidence,
		},
		{
			name:        "clear winner over runner-up",
			items:       items(0.90, 0.75),
			wantReason:  ReasonClearWinner,
			wantTargets: []int64{1},
			wantDetails: true,
		},
		{
			name:       "strong top but narrow gap",
			items:      items(0.90, 0.85),
			wantReason: ReasonLowConfidence,
		},
		{
			name:        "three strong candidates",
			items:       items(0.82, 0.81, 0.80),
			wantReason:  ReasonAmbiguousMultipleHigh,
			wantTargets: []int64{1, 2, 3},
			wantDetails: false,
		},
		{
			name:        "strong candidates beyond the top three",
			items:       items(0.84, 0.83, 0.82, 0.81),
			wantReason:  ReasonAmbiguousMultipleHigh,
			wantTargets: []int64{1, 2, 3},
		},
		{
			name:       "two strong candidates only",
			items:      items(0.82, 0.81),
			wantReason: ReasonLowConfidence,
		},
		{
			name:       "weak matches",
			items:      items(0.50, 0.40),
			wantReason: ReasonLowConfidence,
		},
		{
			name:        "exact high confidence threshold",
			items:       items(0.92),
			wantReason:  ReasonHighConfidenceSingle,
			wantTargets: []int64{1},
			wantDetails: true,
		},
		{
			name:        "exact clear winner threshold and gap",
			items:       items(0.85, 0.75),
			wantReason:  ReasonClearWinner,
			wantTargets: []int64{1},
			wantDetails: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decideExpansion(tt.items, cfg)
			assert.Equal(t, tt.wantReason, got.reason)
			assert.Equal(t, tt.wantTargets, got.targetIDs)
			assert.Equal(t, tt.wantDetails, got.withDetails)
		})
	}
}
