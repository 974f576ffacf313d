package retrieval

// expansion is the outcome of the auto-expansion decision.
type expansion struct {
	reason ExpansionReason

	// targetIDs are the ids to expand, in rank order.
	targetIDs []int64

	// withDetails is true when Layer 3 should be materialized for the
	// targets; false means timeline only.
	withDetails bool
}

// decideExpansion evaluates the expansion rules against ranked Layer 1
// results, in priority order:
//
//  1. no results                                       -> no-results
//  2. single result at/above the high threshold        -> high-confidence-single (timeline + details)
//  3. strong top with a clear gap to the runner-up     -> clear-winner (timeline + details, top id only)
//  4. three or more strong candidates                  -> ambiguous-multiple-high (timeline only, top 3)
//  5. anything else                                    -> low-confidence
func decideExpansion(items []IndexItem, cfg Config) expansion {
	if len(items) == 0 {
		return expansion{reason: ReasonNoResults}
	}

	if len(items) == 1 && items[0].Score >= cfg.HighConfidence {
		return expansion{
			reason:      ReasonHighConfidenceSingle,
			targetIDs:   []int64{items[0].EventID},
			withDetails: true,
		}
	}

	if len(items) >= 2 &&
		items[0].Score >= cfg.ClearWinnerScore &&
		items[0].Score-items[1].Score >= cfg.ClearWinnerGap {
		return expansion{
			reason:      ReasonClearWinner,
			targetIDs:   []int64{items[0].EventID},
			withDetails: true,
		}
	}

	strong := 0
	for _, item := range items {
		if item.Score >= cfg.AmbiguousScore {
			strong++
		}
	}
	if strong >= 3 {
		targets := make([]int64, 0, 3)
		for _, item := range items[:3] {
			targets = append(targets, item.EventID)
		}
		return expansion{
			reason:    ReasonAmbiguousMultipleHigh,
			targetIDs: targets,
		}
	}

	return expansion{reason: ReasonLowConfidence}
}
