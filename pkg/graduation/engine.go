// Package graduation promotes events across retention levels based on
// observed citation usage, and runs the explicit retention sweep that
// demotes or prunes stale, unused memories.
//
// Levels are recomputed from the append-only usage log, so no sweep
// state is authoritative: a failed sweep is simply retried on the next
// scheduled run.
package graduation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/engram-labs/engram-go/pkg/event"
	"github.com/engram-labs/engram-go/pkg/storage"
	"github.com/engram-labs/engram-go/pkg/vector"
)

// Defaults for graduation thresholds.
const (
	DefaultL2RefCount     = 3
	DefaultRefWindow      = 7 * 24 * time.Hour
	DefaultL3SessionCount = 3
	DefaultL4RefCount     = 10
	DefaultRetentionAge   = 30 * 24 * time.Hour
)

// sweepName keys the graduation sweep's bookkeeping row.
const sweepName = "graduation"

// Config tunes the level thresholds. The zero value means "all defaults".
type Config struct {
	// L2RefCount is the reference count within RefWindow required for L2.
	L2RefCount int `json:"l2_ref_count"`

	// RefWindow is the rolling window for the L2 threshold.
	RefWindow time.Duration `json:"ref_window"`

	// L3SessionCount is the distinct-session count required for L3.
	L3SessionCount int `json:"l3_session_count"`

	// L4RefCount is the lifetime reference count that, together with the
	// L3 condition, graduates an event (exempt from pruning).
	L4RefCount int `json:"l4_ref_count"`

	// RetentionAge is how long an L0/L1 event may go unused before the
	// retention sweep demotes or prunes it.
	RetentionAge time.Duration `json:"retention_age"`
}

func (c Config) withDefaults() Config {
	if c.L2RefCount <= 0 {
		c.L2RefCount = DefaultL2RefCount
	}
	if c.RefWindow <= 0 {
		c.RefWindow = DefaultRefWindow
	}
	if c.L3SessionCount <= 0 {
		c.L3SessionCount = DefaultL3SessionCount
	}
	if c.L4RefCount <= 0 {
		c.L4RefCount = DefaultL4RefCount
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	return c
}

// Engine recomputes retention levels and runs retention sweeps.
type Engine struct {
	ledger storage.Ledger
	store  storage.GraduationStore
	index  vector.Index
	cfg    Config
}

// NewEngine wires an engine. index may be nil when no similarity index is
// in use; pruning then only touches the ledger.
func NewEngine(ledger storage.Ledger, store storage.GraduationStore, index vector.Index, cfg Config) *Engine {
	return &Engine{
		ledger: ledger,
		store:  store,
		index:  index,
		cfg:    cfg.withDefaults(),
	}
}

// levelFor computes the retention level an event has earned from its
// usage aggregates: one reference reaches L1, L2RefCount references
// inside the rolling window reach L2, L3SessionCount distinct sessions
// reach L3, and the L3 condition plus L4RefCount lifetime references
// graduates the event to L4.
func (e *Engine) levelFor(agg *storage.UsageAggregate) event.Level {
	level := event.LevelL0
	if agg.TotalRefs >= 1 {
		level = event.LevelL1
	}
	if agg.RefsInWindow >= e.cfg.L2RefCount {
		level = event.LevelL2
	}
	if agg.DistinctSessions >= e.cfg.L3SessionCount {
		level = event.LevelL3
		if agg.TotalRefs >= e.cfg.L4RefCount {
			level = event.LevelL4
		}
	}
	return level
}

// RecomputeLevels scans citation usage since the last completed sweep
// and persists level promotions back to the ledger. Levels never
// decrease here: promotion is monotonic in steady state and demotion
// belongs to RetentionSweep alone.
//
// Returns the number of events whose level changed.
func (e *Engine) RecomputeLevels(ctx context.Context) (int, error) {
	startedAt := time.Now()

	since, err := e.store.SweepState(ctx, sweepName)
	if err != nil {
		return 0, fmt.Errorf("graduation: %w", err)
	}

	aggs, err := e.store.UsageAggregates(ctx, since, e.cfg.RefWindow)
	if err != nil {
		return 0, fmt.Errorf("graduation: %w", err)
	}

	changed := 0
	for _, agg := range aggs {
		ev, err := e.ledger.GetByID(ctx, agg.EventID)
		if err != nil {
			// Usage rows can outlive a pruned event; skip and move on.
			continue
		}

		computed := e.levelFor(agg)
		if computed <= ev.Level {
			continue
		}
		if err := e.ledger.UpdateLevel(ctx, ev.ID, computed); err != nil {
			log.Printf("graduation: promote event %d: %v", ev.ID, err)
			continue
		}
		changed++
	}

	if err := e.store.SetSweepState(ctx, sweepName, startedAt); err != nil {
		// Bookkeeping only: the next run rescans a wider window and
		// recomputes the same monotonic result.
		log.Printf("graduation: record sweep state: %v", err)
	}
	return changed, nil
}

// RetentionSweep prunes stale unused L0 events from the ledger, the
// side tables, and the similarity index, then demotes stale unused L1
// events to L0. Pruning runs first so a freshly demoted event gets a
// full retention period at L0 before the next sweep can remove it.
// L2 and above are never touched; L4 is exempt by construction.
func (e *Engine) RetentionSweep(ctx context.Context) (demoted, pruned int, err error) {
	cutoff := time.Now().Add(-e.cfg.RetentionAge)

	ids, err := e.store.PruneUnused(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("retention sweep: %w", err)
	}

	demoted, err = e.store.DemoteUnused(ctx, cutoff)
	if err != nil {
		return 0, len(ids), fmt.Errorf("retention sweep: %w", err)
	}

	for _, id := range ids {
		if e.index != nil {
			if err := e.index.Remove(ctx, id); err != nil {
				log.Printf("retention sweep: remove vector %d: %v", id, err)
			}
		}
	}
	return demoted, len(ids), nil
}

// Run executes RecomputeLevels on the given interval until ctx is
// cancelled. Sweep failures are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RecomputeLevels(ctx); err != nil && ctx.Err() == nil {
				log.Printf("graduation sweep: %v", err)
			}
		}
	}
}
