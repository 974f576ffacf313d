package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// UsageAggregates returns usage aggregates for every event referenced at
// least once since the given time.
func (c *Client) UsageAggregates(ctx context.Context, since time.Time, window time.Duration) ([]*storage.UsageAggregate, error) {
	windowStart := time.Now().UTC().Add(-window)

	rows, err := c.db.QueryContext(ctx, `
		SELECT ci.event_id,
		       COUNT(*),
		       SUM(CASE WHEN u.used_at >= ? THEN 1 ELSE 0 END),
		       COUNT(DISTINCT u.session_id),
		       MAX(u.used_at)
		FROM citation_usages u
		JOIN citations ci ON ci.citation_id = u.citation_id
		WHERE ci.event_id IN (
			SELECT DISTINCT ci2.event_id
			FROM citation_usages u2
			JOIN citations ci2 ON ci2.citation_id = u2.citation_id
			WHERE u2.used_at >= ?
		)
		GROUP BY ci.event_id
	`, windowStart, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("UsageAggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aggs []*storage.UsageAggregate
	for rows.Next() {
		agg := &storage.UsageAggregate{}
		// MAX() loses the column's declared type, so the driver hands the
		// timestamp back as text.
		var lastUsed string
		if err := rows.Scan(&agg.EventID, &agg.TotalRefs, &agg.RefsInWindow,
			&agg.DistinctSessions, &lastUsed); err != nil {
			return nil, fmt.Errorf("UsageAggregates: %w", err)
		}
		agg.LastUsedAt = parseStoredTime(lastUsed)
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

// storedTimeFormats are the timestamp layouts the sqlite3 driver writes.
var storedTimeFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseStoredTime(s string) time.Time {
	for _, layout := range storedTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// unusedCondition matches events with no usage row after the cutoff.
const unusedCondition = `
	NOT EXISTS (
		SELECT 1 FROM citation_usages u
		JOIN citations ci ON ci.citation_id = u.citation_id
		WHERE ci.event_id = events.id AND u.used_at >= ?
	)`

// DemoteUnused lowers stale, unused L1 events back to L0.
func (c *Client) DemoteUnused(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := c.db.ExecContext(ctx, `
		UPDATE events SET level = 0
		WHERE level = 1 AND created_at < ? AND `+unusedCondition,
		cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("DemoteUnused: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DemoteUnused: %w", err)
	}
	return int(affected), nil
}

// PruneUnused hard-deletes stale, unused L0 events. Side-table rows go
// with them via foreign key cascades. Returns the deleted ids so the
// caller can remove the matching vector records.
func (c *Client) PruneUnused(ctx context.Context, cutoff time.Time) ([]int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("PruneUnused: %w: %v", storage.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM events
		WHERE level = 0 AND created_at < ? AND `+unusedCondition,
		cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("PruneUnused: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("PruneUnused: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("PruneUnused: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("PruneUnused: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("PruneUnused: %w", err)
	}
	return ids, nil
}

// SweepState returns the recorded completion time for a named sweep.
func (c *Client) SweepState(ctx context.Context, name string) (time.Time, error) {
	var t time.Time
	err := c.db.QueryRowContext(ctx,
		"SELECT ran_at FROM sweep_state WHERE name = ?", name).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("SweepState: %w", err)
	}
	return t, nil
}

// SetSweepState records the completion time for a named sweep.
func (c *Client) SetSweepState(ctx context.Context, name string, t time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sweep_state (name, ran_at) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET ran_at = excluded.ran_at
	`, name, t.UTC())
	if err != nil {
		return fmt.Errorf("SetSweepState: %w", err)
	}
	return nil
}
