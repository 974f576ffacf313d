package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engram-labs/engram-go/pkg/event"
	"github.com/engram-labs/engram-go/pkg/storage"
)

const eventColumns = "id, session_id, type, timestamp, payload, level, embedded_at"

// Append stores ev and enqueues an outbox entry in one transaction.
//
// Duplicate detection: an event in the same session whose normalized
// content hash matches within the duplicate window short-circuits the
// insert and returns the existing id.
func (c *Client) Append(ctx context.Context, ev *event.Event) (storage.AppendResult, error) {
	var res storage.AppendResult

	payload, err := event.MarshalPayload(ev.Payload)
	if err != nil {
		return res, fmt.Errorf("Append: %w", err)
	}
	hash := event.ContentHash(ev.Payload)
	now := time.Now().UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("Append: %w: %v", storage.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM events
		WHERE session_id = ? AND content_hash = ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, ev.SessionID, hash, ev.Timestamp.UTC().Add(-c.dupWindow)).Scan(&existing)
	if err == nil {
		return storage.AppendResult{EventID: existing, IsDuplicate: true}, nil
	}
	if err != sql.ErrNoRows {
		return res, fmt.Errorf("Append: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, session_id, type, timestamp, payload, search_text, content_hash, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, string(ev.Type), ev.Timestamp.UTC(), string(payload),
		ev.Payload.SearchText(), hash, int(ev.Level), now)
	if err != nil {
		return res, fmt.Errorf("Append: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, enqueued_at) VALUES (?, ?)
	`, ev.ID, now)
	if err != nil {
		return res, fmt.Errorf("Append: enqueue outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("Append: %w", err)
	}

	return storage.AppendResult{EventID: ev.ID}, nil
}

// GetByID returns the event with the given id, or storage.ErrNotFound.
func (c *Client) GetByID(ctx context.Context, id int64) (*event.Event, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("GetByID %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return ev, nil
}

// ListRecent returns up to limit events matching f, newest first.
func (c *Client) ListRecent(ctx context.Context, limit int, f storage.Filters) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	where, args := buildWhereClause(f)
	query := fmt.Sprintf(
		"SELECT %s FROM events %s ORDER BY timestamp DESC, id DESC LIMIT ?",
		eventColumns, where)
	args = append(args, limit)

	return c.queryEvents(ctx, "ListRecent", query, args...)
}

// FindSurrounding returns up to windowSize events on each side of the
// (sessionID, ts) position, ordered by (timestamp, id).
func (c *Client) FindSurrounding(ctx context.Context, sessionID string, ts time.Time, windowSize int) ([]*event.Event, error) {
	if windowSize <= 0 {
		windowSize = 2
	}
	tsUTC := ts.UTC()

	before, err := c.queryEvents(ctx, "FindSurrounding", fmt.Sprintf(`
		SELECT %s FROM events
		WHERE session_id = ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, eventColumns), sessionID, tsUTC, windowSize+1)
	if err != nil {
		return nil, err
	}

	after, err := c.queryEvents(ctx, "FindSurrounding", fmt.Sprintf(`
		SELECT %s FROM events
		WHERE session_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, eventColumns), sessionID, tsUTC, windowSize)
	if err != nil {
		return nil, err
	}

	merged := append(before, after...)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, nil
}

// Neighbors returns the events immediately before and after ev within
// its session.
func (c *Client) Neighbors(ctx context.Context, ev *event.Event) (*event.Event, *event.Event, error) {
	tsUTC := ev.Timestamp.UTC()

	prevRow := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE session_id = ? AND (timestamp < ? OR (timestamp = ? AND id < ?))
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, eventColumns), ev.SessionID, tsUTC, tsUTC, ev.ID)
	prev, err := scanEvent(prevRow)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("Neighbors: %w", err)
	}

	nextRow := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM events
		WHERE session_id = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
		ORDER BY timestamp ASC, id ASC
		LIMIT 1`, eventColumns), ev.SessionID, tsUTC, tsUTC, ev.ID)
	next, err := scanEvent(nextRow)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("Neighbors: %w", err)
	}

	return prev, next, nil
}

// SearchKeyword returns events whose searchable text contains the query
// substring, newest first.
func (c *Client) SearchKeyword(ctx context.Context, query string, limit int, f storage.Filters) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 10
	}

	where, args := buildWhereClause(f)
	if where == "" {
		where = "WHERE search_text LIKE ?"
	} else {
		where += " AND search_text LIKE ?"
	}
	args = append(args, "%"+query+"%", limit)

	sqlQuery := fmt.Sprintf(
		"SELECT %s FROM events %s ORDER BY timestamp DESC, id DESC LIMIT ?",
		eventColumns, where)

	return c.queryEvents(ctx, "SearchKeyword", sqlQuery, args...)
}

// UpdateLevel persists a retention level change.
func (c *Client) UpdateLevel(ctx context.Context, id int64, level event.Level) error {
	result, err := c.db.ExecContext(ctx,
		"UPDATE events SET level = ? WHERE id = ?", int(level), id)
	if err != nil {
		return fmt.Errorf("UpdateLevel: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateLevel: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("UpdateLevel %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// Stats returns ledger-wide counters.
func (c *Client) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{LevelCounts: make(map[event.Level]int)}

	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT session_id) FROM events").
		Scan(&stats.EventCount, &stats.SessionCount)
	if err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}

	rows, err := c.db.QueryContext(ctx,
		"SELECT level, COUNT(*) FROM events GROUP BY level")
	if err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var level, count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("Stats: %w", err)
		}
		stats.LevelCounts[event.Level(level)] = count
	}
	return stats, rows.Err()
}

func (c *Client) queryEvents(ctx context.Context, op, query string, args ...interface{}) ([]*event.Event, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scanEvent scans an event from a database row or rows.
func scanEvent(scanner interface{}) (*event.Event, error) {
	var (
		ev         event.Event
		typ        string
		payloadStr string
		level      int
		embeddedAt sql.NullTime
	)

	var err error
	switch s := scanner.(type) {
	case *sql.Row:
		err = s.Scan(&ev.ID, &ev.SessionID, &typ, &ev.Timestamp, &payloadStr, &level, &embeddedAt)
	case *sql.Rows:
		err = s.Scan(&ev.ID, &ev.SessionID, &typ, &ev.Timestamp, &payloadStr, &level, &embeddedAt)
	default:
		return nil, fmt.Errorf("unsupported scanner type")
	}
	if err != nil {
		return nil, err
	}

	ev.Type = event.Type(typ)
	ev.Level = event.Level(level)
	if embeddedAt.Valid {
		t := embeddedAt.Time
		ev.EmbeddedAt = &t
	}

	ev.Payload, err = event.UnmarshalPayload([]byte(payloadStr))
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &ev, nil
}

// buildWhereClause builds a WHERE clause for event filters.
func buildWhereClause(f storage.Filters) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.MinLevel > 0 {
		conditions = append(conditions, "level >= ?")
		args = append(args, int(f.MinLevel))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
