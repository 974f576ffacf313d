package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// CitationByEvent returns the citation id for an event, or
// storage.ErrNotFound.
func (c *Client) CitationByEvent(ctx context.Context, eventID int64) (string, error) {
	var citationID string
	err := c.db.QueryRowContext(ctx,
		"SELECT citation_id FROM citations WHERE event_id = ?", eventID).
		Scan(&citationID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("CitationByEvent %d: %w", eventID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("CitationByEvent: %w", err)
	}
	return citationID, nil
}

// EventByCitation resolves a citation id, or storage.ErrNotFound.
func (c *Client) EventByCitation(ctx context.Context, citationID string) (int64, error) {
	var eventID int64
	err := c.db.QueryRowContext(ctx,
		"SELECT event_id FROM citations WHERE citation_id = ?", citationID).
		Scan(&eventID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("EventByCitation %q: %w", citationID, storage.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("EventByCitation: %w", err)
	}
	return eventID, nil
}

// CreateCitation inserts the citation mapping inside one transaction and
// returns the canonical citation id for the event.
//
// Two first-time resolutions of the same event may race; the uniqueness
// constraint on event_id makes exactly one insert win, and the loser
// re-reads the winner's id instead of failing. A citation_id held by a
// different event returns storage.ErrCitationTaken so the caller can
// re-salt.
func (c *Client) CreateCitation(ctx context.Context, citationID string, eventID int64) (string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("CreateCitation: %w: %v", storage.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT citation_id FROM citations WHERE event_id = ?", eventID).
		Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("CreateCitation: %w", err)
	}

	var claimedBy int64
	err = tx.QueryRowContext(ctx,
		"SELECT event_id FROM citations WHERE citation_id = ?", citationID).
		Scan(&claimedBy)
	if err == nil && claimedBy != eventID {
		return "", fmt.Errorf("CreateCitation %q: %w", citationID, storage.ErrCitationTaken)
	}
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("CreateCitation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO citations (citation_id, event_id, created_at) VALUES (?, ?, ?)
	`, citationID, eventID, time.Now().UTC())
	if err != nil {
		// Lost a concurrent race after our reads: treat a winner for the
		// same event as already created, anything else as a taken id.
		if existing, rerr := c.CitationByEvent(ctx, eventID); rerr == nil {
			return existing, nil
		}
		return "", fmt.Errorf("CreateCitation %q: %w", citationID, storage.ErrCitationTaken)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("CreateCitation: %w", err)
	}
	return citationID, nil
}

// InsertUsage appends one usage log row.
func (c *Client) InsertUsage(ctx context.Context, u *storage.CitationUsage) error {
	usedAt := u.UsedAt
	if usedAt.IsZero() {
		usedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO citation_usages (citation_id, session_id, used_at, context_query)
		VALUES (?, ?, ?, ?)
	`, u.CitationID, u.SessionID, usedAt.UTC(), u.ContextQuery)
	if err != nil {
		return fmt.Errorf("InsertUsage: %w", err)
	}
	return nil
}
