package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/engram-labs/engram-go/pkg/storage"
)

// ClaimBatch atomically claims up to max unprocessed outbox entries for
// workerID.
//
// The select-then-update runs in one transaction, so concurrent workers
// never claim the same entry. Claims older than staleAfter belong to
// crashed workers and are re-claimable.
func (c *Client) ClaimBatch(ctx context.Context, workerID string, max int, staleAfter time.Duration) ([]*storage.OutboxEntry, error) {
	if max <= 0 {
		max = 10
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-staleAfter)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ClaimBatch: %w: %v", storage.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, enqueued_at FROM outbox
		WHERE processed_at IS NULL
		  AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY enqueued_at ASC
		LIMIT ?
	`, staleBefore, max)
	if err != nil {
		return nil, fmt.Errorf("ClaimBatch: %w", err)
	}

	var entries []*storage.OutboxEntry
	for rows.Next() {
		entry := &storage.OutboxEntry{ClaimedBy: workerID}
		if err := rows.Scan(&entry.EventID, &entry.EnqueuedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("ClaimBatch: %w", err)
		}
		claimed := now
		entry.ClaimedAt = &claimed
		entries = append(entries, entry)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("ClaimBatch: %w", err)
	}

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox SET claimed_by = ?, claimed_at = ?
			WHERE event_id = ?
		`, workerID, now, entry.EventID)
		if err != nil {
			return nil, fmt.Errorf("ClaimBatch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ClaimBatch: %w", err)
	}
	return entries, nil
}

// MarkProcessed marks an entry processed and stamps the event's embedded
// marker. A no-op when workerID no longer holds the claim (the entry was
// re-claimed after this worker's claim went stale).
func (c *Client) MarkProcessed(ctx context.Context, eventID int64, workerID string) error {
	now := time.Now().UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("MarkProcessed: %w: %v", storage.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE outbox SET processed_at = ?
		WHERE event_id = ? AND claimed_by = ? AND processed_at IS NULL
	`, now, eventID, workerID)
	if err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkProcessed: %w", err)
	}
	if affected > 0 {
		_, err = tx.ExecContext(ctx,
			"UPDATE events SET embedded_at = ? WHERE id = ?", now, eventID)
		if err != nil {
			return fmt.Errorf("MarkProcessed: %w", err)
		}
	}

	return tx.Commit()
}

// Release returns a claimed entry to the queue so another worker can
// pick it up.
func (c *Client) Release(ctx context.Context, eventID int64, workerID string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE outbox SET claimed_by = NULL, claimed_at = NULL
		WHERE event_id = ? AND claimed_by = ? AND processed_at IS NULL
	`, eventID, workerID)
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return nil
}

// PendingCount returns the number of unprocessed outbox entries.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL").Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("PendingCount: %w", err)
	}
	return count, nil
}
