// Package vector defines the similarity index interface.
//
// The index stores one vector record per embedded event, keyed by event
// id. It may lag the ledger; the outbox worker keeps it eventually
// consistent, and the whole index is rebuildable from the ledger plus a
// re-embedding pass.
package vector

import (
	"context"
	"time"
)

// Record is one indexed embedding, keyed by event id.
type Record struct {
	EventID   int64
	Embedding []float64

	// Snippet is a short text preview stored alongside the vector.
	Snippet string

	// Metadata carries filterable attributes (session id, event type).
	Metadata map[string]string

	IndexedAt time.Time
}

// Match is one ranked search result.
type Match struct {
	EventID int64

	// Score is the similarity to the query embedding, 0..1.
	Score float64

	Snippet  string
	Metadata map[string]string
}

// Index is the nearest-neighbor store over embedded event content.
type Index interface {
	// Upsert inserts or replaces the record for its event id. Replaying
	// an already-indexed event is a no-op effect-wise, which makes outbox
	// redelivery safe.
	Upsert(ctx context.Context, rec *Record) error

	// Search returns up to topK matches ranked by similarity, restricted
	// to records whose metadata matches every filter entry.
	Search(ctx context.Context, embedding []float64, topK int, filter map[string]string) ([]Match, error)

	// Remove deletes the record for an event id, for retention sweeps.
	// Removing an unknown id is not an error.
	Remove(ctx context.Context, eventID int64) error

	// Count returns the number of indexed records.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}
