// Package storage defines the persistence interfaces for the event
// ledger and its side tables (citations, citation usages, outbox,
// graduation bookkeeping).
//
// The ledger is the source of truth: every other table references events
// by id and can be rebuilt from the ledger plus a re-embedding pass.
// Implementations must serialize conflicting writes at the storage level
// (independent short-lived processes share one on-disk store).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/engram-labs/engram-go/pkg/event"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrNotFound indicates that a requested event or citation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCitationTaken indicates that a citation id is already mapped to a
	// different event.
	ErrCitationTaken = errors.New("citation id taken by another event")

	// ErrUnavailable indicates that the underlying store is unreachable.
	ErrUnavailable = errors.New("storage unavailable")
)

// AppendResult is the outcome of a ledger append.
type AppendResult struct {
	// EventID is the id of the stored event. For duplicates this is the
	// id of the previously stored event, not a new one.
	EventID int64

	// IsDuplicate is true when the append matched an existing event in
	// the same session within the duplicate-detection window.
	IsDuplicate bool
}

// Filters narrows ledger queries.
type Filters struct {
	// SessionID restricts results to one session when non-empty.
	SessionID string

	// Type restricts results to one event type when non-empty.
	Type event.Type

	// MinLevel restricts results to events at or above a retention level.
	MinLevel event.Level
}

// Ledger is the durable, append-only event store.
type Ledger interface {
	// Append stores ev and enqueues an outbox entry in the same
	// transaction. If an event with near-identical content exists in the
	// same session within the duplicate window, no row is written and the
	// existing id is returned with IsDuplicate set.
	Append(ctx context.Context, ev *event.Event) (AppendResult, error)

	// GetByID returns the event with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id int64) (*event.Event, error)

	// ListRecent returns up to limit events matching f, newest first.
	ListRecent(ctx context.Context, limit int, f Filters) ([]*event.Event, error)

	// FindSurrounding returns up to windowSize events on each side of the
	// given position within one session, ordered by (timestamp, id).
	FindSurrounding(ctx context.Context, sessionID string, ts time.Time, windowSize int) ([]*event.Event, error)

	// Neighbors returns the events immediately before and after ev in its
	// session. Either may be nil at session boundaries.
	Neighbors(ctx context.Context, ev *event.Event) (prev, next *event.Event, err error)

	// SearchKeyword returns up to limit events whose searchable text
	// contains the query substring, newest first. This is the low-latency
	// keyword path used when no similarity index is available.
	SearchKeyword(ctx context.Context, query string, limit int, f Filters) ([]*event.Event, error)

	// UpdateLevel persists a retention level change.
	UpdateLevel(ctx context.Context, id int64, level event.Level) error

	// Stats returns ledger-wide counters for the stats surface.
	Stats(ctx context.Context) (*Stats, error)
}

// CitationStore persists the event -> citation mapping and the
// append-only usage log.
type CitationStore interface {
	// CitationByEvent returns the citation id for an event, or ErrNotFound.
	CitationByEvent(ctx context.Context, eventID int64) (string, error)

	// EventByCitation resolves a citation id, or ErrNotFound.
	EventByCitation(ctx context.Context, citationID string) (int64, error)

	// CreateCitation inserts the mapping and returns the canonical
	// citation id for the event. A concurrent first-time resolution of the
	// same event is not an error: the winner's id is re-read and returned.
	// Returns ErrCitationTaken when citationID already maps a different
	// event.
	CreateCitation(ctx context.Context, citationID string, eventID int64) (string, error)

	// InsertUsage appends one usage record. Usage rows are never updated.
	InsertUsage(ctx context.Context, u *CitationUsage) error
}

// CitationUsage is one append-only usage log entry.
type CitationUsage struct {
	UsageID      int64
	CitationID   string
	SessionID    string
	UsedAt       time.Time
	ContextQuery string
}

// OutboxEntry is one unit of pending embedding work.
type OutboxEntry struct {
	EventID     int64
	EnqueuedAt  time.Time
	ClaimedBy   string
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
}

// Outbox is the embedding work queue. Entries are claimed atomically so
// two workers never process the same event concurrently; stale claims
// expire and become eligible for re-claim (at-least-once delivery,
// exactly-once effect through index upserts).
type Outbox interface {
	// ClaimBatch atomically claims up to max unprocessed entries for
	// workerID. Entries claimed longer than staleAfter ago count as
	// unclaimed. A failed claim skips to the next candidate, it never
	// blocks.
	ClaimBatch(ctx context.Context, workerID string, max int, staleAfter time.Duration) ([]*OutboxEntry, error)

	// MarkProcessed marks an entry done and stamps the event's embedded
	// marker. A no-op if workerID no longer holds the claim.
	MarkProcessed(ctx context.Context, eventID int64, workerID string) error

	// Release returns a claimed entry to the queue after a failure.
	Release(ctx context.Context, eventID int64, workerID string) error

	// PendingCount returns the number of unprocessed entries.
	PendingCount(ctx context.Context) (int, error)
}

// UsageAggregate summarizes citation usage for one event, the input to
// graduation level recomputation.
type UsageAggregate struct {
	EventID          int64
	TotalRefs        int
	RefsInWindow     int
	DistinctSessions int
	LastUsedAt       time.Time
}

// GraduationStore exposes the usage aggregates and retention operations
// the graduation engine sweeps over.
type GraduationStore interface {
	// UsageAggregates returns aggregates for every event with at least one
	// usage row since the given time. RefsInWindow counts usages inside
	// the rolling window ending now.
	UsageAggregates(ctx context.Context, since time.Time, window time.Duration) ([]*UsageAggregate, error)

	// DemoteUnused lowers L1 events to L0 when they were created before
	// cutoff and have no usage after it. Returns the number demoted.
	DemoteUnused(ctx context.Context, cutoff time.Time) (int, error)

	// PruneUnused hard-deletes L0 events created before cutoff with no
	// usage after it, including their side-table rows. Returns the deleted
	// ids so the caller can remove them from the similarity index.
	PruneUnused(ctx context.Context, cutoff time.Time) ([]int64, error)

	// SweepState returns the recorded time for a named sweep, or the zero
	// time if it never ran. Sweep state is bookkeeping only, never
	// authoritative: levels are recomputable from the usage log.
	SweepState(ctx context.Context, name string) (time.Time, error)

	// SetSweepState records the time a named sweep completed.
	SetSweepState(ctx context.Context, name string, t time.Time) error
}

// Stats holds ledger-wide counters.
type Stats struct {
	EventCount   int
	SessionCount int
	LevelCounts  map[event.Level]int
}
