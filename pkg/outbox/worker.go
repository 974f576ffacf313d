// Package outbox drives the background embedding pipeline.
//
// The ledger enqueues one outbox entry per appended event; workers claim
// bounded batches atomically, compute embeddings, and upsert vector
// records keyed by event id. Redelivery after a crash or timeout is safe
// because upserts are idempotent: at-least-once delivery, exactly-once
// effect.
package outbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/engram-labs/engram-go/pkg/embedder"
	"github.com/engram-labs/engram-go/pkg/storage"
	"github.com/engram-labs/engram-go/pkg/vector"
)

// ErrTimeout indicates that the embedding backend or the index exceeded
// its call budget. The affected entries are released for re-claim.
var ErrTimeout = errors.New("embedding call timed out")

// Defaults for worker configuration.
const (
	DefaultBatchSize    = 16
	DefaultClaimTimeout = 5 * time.Minute
	DefaultEmbedTimeout = 30 * time.Second
)

// Config contains worker configuration.
type Config struct {
	// BatchSize bounds how many entries one drain claims.
	BatchSize int

	// ClaimTimeout is how long a claim may be held before another worker
	// may re-claim the entry.
	ClaimTimeout time.Duration

	// EmbedTimeout bounds each embedding backend call.
	EmbedTimeout time.Duration
}

// Worker drains the outbox into the similarity index.
type Worker struct {
	ledger   storage.Ledger
	outbox   storage.Outbox
	embedder embedder.Provider
	index    vector.Index
	cfg      Config
	workerID string
}

// NewWorker creates a worker. The worker id is derived from host and pid
// plus a random suffix so concurrent workers hold distinguishable claims.
func NewWorker(ledger storage.Ledger, ob storage.Outbox, provider embedder.Provider, index vector.Index, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	host, _ := os.Hostname()

	return &Worker{
		ledger:   ledger,
		outbox:   ob,
		embedder: provider,
		index:    index,
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(suffix)),
	}
}

// DrainBatch claims one batch of pending entries, embeds them, and
// upserts the vector records. It returns the number of entries marked
// processed.
//
// An embedding failure releases the whole batch; per-entry index
// failures release only the affected entry. Either way the entries stay
// eligible for re-claim, so no event is ever lost to a partial failure.
func (w *Worker) DrainBatch(ctx context.Context) (int, error) {
	entries, err := w.outbox.ClaimBatch(ctx, w.workerID, w.cfg.BatchSize, w.cfg.ClaimTimeout)
	if err != nil {
		return 0, fmt.Errorf("outbox drain: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Load the claimed events. Entries whose event was pruned since
	// enqueue have nothing to embed and are marked done immediately.
	type item struct {
		entry *storage.OutboxEntry
		ev    eventForEmbedding
	}
	var items []item
	processed := 0
	for _, entry := range entries {
		ev, err := w.ledger.GetByID(ctx, entry.EventID)
		if errors.Is(err, storage.ErrNotFound) {
			if err := w.outbox.MarkProcessed(ctx, entry.EventID, w.workerID); err == nil {
				processed++
			}
			continue
		}
		if err != nil {
			_ = w.outbox.Release(ctx, entry.EventID, w.workerID)
			continue
		}
		items = append(items, item{entry: entry, ev: eventForEmbedding{
			id:        ev.ID,
			sessionID: ev.SessionID,
			typ:       string(ev.Type),
			timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
			text:      ev.Payload.EmbedText(),
			snippet:   snippet(ev.Payload.SearchText()),
		}})
	}
	if len(items) == 0 {
		return processed, nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.ev.text
	}

	embedCtx, cancel := context.WithTimeout(ctx, w.cfg.EmbedTimeout)
	vectors, err := w.embedder.EmbedBatch(embedCtx, texts)
	cancel()
	if err != nil {
		for _, it := range items {
			_ = w.outbox.Release(ctx, it.entry.EventID, w.workerID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return processed, fmt.Errorf("outbox drain: %w: %v", ErrTimeout, err)
		}
		return processed, fmt.Errorf("outbox drain: embed: %w", err)
	}

	now := time.Now()
	for i, it := range items {
		upsertCtx, cancel := context.WithTimeout(ctx, w.cfg.EmbedTimeout)
		err := w.index.Upsert(upsertCtx, &vector.Record{
			EventID:   it.ev.id,
			Embedding: vectors[i],
			Snippet:   it.ev.snippet,
			Metadata: map[string]string{
				"session_id": it.ev.sessionID,
				"type":       it.ev.typ,
				"timestamp":  it.ev.timestamp,
			},
			IndexedAt: now,
		})
		cancel()
		if err != nil {
			_ = w.outbox.Release(ctx, it.entry.EventID, w.workerID)
			continue
		}
		if err := w.outbox.MarkProcessed(ctx, it.entry.EventID, w.workerID); err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

// Run drains the outbox on the given interval until ctx is cancelled.
// Drain errors are logged and retried on the next tick; cancellation
// aborts any in-flight embedding call, so shutdown leaves no claim held
// past its timeout.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.DrainBatch(ctx); err != nil && ctx.Err() == nil {
				log.Printf("outbox worker %s: %v", w.workerID, err)
			}
		}
	}
}

type eventForEmbedding struct {
	id        int64
	sessionID string
	typ       string
	timestamp string
	text      string
	snippet   string
}

func snippet(text string) string {
	const max = 160
	if len(text) <= max {
		return text
	}
	return text[:max]
}
