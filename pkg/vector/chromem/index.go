// Package chromem implements the similarity index on chromem-go, a pure
// Go embedded vector database persisted under the storage directory.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engram-labs/engram-go/pkg/vector"
)

const collectionName = "events"

// Index implements vector.Index using a persistent chromem-go database.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
}

// Config contains configuration for opening the index.
type Config struct {
	// Path is the directory holding the persisted index.
	Path string

	// Compress enables gzip compression of persisted records.
	Compress bool
}

// NewIndex opens (or creates) the persistent index at cfg.Path.
func NewIndex(cfg *Config) (*Index, error) {
	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("vector index: open %s: %w", cfg.Path, err)
	}

	// Embeddings always arrive precomputed, so no embedding func is wired.
	col, err := db.GetOrCreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("vector index: collection: %w", err)
	}

	return &Index{db: db, col: col}, nil
}

// noEmbedding guards against accidental embedding through the index; the
// outbox worker owns embedding computation.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vector index: no embedding function configured")
}

// Upsert inserts or replaces the record for rec.EventID.
func (i *Index) Upsert(ctx context.Context, rec *vector.Record) error {
	metadata := map[string]string{
		"indexed_at": rec.IndexedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range rec.Metadata {
		metadata[k] = v
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(rec.EventID, 10),
		Content:   rec.Snippet,
		Embedding: toFloat32(rec.Embedding),
		Metadata:  metadata,
	}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vector index: upsert %d: %w", rec.EventID, err)
	}
	return nil
}

// Search returns up to topK matches ranked by similarity.
func (i *Index) Search(ctx context.Context, embedding []float64, topK int, filter map[string]string) ([]vector.Match, error) {
	count := i.col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	if topK <= 0 {
		topK = 1
	}

	// chromem rejects nResults above the filtered document count, which
	// is unknowable up front; retry with smaller limits.
	var results []chromem.Result
	var err error
	for n := topK; n >= 1; n-- {
		results, err = i.col.QueryEmbedding(ctx, toFloat32(embedding), n, filter, nil)
		if err == nil {
			break
		}
		if !strings.Contains(err.Error(), "nResults must be") {
			return nil, fmt.Errorf("vector index: query: %w", err)
		}
	}
	if err != nil {
		// No document passed the filter.
		return nil, nil
	}

	matches := make([]vector.Match, 0, len(results))
	for _, res := range results {
		eventID, err := strconv.ParseInt(res.ID, 10, 64)
		if err != nil {
			continue
		}
		matches = append(matches, vector.Match{
			EventID:  eventID,
			Score:    float64(res.Similarity),
			Snippet:  res.Content,
			Metadata: res.Metadata,
		})
	}
	return matches, nil
}

// Remove deletes the record for an event id.
func (i *Index) Remove(ctx context.Context, eventID int64) error {
	err := i.col.Delete(ctx, nil, nil, strconv.FormatInt(eventID, 10))
	if err != nil {
		return fmt.Errorf("vector index: remove %d: %w", eventID, err)
	}
	return nil
}

// Count returns the number of indexed records.
func (i *Index) Count(ctx context.Context) (int, error) {
	return i.col.Count(), nil
}

// Close releases resources. chromem persists on write, so there is
// nothing to flush.
func (i *Index) Close() error { return nil }

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
