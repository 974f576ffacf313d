package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/engram-labs/engram-go/pkg/citation"
	"github.com/engram-labs/engram-go/pkg/embedder"
	ollamaEmbedder "github.com/engram-labs/engram-go/pkg/embedder/ollama"
	openaiEmbedder "github.com/engram-labs/engram-go/pkg/embedder/openai"
	"github.com/engram-labs/engram-go/pkg/event"
	"github.com/engram-labs/engram-go/pkg/graduation"
	"github.com/engram-labs/engram-go/pkg/outbox"
	"github.com/engram-labs/engram-go/pkg/retrieval"
	"github.com/engram-labs/engram-go/pkg/storage"
	sqliteStore "github.com/engram-labs/engram-go/pkg/storage/sqlite"
	"github.com/engram-labs/engram-go/pkg/vector"
	chromemIndex "github.com/engram-labs/engram-go/pkg/vector/chromem"
)

// Client is the Engram memory client.
//
// All dependencies are constructed once in New and passed explicitly;
// there is no ambient global state. Cross-call state lives entirely in
// the ledger, the similarity index, and the usage log, so any number of
// cooperating processes can open clients over the same storage
// directory.
type Client struct {
	cfg *Config

	store     *sqliteStore.Client
	index     vector.Index
	embedder  embedder.Provider
	citations *citation.Registry
	retriever *retrieval.Retriever
	worker    *outbox.Worker
	engine    *graduation.Engine
	node      *snowflake.Node
}

// StoreResult is the outcome of StoreEvent.
type StoreResult struct {
	// EventID is the stored (or previously stored) event id.
	EventID int64 `json:"event_id"`

	// IsDuplicate is true when the content matched an existing event in
	// the same session within the duplicate window.
	IsDuplicate bool `json:"is_duplicate"`
}

// CitedEvent is the result of a citation lookup: the cited event plus
// its immediate session neighbors.
type CitedEvent struct {
	Event           *event.Event `json:"event"`
	CitationID      string       `json:"citation_id"`
	RelatedPrevious *event.Event `json:"related_previous,omitempty"`
	RelatedNext     *event.Event `json:"related_next,omitempty"`
}

// Stats is the dashboard counters surface.
type Stats struct {
	EventCount        int                 `json:"event_count"`
	VectorCount       int                 `json:"vector_count"`
	SessionCount      int                 `json:"session_count"`
	LevelCounts       map[event.Level]int `json:"level_counts"`
	PendingEmbeddings int                 `json:"pending_embeddings"`
}

// New creates a client over the given configuration, opening the ledger
// and the similarity index under cfg.StorageDir.
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath:          cfg.DBPath(),
		DuplicateWindow: cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, NewMemoryError("New", err)
	}

	provider, err := newEmbedder(cfg.Embedder)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// Without an embedder the index would never be written; skip it and
	// run keyword-only.
	var index vector.Index
	if provider != nil {
		index, err = chromemIndex.NewIndex(&chromemIndex.Config{Path: cfg.VectorPath()})
		if err != nil {
			_ = store.Close()
			_ = provider.Close()
			return nil, NewMemoryError("New", err)
		}
	}

	nodeID := cfg.NodeID
	if nodeID == 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		_ = store.Close()
		return nil, NewMemoryError("New", err)
	}

	cache, err := retrieval.NewRistrettoCache()
	if err != nil {
		_ = store.Close()
		return nil, NewMemoryError("New", err)
	}

	registry := citation.NewRegistry(store)

	client := &Client{
		cfg:       cfg,
		store:     store,
		index:     index,
		embedder:  provider,
		citations: registry,
		node:      node,
	}
	client.retriever = retrieval.NewRetriever(store, index, provider, registry, cache, cfg.Retrieval)
	client.engine = graduation.NewEngine(store, store, index, cfg.Graduation)
	if provider != nil {
		client.worker = outbox.NewWorker(store, store, provider, index, outbox.Config{
			BatchSize:    cfg.Outbox.BatchSize,
			ClaimTimeout: cfg.Outbox.ClaimTimeout,
			EmbedTimeout: cfg.Outbox.EmbedTimeout,
		})
	}
	return client, nil
}

func newEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
	case "ollama":
		return ollamaEmbedder.NewClient(&ollamaEmbedder.Config{
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "", "none":
		return nil, nil
	default:
		return nil, NewMemoryError("newEmbedder", ErrInvalidConfig)
	}
}

// StoreEvent validates, truncates, and appends one captured interaction.
//
// The caller has already applied its masking function to content; the
// hard length cap is enforced here regardless. A duplicate within the
// detection window returns the existing id with IsDuplicate set, and
// every non-duplicate append enqueues embedding work as a side effect.
func (c *Client) StoreEvent(ctx context.Context, sessionID string, typ event.Type, content string, metadata map[string]string) (*StoreResult, error) {
	if sessionID == "" {
		return nil, NewMemoryError("StoreEvent", ErrValidation)
	}
	if !typ.Valid() {
		return nil, NewMemoryError("StoreEvent", ErrValidation)
	}
	if strings.TrimSpace(content) == "" && typ != event.TypeSessionStart && typ != event.TypeSessionEnd {
		return nil, NewMemoryError("StoreEvent", ErrValidation)
	}

	maxLen := c.cfg.MaxContentLength
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	content = event.Truncate(content, maxLen)

	payload, err := event.NewPayload(typ, content, metadata)
	if err != nil {
		return nil, NewMemoryError("StoreEvent", ErrValidation)
	}

	ev := &event.Event{
		ID:        c.node.Generate().Int64(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Payload:   payload,
		Level:     event.LevelL0,
	}

	res, err := c.store.Append(ctx, ev)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, NewMemoryError("StoreEvent", ErrStorageUnavailable)
		}
		return nil, NewMemoryError("StoreEvent", err)
	}
	return &StoreResult{EventID: res.EventID, IsDuplicate: res.IsDuplicate}, nil
}

// Search runs a progressive search over stored memories.
func (c *Client) Search(ctx context.Context, query string, opts ...retrieval.SearchOption) (*retrieval.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, NewMemoryError("Search", ErrValidation)
	}

	result, err := c.retriever.SmartSearch(ctx, query, opts...)
	if err != nil {
		return nil, NewMemoryError("Search", err)
	}
	return result, nil
}

// CitedOption configures a GetCitedEvent call.
type CitedOption func(*citedOptions)

type citedOptions struct {
	sessionID string
	query     string
}

// WithUsageSession attributes the citation usage to a session, feeding
// the graduation signals.
func WithUsageSession(sessionID string) CitedOption {
	return func(o *citedOptions) { o.sessionID = sessionID }
}

// WithUsageQuery records the query context that led to this lookup.
func WithUsageQuery(query string) CitedOption {
	return func(o *citedOptions) { o.query = query }
}

// GetCitedEvent resolves a citation id to its event plus the immediate
// previous/next events in the same session, and logs the usage.
func (c *Client) GetCitedEvent(ctx context.Context, citationID string, opts ...CitedOption) (*CitedEvent, error) {
	var o citedOptions
	for _, opt := range opts {
		opt(&o)
	}

	eventID, err := c.citations.Resolve(ctx, citationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewMemoryError("GetCitedEvent", ErrNotFound)
		}
		return nil, NewMemoryError("GetCitedEvent", err)
	}

	ev, err := c.store.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewMemoryError("GetCitedEvent", ErrNotFound)
		}
		return nil, NewMemoryError("GetCitedEvent", err)
	}

	prev, next, err := c.store.Neighbors(ctx, ev)
	if err != nil {
		// Neighbors are enrichment; the cited event itself is the answer.
		prev, next = nil, nil
	}

	if err := c.citations.LogUsage(ctx, citationID, o.sessionID, o.query); err != nil {
		return nil, NewMemoryError("GetCitedEvent", err)
	}

	return &CitedEvent{
		Event:           ev,
		CitationID:      citationID,
		RelatedPrevious: prev,
		RelatedNext:     next,
	}, nil
}

// ListRecent returns recent events, newest first.
func (c *Client) ListRecent(ctx context.Context, limit int, f storage.Filters) ([]*event.Event, error) {
	events, err := c.store.ListRecent(ctx, limit, f)
	if err != nil {
		return nil, NewMemoryError("ListRecent", err)
	}
	return events, nil
}

// GetStats returns counters for the stats surface.
func (c *Client) GetStats(ctx context.Context) (*Stats, error) {
	ledgerStats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, NewMemoryError("GetStats", err)
	}

	vectorCount := 0
	if c.index != nil {
		vectorCount, err = c.index.Count(ctx)
		if err != nil {
			return nil, NewMemoryError("GetStats", err)
		}
	}

	pending, err := c.store.PendingCount(ctx)
	if err != nil {
		return nil, NewMemoryError("GetStats", err)
	}

	return &Stats{
		EventCount:        ledgerStats.EventCount,
		VectorCount:       vectorCount,
		SessionCount:      ledgerStats.SessionCount,
		LevelCounts:       ledgerStats.LevelCounts,
		PendingEmbeddings: pending,
	}, nil
}

// DrainOutbox processes one batch of pending embedding work inline.
// Callers without a long-lived worker process can call this after writes
// to keep the index close to the ledger.
func (c *Client) DrainOutbox(ctx context.Context) (int, error) {
	if c.worker == nil {
		return 0, nil
	}
	n, err := c.worker.DrainBatch(ctx)
	if err != nil {
		if errors.Is(err, outbox.ErrTimeout) {
			return n, NewMemoryError("DrainOutbox", ErrTimeout)
		}
		return n, NewMemoryError("DrainOutbox", err)
	}
	return n, nil
}

// OutboxWorker returns the background worker, or nil when the client
// runs keyword-only. Callers schedule it with Worker.Run.
func (c *Client) OutboxWorker() *outbox.Worker { return c.worker }

// GraduationEngine returns the graduation engine for scheduling.
func (c *Client) GraduationEngine() *graduation.Engine { return c.engine }

// RecomputeLevels runs one graduation sweep inline.
func (c *Client) RecomputeLevels(ctx context.Context) (int, error) {
	n, err := c.engine.RecomputeLevels(ctx)
	if err != nil {
		return n, NewMemoryError("RecomputeLevels", err)
	}
	return n, nil
}

// RetentionSweep demotes and prunes stale unused low-level events.
func (c *Client) RetentionSweep(ctx context.Context) (demoted, pruned int, err error) {
	demoted, pruned, err = c.engine.RetentionSweep(ctx)
	if err != nil {
		return demoted, pruned, NewMemoryError("RetentionSweep", err)
	}
	return demoted, pruned, nil
}

// Close closes the client and releases all resources.
func (c *Client) Close() error {
	var errs []error

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.index != nil {
		if err := c.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
