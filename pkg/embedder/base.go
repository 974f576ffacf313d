// Package embedder provides interfaces for text embedding providers.
//
// It defines the Provider interface that all embedding implementations
// must satisfy, enabling text-to-vector conversion for similarity search.
package embedder

import "context"

// Provider defines the interface for embedding providers.
//
// All embedding implementations (OpenAI, Ollama, ...) must implement this
// interface. Calls must honor context cancellation: the outbox worker
// wraps every call in a deadline and aborts on process shutdown.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple text strings into vector embeddings,
	// one per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimension of vectors produced by this provider.
	Dimensions() int

	// Close closes the provider and releases resources.
	Close() error
}
