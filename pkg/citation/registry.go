// Package citation derives short, stable reference tokens for events.
//
// A citation id is a deterministic function of the event id: SHA-256 of
// the decimal id, mapped onto a 6-character base-62 token. Collisions
// against a different event re-salt deterministically a bounded number of
// times; the 62^6 space makes exhaustion a practical impossibility at
// realistic event counts.
package citation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/engram-labs/engram-go/pkg/storage"
)

const (
	// IDLength is the length of a citation id.
	IDLength = 6

	// alphabet maps digest bytes to human-speakable characters.
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// maxAttempts bounds collision re-salting.
	maxAttempts = 8
)

// ErrGenerationExhausted indicates that every re-salted candidate id
// collided with a different event.
var ErrGenerationExhausted = errors.New("citation id generation exhausted")

// Registry creates and resolves citation ids.
type Registry struct {
	store storage.CitationStore
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store storage.CitationStore) *Registry {
	return &Registry{store: store}
}

// Derive computes the candidate citation id for an event id at the given
// salt. Salt 0 is the canonical derivation; higher salts are collision
// fallbacks.
func Derive(eventID int64, salt int) string {
	input := strconv.FormatInt(eventID, 10)
	if salt > 0 {
		input += ":" + strconv.Itoa(salt)
	}
	digest := sha256.Sum256([]byte(input))

	id := make([]byte, IDLength)
	for i := 0; i < IDLength; i++ {
		id[i] = alphabet[int(digest[i])%len(alphabet)]
	}
	return string(id)
}

// GetOrCreate returns the citation id for an event, creating the mapping
// on first reference. Idempotent and deterministic: repeated calls for
// the same event return the same id.
func (r *Registry) GetOrCreate(ctx context.Context, eventID int64) (string, error) {
	existing, err := r.store.CitationByEvent(ctx, eventID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("citation GetOrCreate: %w", err)
	}

	for salt := 0; salt < maxAttempts; salt++ {
		candidate := Derive(eventID, salt)
		id, err := r.store.CreateCitation(ctx, candidate, eventID)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, storage.ErrCitationTaken) {
			continue
		}
		return "", fmt.Errorf("citation GetOrCreate: %w", err)
	}
	return "", fmt.Errorf("citation GetOrCreate event %d: %w", eventID, ErrGenerationExhausted)
}

// Resolve returns the event id a citation refers to. Unknown ids return
// storage.ErrNotFound, never a panic or generation attempt.
func (r *Registry) Resolve(ctx context.Context, citationID string) (int64, error) {
	return r.store.EventByCitation(ctx, citationID)
}

// LogUsage appends a usage record for graduation signals.
func (r *Registry) LogUsage(ctx context.Context, citationID, sessionID, query string) error {
	return r.store.InsertUsage(ctx, &storage.CitationUsage{
		CitationID:   citationID,
		SessionID:    sessionID,
		UsedAt:       time.Now(),
		ContextQuery: query,
	})
}
