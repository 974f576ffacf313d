package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TruncationMarker is inserted where over-length content was cut.
const TruncationMarker = "\n...[truncated]...\n"

// Truncate enforces a hard maximum content length, preserving the head
// and tail of the content around a visible marker. Content at or under
// the limit is returned unchanged.
func Truncate(content string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	keep := maxLen - len(TruncationMarker)
	if keep < 2 {
		return content[:maxLen]
	}
	head := keep * 2 / 3
	tail := keep - head
	return content[:head] + TruncationMarker + content[len(content)-tail:]
}

// EstimateTokens estimates the token cost of text in abstract content
// units, using the rough heuristic of 4 characters per token.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// Summary returns the first maxLen characters of the event's searchable
// text, collapsed to a single line.
func Summary(p Payload, maxLen int) string {
	text := strings.Join(strings.Fields(p.SearchText()), " ")
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen-3] + "..."
}

// ContentHash returns a hex digest of the normalized searchable text.
// The ledger uses it for same-session near-duplicate detection: content
// differing only in case or whitespace hashes identically.
func ContentHash(p Payload) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(p.SearchText()), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
