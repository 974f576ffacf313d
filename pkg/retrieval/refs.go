package retrieval

import (
	"regexp"

	"github.com/engram-labs/engram-go/pkg/event"
)

// fileRefPattern matches path-like tokens: anything with a directory
// separator and an extension, or a bare filename with a common source
// extension.
var fileRefPattern = regexp.MustCompile(
	`(?:[\w.~-]+/)+[\w.-]+\.\w{1,8}|\b[\w-]+\.(?:go|py|js|ts|tsx|rs|java|rb|c|h|cpp|md|yaml|yml|json|toml|sql|sh|proto)\b`)

// extractFileRefs pulls file and path references out of content text,
// deduplicated in first-seen order.
func extractFileRefs(text string) []string {
	matches := fileRefPattern.FindAllString(text, 16)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			refs = append(refs, m)
		}
	}
	return refs
}

// extractToolRefs returns the tool names an event references.
func extractToolRefs(p event.Payload) []string {
	if obs, ok := p.(*event.ToolObservationPayload); ok && obs.Tool != "" {
		return []string{obs.Tool}
	}
	return nil
}
