// Package event defines the immutable event model shared by the ledger,
// the embedding pipeline, and the retriever.
//
// An Event is one captured interaction (prompt, response, tool use, ...).
// Its payload is a tagged variant keyed by event type; each variant knows
// how to produce the text used for keyword search and embedding.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates the kinds of events the ledger accepts.
type Type string

const (
	// TypePrompt is a user prompt sent to the assistant.
	TypePrompt Type = "prompt"

	// TypeResponse is an assistant response.
	TypeResponse Type = "response"

	// TypeToolObservation is the outcome of one tool invocation.
	TypeToolObservation Type = "tool-observation"

	// TypeInsight is a distilled observation worth keeping on its own.
	TypeInsight Type = "insight"

	// TypeSessionStart marks the beginning of a session.
	TypeSessionStart Type = "session-start"

	// TypeSessionEnd marks the end of a session.
	TypeSessionEnd Type = "session-end"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypePrompt, TypeResponse, TypeToolObservation, TypeInsight,
		TypeSessionStart, TypeSessionEnd:
		return true
	}
	return false
}

// Level is the retention level of an event, L0 (just created) through
// L4 (graduated, exempt from retention pruning).
type Level int

const (
	LevelL0 Level = iota
	LevelL1
	LevelL2
	LevelL3
	LevelL4
)

// Event is the immutable unit of memory.
//
// Once appended, ID, SessionID, Timestamp, and Payload never change.
// Only Level (written by the graduation engine) and the embedded marker
// (written by the outbox worker) mutate post-creation.
type Event struct {
	// ID is the globally unique, generator-assigned identifier.
	// Snowflake ids are time-ordered, so ID doubles as insertion sequence.
	ID int64 `json:"id"`

	// SessionID identifies the session the event was captured in.
	SessionID string `json:"session_id"`

	// Type is the event type; it selects the payload variant.
	Type Type `json:"type"`

	// Timestamp is when the interaction happened.
	Timestamp time.Time `json:"timestamp"`

	// Payload is the type-specific structured content.
	Payload Payload `json:"payload"`

	// Level is the current retention level (L0 at creation).
	Level Level `json:"level"`

	// EmbeddedAt is when the outbox worker indexed this event
	// (nil while the similarity index still lags the ledger).
	EmbeddedAt *time.Time `json:"embedded_at,omitempty"`
}

// Payload is the tagged variant carried by an Event.
//
// SearchText returns the primary text used for keyword search and
// embedding. EmbedText returns the text handed to the embedding backend,
// which may be a compacted form (tool observations embed a synthetic
// summary, not raw output).
type Payload interface {
	Type() Type
	SearchText() string
	EmbedText() string
}

// PromptPayload is the payload of a prompt event.
type PromptPayload struct {
	Text string `json:"text"`
}

func (p *PromptPayload) Type() Type         { return TypePrompt }
func (p *PromptPayload) SearchText() string { return p.Text }
func (p *PromptPayload) EmbedText() string  { return p.Text }

// ResponsePayload is the payload of a response event.
type ResponsePayload struct {
	Text string `json:"text"`
}

func (p *ResponsePayload) Type() Type         { return TypeResponse }
func (p *ResponsePayload) SearchText() string { return p.Text }
func (p *ResponsePayload) EmbedText() string  { return p.Text }

// ToolObservationPayload records one tool invocation and its outcome.
//
// Detail holds the (truncated) raw output for display. It is excluded
// from the embedding input: raw tool output is noise for similarity
// search, so EmbedText builds a compact synthetic string instead.
type ToolObservationPayload struct {
	Tool    string `json:"tool"`
	Input   string `json:"input,omitempty"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

func (p *ToolObservationPayload) Type() Type { return TypeToolObservation }

func (p *ToolObservationPayload) SearchText() string {
	return fmt.Sprintf("%s %s %s %s", p.Tool, p.Input, p.Outcome, p.Detail)
}

func (p *ToolObservationPayload) EmbedText() string {
	s := fmt.Sprintf("tool %s", p.Tool)
	if p.Input != "" {
		s += " input " + p.Input
	}
	if p.Outcome != "" {
		s += " outcome " + p.Outcome
	}
	return s
}

// InsightPayload is a distilled observation, optionally attributed to the
// events it was derived from.
type InsightPayload struct {
	Text      string  `json:"text"`
	SourceIDs []int64 `json:"source_ids,omitempty"`
}

func (p *InsightPayload) Type() Type         { return TypeInsight }
func (p *InsightPayload) SearchText() string { return p.Text }
func (p *InsightPayload) EmbedText() string  { return p.Text }

// SessionMarkerPayload is the payload of session-start and session-end
// events. Summary is optional free text (e.g. the session goal).
type SessionMarkerPayload struct {
	Marker  Type   `json:"marker"`
	Summary string `json:"summary,omitempty"`
}

func (p *SessionMarkerPayload) Type() Type         { return p.Marker }
func (p *SessionMarkerPayload) SearchText() string { return p.Summary }
func (p *SessionMarkerPayload) EmbedText() string  { return p.Summary }

// payloadEnvelope is the persisted JSON form of a payload.
type payloadEnvelope struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MarshalPayload encodes a payload with its type tag for persistence.
func MarshalPayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Type: p.Type(), Body: body})
}

// UnmarshalPayload decodes a payload previously encoded by MarshalPayload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}

	var p Payload
	switch env.Type {
	case TypePrompt:
		p = &PromptPayload{}
	case TypeResponse:
		p = &ResponsePayload{}
	case TypeToolObservation:
		p = &ToolObservationPayload{}
	case TypeInsight:
		p = &InsightPayload{}
	case TypeSessionStart, TypeSessionEnd:
		p = &SessionMarkerPayload{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}

	if err := json.Unmarshal(env.Body, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	if m, ok := p.(*SessionMarkerPayload); ok && m.Marker == "" {
		m.Marker = env.Type
	}
	return p, nil
}

// NewPayload builds the payload variant for typ from a primary content
// string plus optional metadata. Write-path shims capture interactions as
// (type, content, metadata) tuples; this is the single place that maps
// them onto the tagged union.
func NewPayload(typ Type, content string, metadata map[string]string) (Payload, error) {
	switch typ {
	case TypePrompt:
		return &PromptPayload{Text: content}, nil
	case TypeResponse:
		return &ResponsePayload{Text: content}, nil
	case TypeToolObservation:
		return &ToolObservationPayload{
			Tool:    metadata["tool"],
			Input:   metadata["input"],
			Outcome: metadata["outcome"],
			Detail:  content,
		}, nil
	case TypeInsight:
		return &InsightPayload{Text: content}, nil
	case TypeSessionStart, TypeSessionEnd:
		return &SessionMarkerPayload{Marker: typ, Summary: content}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
}
