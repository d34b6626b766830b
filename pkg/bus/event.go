// Package bus implements the event bus and interceptor-chain dispatcher: a
// topic-routed pub/sub substrate that mediates every
// agent action through an ordered pre/post interceptor chain.
package bus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common event types used throughout the core.
const (
	TypeNodeRequest  = "node.request"
	TypeNodeToolCall = "node.tool_call"
	TypeNodeThinking = "node.thinking"
	TypeNodeResponse = "node.response"
	TypeNodeComplete = "node.complete"
	TypeBudgetExceed = "budget.exceeded"
)

// Event is the universal message flowing through the bus. Events are
// immutable after publication; an interceptor that must alter one produces
// a new Event via Clone/With rather than mutating in place.
type Event struct {
	// ID is a stable opaque identifier.
	ID string

	// Type is a dotted action name, e.g. "node.request".
	Type string

	// Source is a URI-like origin, e.g. "/agent/researcher".
	Source string

	// Subject optionally names the routing target.
	Subject string

	// Data is the event payload.
	Data map[string]any

	// Traceparent is a W3C-style "00-<trace>-<span>-<flags>" identifier.
	Traceparent string

	// ParentID optionally links to the event that caused this one.
	ParentID string

	// CreatedAt is a monotonic creation timestamp.
	CreatedAt time.Time

	// Extensions is a sparse map for cross-cutting metadata, e.g. "timeout".
	Extensions map[string]any
}

// NewEvent constructs an Event with a fresh ID and CreatedAt, ready for
// publication.
func NewEvent(evType, source string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       evType,
		Source:     source,
		Data:       data,
		CreatedAt:  time.Now(),
		Extensions: map[string]any{},
	}
}

// Clone returns a deep-enough copy of e: Data and Extensions are copied so a
// caller can rewrite the clone without mutating the original.
func (e Event) Clone() Event {
	c := e
	c.Data = copyMap(e.Data)
	c.Extensions = copyMap(e.Extensions)
	return c
}

// WithExtension returns a clone of e with key set in Extensions.
func (e Event) WithExtension(key string, value any) Event {
	c := e.Clone()
	c.Extensions[key] = value
	return c
}

// WithTraceparent returns a clone of e with Traceparent set.
func (e Event) WithTraceparent(tp string) Event {
	c := e.Clone()
	c.Traceparent = tp
	return c
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TaskID extracts the "task_id" field from Data, if present, for ring-buffer
// queries and budget/depth bookkeeping.
func (e Event) TaskID() string {
	if v, ok := e.Data["task_id"].(string); ok {
		return v
	}
	return ""
}

// NewTraceparent generates a fresh W3C-shaped traceparent:
// "00-<32 hex trace id>-<16 hex span id>-01".
func NewTraceparent() string {
	trace := randomHex(16)
	span := randomHex(8)
	return fmt.Sprintf("00-%s-%s-01", trace, span)
}

// ChildSpan derives a new traceparent sharing parent's trace id with a fresh
// span id, used when an interceptor or agent forwards an event downstream.
func ChildSpan(parent string) string {
	if len(parent) < 36 {
		return NewTraceparent()
	}
	traceID := parent[3:35]
	span := randomHex(8)
	return fmt.Sprintf("00-%s-%s-01", traceID, span)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// UUID-derived value so trace propagation never blocks on it.
		u := uuid.New()
		return hex.EncodeToString(u[:n])
	}
	return hex.EncodeToString(b)
}
