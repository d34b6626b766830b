package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kongusen/fractalcore/pkg/bus"
	"github.com/kongusen/fractalcore/pkg/memory"
)

// Context identifies the agent on whose behalf a tool call runs. The router
// threads it through policy checks and into the built-in tools, which scope
// their reads to the calling agent's session.
type Context struct {
	AgentID   string
	SessionID string
}

// Builtins implements the unified built-in tools every agent gets without
// registration: cross-tier memory retrieval ("query"), tier browsing
// ("browse_memory"), memory writes and sharing ("manage_memory"), and
// ring-buffer introspection ("query_events").
type Builtins struct {
	Memory *memory.Service
	Events *bus.Bus

	// Stats resolves an agent's execution statistics for query's
	// target:"stats" mode; nil disables that mode.
	Stats func(agentID string) map[string]any
}

// builtin tool names, dispatched by the Router ahead of registered tools.
const (
	NameQuery        = "query"
	NameBrowseMemory = "browse_memory"
	NameManageMemory = "manage_memory"
	NameQueryEvents  = "query_events"
)

// Definitions returns the built-in tool definitions for inclusion in an
// agent's advertised tool list.
func (b *Builtins) Definitions() []Definition {
	limit := map[string]any{"type": "integer", "description": "Maximum results to return."}
	return []Definition{
		{
			Name:        NameQuery,
			Description: "Retrieve context: search memory across all tiers, inspect recent events, or read agent stats.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"target"},
				"properties": map[string]any{
					"target": map[string]any{"type": "string", "enum": []any{"memory", "events", "stats"}},
					"query":  map[string]any{"type": "string"},
					"limit":  limit,
				},
			},
			Scope: ScopeSystem,
		},
		{
			Name:        NameBrowseMemory,
			Description: "List the contents of one memory tier.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"tier"},
				"properties": map[string]any{
					"tier":  map[string]any{"type": "string", "enum": []any{"recent", "important", "summaries"}},
					"limit": limit,
				},
			},
			Scope: ScopeSystem,
		},
		{
			Name:        NameManageMemory,
			Description: "Write to memory: record an important fact, or share recent context with another session.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"op"},
				"properties": map[string]any{
					"op":          map[string]any{"type": "string", "enum": []any{"remember", "share", "clear"}},
					"content":     map[string]any{"type": "string"},
					"importance":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"to_sessions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"limit":       limit,
				},
			},
			Scope: ScopeSystem,
		},
		{
			Name:        NameQueryEvents,
			Description: "Query the diagnostic event ring buffer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":    map[string]any{"type": "string"},
					"source":  map[string]any{"type": "string"},
					"target":  map[string]any{"type": "string"},
					"task_id": map[string]any{"type": "string"},
					"limit":   limit,
				},
			},
			Scope: ScopeSystem,
		},
	}
}

// Handles reports whether name is one of the built-in tools.
func (b *Builtins) Handles(name string) bool {
	switch name {
	case NameQuery, NameBrowseMemory, NameManageMemory, NameQueryEvents:
		return true
	}
	return false
}

// Execute runs the named built-in.
func (b *Builtins) Execute(ctx context.Context, call Context, name string, args map[string]any) (string, error) {
	switch name {
	case NameQuery:
		return b.query(ctx, call, args)
	case NameBrowseMemory:
		return b.browseMemory(call, args)
	case NameManageMemory:
		return b.manageMemory(call, args)
	case NameQueryEvents:
		return b.queryEvents(args)
	}
	return "", &ErrUnknownTool{Name: name}
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func (b *Builtins) query(ctx context.Context, call Context, args map[string]any) (string, error) {
	target, _ := args["target"].(string)
	limit := intArg(args, "limit", 5)

	switch target {
	case "memory":
		if b.Memory == nil {
			return "", fmt.Errorf("tool: no memory service attached")
		}
		q, _ := args["query"].(string)
		matches, err := b.Memory.SemanticSearch(ctx, call.SessionID, q, limit)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "no matching memories", nil
		}
		var sb strings.Builder
		for i, m := range matches {
			fmt.Fprintf(&sb, "%d. [%.2f] %s\n", i+1, m.Score, m.Content)
		}
		return sb.String(), nil

	case "events":
		return b.queryEvents(args)

	case "stats":
		if b.Stats == nil {
			return "", fmt.Errorf("tool: no stats provider attached")
		}
		stats := b.Stats(call.AgentID)
		out, err := json.Marshal(stats)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	return "", fmt.Errorf("tool: query target must be memory, events, or stats; got %q", target)
}

func (b *Builtins) browseMemory(call Context, args map[string]any) (string, error) {
	if b.Memory == nil {
		return "", fmt.Errorf("tool: no memory service attached")
	}
	tier, _ := args["tier"].(string)
	limit := intArg(args, "limit", 10)

	var sb strings.Builder
	switch tier {
	case "recent":
		for _, item := range b.Memory.Recent(call.SessionID, limit) {
			fmt.Fprintf(&sb, "[%s] %s\n", item.Role, item.Content)
		}
	case "important":
		for _, e := range b.Memory.Important(call.SessionID, limit) {
			fmt.Fprintf(&sb, "[%.2f] %s\n", e.Importance, e.Content)
		}
	case "summaries":
		for _, s := range b.Memory.SummaryList(call.SessionID, limit) {
			fmt.Fprintf(&sb, "- %s\n", s.Content)
		}
	default:
		return "", fmt.Errorf("tool: tier must be recent, important, or summaries; got %q", tier)
	}
	if sb.Len() == 0 {
		return "tier is empty", nil
	}
	return sb.String(), nil
}

func (b *Builtins) manageMemory(call Context, args map[string]any) (string, error) {
	if b.Memory == nil {
		return "", fmt.Errorf("tool: no memory service attached")
	}
	op, _ := args["op"].(string)

	switch op {
	case "remember":
		content, _ := args["content"].(string)
		if content == "" {
			return "", fmt.Errorf("tool: remember requires content")
		}
		importance := 0.5
		if f, ok := args["importance"].(float64); ok {
			importance = f
		}
		b.Memory.Remember(call.SessionID, content, importance)
		return "remembered", nil

	case "share":
		var sessions []string
		if raw, ok := args["to_sessions"].([]any); ok {
			for _, s := range raw {
				if str, ok := s.(string); ok {
					sessions = append(sessions, str)
				}
			}
		}
		if len(sessions) == 0 {
			return "", fmt.Errorf("tool: share requires to_sessions")
		}
		b.Memory.ShareContext(call.SessionID, sessions, intArg(args, "limit", 10))
		return fmt.Sprintf("shared context with %d sessions", len(sessions)), nil

	case "clear":
		b.Memory.Clear(context.Background(), call.SessionID)
		return "memory cleared", nil
	}
	return "", fmt.Errorf("tool: op must be remember, share, or clear; got %q", op)
}

func (b *Builtins) queryEvents(args map[string]any) (string, error) {
	if b.Events == nil {
		return "", fmt.Errorf("tool: no event bus attached")
	}
	q := bus.Query{}
	q.Type, _ = args["type"].(string)
	q.Source, _ = args["source"].(string)
	q.Target, _ = args["target"].(string)
	q.TaskID, _ = args["task_id"].(string)

	events := b.Events.Query(q)
	limit := intArg(args, "limit", 20)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if len(events) == 0 {
		return "no matching events", nil
	}
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "%s %s source=%s subject=%s\n", e.CreatedAt.Format("15:04:05.000"), e.Type, e.Source, e.Subject)
	}
	return sb.String(), nil
}
