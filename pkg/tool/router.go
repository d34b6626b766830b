package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Policy decides whether an agent may invoke a tool. A nil error allows the
// call.
type Policy interface {
	Allowed(toolName string, call Context) error
}

// AllowlistPolicy permits only the listed tool names per agent; agents absent
// from the map may call anything.
type AllowlistPolicy map[string]map[string]bool

func (p AllowlistPolicy) Allowed(toolName string, call Context) error {
	allowed, ok := p[call.AgentID]
	if !ok {
		return nil
	}
	if !allowed[toolName] {
		return &PermissionDeniedError{Tool: toolName, Reason: fmt.Sprintf("agent %s is not permitted to call %s", call.AgentID, toolName)}
	}
	return nil
}

// PermissionDeniedError reports a policy refusal.
type PermissionDeniedError struct {
	Tool   string
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("tool: permission denied for %q: %s", e.Tool, e.Reason)
}

// NameCreateTool is the reserved tool name that defines new dynamic tools.
const NameCreateTool = "create_tool"

// Router resolves a tool name to an executable and mediates every call:
// argument parsing, policy, schema validation, and dispatch across the
// dynamic, built-in, sandboxed, and registered tool kinds in that order.
// Executor failures come back as "error: <message>" result strings rather
// than Go errors, so a failing tool is an observation for the model, never a
// crashed iteration.
type Router struct {
	Registry *Registry
	Sandbox  *Manager
	Dynamic  *DynamicTools
	Builtins *Builtins
	Policy   Policy

	mu         sync.Mutex
	validators map[string]*SchemaValidator
}

// NewRouter wires a Router from its parts; any of them may be nil, disabling
// the corresponding dispatch kind.
func NewRouter(registry *Registry, sandbox *Manager, dynamic *DynamicTools, builtins *Builtins, policy Policy) *Router {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Router{
		Registry:   registry,
		Sandbox:    sandbox,
		Dynamic:    dynamic,
		Builtins:   builtins,
		Policy:     policy,
		validators: make(map[string]*SchemaValidator),
	}
}

// ParseArgs accepts either a structured map or a JSON object string. Parse
// failure yields an empty map, never an error: a tool that needs arguments
// will report their absence itself.
func ParseArgs(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		if v == nil {
			return map[string]any{}
		}
		return v
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(v, &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	default:
		return map[string]any{}
	}
}

// Definitions returns every tool currently visible through this router:
// built-ins, create_tool, dynamic tools, sandboxed tools, and registered
// tools, sorted by name.
func (r *Router) Definitions() []Definition {
	var out []Definition
	if r.Builtins != nil {
		out = append(out, r.Builtins.Definitions()...)
	}
	if r.Dynamic != nil {
		out = append(out, createToolDefinition)
		out = append(out, r.Dynamic.Definitions()...)
	}
	out = append(out, r.Sandbox.Definitions()...)
	out = append(out, r.Registry.List()...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var createToolDefinition = Definition{
	Name:        NameCreateTool,
	Description: "Define a new tool from a restricted single-expression implementation over its arguments.",
	Parameters: map[string]any{
		"type":     "object",
		"required": []any{"name", "description", "implementation"},
		"properties": map[string]any{
			"name":           map[string]any{"type": "string"},
			"description":    map[string]any{"type": "string"},
			"parameters":     map[string]any{"type": "object"},
			"implementation": map[string]any{"type": "string"},
		},
	},
	Scope: ScopeSandboxed,
}

// Execute routes one tool call. The returned string is always a usable
// tool-result observation; framework-level refusals (policy denial, unknown
// tool) are additionally returned as typed errors so the agent loop can
// classify them.
func (r *Router) Execute(ctx context.Context, call Context, name string, rawArgs any) (string, error) {
	args := ParseArgs(rawArgs)

	if r.Policy != nil {
		if err := r.Policy.Allowed(name, call); err != nil {
			return fmt.Sprintf("error: %v", err), err
		}
	}

	// Dispatch order: dynamic tool creation, previously created dynamic
	// tools, built-ins, sandboxed tools, then the static registry.
	if r.Dynamic != nil && name == NameCreateTool {
		return r.createTool(args)
	}
	if r.Dynamic != nil && r.Dynamic.Has(name) {
		out, err := r.Dynamic.Execute(ctx, name, args)
		if err != nil {
			return fmt.Sprintf("error: %v", err), nil
		}
		return out, nil
	}
	if r.Builtins != nil && r.Builtins.Handles(name) {
		out, err := r.Builtins.Execute(ctx, call, name, args)
		if err != nil {
			return fmt.Sprintf("error: %v", err), nil
		}
		return out, nil
	}
	if t, ok := r.Sandbox.Get(name); ok {
		return r.runExecutor(ctx, t, args)
	}
	if t, ok := r.Registry.Get(name); ok {
		if err := r.validate(t.Definition, args); err != nil {
			return fmt.Sprintf("error: %v", err), nil
		}
		return r.runExecutor(ctx, t, args)
	}

	err := &NotFoundError{Tool: name, Suggestions: r.suggestions(name)}
	return fmt.Sprintf("error: %v", err), err
}

func (r *Router) createTool(args map[string]any) (string, error) {
	name, _ := args["name"].(string)
	description, _ := args["description"].(string)
	params, _ := args["parameters"].(map[string]any)
	implementation, _ := args["implementation"].(string)

	if err := r.Dynamic.Create(name, description, params, implementation); err != nil {
		return fmt.Sprintf("error: %v", err), nil
	}
	return fmt.Sprintf("tool %q created", name), nil
}

// runExecutor invokes t under the intersection of the call deadline and the
// tool's own timeout, converting executor errors into observation strings.
func (r *Router) runExecutor(ctx context.Context, t Tool, args map[string]any) (string, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err), nil
	}
	return out, nil
}

// validate lazily compiles and caches the tool's parameter schema.
func (r *Router) validate(def Definition, args map[string]any) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	r.mu.Lock()
	v, ok := r.validators[def.Name]
	r.mu.Unlock()
	if !ok {
		compiled, err := CompileSchema(def.Parameters)
		if err != nil {
			// A malformed declared schema must not make the tool uncallable.
			compiled = &SchemaValidator{}
		}
		r.mu.Lock()
		r.validators[def.Name] = compiled
		r.mu.Unlock()
		v = compiled
	}
	return v.Validate(args)
}

// NotFoundError reports an unresolvable tool name with up to five
// close-match suggestions.
type NotFoundError struct {
	Tool        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("tool: unknown tool %q", e.Tool)
	}
	return fmt.Sprintf("tool: unknown tool %q (did you mean: %s)", e.Tool, strings.Join(e.Suggestions, ", "))
}

// suggestions ranks known tool names by similarity to the requested one and
// returns the top five.
func (r *Router) suggestions(name string) []string {
	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, d := range r.Definitions() {
		if s := similarity(name, d.Name); s > 0 {
			candidates = append(candidates, scored{d.Name, s})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].name < candidates[j].name
	})
	out := make([]string, 0, 5)
	for i := 0; i < len(candidates) && i < 5; i++ {
		out = append(out, candidates[i].name)
	}
	return out
}

// similarity is a cheap closeness score: shared prefix length, plus a bonus
// when one name contains the other.
func similarity(a, b string) int {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1000
	}
	score := 0
	for i := 0; i < len(a) && i < len(b) && a[i] == b[i]; i++ {
		score++
	}
	if strings.Contains(b, a) || strings.Contains(a, b) {
		score += 3
	}
	return score
}

// WithTimeout returns a copy of t whose executor is bounded by d.
func WithTimeout(t Tool, d time.Duration) Tool {
	t.Timeout = d
	return t
}
