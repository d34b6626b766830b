package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Definition: Definition{
			Name:        name,
			Description: "echoes its input",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"text"},
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
			},
			Scope: ScopeSystem,
		},
		Executor: ExecutorFunc(func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		}),
	}
}

func newTestRouter(t *testing.T, policy Policy) *Router {
	t.Helper()
	reg := NewRegistry()
	reg.Register(echoTool("echo"))
	sandbox := NewManager(NewSandbox(t.TempDir(), "read", "write", "list"))
	return NewRouter(reg, sandbox, NewDynamicTools(sandbox.Sandbox()), nil, policy)
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want map[string]any
	}{
		{"structured map", map[string]any{"a": 1.0}, map[string]any{"a": 1.0}},
		{"json string", `{"a": 1}`, map[string]any{"a": 1.0}},
		{"invalid json", `{a:`, map[string]any{}},
		{"nil", nil, map[string]any{}},
		{"non-object json", `[1,2]`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseArgs(tt.raw))
		})
	}
}

func TestRouterExecutesRegisteredTool(t *testing.T) {
	r := newTestRouter(t, nil)
	out, err := r.Execute(context.Background(), Context{AgentID: "a1"}, "echo", `{"text": "hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestRouterSchemaValidationRejectsBadArgs(t *testing.T) {
	r := newTestRouter(t, nil)
	out, err := r.Execute(context.Background(), Context{}, "echo", map[string]any{"text": 42})
	require.NoError(t, err) // validation failure is an observation, not a framework error
	assert.Contains(t, out, "error:")
}

func TestRouterExecutorErrorBecomesObservation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Definition: Definition{Name: "search", Scope: ScopeSystem},
		Executor: ExecutorFunc(func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("network down")
		}),
	})
	r := NewRouter(reg, nil, nil, nil, nil)

	out, err := r.Execute(context.Background(), Context{}, "search", nil)
	require.NoError(t, err)
	assert.Equal(t, "error: network down", out)
}

func TestRouterPermissionDenied(t *testing.T) {
	policy := AllowlistPolicy{"restricted": {"echo": false}}
	r := newTestRouter(t, policy)

	out, err := r.Execute(context.Background(), Context{AgentID: "restricted"}, "echo", nil)
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "echo", denied.Tool)
	assert.Contains(t, out, "permission denied")

	// Agents outside the policy map are unrestricted.
	_, err = r.Execute(context.Background(), Context{AgentID: "other"}, "echo", `{"text":"x"}`)
	assert.NoError(t, err)
}

func TestRouterUnknownToolSuggestions(t *testing.T) {
	r := newTestRouter(t, nil)
	_, err := r.Execute(context.Background(), Context{}, "ech", nil)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.LessOrEqual(t, len(notFound.Suggestions), 5)
	assert.Contains(t, notFound.Suggestions, "echo")
}

func TestRouterDynamicToolLifecycle(t *testing.T) {
	r := newTestRouter(t, nil)
	ctx := context.Background()

	out, err := r.Execute(ctx, Context{}, NameCreateTool, map[string]any{
		"name":           "double",
		"description":    "doubles a number",
		"implementation": "x * 2",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "created")

	out, err = r.Execute(ctx, Context{}, "double", map[string]any{"x": 21})
	require.NoError(t, err)
	assert.Equal(t, "42", out)
}

func TestRouterDispatchOrderPrefersDynamicOverRegistry(t *testing.T) {
	r := newTestRouter(t, nil)
	ctx := context.Background()

	_, err := r.Execute(ctx, Context{}, NameCreateTool, map[string]any{
		"name":           "echo", // shadows the registered echo tool
		"description":    "constant",
		"implementation": `"shadowed"`,
	})
	require.NoError(t, err)

	out, err := r.Execute(ctx, Context{}, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "shadowed", out)
}

func TestRouterSandboxedToolViaSandboxManager(t *testing.T) {
	r := newTestRouter(t, nil)
	ctx := context.Background()

	out, err := r.Execute(ctx, Context{}, "write_file", map[string]any{"path": "notes.txt", "content": "hello"})
	require.NoError(t, err)
	assert.Contains(t, out, `"success":true`)

	out, err = r.Execute(ctx, Context{}, "read_file", map[string]any{"path": "notes.txt"})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestRouterNilPartsStillRoute(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil, nil)
	_, err := r.Execute(context.Background(), Context{}, "anything", nil)
	var notFound *NotFoundError
	assert.True(t, errors.As(err, &notFound))
}
