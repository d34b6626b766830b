package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kongusen/fractalcore/pkg/agent"
	"github.com/kongusen/fractalcore/pkg/bus"
	"github.com/kongusen/fractalcore/pkg/llm"
	"github.com/kongusen/fractalcore/pkg/task"
)

func TestLoadConfigDefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: orchestrator
model: gpt-4o
agent:
  max_iterations: 5
dispatch:
  max_depth: 2
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "orchestrator", cfg.Name)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.Equal(t, 2, cfg.Dispatch.MaxDepth)
	assert.Equal(t, 1000, cfg.Bus.RingSize)
	assert.NotEmpty(t, cfg.Dispatch.AllowedSourcePrefixes)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  output_reserve: 1.5
`), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestRuntimeEndToEndSubmit(t *testing.T) {
	provider := llm.NewMock(llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: agent.NameDone, Args: `{"message": "assembled"}`}},
	})
	cfg := &Config{}
	r, err := New(context.Background(), cfg, provider)
	require.NoError(t, err)
	defer func() { _ = r.Shutdown(context.Background()) }()

	res, err := r.Submit(context.Background(), "s1", "hello runtime")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "assembled", res.Content)

	// The request event passed the interceptor chain and reached the ring.
	events := r.Bus.Query(bus.Query{Type: bus.TypeNodeRequest})
	require.NotEmpty(t, events)
	assert.NotEmpty(t, events[0].Traceparent)
}

func TestRuntimeDelegationThroughSharedServices(t *testing.T) {
	// One scripted provider serves every child: the root delegates once
	// through the shared orchestrator, and the single child completes
	// immediately with done.
	provider := &routingProvider{
		script: []llm.Response{
			{ToolCalls: []llm.ToolCall{{ID: "w", Name: agent.NameDone, Args: `{"message": "child result"}`}}},
		},
	}
	cfg := &Config{}
	r, err := New(context.Background(), cfg, provider)
	require.NoError(t, err)
	defer func() { _ = r.Shutdown(context.Background()) }()

	out, err := r.Orchestrator.Delegate(context.Background(), r.Root, map[string]any{
		"subtasks":           []any{map[string]any{"description": "do one thing"}},
		"synthesis_strategy": "concatenate",
	})
	require.NoError(t, err)
	assert.Equal(t, "child result", out)
}

// routingProvider replays the same script for every call, so each agent
// (root or child) sees a fresh copy.
type routingProvider struct {
	script []llm.Response
}

func (p *routingProvider) StreamChat(ctx context.Context, model string, messages []llm.Message, tools []llm.ToolSpec) (<-chan llm.StreamChunk, error) {
	return llm.NewMock(p.script...).StreamChat(ctx, model, messages, tools)
}

func TestRuntimeAgentRegistryExposesStats(t *testing.T) {
	provider := llm.NewMock(llm.Response{Text: "plain answer"})
	r, err := New(context.Background(), &Config{}, provider)
	require.NoError(t, err)
	defer func() { _ = r.Shutdown(context.Background()) }()

	_, err = r.Submit(context.Background(), "s1", "q")
	require.NoError(t, err)

	n, ok := r.Agent(r.Root.ID())
	require.True(t, ok)
	assert.Equal(t, int64(1), n.Stats().ExecutionCount)
}
