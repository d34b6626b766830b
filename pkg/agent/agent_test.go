package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kongusen/fractalcore/pkg/bus"
	"github.com/kongusen/fractalcore/pkg/llm"
	"github.com/kongusen/fractalcore/pkg/memory"
	"github.com/kongusen/fractalcore/pkg/task"
	"github.com/kongusen/fractalcore/pkg/tool"
)

func newTestNode(t *testing.T, cfg Config, provider llm.Provider, tools ...tool.Tool) *Node {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "test-agent"
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	reg := tool.NewRegistry()
	for _, tl := range tools {
		reg.Register(tl)
	}
	mem := memory.NewService(memory.Config{L1MaxTokens: 10000, L2MaxTokens: 10000, L3MaxTokens: 10000}, nil, nil, nil, nil)
	router := tool.NewRouter(reg, nil, nil, nil, nil)
	return NewNode(cfg, provider, mem, router, nil)
}

func roles(items []memory.MessageItem) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.Role
	}
	return out
}

func TestEchoTaskCompletesViaDoneTool(t *testing.T) {
	provider := llm.NewMock(llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: NameDone, Args: `{"message": "hello"}`}},
	})
	n := newTestNode(t, Config{
		SystemPrompt:    "Echo the user's input verbatim inside done()",
		RequireDoneTool: true,
	}, provider)

	tk := task.New(n.ID(), "chat", map[string]any{"content": "hello"})
	tk.SessionID = "s1"
	res := n.Run(context.Background(), tk)

	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, task.StatusCompleted, tk.Status())
	assert.Equal(t, "hello", tk.Result["content"])

	items := n.Memory().Recent("s1", 0)
	assert.Equal(t, []string{"user", "assistant", "tool"}, roles(items))
}

func TestToolFailureBecomesObservationAndLoopContinues(t *testing.T) {
	search := tool.Tool{
		Definition: tool.Definition{Name: "search", Description: "web search", Scope: tool.ScopeSystem},
		Executor: tool.ExecutorFunc(func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("network down")
		}),
	}
	provider := llm.NewMock(
		llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "search", Args: `{"q": "X"}`}}},
		llm.Response{
			Text:      "Sorry, search is unavailable.",
			ToolCalls: []llm.ToolCall{{ID: "c2", Name: NameDone, Args: `{"message": "Sorry, search is unavailable."}`}},
		},
	)
	n := newTestNode(t, Config{RequireDoneTool: true}, provider, search)

	tk := task.New(n.ID(), "chat", map[string]any{"content": "search for X"})
	tk.SessionID = "s1"
	res := n.Run(context.Background(), tk)

	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Iterations)

	var observation string
	for _, m := range n.Memory().Recent("s1", 0) {
		if m.Role == "tool" && m.ToolName == "search" {
			observation = m.Content
		}
	}
	assert.Equal(t, "error: network down", observation)
}

func TestInvalidToolArgumentsAreNotExecuted(t *testing.T) {
	executed := false
	calc := tool.Tool{
		Definition: tool.Definition{Name: "calc", Scope: tool.ScopeSystem},
		Executor: tool.ExecutorFunc(func(context.Context, map[string]any) (string, error) {
			executed = true
			return "ok", nil
		}),
	}
	provider := llm.NewMock(
		llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "calc", Args: `{x:`}}},
		llm.Response{ToolCalls: []llm.ToolCall{{ID: "c2", Name: NameDone, Args: `{"message": "done"}`}}},
	)
	n := newTestNode(t, Config{}, provider, calc)

	tk := task.New(n.ID(), "chat", map[string]any{"content": "compute"})
	tk.SessionID = "s1"
	res := n.Run(context.Background(), tk)

	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.False(t, executed, "a tool call with unparseable arguments must not run")

	var parseObservation string
	for _, m := range n.Memory().Recent("s1", 0) {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			parseObservation = m.Content
		}
	}
	assert.Contains(t, parseObservation, "invalid tool arguments")
}

func TestBareTextTerminatesWhenDoneToolNotRequired(t *testing.T) {
	provider := llm.NewMock(llm.Response{Text: "just an answer"})
	n := newTestNode(t, Config{RequireDoneTool: false}, provider)

	res := n.Run(context.Background(), task.New(n.ID(), "chat", map[string]any{"content": "q"}))
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "just an answer", res.Content)
}

func TestBareTextTriggersDoneReminderWhenRequired(t *testing.T) {
	provider := llm.NewMock(
		llm.Response{Text: "here is my answer"},
		llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: NameDone, Args: `{"message": "final"}`}}},
	)
	n := newTestNode(t, Config{RequireDoneTool: true}, provider)

	tk := task.New(n.ID(), "chat", map[string]any{"content": "q"})
	tk.SessionID = "s1"
	res := n.Run(context.Background(), tk)

	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, 2, provider.Calls())

	var reminded bool
	for _, m := range n.Memory().Recent("s1", 0) {
		if m.Content == doneReminder {
			reminded = true
		}
	}
	assert.True(t, reminded)
}

func TestZeroIterationBudgetFailsButRecordsMessage(t *testing.T) {
	n := newTestNode(t, Config{MaxIterations: -1}, llm.NewMock())

	tk := task.New(n.ID(), "chat", map[string]any{"content": "never processed"})
	tk.SessionID = "s1"
	res := n.Run(context.Background(), tk)

	assert.Equal(t, task.StatusFailed, res.Status)
	var agentErr *Error
	require.ErrorAs(t, res.Err, &agentErr)
	assert.Equal(t, KindMaxIterations, agentErr.Kind)

	items := n.Memory().Recent("s1", 0)
	require.Len(t, items, 1)
	assert.Equal(t, "never processed", items[0].Content)
}

func TestMaxIterationsExceededWhenModelNeverFinishes(t *testing.T) {
	looping := tool.Tool{
		Definition: tool.Definition{Name: "noop", Scope: tool.ScopeSystem},
		Executor:   tool.ExecutorFunc(func(context.Context, map[string]any) (string, error) { return "ok", nil }),
	}
	provider := llm.NewMock(llm.Response{ToolCalls: []llm.ToolCall{{ID: "c", Name: "noop", Args: `{}`}}})
	n := newTestNode(t, Config{MaxIterations: 3}, provider, looping)

	res := n.Run(context.Background(), task.New(n.ID(), "chat", map[string]any{"content": "loop"}))
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 3, provider.Calls())
}

func TestRetryableProviderErrorIsRetriedThenFails(t *testing.T) {
	provider := llm.AlwaysError{Err: &llm.Error{Kind: llm.ErrorRetryable, Message: "rate limited"}}
	n := newTestNode(t, Config{MaxRetries: 2, RetryBase: time.Millisecond}, provider)

	res := n.Run(context.Background(), task.New(n.ID(), "chat", map[string]any{"content": "q"}))

	assert.Equal(t, task.StatusFailed, res.Status)
	var agentErr *Error
	require.ErrorAs(t, res.Err, &agentErr)
	assert.Equal(t, KindLLMProvider, agentErr.Kind)
}

func TestNonRetryableProviderErrorFailsImmediately(t *testing.T) {
	provider := &countingProvider{err: &llm.Error{Kind: llm.ErrorNonRetryable, Message: "bad request"}}
	n := newTestNode(t, Config{MaxRetries: 3, RetryBase: time.Millisecond}, provider)

	res := n.Run(context.Background(), task.New(n.ID(), "chat", map[string]any{"content": "q"}))
	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Equal(t, 1, provider.calls)
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
	err   *llm.Error
}

func (p *countingProvider) StreamChat(context.Context, string, []llm.Message, []llm.ToolSpec) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return nil, p.err
}

func TestToolCallsExecuteInStreamOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) tool.Tool {
		return tool.Tool{
			Definition: tool.Definition{Name: name, Scope: tool.ScopeSystem},
			Executor: tool.ExecutorFunc(func(context.Context, map[string]any) (string, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return name + " done", nil
			}),
		}
	}
	provider := llm.NewMock(
		llm.Response{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "alpha", Args: `{}`},
			{ID: "c2", Name: "beta", Args: `{}`},
			{ID: "c3", Name: "gamma", Args: `{}`},
		}},
		llm.Response{ToolCalls: []llm.ToolCall{{ID: "c4", Name: NameDone, Args: `{"message": "ok"}`}}},
	)
	n := newTestNode(t, Config{}, provider, record("alpha"), record("beta"), record("gamma"))

	tk := task.New(n.ID(), "chat", map[string]any{"content": "run all"})
	tk.SessionID = "s1"
	res := n.Run(context.Background(), tk)

	require.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, order)

	var observed []string
	for _, m := range n.Memory().Recent("s1", 0) {
		if m.Role == "tool" && m.ToolName != NameDone {
			observed = append(observed, m.ToolName)
		}
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, observed)
}

func TestStreamedToolCallChunksArePublished(t *testing.T) {
	eventBus := bus.New()
	dispatcher := bus.NewDispatcher(eventBus)

	provider := llm.NewMock(llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: NameDone, Args: `{"message": "ok"}`}},
	})
	mem := memory.NewService(memory.Config{L1MaxTokens: 10000, L2MaxTokens: 10000, L3MaxTokens: 10000}, nil, nil, nil, nil)
	n := NewNode(Config{NodeID: "observed"}, provider, mem, tool.NewRouter(nil, nil, nil, nil, nil), dispatcher)

	res := n.Run(context.Background(), task.New(n.ID(), "chat", map[string]any{"content": "q"}))
	require.Equal(t, task.StatusCompleted, res.Status)

	// Each streamed fragment is observable: the mock emits a start and a
	// complete chunk for the single call, and both reach the bus.
	events := eventBus.Query(bus.Query{Type: bus.TypeNodeToolCall})
	require.Len(t, events, 2)
	assert.Equal(t, string(llm.ChunkToolCallStart), events[0].Data["chunk"])
	assert.Equal(t, string(llm.ChunkToolCallComplete), events[1].Data["chunk"])
	assert.Equal(t, "c1", events[0].Data["tool_call_id"])
}

func TestConcurrentRunsSerialize(t *testing.T) {
	provider := llm.NewMock(llm.Response{Text: "answer"})
	n := newTestNode(t, Config{}, provider)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := task.New(n.ID(), "chat", map[string]any{"content": fmt.Sprintf("q%d", i)})
			n.Run(context.Background(), tk)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(8), n.Stats().ExecutionCount)
}

func TestStatsTrackTokenUsage(t *testing.T) {
	provider := llm.NewMock(llm.Response{Text: "answer", Usage: &llm.Usage{PromptTokens: 100, CompletionTokens: 20}})
	n := newTestNode(t, Config{}, provider)

	n.Run(context.Background(), task.New(n.ID(), "chat", map[string]any{"content": "q"}))
	s := n.Stats()
	assert.Equal(t, int64(100), s.TokensIn)
	assert.Equal(t, int64(20), s.TokensOut)
	assert.Equal(t, int64(1), s.SuccessCount)
}

func TestAllowedToolsFilterAdvertisedSpecs(t *testing.T) {
	search := tool.Tool{
		Definition: tool.Definition{Name: "search", Scope: tool.ScopeSystem},
		Executor:   tool.ExecutorFunc(func(context.Context, map[string]any) (string, error) { return "", nil }),
	}
	n := newTestNode(t, Config{AllowedTools: map[string]bool{NameDone: true}}, llm.NewMock(), search)

	assert.True(t, n.HasTool(NameDone))
	assert.False(t, n.HasTool("search"))
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := newTestNode(t, Config{}, llm.NewMock(llm.Response{Text: "x"}))

	res := n.Run(ctx, task.New(n.ID(), "chat", map[string]any{"content": "q"}))
	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.True(t, errors.Is(res.Err, context.Canceled) || res.Err != nil)
}
