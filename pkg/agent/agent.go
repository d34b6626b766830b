// Package agent implements the per-agent reason/act loop (C5): build context
// from memory, stream the model, aggregate tool-call fragments, execute tools
// in stream order, and terminate on the done tool or an iteration bound.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kongusen/fractalcore/pkg/bus"
	"github.com/kongusen/fractalcore/pkg/llm"
	"github.com/kongusen/fractalcore/pkg/memory"
	"github.com/kongusen/fractalcore/pkg/task"
	"github.com/kongusen/fractalcore/pkg/token"
	"github.com/kongusen/fractalcore/pkg/tool"
)

// Control tool names the loop handles itself rather than routing.
const (
	NameDone             = "done"
	NameDelegateSubtasks = "delegate_subtasks"
	NameDelegateTask     = "delegate_task"
)

// doneReminder is injected when require_done_tool is set and the model
// replied with bare text.
const doneReminder = "Call `done` with your final answer to complete the task."

// Config configures one agent node.
type Config struct {
	NodeID       string
	Role         string
	SystemPrompt string
	Model        string

	// MaxIterations bounds the reason/act cycle; unset defaults to 10, -1
	// means a zero-iteration loop that fails immediately after recording
	// the incoming message.
	MaxIterations int

	// RequireDoneTool makes bare-text replies non-terminal: the loop reminds
	// the model to call done and continues.
	RequireDoneTool bool

	// ContextWindow and OutputReserve bound context assembly: the input
	// budget is ContextWindow * (1 - OutputReserve) tokens.
	ContextWindow int
	OutputReserve float64

	// AllowedTools restricts the advertised tool set (nil = everything the
	// router exposes). The fractal orchestrator uses this to filter child
	// tool inheritance.
	AllowedTools map[string]bool

	// Retry policy for retryable provider failures.
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
}

// SetDefaults fills zero-valued fields. An unset MaxIterations defaults to
// 10; pass -1 to request a zero-iteration loop (which fails immediately but
// still records the incoming message).
func (c *Config) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.MaxIterations < 0 {
		c.MaxIterations = 0
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = 128000
	}
	if c.OutputReserve == 0 {
		c.OutputReserve = 0.25
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2 // retries after the first attempt: 3 attempts in all
	}
	if c.RetryBase == 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = 60 * time.Second
	}
}

// Stats tracks an agent's lifetime execution counters.
type Stats struct {
	ExecutionCount int64
	SuccessCount   int64
	TokensIn       int64
	TokensOut      int64
}

// Result is the outcome of one Run.
type Result struct {
	Status     task.Status
	Content    string
	Output     map[string]any
	Iterations int
	Err        error
}

// DelegateFunc hands a delegate_subtasks call to the fractal orchestrator
// and returns the synthesized result text.
type DelegateFunc func(ctx context.Context, parent *Node, args map[string]any) (string, error)

// Node is one agent in the fractal: a role, a system prompt, a tool surface,
// and exclusive ownership of its session memory. A Node processes exactly one
// task at a time; concurrent Run calls serialize.
type Node struct {
	cfg        Config
	provider   llm.Provider
	memory     *memory.Service
	router     *tool.Router
	dispatcher *bus.Dispatcher
	counter    token.Counter
	depth      int
	delegate   DelegateFunc
	logger     *slog.Logger

	runMu sync.Mutex

	executions int64
	successes  int64
	tokensIn   int64
	tokensOut  int64
}

// NewNode constructs an agent node. provider, mem, and router are required;
// dispatcher may be nil (events are then not published).
func NewNode(cfg Config, provider llm.Provider, mem *memory.Service, router *tool.Router, dispatcher *bus.Dispatcher) *Node {
	cfg.SetDefaults()
	return &Node{
		cfg:        cfg,
		provider:   provider,
		memory:     mem,
		router:     router,
		dispatcher: dispatcher,
		counter:    token.Default(cfg.Model),
		logger:     slog.Default().With("agent", cfg.NodeID),
	}
}

// ID returns the node's unique identifier.
func (n *Node) ID() string { return n.cfg.NodeID }

// Role returns the node's role label.
func (n *Node) Role() string { return n.cfg.Role }

// Depth returns the node's position in the delegation tree (0 at root).
func (n *Node) Depth() int { return n.depth }

// Config returns a copy of the node's configuration.
func (n *Node) Config() Config { return n.cfg }

// Provider exposes the node's LLM provider, e.g. for LLM-backed synthesis.
func (n *Node) Provider() llm.Provider { return n.provider }

// Memory exposes the node's memory service.
func (n *Node) Memory() *memory.Service { return n.memory }

// Router exposes the node's tool router.
func (n *Node) Router() *tool.Router { return n.router }

// SetDepth records the node's delegation depth; called by the orchestrator
// when spawning children.
func (n *Node) SetDepth(d int) { n.depth = d }

// SetDelegate wires the fractal orchestrator in. Without it, delegation tool
// calls fail as observations.
func (n *Node) SetDelegate(fn DelegateFunc) { n.delegate = fn }

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() Stats {
	return Stats{
		ExecutionCount: atomic.LoadInt64(&n.executions),
		SuccessCount:   atomic.LoadInt64(&n.successes),
		TokensIn:       atomic.LoadInt64(&n.tokensIn),
		TokensOut:      atomic.LoadInt64(&n.tokensOut),
	}
}

// StatsMap renders Stats for the query built-in tool.
func (n *Node) StatsMap() map[string]any {
	s := n.Stats()
	return map[string]any{
		"node_id":         n.cfg.NodeID,
		"role":            n.cfg.Role,
		"execution_count": s.ExecutionCount,
		"success_count":   s.SuccessCount,
		"tokens_in":       s.TokensIn,
		"tokens_out":      s.TokensOut,
	}
}

// sourceURI is this agent's event origin.
func (n *Node) sourceURI() string { return "/agent/" + n.cfg.NodeID }

// toolSpecs builds the advertised tool list: the router's tools plus the
// loop-level control tools, filtered by AllowedTools.
func (n *Node) toolSpecs() []llm.ToolSpec {
	defs := n.router.Definitions()
	specs := make([]llm.ToolSpec, 0, len(defs)+2)
	allowed := func(name string) bool {
		return n.cfg.AllowedTools == nil || n.cfg.AllowedTools[name]
	}

	for _, d := range defs {
		if !allowed(d.Name) {
			continue
		}
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	if allowed(NameDone) {
		specs = append(specs, llm.ToolSpec{
			Name:        NameDone,
			Description: "Signal that the task is complete, with the final answer.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"message"},
				"properties": map[string]any{
					"message": map[string]any{"type": "string", "description": "The final answer."},
					"output":  map[string]any{"type": "object", "description": "Optional structured output."},
				},
			},
		})
	}
	if n.delegate != nil && allowed(NameDelegateSubtasks) {
		specs = append(specs, llm.ToolSpec{
			Name:        NameDelegateSubtasks,
			Description: "Split the current task into subtasks executed by child agents, then synthesize their results.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"subtasks"},
				"properties": map[string]any{
					"subtasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []any{"description"},
							"properties": map[string]any{
								"description": map[string]any{"type": "string"},
								"role":        map[string]any{"type": "string"},
								"tools":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							},
						},
					},
					"execution_mode":     map[string]any{"type": "string", "enum": []any{"sequential", "parallel"}},
					"synthesis_strategy": map[string]any{"type": "string", "enum": []any{"concatenate", "structured", "llm", "auto"}},
				},
			},
		})
	}
	return specs
}

// ToolNames returns the names of every tool the node currently advertises.
func (n *Node) ToolNames() []string {
	specs := n.toolSpecs()
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

// HasTool reports whether the node currently advertises the named tool.
func (n *Node) HasTool(name string) bool {
	for _, s := range n.toolSpecs() {
		if s.Name == name {
			return true
		}
	}
	return false
}

// publish dispatches an event on behalf of this agent; a nil dispatcher or a
// blocked dispatch is not an error for the loop (observers are best-effort).
func (n *Node) publish(ctx context.Context, evType string, t *task.Task, data map[string]any) {
	if n.dispatcher == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["task_id"] = t.ID
	data["session_id"] = t.SessionID
	ev := bus.NewEvent(evType, n.sourceURI(), data)
	if _, _, err := n.dispatcher.Dispatch(ctx, ev); err != nil {
		n.logger.Debug("event dispatch suppressed", "type", evType, "error", err)
	}
}

// Run executes one task to completion. The incoming task content is always
// recorded in L1 first, even when the iteration budget is zero.
func (n *Node) Run(ctx context.Context, t *task.Task) *Result {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	atomic.AddInt64(&n.executions, 1)
	t.SetStatus(task.StatusRunning)

	sessionID := t.SessionID
	if sessionID == "" {
		sessionID = n.cfg.NodeID
	}
	content, _ := t.Parameters["content"].(string)
	if content == "" {
		content = t.Action
	}
	n.memory.AddMessage(sessionID, t.ID, "user", content)

	res := n.loop(ctx, t, sessionID)
	res.finalize(t)

	if res.Status == task.StatusCompleted {
		atomic.AddInt64(&n.successes, 1)
	}
	n.publish(ctx, bus.TypeNodeComplete, t, map[string]any{
		"status":     string(res.Status),
		"iterations": res.Iterations,
	})
	return res
}

func (r *Result) finalize(t *task.Task) {
	switch r.Status {
	case task.StatusCompleted:
		out := map[string]any{"content": r.Content}
		for k, v := range r.Output {
			out[k] = v
		}
		t.Complete(out)
	case task.StatusCancelled:
		t.Cancel()
	default:
		msg := "agent loop failed"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		t.Fail(msg)
	}
}

func (n *Node) loop(ctx context.Context, t *task.Task, sessionID string) *Result {
	for i := 0; i < n.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return &Result{Status: task.StatusCancelled, Iterations: i, Err: n.errf(KindCancelled, i, "increase the dispatch timeout", err, "context done: %v", err)}
		}

		messages := n.buildContext(sessionID)
		agg, err := n.streamWithRetry(ctx, t, i, messages)
		if err != nil {
			return &Result{Status: task.StatusFailed, Iterations: i + 1, Err: err}
		}

		text := agg.Text()
		calls := agg.ToolCalls()

		if text != "" || len(calls) > 0 {
			n.memory.AddMessage(sessionID, t.ID, "assistant", text)
		}

		if len(calls) == 0 {
			if text == "" {
				continue // empty response; try again within the iteration budget
			}
			if !n.cfg.RequireDoneTool {
				return &Result{Status: task.StatusCompleted, Content: text, Iterations: i + 1}
			}
			n.memory.AddMessage(sessionID, t.ID, "user", doneReminder)
			continue
		}

		// Tool calls execute strictly in stream order; each result lands in
		// L1 before the next call starts.
		for _, call := range calls {
			if call.ParseErr != nil {
				n.memory.AddToolResult(sessionID, t.ID, call.ID, call.Name, "error: "+call.ParseErr.Error())
				continue
			}
			// A call to a tool outside this node's allowed set is unknown to
			// it, even when the underlying capability exists elsewhere in the
			// process (a delegation-stripped child, for example).
			if n.cfg.AllowedTools != nil && !n.cfg.AllowedTools[call.Name] && call.Name != NameDone {
				notFound := &tool.NotFoundError{Tool: call.Name}
				n.memory.AddToolResult(sessionID, t.ID, call.ID, call.Name, "error: "+notFound.Error())
				continue
			}

			switch call.Name {
			case NameDone:
				message, _ := call.Args["message"].(string)
				output, _ := call.Args["output"].(map[string]any)
				n.memory.AddToolResult(sessionID, t.ID, call.ID, call.Name, "task completed")
				return &Result{Status: task.StatusCompleted, Content: message, Output: output, Iterations: i + 1}

			case NameDelegateSubtasks, NameDelegateTask:
				result := n.runDelegation(ctx, i, call.Args)
				n.memory.AddToolResult(sessionID, t.ID, call.ID, call.Name, result)

			default:
				n.publish(ctx, bus.TypeNodeToolCall, t, map[string]any{"phase": "execute", "tool": call.Name, "tool_call_id": call.ID})
				out, _ := n.router.Execute(ctx, tool.Context{AgentID: n.cfg.NodeID, SessionID: sessionID}, call.Name, call.Args)
				n.memory.AddToolResult(sessionID, t.ID, call.ID, call.Name, out)
			}
		}
	}

	return &Result{
		Status:     task.StatusFailed,
		Iterations: n.cfg.MaxIterations,
		Err: n.errf(KindMaxIterations, n.cfg.MaxIterations, "raise max_iterations or simplify the task", nil,
			"no done signal after %d iterations", n.cfg.MaxIterations),
	}
}

func (n *Node) runDelegation(ctx context.Context, iteration int, args map[string]any) string {
	if n.delegate == nil {
		return "error: delegation is not available to this agent"
	}
	out, err := n.delegate(ctx, n, args)
	if err != nil {
		return "error: " + n.errf(KindDelegation, iteration, "check subtask specs and recursion depth", err, "delegation failed: %v", err).Error()
	}
	return out
}

// streamWithRetry calls the provider, publishing chunks as they arrive, and
// retries retryable failures with exponential backoff.
func (n *Node) streamWithRetry(ctx context.Context, t *task.Task, iteration int, messages []llm.Message) (*aggregator, error) {
	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := n.cfg.RetryBase << (attempt - 1)
			if delay > n.cfg.RetryCap {
				delay = n.cfg.RetryCap
			}
			n.logger.Warn("retrying llm call", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, n.errf(KindCancelled, iteration, "increase the dispatch timeout", ctx.Err(), "cancelled during retry backoff")
			}
		}

		agg, err := n.streamOnce(ctx, t, messages)
		if err == nil {
			return agg, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			break
		}
	}
	return nil, n.errf(KindLLMProvider, iteration, "check provider availability and credentials", lastErr, "provider call failed: %v", lastErr)
}

func (n *Node) streamOnce(ctx context.Context, t *task.Task, messages []llm.Message) (*aggregator, error) {
	stream, err := n.provider.StreamChat(ctx, n.cfg.Model, messages, n.toolSpecs())
	if err != nil {
		return nil, err
	}

	agg := newAggregator()
	for chunk := range stream {
		switch chunk.Type {
		case llm.ChunkError:
			return nil, chunk.Err

		case llm.ChunkText:
			agg.feed(chunk)
			n.publish(ctx, bus.TypeNodeThinking, t, map[string]any{"text": chunk.Text})

		case llm.ChunkToolCallStart, llm.ChunkToolCallDelta, llm.ChunkToolCallComplete:
			agg.feed(chunk)
			// Every tool-call fragment is published as it arrives, so
			// observers see the call forming before it executes.
			n.publish(ctx, bus.TypeNodeToolCall, t, map[string]any{
				"chunk":        string(chunk.Type),
				"tool_call_id": chunk.ToolCallID,
				"tool":         chunk.ToolCallName,
				"arguments":    chunk.ArgsDelta,
			})

		case llm.ChunkDone:
			if chunk.Usage != nil {
				atomic.AddInt64(&n.tokensIn, int64(chunk.Usage.PromptTokens))
				atomic.AddInt64(&n.tokensOut, int64(chunk.Usage.CompletionTokens))
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &llm.Error{Kind: llm.ErrorNonRetryable, Message: "stream abandoned", Cause: err}
	}
	return agg, nil
}
