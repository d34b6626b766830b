package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/kongusen/fractalcore/pkg/agent"
	"github.com/kongusen/fractalcore/pkg/bus"
	"github.com/kongusen/fractalcore/pkg/embedder"
	"github.com/kongusen/fractalcore/pkg/fractal"
	"github.com/kongusen/fractalcore/pkg/llm"
	"github.com/kongusen/fractalcore/pkg/memory"
	"github.com/kongusen/fractalcore/pkg/observability"
	"github.com/kongusen/fractalcore/pkg/task"
	"github.com/kongusen/fractalcore/pkg/token"
	"github.com/kongusen/fractalcore/pkg/tool"
	"github.com/kongusen/fractalcore/pkg/vector"
)

// Runtime is the assembled core: every component wired and ready to accept
// tasks for the root agent.
type Runtime struct {
	Config        *Config
	Observability *observability.Manager
	Bus           *bus.Bus
	Dispatcher    *bus.Dispatcher
	Approvals     *bus.ApprovalStore
	Memory        *memory.Service
	Tasks         *task.InMemoryService
	Router        *tool.Router
	Orchestrator  *fractal.Orchestrator
	Root          *agent.Node

	provider llm.Provider

	mu     sync.RWMutex
	agents map[string]*agent.Node
}

// New assembles a Runtime from cfg. provider may be nil, in which case a
// deterministic mock provider is installed (useful for validate/info and for
// tests; a real deployment passes its own provider).
func New(ctx context.Context, cfg *Config, provider llm.Provider) (*Runtime, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		provider = llm.NewMock(llm.Response{Text: "no provider configured"})
	}

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return nil, err
	}

	store, err := vector.NewRegistry().New(cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("runtime: vector store: %w", err)
	}

	counter := token.Default(cfg.Model)
	mem := memory.NewService(cfg.Memory, store, embedder.NewLocal(cfg.Vector.Dimension), counter, nil)

	busOpts := []bus.Option{bus.WithRingSize(cfg.Bus.RingSize)}
	if cfg.Bus.DiagnosticTap {
		busOpts = append(busOpts, bus.WithDiagnosticTap())
	}
	eventBus := bus.New(busOpts...)

	approvals := bus.NewApprovalStore()
	chain := []bus.Interceptor{
		bus.TracingInterceptor{},
		bus.AuthInterceptor{AllowedPrefixes: cfg.Dispatch.AllowedSourcePrefixes},
		bus.BudgetInterceptor{Counter: bus.NewInProcessBudgetCounter(), MaxTokens: cfg.Dispatch.MaxSessionTokens},
		bus.DepthInterceptor{MaxDepth: cfg.Dispatch.MaxDepth},
		bus.TimeoutInterceptor{Default: cfg.Dispatch.Timeout},
		bus.HITLInterceptor{Gated: cfg.Dispatch.GatedTopics, Store: approvals},
		&bus.AdaptiveInterceptor{Threshold: 5},
	}
	dispatcher := bus.NewDispatcher(eventBus, chain...)

	r := &Runtime{
		Config:        cfg,
		Observability: obs,
		Bus:           eventBus,
		Dispatcher:    dispatcher,
		Approvals:     approvals,
		Memory:        mem,
		Tasks:         task.NewInMemoryService(),
		provider:      provider,
		agents:        make(map[string]*agent.Node),
	}

	var sandboxMgr *tool.Manager
	if cfg.Sandbox.Root != "" {
		sb := tool.NewSandbox(cfg.Sandbox.Root, cfg.Sandbox.Operations...)
		if cfg.Sandbox.Timeout > 0 {
			sb.Timeout = cfg.Sandbox.Timeout
		}
		sandboxMgr = tool.NewManager(sb)
	}
	builtins := &tool.Builtins{
		Memory: mem,
		Events: eventBus,
		Stats: func(agentID string) map[string]any {
			r.mu.RLock()
			n, ok := r.agents[agentID]
			r.mu.RUnlock()
			if !ok {
				return map[string]any{"error": "unknown agent " + agentID}
			}
			return n.StatsMap()
		},
	}
	r.Router = tool.NewRouter(tool.NewRegistry(), sandboxMgr, tool.NewDynamicTools(sandboxMgr.Sandbox()), builtins, nil)

	r.Orchestrator = fractal.New(cfg.Fractal, func(c agent.Config) *agent.Node {
		return r.NewAgent(c)
	})

	r.Root = r.NewAgent(agent.Config{
		NodeID:          cfg.Name,
		Role:            cfg.Agent.Role,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		Model:           cfg.Model,
		MaxIterations:   cfg.Agent.MaxIterations,
		RequireDoneTool: cfg.Agent.RequireDoneTool,
		ContextWindow:   cfg.Agent.ContextWindow,
		OutputReserve:   cfg.Agent.OutputReserve,
	})
	return r, nil
}

// NewAgent builds an agent node on the runtime's shared services and
// registers it for stats lookup. The most recent node wins a contested ID.
func (r *Runtime) NewAgent(cfg agent.Config) *agent.Node {
	if cfg.Model == "" {
		cfg.Model = r.Config.Model
	}
	n := agent.NewNode(cfg, r.provider, r.Memory, r.Router, r.Dispatcher)
	n.SetDelegate(r.Orchestrator.Delegate)

	r.mu.Lock()
	r.agents[cfg.NodeID] = n
	r.mu.Unlock()
	return n
}

// Agent resolves a registered node by ID.
func (r *Runtime) Agent(id string) (*agent.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.agents[id]
	return n, ok
}

// Submit dispatches a node.request event for the root agent and runs the
// task to completion, returning the terminal result.
func (r *Runtime) Submit(ctx context.Context, sessionID, content string) (*agent.Result, error) {
	t := r.Tasks.Create(r.Root.ID(), "chat", map[string]any{"content": content})
	t.SessionID = sessionID

	ev := bus.NewEvent(bus.TypeNodeRequest, "/system/runtime", map[string]any{
		"task_id":    t.ID,
		"session_id": sessionID,
		"content":    content,
	})
	ev.Subject = r.Root.ID()
	if _, _, err := r.Dispatcher.Dispatch(ctx, ev); err != nil {
		t.Cancel()
		return nil, err
	}

	return r.Root.Run(ctx, t), nil
}

// Shutdown tears the runtime down: the bus's diagnostic tap, then memory,
// then observability.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.Bus.Close()
	if err := r.Memory.Shutdown(ctx); err != nil {
		return err
	}
	return r.Observability.Shutdown(ctx)
}
