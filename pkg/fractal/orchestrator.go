// Package fractal implements the delegation and synthesis engine (C6): a
// parent agent splits work into child agents, the orchestrator enforces
// depth and tool-inheritance rules, runs the children, and synthesizes their
// results into a single reply.
package fractal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kongusen/fractalcore/pkg/agent"
	"github.com/kongusen/fractalcore/pkg/task"
)

// ExecutionMode selects how children run.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// SynthesisStrategy selects how child results combine into one answer.
type SynthesisStrategy string

const (
	SynthConcatenate SynthesisStrategy = "concatenate"
	SynthStructured  SynthesisStrategy = "structured"
	SynthLLM         SynthesisStrategy = "llm"
	SynthAuto        SynthesisStrategy = "auto"
)

// SubtaskSpec describes one unit of delegated work.
type SubtaskSpec struct {
	Description string
	Role        string
	Tools       []string // optional whitelist intersected with the parent's tools
}

// DelegationRequest is the parsed form of a delegate_subtasks call.
type DelegationRequest struct {
	Subtasks  []SubtaskSpec
	Mode      ExecutionMode
	Synthesis SynthesisStrategy
}

// Config bounds the orchestrator.
type Config struct {
	MaxConcurrentChildren int    `yaml:"max_concurrent_children"`
	MaxRecursiveDepth     int    `yaml:"max_recursive_depth"`
	ChildMaxIterations    int    `yaml:"child_max_iterations"`
	MaxSynthesisTokens    int    `yaml:"max_synthesis_tokens"`
	SynthesisModel        string `yaml:"synthesis_model"`
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.MaxConcurrentChildren == 0 {
		c.MaxConcurrentChildren = 8
	}
	if c.MaxRecursiveDepth == 0 {
		c.MaxRecursiveDepth = 3
	}
	if c.ChildMaxIterations == 0 {
		c.ChildMaxIterations = 8
	}
	if c.MaxSynthesisTokens == 0 {
		c.MaxSynthesisTokens = 2000
	}
}

// DelegationError reports a delegation that failed before or during child
// execution. Partial child results, if any, are preserved on the error.
type DelegationError struct {
	Reason  string
	Partial []ChildResult
}

func (e *DelegationError) Error() string { return "fractal: " + e.Reason }

// ChildResult is one child's outcome.
type ChildResult struct {
	Index       int
	NodeID      string
	Description string
	Content     string
	Status      task.Status
	Err         error
}

// Succeeded reports whether the child completed normally.
func (r ChildResult) Succeeded() bool { return r.Status == task.StatusCompleted }

// Factory builds a child agent node for a delegation. The runtime wires it
// to share the parent's bus, provider, router, and memory service, and to
// re-enter this orchestrator for recursive delegation.
type Factory func(cfg agent.Config) *agent.Node

// Orchestrator runs delegations.
type Orchestrator struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, factory Factory) *Orchestrator {
	cfg.SetDefaults()
	return &Orchestrator{cfg: cfg, factory: factory, logger: slog.Default().With("component", "fractal")}
}

// Delegate satisfies agent.DelegateFunc: parse, validate, spawn, execute,
// synthesize. Children exist only for the duration of this call; their
// memory sessions are torn down before it returns.
func (o *Orchestrator) Delegate(ctx context.Context, parent *agent.Node, args map[string]any) (string, error) {
	req := ParseRequest(args)

	if err := o.validate(parent, req); err != nil {
		return "", err
	}
	o.logger.Debug("delegating", "parent", parent.ID(), "mode", req.Mode, "subtasks", joinDescriptions(req.Subtasks))

	children := o.spawn(parent, req)
	defer o.teardown(ctx, children)

	results, execErr := o.execute(ctx, parent, req, children)

	originalTask, _ := args["original_task"].(string)
	synthesized := o.synthesize(ctx, parent, originalTask, req.Synthesis, results)

	if execErr != nil {
		execErr.Partial = results
		// Sequential mode surfaces the partial synthesis alongside the error.
		return synthesized, execErr
	}
	return synthesized, nil
}

// ParseRequest converts a raw tool-argument map into a DelegationRequest.
func ParseRequest(args map[string]any) DelegationRequest {
	req := DelegationRequest{
		Mode:      ModeSequential,
		Synthesis: SynthAuto,
	}
	if m, ok := args["execution_mode"].(string); ok && m != "" {
		req.Mode = ExecutionMode(m)
	}
	if s, ok := args["synthesis_strategy"].(string); ok && s != "" {
		req.Synthesis = SynthesisStrategy(s)
	}

	raw, _ := args["subtasks"].([]any)
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		spec := SubtaskSpec{}
		spec.Description, _ = m["description"].(string)
		spec.Role, _ = m["role"].(string)
		if tools, ok := m["tools"].([]any); ok {
			for _, t := range tools {
				if name, ok := t.(string); ok {
					spec.Tools = append(spec.Tools, name)
				}
			}
		}
		req.Subtasks = append(req.Subtasks, spec)
	}
	return req
}

// validate fails fast, before any child is created.
func (o *Orchestrator) validate(parent *agent.Node, req DelegationRequest) error {
	if len(req.Subtasks) == 0 {
		return &DelegationError{Reason: "subtasks non-empty required"}
	}
	if len(req.Subtasks) > o.cfg.MaxConcurrentChildren {
		return &DelegationError{Reason: fmt.Sprintf("%d subtasks exceeds max_concurrent_children %d", len(req.Subtasks), o.cfg.MaxConcurrentChildren)}
	}
	if parent.Depth() >= o.cfg.MaxRecursiveDepth {
		return &DelegationError{Reason: fmt.Sprintf("depth %d reached max_recursive_depth %d", parent.Depth(), o.cfg.MaxRecursiveDepth)}
	}
	switch req.Mode {
	case ModeSequential, ModeParallel:
	default:
		return &DelegationError{Reason: fmt.Sprintf("unknown execution_mode %q", req.Mode)}
	}
	return nil
}

// InheritTools computes a child's allowed tool set: the parent's tools,
// intersected with the subtask whitelist when given, minus delegate_subtasks
// when the child would sit at the recursion floor.
func (o *Orchestrator) InheritTools(parent *agent.Node, spec SubtaskSpec) map[string]bool {
	allowed := make(map[string]bool)
	for _, name := range parent.ToolNames() {
		allowed[name] = true
	}
	if spec.Tools != nil {
		whitelist := make(map[string]bool, len(spec.Tools))
		for _, name := range spec.Tools {
			whitelist[name] = true
		}
		for name := range allowed {
			if !whitelist[name] {
				delete(allowed, name)
			}
		}
		// done is a control signal, not an inheritable capability; a
		// whitelist never strips it.
		allowed[agent.NameDone] = true
	}
	if parent.Depth()+1 >= o.cfg.MaxRecursiveDepth {
		delete(allowed, agent.NameDelegateSubtasks)
	}
	return allowed
}

func (o *Orchestrator) spawn(parent *agent.Node, req DelegationRequest) []*agent.Node {
	children := make([]*agent.Node, len(req.Subtasks))
	parentCfg := parent.Config()

	for i, spec := range req.Subtasks {
		role := spec.Role
		if role == "" {
			role = "worker"
		}
		childID := fmt.Sprintf("%s:worker-%d-%s", parent.ID(), i, uuid.New().String()[:8])
		child := o.factory(agent.Config{
			NodeID:        childID,
			Role:          role,
			SystemPrompt:  fmt.Sprintf("You are a %s agent. Complete the assigned subtask and report the result.", role),
			Model:         parentCfg.Model,
			MaxIterations: o.cfg.ChildMaxIterations,
			ContextWindow: parentCfg.ContextWindow,
			OutputReserve: parentCfg.OutputReserve,
			AllowedTools:  o.InheritTools(parent, spec),
		})
		child.SetDepth(parent.Depth() + 1)
		children[i] = child
	}
	return children
}

// execute runs the children per the request's mode. Sequential mode stops at
// the first failed child and returns the partial results with an error;
// parallel mode always waits for every child.
func (o *Orchestrator) execute(ctx context.Context, parent *agent.Node, req DelegationRequest, children []*agent.Node) ([]ChildResult, *DelegationError) {
	run := func(ctx context.Context, i int) ChildResult {
		child := children[i]
		t := task.New(child.ID(), "subtask", map[string]any{"content": req.Subtasks[i].Description})
		t.SourceAgent = parent.ID()
		t.SessionID = child.ID()

		res := child.Run(ctx, t)
		return ChildResult{
			Index:       i,
			NodeID:      child.ID(),
			Description: req.Subtasks[i].Description,
			Content:     res.Content,
			Status:      res.Status,
			Err:         res.Err,
		}
	}

	if req.Mode == ModeParallel {
		results := make([]ChildResult, len(children))
		group, ctx := errgroup.WithContext(ctx)
		group.SetLimit(o.cfg.MaxConcurrentChildren)
		for i := range children {
			group.Go(func() error {
				results[i] = run(ctx, i)
				// Child failures are results, not group errors: parallel mode
				// always waits for every child.
				return nil
			})
		}
		_ = group.Wait()
		return results, nil
	}

	var results []ChildResult
	for i := range children {
		r := run(ctx, i)
		results = append(results, r)
		if !r.Succeeded() && r.Status != task.StatusCancelled {
			return results, &DelegationError{Reason: fmt.Sprintf("subtask %d failed: %v", i, r.Err)}
		}
		if r.Status == task.StatusCancelled {
			return results, &DelegationError{Reason: fmt.Sprintf("subtask %d cancelled", i)}
		}
	}
	return results, nil
}

// teardown destroys the children's memory sessions; after synthesis no child
// state survives.
func (o *Orchestrator) teardown(ctx context.Context, children []*agent.Node) {
	for _, child := range children {
		child.Memory().Clear(ctx, child.ID())
	}
}

// joinDescriptions builds a compact subtask listing for prompts and logs.
func joinDescriptions(subtasks []SubtaskSpec) string {
	parts := make([]string, len(subtasks))
	for i, s := range subtasks {
		parts[i] = s.Description
	}
	return strings.Join(parts, "; ")
}
