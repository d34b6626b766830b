package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TracingInterceptor stamps every event that has no Traceparent yet with a
// fresh one. Events that already carry a Traceparent pass through unchanged;
// no child span is derived from a parent event.
type TracingInterceptor struct{}

func (TracingInterceptor) Name() string { return "tracing" }

func (TracingInterceptor) Pre(_ context.Context, e Event) (Event, error) {
	if e.Traceparent != "" {
		return e, nil
	}
	return e.WithTraceparent(NewTraceparent()), nil
}

func (TracingInterceptor) Post(_ context.Context, _ Event) {}

// AuthInterceptor enforces that an event's Source belongs to an allowed
// namespace prefix, e.g. "/agent/" for agent-originated events.
type AuthInterceptor struct {
	AllowedPrefixes []string
}

func (AuthInterceptor) Name() string { return "auth" }

func (a AuthInterceptor) Pre(_ context.Context, e Event) (Event, error) {
	if len(a.AllowedPrefixes) == 0 {
		return e, nil
	}
	for _, p := range a.AllowedPrefixes {
		if len(e.Source) >= len(p) && e.Source[:len(p)] == p {
			return e, nil
		}
	}
	return e, &ErrBlocked{Interceptor: a.Name(), Reason: fmt.Sprintf("source %q not in an allowed namespace", e.Source)}
}

func (AuthInterceptor) Post(_ context.Context, _ Event) {}

// BudgetCounter tracks cumulative token spend per session. The default is an
// in-process atomic counter; RedisBudgetCounter provides a distributed
// alternative behind the same interface.
type BudgetCounter interface {
	Add(ctx context.Context, sessionID string, delta int64) (int64, error)
}

// InProcessBudgetCounter is the default BudgetCounter.
type InProcessBudgetCounter struct {
	mu     sync.Mutex
	totals map[string]*int64
}

// NewInProcessBudgetCounter constructs an empty counter.
func NewInProcessBudgetCounter() *InProcessBudgetCounter {
	return &InProcessBudgetCounter{totals: make(map[string]*int64)}
}

func (c *InProcessBudgetCounter) Add(_ context.Context, sessionID string, delta int64) (int64, error) {
	c.mu.Lock()
	p, ok := c.totals[sessionID]
	if !ok {
		var zero int64
		p = &zero
		c.totals[sessionID] = p
	}
	c.mu.Unlock()
	return atomic.AddInt64(p, delta), nil
}

// BudgetInterceptor rejects events whose session has exceeded MaxTokens
// cumulative spend, and records actual usage reported on response events in
// Post.
type BudgetInterceptor struct {
	Counter   BudgetCounter
	MaxTokens int64
	// Estimate returns the token cost to charge for e's own publication
	// (zero for events that only report usage after the fact).
	Estimate func(e Event) int64
}

func (BudgetInterceptor) Name() string { return "budget" }

func (b BudgetInterceptor) Pre(ctx context.Context, e Event) (Event, error) {
	sessionID, _ := e.Data["session_id"].(string)
	if sessionID == "" || b.Counter == nil || b.MaxTokens <= 0 {
		return e, nil
	}
	spent, err := b.Counter.Add(ctx, sessionID, 0)
	if err != nil {
		return e, nil // counter failures never block dispatch
	}
	if spent >= b.MaxTokens {
		return e, &ErrBlocked{Interceptor: b.Name(), Reason: fmt.Sprintf("session %s exceeded budget of %d tokens (spent %d)", sessionID, b.MaxTokens, spent)}
	}
	return e, nil
}

func (b BudgetInterceptor) Post(ctx context.Context, e Event) {
	if b.Counter == nil {
		return
	}
	sessionID, _ := e.Data["session_id"].(string)
	if sessionID == "" {
		return
	}
	var delta int64
	if b.Estimate != nil {
		delta = b.Estimate(e)
	}
	if usage, ok := e.Data["tokens_used"]; ok {
		if n, ok := toInt64(usage); ok {
			delta = n
		}
	}
	if delta != 0 {
		_, _ = b.Counter.Add(ctx, sessionID, delta)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// DepthInterceptor blocks node.request events whose "depth" extension meets
// or exceeds MaxDepth, enforcing the fractal orchestrator's recursion bound
// at the bus level as a defense-in-depth check.
type DepthInterceptor struct {
	MaxDepth int
}

func (DepthInterceptor) Name() string { return "depth" }

func (d DepthInterceptor) Pre(_ context.Context, e Event) (Event, error) {
	if e.Type != TypeNodeRequest || d.MaxDepth <= 0 {
		return e, nil
	}
	depth, _ := e.Extensions["depth"].(int)
	if depth >= d.MaxDepth {
		return e, &ErrBlocked{Interceptor: d.Name(), Reason: fmt.Sprintf("depth %d reached max_recursive_depth %d", depth, d.MaxDepth)}
	}
	return e, nil
}

func (DepthInterceptor) Post(_ context.Context, _ Event) {}

// TimeoutInterceptor stamps a per-event deadline extension so the Dispatcher
// (and any downstream consumer inspecting Extensions) can enforce it, using
// Default when the event doesn't already request one.
type TimeoutInterceptor struct {
	Default time.Duration
}

func (TimeoutInterceptor) Name() string { return "timeout" }

func (t TimeoutInterceptor) Pre(_ context.Context, e Event) (Event, error) {
	if _, ok := e.Extensions["timeout"]; ok {
		return e, nil
	}
	d := t.Default
	if d <= 0 {
		d = DefaultDispatchTimeout
	}
	return e.WithExtension("timeout", d), nil
}

func (TimeoutInterceptor) Post(_ context.Context, _ Event) {}

// ApprovalStore coordinates human-in-the-loop approval for a gated event,
// identified by an opaque key the caller and the external approver agree on
// (typically the event ID).
type ApprovalStore struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewApprovalStore constructs an empty store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{pending: make(map[string]chan bool)}
}

func (s *ApprovalStore) channel(key string) chan bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[key]
	if !ok {
		ch = make(chan bool, 1)
		s.pending[key] = ch
	}
	return ch
}

// Await blocks until Approve/Deny is called for key or ctx is done.
func (s *ApprovalStore) Await(ctx context.Context, key string) (bool, error) {
	ch := s.channel(key)
	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Approve unblocks a pending Await(key) with approval.
func (s *ApprovalStore) Approve(key string) { s.channel(key) <- true }

// Deny unblocks a pending Await(key) with refusal.
func (s *ApprovalStore) Deny(key string) { s.channel(key) <- false }

// HITLInterceptor suspends dispatch of events matching any Gated topic
// pattern until external approval arrives via Store.
type HITLInterceptor struct {
	Gated []string
	Store *ApprovalStore
}

func (HITLInterceptor) Name() string { return "hitl" }

func (h HITLInterceptor) Pre(ctx context.Context, e Event) (Event, error) {
	gated := false
	for _, pattern := range h.Gated {
		if MatchTopic(pattern, e.Type) {
			gated = true
			break
		}
	}
	if !gated || h.Store == nil {
		return e, nil
	}
	approved, err := h.Store.Await(ctx, e.ID)
	if err != nil {
		return e, &ErrBlocked{Interceptor: h.Name(), Reason: "approval wait cancelled", Err: err}
	}
	if !approved {
		return e, &ErrBlocked{Interceptor: h.Name(), Reason: "approval denied"}
	}
	return e, nil
}

func (HITLInterceptor) Post(_ context.Context, _ Event) {}

// AdaptiveInterceptor tracks a sliding window of recent failures per source
// and rewrites an event's extensions to request degraded behavior (smaller
// batches, a fallback provider) once the failure rate crosses Threshold.
type AdaptiveInterceptor struct {
	Threshold int
	Window    time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

func (*AdaptiveInterceptor) Name() string { return "adaptive" }

func (a *AdaptiveInterceptor) Pre(_ context.Context, e Event) (Event, error) {
	if a.history == nil {
		a.mu.Lock()
		if a.history == nil {
			a.history = make(map[string][]time.Time)
		}
		a.mu.Unlock()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	failures := a.recentLocked(e.Source)
	if len(failures) >= a.Threshold && a.Threshold > 0 {
		return e.WithExtension("degraded", true), nil
	}
	return e, nil
}

func (a *AdaptiveInterceptor) Post(_ context.Context, e Event) {
	if e.Type != "node.error" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history == nil {
		a.history = make(map[string][]time.Time)
	}
	a.history[e.Source] = append(a.recentLocked(e.Source), e.CreatedAt)
}

// recentLocked must be called with a.mu held; it prunes and returns failures
// within Window of now.
func (a *AdaptiveInterceptor) recentLocked(source string) []time.Time {
	window := a.Window
	if window <= 0 {
		window = time.Minute
	}
	cutoff := time.Now().Add(-window)
	kept := a.history[source][:0]
	for _, ts := range a.history[source] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.history[source] = kept
	return kept
}
