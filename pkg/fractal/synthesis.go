package fractal

import (
	"context"
	"fmt"
	"strings"

	"github.com/kongusen/fractalcore/pkg/agent"
	"github.com/kongusen/fractalcore/pkg/llm"
)

// synthesize combines child results per strategy. It is pure with respect to
// the results: no memory is read or written here.
func (o *Orchestrator) synthesize(ctx context.Context, parent *agent.Node, originalTask string, strategy SynthesisStrategy, results []ChildResult) string {
	switch strategy {
	case SynthConcatenate:
		return Concatenate(results)
	case SynthStructured:
		return Structured(results)
	case SynthLLM:
		out, err := o.synthesizeLLM(ctx, parent, originalTask, results)
		if err != nil {
			o.logger.Warn("llm synthesis failed, falling back to structured", "error", err)
			return Structured(results)
		}
		return out
	default: // auto
		if parent.Provider() != nil && anySucceeded(results) {
			out, err := o.synthesizeLLM(ctx, parent, originalTask, results)
			if err == nil {
				return out
			}
			o.logger.Warn("llm synthesis failed, falling back to structured", "error", err)
		}
		return Structured(results)
	}
}

func anySucceeded(results []ChildResult) bool {
	for _, r := range results {
		if r.Succeeded() {
			return true
		}
	}
	return false
}

// Concatenate joins child result strings with separators, in child order.
func Concatenate(results []ChildResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Content != "" {
			parts = append(parts, r.Content)
		} else if r.Err != nil {
			parts = append(parts, fmt.Sprintf("(subtask %d failed: %v)", r.Index+1, r.Err))
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Structured renders a markdown document: a top-line tally, then one section
// per subtask with a status marker.
func Structured(results []ChildResult) string {
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Delegation results: %d succeeded, %d failed\n", succeeded, len(results)-succeeded)
	for _, r := range results {
		marker := "✗"
		if r.Succeeded() {
			marker = "✓"
		}
		fmt.Fprintf(&b, "\n## %s Subtask %d: %s\n\n", marker, r.Index+1, r.Description)
		if r.Succeeded() {
			b.WriteString(r.Content)
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "failed: %v\n", r.Err)
		}
	}
	return b.String()
}

// synthesizeLLM asks the parent's own provider for a combined answer, capped
// by the configured synthesis token budget.
func (o *Orchestrator) synthesizeLLM(ctx context.Context, parent *agent.Node, originalTask string, results []ChildResult) (string, error) {
	provider := parent.Provider()
	if provider == nil {
		return "", fmt.Errorf("fractal: no provider available for llm synthesis")
	}

	var prompt strings.Builder
	prompt.WriteString("Combine the following subtask results into one coherent answer.\n")
	if originalTask != "" {
		fmt.Fprintf(&prompt, "\nOriginal task: %s\n", originalTask)
	}
	for _, r := range results {
		status := "failed"
		if r.Succeeded() {
			status = "succeeded"
		}
		fmt.Fprintf(&prompt, "\nSubtask %d (%s, %s): %s\n", r.Index+1, r.Description, status, r.Content)
	}
	fmt.Fprintf(&prompt, "\nReply with the combined answer only, in at most %d tokens.\n", o.cfg.MaxSynthesisTokens)

	model := o.cfg.SynthesisModel
	if model == "" {
		model = parent.Config().Model
	}
	messages := []llm.Message{
		{Role: "system", Content: "You synthesize results from multiple workers into a single answer."},
		{Role: "user", Content: prompt.String()},
	}

	res, err := llm.Chat(ctx, provider, model, messages, nil)
	if err != nil {
		return "", err
	}
	if res.Content == "" {
		return "", fmt.Errorf("fractal: synthesis produced no text")
	}
	return res.Content, nil
}
