package agent

import (
	"fmt"
	"strings"

	"github.com/kongusen/fractalcore/pkg/llm"
	"github.com/kongusen/fractalcore/pkg/memory"
	"github.com/kongusen/fractalcore/pkg/token"
)

// buildContext assembles the message list for one LLM call: system prompt,
// then a context block of L2 facts and L3 summaries, then the L1 recent
// window. Sources are admitted in priority order (system, then L1, then L2,
// then L3) against the input token budget; whatever no longer fits is
// dropped from the lowest-priority source first.
func (n *Node) buildContext(sessionID string) []llm.Message {
	budget := int(float64(n.cfg.ContextWindow) * (1 - n.cfg.OutputReserve))

	system := llm.Message{Role: "system", Content: n.cfg.SystemPrompt}
	spent := token.CountMessage(n.counter, token.Message{Role: system.Role, Content: system.Content})

	// L1: admit newest-first so the most recent turns survive a tight budget,
	// then restore chronological order.
	recent := n.memory.Recent(sessionID, 0)
	var kept []memory.MessageItem
	for i := len(recent) - 1; i >= 0; i-- {
		cost := recent[i].TokenCount
		if spent+cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, recent[i])
		spent += cost
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	var contextBlock strings.Builder
	for _, e := range n.memory.Important(sessionID, 8) {
		line := fmt.Sprintf("- %s\n", e.Content)
		cost := n.counter.Count(line)
		if spent+cost > budget {
			break
		}
		if contextBlock.Len() == 0 {
			contextBlock.WriteString("Known facts:\n")
		}
		contextBlock.WriteString(line)
		spent += cost
	}
	summaryStart := contextBlock.Len()
	for _, s := range n.memory.SummaryList(sessionID, 5) {
		line := fmt.Sprintf("- %s\n", s.Content)
		cost := n.counter.Count(line)
		if spent+cost > budget {
			break
		}
		if contextBlock.Len() == summaryStart {
			contextBlock.WriteString("Earlier activity:\n")
		}
		contextBlock.WriteString(line)
		spent += cost
	}

	messages := make([]llm.Message, 0, len(kept)+2)
	messages = append(messages, system)
	if contextBlock.Len() > 0 {
		messages = append(messages, llm.Message{Role: "system", Content: contextBlock.String()})
	}
	for _, item := range kept {
		messages = append(messages, llm.Message{
			Role:       item.Role,
			Content:    item.Content,
			ToolCallID: item.ToolCallID,
		})
	}
	return messages
}
