// Package memory implements the four-tier hierarchical memory: an L1 FIFO
// working window, an L2 importance-ranked working set, an L3 FIFO summary
// log, and an L4 vector store, each evicting into the next as it fills.
package memory

import "time"

// MessageItem is a single raw conversational turn held in L1. ToolCallID and
// ToolName are set only on tool-role messages, linking the observation back
// to the call it answers.
type MessageItem struct {
	ID         string
	TaskID     string
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	TokenCount int
	CreatedAt  time.Time
}

// WorkingSetEntry is an L2 item: a message promoted out of L1 and annotated
// with an importance score that determines eviction order.
type WorkingSetEntry struct {
	ID         string
	TaskID     string
	Content    string
	Importance float64
	TokenCount int
	CreatedAt  time.Time
}

// Summary is an L3 item: the condensed record of one or more evicted L2
// entries.
type Summary struct {
	ID          string
	Content     string
	TokenCount  int
	SourceCount int
	CreatedAt   time.Time
}
