package memory

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kongusen/fractalcore/pkg/token"
)

// Summaries is the L3 tier: a FIFO log of condensed summaries, bounded by a
// token budget. Eviction pushes the oldest summary to OnEvict for L4
// embedding.
type Summaries struct {
	mu        sync.Mutex
	items     *list.List // of Summary, front = oldest
	tokens    int
	MaxTokens int
	OnEvict   func(Summary)
}

// NewSummaries constructs an empty Summaries tier with the given budget.
func NewSummaries(maxTokens int) *Summaries {
	return &Summaries{items: list.New(), MaxTokens: maxTokens}
}

// Add appends s and evicts oldest-first until the budget holds.
func (s *Summaries) Add(summary Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.PushBack(summary)
	s.tokens += summary.TokenCount

	for s.tokens > s.MaxTokens && s.items.Len() > 1 {
		front := s.items.Front()
		evicted := front.Value.(Summary)
		s.items.Remove(front)
		s.tokens -= evicted.TokenCount
		if s.OnEvict != nil {
			s.OnEvict(evicted)
		}
	}
}

// Recent returns the n most recent summaries, oldest-first.
func (s *Summaries) Recent(n int) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Summary, 0, s.items.Len())
	for e := s.items.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(Summary))
	}
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// PopOldest removes and returns up to n summaries from the front, without
// firing OnEvict, for callers that relocate them themselves.
func (s *Summaries) PopOldest(n int) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, n)
	for len(out) < n && s.items.Len() > 0 {
		front := s.items.Front()
		summary := front.Value.(Summary)
		s.items.Remove(front)
		s.tokens -= summary.TokenCount
		out = append(out, summary)
	}
	return out
}

// TokenCount returns the current total token occupancy.
func (s *Summaries) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Clear empties the tier without firing OnEvict.
func (s *Summaries) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Init()
	s.tokens = 0
}

// Len returns the number of summaries currently held.
func (s *Summaries) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.Len()
}

// Summarizer condenses a batch of evicted L2 entries into one L3 Summary.
// The agent loop may supply an LLM-backed implementation; TruncatingSummarizer
// below is the dependency-free default.
type Summarizer interface {
	Summarize(ctx context.Context, entries []WorkingSetEntry) (string, error)
}

// TruncatingSummarizer concatenates the evicted entries' content and
// truncates to a token budget, with no external dependency. It stands in
// wherever no LLM-backed summarizer is configured.
type TruncatingSummarizer struct {
	Counter   token.Counter
	MaxTokens int
}

// NewTruncatingSummarizer builds a summarizer with sane defaults.
func NewTruncatingSummarizer(counter token.Counter, maxTokens int) TruncatingSummarizer {
	if counter == nil {
		counter = token.Estimator{}
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return TruncatingSummarizer{Counter: counter, MaxTokens: maxTokens}
}

func (t TruncatingSummarizer) Summarize(_ context.Context, entries []WorkingSetEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("memory: cannot summarize zero entries")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "summary of %d entries: ", len(entries))
	for i, e := range entries {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(e.Content)
	}
	text := b.String()
	for t.Counter.Count(text) > t.MaxTokens && len(text) > 0 {
		cut := len(text) * 9 / 10
		if cut == len(text) {
			cut--
		}
		text = text[:cut]
	}
	return text, nil
}
