package memory

import (
	"container/list"
	"sync"
)

// Window is the L1 working window: a FIFO bounded by a token budget rather
// than an item count. When an Add pushes the running total over MaxTokens,
// the oldest items are
// evicted (oldest-first) until the budget is satisfied again, and OnEvict
// fires for each evicted item so the service façade can promote it to L2.
type Window struct {
	mu        sync.Mutex
	items     *list.List // of MessageItem, front = oldest
	tokens    int
	MaxTokens int
	OnEvict   func(MessageItem)
}

// NewWindow constructs an empty Window with the given token budget.
func NewWindow(maxTokens int) *Window {
	return &Window{items: list.New(), MaxTokens: maxTokens}
}

// Add appends item and evicts from the front until the token budget holds,
// oversized single items included: an item larger than the whole budget is
// kept alone rather than rejected.
func (w *Window) Add(item MessageItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items.PushBack(item)
	w.tokens += item.TokenCount

	for w.tokens > w.MaxTokens && w.items.Len() > 1 {
		front := w.items.Front()
		evicted := front.Value.(MessageItem)
		w.items.Remove(front)
		w.tokens -= evicted.TokenCount
		if w.OnEvict != nil {
			w.OnEvict(evicted)
		}
	}
}

// Recent returns the n most recent items, oldest-first, or the entire
// window if n<=0 or exceeds its length.
func (w *Window) Recent(n int) []MessageItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	all := make([]MessageItem, 0, w.items.Len())
	for e := w.items.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(MessageItem))
	}
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Clear empties the window without firing OnEvict.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items.Init()
	w.tokens = 0
}

// TokenCount returns the current total token occupancy.
func (w *Window) TokenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens
}

// Len returns the number of items currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.items.Len()
}
