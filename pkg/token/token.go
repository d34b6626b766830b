// Package token implements the core's tokenizer (C1): a pure, stateless
// function reporting the token count of an arbitrary string.
//
// Two implementations are provided: Exact mirrors a named model's BPE via
// tiktoken-go, and Estimator is a cheap character-based heuristic. Both
// satisfy Counter; Default prefers Exact and falls back to Estimator when no
// encoding can be resolved, logging the fallback once per process.
package token

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter reports the token count for a string. Implementations are pure
// and safe for concurrent use.
type Counter interface {
	// Count returns the non-negative token count for text.
	Count(text string) int

	// Name identifies the counting strategy ("exact:<model>" or "estimate").
	Name() string
}

// Overhead is the fixed per-message token cost added by CountMessage, mirroring
// the <|start|>role<|message|><|end|> framing tokens a chat completion API
// charges for each message regardless of content.
const Overhead = 4

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encodingCacheMu.RLock()
	if enc, ok := encodingCache[model]; ok {
		encodingCacheMu.RUnlock()
		return enc, nil
	}
	encodingCacheMu.RUnlock()

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()
	return enc, nil
}

// Exact counts tokens using the named model's BPE encoding (falling back to
// cl100k_base when the model is unrecognized by tiktoken-go). Exact is
// stateless aside from the process-wide encoding cache.
type Exact struct {
	model    string
	encoding *tiktoken.Tiktoken
}

// NewExact constructs an Exact counter for model, or an error if no encoding
// (including the cl100k_base fallback) could be resolved.
func NewExact(model string) (*Exact, error) {
	enc, err := encodingFor(model)
	if err != nil {
		return nil, err
	}
	return &Exact{model: model, encoding: enc}, nil
}

// Count returns the exact BPE token count of text.
func (e *Exact) Count(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// Name returns "exact:<model>".
func (e *Exact) Name() string { return "exact:" + e.model }

// Estimator is a pure, stateless heuristic: roughly one token per four
// non-CJK runes and one token per two CJK runes. It never fails
// and is used both as the exact tokenizer's fallback and directly for
// eviction-threshold decisions where approximate counts are acceptable.
type Estimator struct{}

// Count estimates the token count of text without any external dependency.
func (Estimator) Count(text string) int {
	asciiRunes := 0
	wideRunes := 0
	for _, r := range text {
		if isWide(r) {
			wideRunes++
		} else {
			asciiRunes++
		}
	}
	return (asciiRunes+3)/4 + (wideRunes+1)/2
}

// Name returns "estimate".
func (Estimator) Name() string { return "estimate" }

// isWide reports whether r falls in a CJK (or other wide-script) block,
// which tokenizes at roughly twice the density of Latin text.
func isWide(r rune) bool {
	switch {
	case r >= 0x3000 && r <= 0x30FF: // CJK punctuation, Hiragana, Katakana
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	case r >= 0xF900 && r <= 0xFAFF: // CJK compatibility ideographs
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // Halfwidth/fullwidth forms
		return true
	default:
		return false
	}
}

var fallbackWarnOnce sync.Once

// Default returns a Counter for model, preferring the exact tiktoken-go
// encoding and degrading to the character-based Estimator (logging once per
// process) if the exact tokenizer cannot be constructed at all.
func Default(model string) Counter {
	c, err := NewExact(model)
	if err != nil {
		fallbackWarnOnce.Do(func() {
			slog.Warn("token: exact tokenizer unavailable, falling back to estimator",
				"model", model, "error", err)
		})
		return Estimator{}
	}
	return c
}

// Message is a minimal role/content pair for CountMessage; it mirrors the
// shape memory.MessageItem and provider chat messages share without this
// package depending on either.
type Message struct {
	Role    string
	Content string
}

// CountMessage returns the token count for a single chat message including
// its fixed per-message framing overhead.
func CountMessage(c Counter, m Message) int {
	return Overhead + c.Count(m.Role) + c.Count(m.Content)
}

// CountMessages sums CountMessage over a slice of messages plus the
// reply-priming overhead charged once per request.
func CountMessages(c Counter, msgs []Message) int {
	total := Overhead
	for _, m := range msgs {
		total += CountMessage(c, m)
	}
	return total
}
