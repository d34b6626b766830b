// Package llm defines the LLM provider contract the agent loop streams
// against. Concrete HTTP-backed provider connectors (Anthropic, OpenAI, ...)
// are external collaborators; this package ships only the contract plus a
// deterministic in-process Mock used by tests and by any caller with no real
// provider configured.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one chat turn.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
	// ToolCallID links a "tool" role message back to the call it answers.
	ToolCallID string
}

// ToolSpec describes one callable tool in provider-neutral form.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// ChunkType discriminates StreamChunk.
type ChunkType string

const (
	ChunkText             ChunkType = "text"
	ChunkToolCallStart    ChunkType = "tool_call_start"
	ChunkToolCallDelta    ChunkType = "tool_call_delta"
	ChunkToolCallComplete ChunkType = "tool_call_complete"
	ChunkDone             ChunkType = "done"
	ChunkError            ChunkType = "error"
)

// StreamChunk is one unit of a streamed completion.
type StreamChunk struct {
	Type ChunkType

	// Text carries incremental assistant text for ChunkText.
	Text string

	// ToolCallID/ToolCallName identify a tool call across its
	// start/delta/complete chunks.
	ToolCallID   string
	ToolCallName string

	// ArgsDelta carries incremental JSON argument text for
	// ChunkToolCallDelta; ChunkToolCallComplete carries the full
	// accumulated argument string in ArgsDelta as well, for callers that
	// don't track deltas themselves.
	ArgsDelta string

	// Err is set for ChunkError.
	Err error

	// Usage is set on ChunkDone when the provider reports token usage.
	Usage *Usage
}

// Usage reports a completion's token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ErrorKind classifies a Provider error for the agent loop's retry policy
//.
type ErrorKind string

const (
	ErrorRetryable    ErrorKind = "retryable"    // rate limit, transient network
	ErrorNonRetryable ErrorKind = "non_retryable" // bad request, auth failure
)

// Error is a structured Provider failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("llm: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether err (or any error it wraps) is a retryable
// llm.Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorRetryable
}

// Provider streams a chat completion given a message history and available
// tools.
type Provider interface {
	StreamChat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (<-chan StreamChunk, error)
}

// ChatResult is a fully collected completion, for callers that don't need
// incremental chunks.
type ChatResult struct {
	Content   string
	ToolCalls []CompletedToolCall
	Usage     *Usage
}

// CompletedToolCall is one finished tool invocation from a collected stream,
// with its raw argument text (parsing is the caller's concern).
type CompletedToolCall struct {
	ID   string
	Name string
	Args string
}

// Chat is the non-streaming entrypoint: it drives StreamChat to completion
// and returns the collected result. An error chunk aborts the collection.
func Chat(ctx context.Context, p Provider, model string, messages []Message, tools []ToolSpec) (*ChatResult, error) {
	stream, err := p.StreamChat(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	res := &ChatResult{}
	var content []byte
	for chunk := range stream {
		switch chunk.Type {
		case ChunkText:
			content = append(content, chunk.Text...)
		case ChunkToolCallComplete:
			res.ToolCalls = append(res.ToolCalls, CompletedToolCall{
				ID:   chunk.ToolCallID,
				Name: chunk.ToolCallName,
				Args: chunk.ArgsDelta,
			})
		case ChunkError:
			return nil, chunk.Err
		case ChunkDone:
			res.Usage = chunk.Usage
		}
	}
	res.Content = string(content)
	return res, nil
}
