package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kongusen/fractalcore/pkg/llm"
)

func TestAggregatorAssemblesFragmentedArguments(t *testing.T) {
	a := newAggregator()
	a.feed(llm.StreamChunk{Type: llm.ChunkText, Text: "thinking"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallStart, ToolCallID: "c1", ToolCallName: "calc"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallDelta, ToolCallID: "c1", ArgsDelta: `{"x"`})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallDelta, ToolCallID: "c1", ArgsDelta: `: 2}`})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallComplete, ToolCallID: "c1"})

	assert.Equal(t, "thinking", a.Text())
	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	require.NoError(t, calls[0].ParseErr)
	assert.Equal(t, "calc", calls[0].Name)
	assert.Equal(t, map[string]any{"x": 2.0}, calls[0].Args)
}

func TestAggregatorInvalidJSONYieldsParseError(t *testing.T) {
	a := newAggregator()
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallStart, ToolCallID: "c1", ToolCallName: "calc"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallDelta, ToolCallID: "c1", ArgsDelta: `{x:`})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallComplete, ToolCallID: "c1"})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	require.Error(t, calls[0].ParseErr)
	assert.Equal(t, `{x:`, calls[0].RawArgs)
}

func TestAggregatorPreservesStreamOrderAcrossInterleavedCalls(t *testing.T) {
	a := newAggregator()
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallStart, ToolCallID: "c1", ToolCallName: "first"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallStart, ToolCallID: "c2", ToolCallName: "second"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallDelta, ToolCallID: "c2", ArgsDelta: `{}`})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallDelta, ToolCallID: "c1", ArgsDelta: `{}`})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallComplete, ToolCallID: "c2"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallComplete, ToolCallID: "c1"})

	calls := a.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Name)
	assert.Equal(t, "second", calls[1].Name)
}

func TestAggregatorCompleteChunkOverridesDeltas(t *testing.T) {
	a := newAggregator()
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallStart, ToolCallID: "c1", ToolCallName: "calc"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallDelta, ToolCallID: "c1", ArgsDelta: `{"partial`})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallComplete, ToolCallID: "c1", ArgsDelta: `{"x": 1}`})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	require.NoError(t, calls[0].ParseErr)
	assert.Equal(t, map[string]any{"x": 1.0}, calls[0].Args)
}

func TestAggregatorEmptyArgumentsParseAsEmptyMap(t *testing.T) {
	a := newAggregator()
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallStart, ToolCallID: "c1", ToolCallName: "noop"})
	a.feed(llm.StreamChunk{Type: llm.ChunkToolCallComplete, ToolCallID: "c1"})

	calls := a.ToolCalls()
	require.Len(t, calls, 1)
	require.NoError(t, calls[0].ParseErr)
	assert.Empty(t, calls[0].Args)
}
