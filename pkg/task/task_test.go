package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskIsPending(t *testing.T) {
	tk := New("researcher", "search", map[string]any{"q": "go"})
	assert.Equal(t, StatusPending, tk.Status())
	assert.NotEmpty(t, tk.ID)
}

func TestCompleteIsTerminal(t *testing.T) {
	tk := New("a", "b", nil)
	require.True(t, tk.Complete(map[string]any{"ok": true}))
	assert.True(t, tk.Status().IsTerminal())
	// Further transitions are rejected once terminal.
	assert.False(t, tk.Fail("late error"))
	assert.False(t, tk.SetStatus(StatusRunning))
}

func TestFailPreservesErrorMessage(t *testing.T) {
	tk := New("a", "b", nil)
	require.True(t, tk.Fail("network down"))
	assert.Equal(t, StatusFailed, tk.Status())
	assert.Equal(t, "network down", tk.Error)
}

func TestInMemoryServiceCRUD(t *testing.T) {
	s := NewInMemoryService()
	tk := s.Create("a", "do", nil)
	tk.SessionID = "sess-1"
	require.NoError(t, s.Update(tk))

	got, ok := s.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, tk.ID, got.ID)

	list := s.List("sess-1")
	require.Len(t, list, 1)
	assert.Equal(t, tk.ID, list[0].ID)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}
