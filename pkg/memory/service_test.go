package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(l1 int) *Service {
	cfg := Config{L1MaxTokens: l1, L2MaxTokens: l1 * 2, L3MaxTokens: l1 * 2, L4MaxItems: 100}
	return NewService(cfg, nil, nil, nil, nil)
}

func TestAddMessageCascadesThroughTiers(t *testing.T) {
	s := newTestService(8)
	for i := 0; i < 10; i++ {
		s.AddMessage("sess-1", "task-1", "user", "a message with some content")
	}
	recent := s.Recent("sess-1", 0)
	assert.NotEmpty(t, recent)
	// The default importance (0.5) is below the promote threshold (0.6), so
	// heavy eviction pressure routes L1 evictions straight into L3.
	assert.Positive(t, s.session("sess-1").Summaries.Len())
}

func TestEvictionRoutesByImportanceThreshold(t *testing.T) {
	cfg := Config{
		L1MaxTokens: 60,
		L2MaxTokens: 400,
		L3MaxTokens: 800,
		Importance: func(m MessageItem) float64 {
			if strings.HasPrefix(m.Content, "keep") {
				return 0.9
			}
			return 0.3
		},
	}
	s := NewService(cfg, nil, nil, nil, nil)

	// Alternate high- and low-importance messages under heavy L1 pressure.
	for i := 0; i < 10; i++ {
		prefix := "keep"
		if i%2 == 1 {
			prefix = "drop"
		}
		s.AddMessage("sess-1", "", "user", fmt.Sprintf("%s message number %d with some padding text", prefix, i))
	}

	sm := s.session("sess-1")
	require.Positive(t, sm.WorkingSet.Len(), "high-importance evictions reach L2")
	for _, e := range sm.WorkingSet.Important(0) {
		assert.True(t, strings.HasPrefix(e.Content, "keep"), "L2 must hold only above-threshold entries, got %q", e.Content)
	}

	// Low-importance evictions were not dropped: they were summarized.
	var lowSummaries int
	for _, sum := range sm.Summaries.Recent(0) {
		if strings.Contains(sum.Content, "drop message") {
			lowSummaries++
		}
	}
	assert.Positive(t, lowSummaries)
}

func TestTimeExtractorNeverPromotes(t *testing.T) {
	cfg := Config{L1MaxTokens: 40, L2MaxTokens: 400, L3MaxTokens: 800, Extract: ExtractTime}
	s := NewService(cfg, nil, nil, nil, nil)

	for i := 0; i < 8; i++ {
		s.AddMessage("sess-1", "", "user", fmt.Sprintf("message %d with enough text to force eviction", i))
	}
	sm := s.session("sess-1")
	assert.Zero(t, sm.WorkingSet.Len(), "time strategy flushes L1 straight to summaries")
	assert.Positive(t, sm.Summaries.Len())
}

func TestAccessCountExtractorPromotesHotTasks(t *testing.T) {
	cfg := Config{L1MaxTokens: 40, L2MaxTokens: 400, L3MaxTokens: 800, Extract: ExtractAccessCount, AccessThreshold: 2}
	s := NewService(cfg, nil, nil, nil, nil)

	// "hot" accumulates touches before eviction pressure; "cold" does not.
	s.AddMessage("sess-1", "hot", "user", "hot task message with a good amount of text")
	s.RecordAccess("hot")
	for i := 0; i < 6; i++ {
		s.AddMessage("sess-1", "", "user", fmt.Sprintf("cold filler message number %d with padding", i))
	}

	sm := s.session("sess-1")
	for _, e := range sm.WorkingSet.Important(0) {
		assert.Equal(t, "hot", e.TaskID, "only frequently accessed tasks belong in L2")
	}
}

func TestPromoteCompactsWorkingSetAtThreshold(t *testing.T) {
	cfg := Config{L1MaxTokens: 1000, L2MaxTokens: 100, L3MaxTokens: 1000}
	s := NewService(cfg, nil, nil, nil, nil)
	sm := s.session("sess-1")

	// Fill L2 past the compress threshold, then trigger promotion via an
	// ordinary insert.
	for i := 0; i < 9; i++ {
		sm.WorkingSet.Add(WorkingSetEntry{
			ID:         fmt.Sprintf("e%d", i),
			Content:    fmt.Sprintf("fact %d", i),
			Importance: 0.5 + float64(i)*0.01,
			TokenCount: 10,
			CreatedAt:  time.Now(),
		})
	}
	require.Equal(t, 90, sm.WorkingSet.TokenCount())
	s.promote(sm)

	assert.LessOrEqual(t, sm.WorkingSet.TokenCount(), 80, "compaction stops at the target occupancy")
	assert.Positive(t, sm.Summaries.Len(), "demoted entries become summaries")
}

func TestSessionForTaskIndex(t *testing.T) {
	s := newTestService(1000)
	s.AddMessage("sess-1", "task-1", "user", "hi")
	sessionID, ok := s.SessionForTask("task-1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", sessionID)

	_, ok = s.SessionForTask("unknown-task")
	assert.False(t, ok)
}

func TestShareContextCopiesRecentItems(t *testing.T) {
	s := newTestService(1000)
	s.AddMessage("from", "", "user", "earlier message")
	s.AddMessage("from", "", "user", "latest message")

	s.ShareContext("from", []string{"to-a", "to-b"}, 1)

	for _, dst := range []string{"to-a", "to-b"} {
		items := s.Recent(dst, 0)
		require.Len(t, items, 1, "destination %s", dst)
		assert.Equal(t, "latest message", items[0].Content)
	}
	// Copies are independent items with fresh identity.
	src := s.Recent("from", 1)
	dst := s.Recent("to-a", 1)
	assert.NotEqual(t, src[0].ID, dst[0].ID)
}

func TestRememberInsertsIntoWorkingSet(t *testing.T) {
	s := newTestService(1000)
	s.Remember("sess-1", "the capital of France is Paris", 0.9)
	entries := s.Important("sess-1", 5)
	require.Len(t, entries, 1)
	assert.Equal(t, 0.9, entries[0].Importance)
}

func TestClearEmptiesEveryQuery(t *testing.T) {
	s := newTestService(1000)
	s.AddMessage("sess-1", "task-1", "user", "hello")
	s.Remember("sess-1", "a fact", 0.8)

	s.Clear(context.Background(), "sess-1")

	assert.Empty(t, s.Recent("sess-1", 0))
	assert.Empty(t, s.Important("sess-1", 0))
	assert.Empty(t, s.SummaryList("sess-1", 0))
	_, ok := s.SessionForTask("task-1")
	assert.False(t, ok)
}

func TestSemanticSearchDegradesToSubstringMatch(t *testing.T) {
	s := newTestService(1000) // NilStore backend: L4 is unavailable
	s.AddMessage("sess-1", "", "user", "the deploy failed on friday")
	s.AddMessage("sess-1", "", "user", "lunch is at noon")

	matches, err := s.SemanticSearch(context.Background(), "sess-1", "deploy", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Content, "deploy failed")
}

func TestSemanticSearchNeverFailsWithDefaults(t *testing.T) {
	s := newTestService(1000)
	s.AddMessage("sess-1", "", "user", "hello there")
	_, err := s.SemanticSearch(context.Background(), "sess-1", "hello", 5)
	require.NoError(t, err)
}

func TestConcurrentSessionAccess(t *testing.T) {
	s := newTestService(500)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AddMessage("shared-session", "", "user", "concurrent message")
		}(i)
	}
	wg.Wait()
	assert.NotEmpty(t, s.Recent("shared-session", 0))
}
