package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kongusen/fractalcore/pkg/embedder"
	"github.com/kongusen/fractalcore/pkg/token"
	"github.com/kongusen/fractalcore/pkg/vector"
)

// ExtractStrategy selects how an L1 eviction is judged for L2 promotion.
type ExtractStrategy string

const (
	// ExtractImportance promotes evictions scoring at or above the
	// promote threshold. The default.
	ExtractImportance ExtractStrategy = "importance"

	// ExtractAccessCount promotes evictions whose task has been touched at
	// least AccessThreshold times.
	ExtractAccessCount ExtractStrategy = "access_count"

	// ExtractTime never promotes: L1 flushes straight to the summary log.
	ExtractTime ExtractStrategy = "time"
)

// Config configures the per-session tier budgets every Service session
// shares.
type Config struct {
	L1MaxTokens int           `yaml:"l1_max_tokens"`
	L2MaxTokens int           `yaml:"l2_max_tokens"`
	L3MaxTokens int           `yaml:"l3_max_tokens"`
	L4TTL       time.Duration `yaml:"l4_ttl"`
	L4MaxItems  int           `yaml:"l4_max_items"`

	// Extract selects the L1-to-L2 extractor strategy; AccessThreshold
	// applies only to ExtractAccessCount.
	Extract         ExtractStrategy `yaml:"extract"`
	AccessThreshold int             `yaml:"access_threshold"`

	// PromoteThreshold is the minimum importance an L1-evicted message needs
	// to enter L2; anything below it is summarized straight into L3 so the
	// information is kept in compressed form rather than dropped.
	PromoteThreshold float64 `yaml:"promote_threshold"`

	// CompressThreshold is the L2 occupancy fraction that triggers demoting
	// lowest-importance entries into L3; compaction stops at CompressTarget.
	CompressThreshold float64 `yaml:"compress_threshold"`
	CompressTarget    float64 `yaml:"compress_target"`

	// VectorizeThreshold is the L3 occupancy fraction that triggers moving
	// the oldest fifth of the summaries into L4.
	VectorizeThreshold float64 `yaml:"vectorize_threshold"`

	// Importance scores a newly L1-evicted message for L2 ranking. The
	// default is a constant, since computing a genuine importance score is
	// an agent-loop/LLM concern outside this package's scope.
	Importance func(MessageItem) float64 `yaml:"-"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.L1MaxTokens == 0 {
		c.L1MaxTokens = 4000
	}
	if c.L2MaxTokens == 0 {
		c.L2MaxTokens = 8000
	}
	if c.L3MaxTokens == 0 {
		c.L3MaxTokens = 4000
	}
	if c.L4TTL == 0 {
		c.L4TTL = 30 * 24 * time.Hour
	}
	if c.L4MaxItems == 0 {
		c.L4MaxItems = 10000
	}
	if c.Extract == "" {
		c.Extract = ExtractImportance
	}
	if c.AccessThreshold == 0 {
		c.AccessThreshold = 3
	}
	if c.PromoteThreshold == 0 {
		c.PromoteThreshold = 0.6
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = 0.85
	}
	if c.CompressTarget == 0 {
		c.CompressTarget = 0.8
	}
	if c.VectorizeThreshold == 0 {
		c.VectorizeThreshold = 0.9
	}
	if c.Importance == nil {
		c.Importance = func(MessageItem) float64 { return 0.5 }
	}
}

// SessionMemory bundles one session's four tiers and its cascading
// eviction wiring.
type SessionMemory struct {
	Window     *Window
	WorkingSet *WorkingSet
	Summaries  *Summaries
	Vector     *VectorTier
}

// Service is the memory façade: per-session tier sets, cross-tier
// promotion, and the recent/important/summaries/semantic_search query
// surface.
type Service struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionMemory
	taskIndex map[string]string // task id -> owning session id
	accesses  map[string]int    // task id -> touch count

	cfg        Config
	counter    token.Counter
	summarizer Summarizer
	store      vector.Store
	embedder   embedder.Provider
}

// NewService constructs a Service. A nil counter defaults to token.Estimator,
// a nil summarizer to TruncatingSummarizer, a nil store to vector.NilStore.
func NewService(cfg Config, store vector.Store, embed embedder.Provider, counter token.Counter, summarizer Summarizer) *Service {
	cfg.SetDefaults()
	if counter == nil {
		counter = token.Estimator{}
	}
	if summarizer == nil {
		summarizer = NewTruncatingSummarizer(counter, cfg.L3MaxTokens/4)
	}
	if store == nil {
		store = vector.NilStore{}
	}
	if embed == nil {
		embed = embedder.NewLocal(256)
	}
	return &Service{
		sessions:   make(map[string]*SessionMemory),
		taskIndex:  make(map[string]string),
		accesses:   make(map[string]int),
		cfg:        cfg,
		counter:    counter,
		summarizer: summarizer,
		store:      store,
		embedder:   embed,
	}
}

func (s *Service) newSessionMemory() *SessionMemory {
	sm := &SessionMemory{
		Window:     NewWindow(s.cfg.L1MaxTokens),
		WorkingSet: NewWorkingSet(s.cfg.L2MaxTokens),
		Summaries:  NewSummaries(s.cfg.L3MaxTokens),
		Vector:     NewVectorTier(s.store, s.embedder, s.cfg.L4TTL, s.cfg.L4MaxItems),
	}
	sm.Window.OnEvict = func(item MessageItem) {
		entry := WorkingSetEntry{
			ID:         item.ID,
			TaskID:     item.TaskID,
			Content:    item.Content,
			Importance: s.cfg.Importance(item),
			TokenCount: item.TokenCount,
			CreatedAt:  item.CreatedAt,
		}
		if s.extract(entry) {
			sm.WorkingSet.Add(entry)
		} else {
			// Not worth a working-set slot, but the information is still
			// kept: it goes straight to the summary log.
			s.summarizeToL3(sm, entry)
		}
	}
	sm.WorkingSet.OnEvict = func(entry WorkingSetEntry) {
		s.summarizeToL3(sm, entry)
	}
	sm.Summaries.OnEvict = func(summary Summary) {
		_ = sm.Vector.Add(context.Background(), summary) // L4 failures are non-fatal
	}
	return sm
}

// extract applies the configured L1-to-L2 strategy to a fresh eviction.
func (s *Service) extract(entry WorkingSetEntry) bool {
	switch s.cfg.Extract {
	case ExtractAccessCount:
		return s.AccessCount(entry.TaskID) >= s.cfg.AccessThreshold
	case ExtractTime:
		return false
	default:
		return entry.Importance >= s.cfg.PromoteThreshold
	}
}

// RecordAccess bumps a task's access counter, feeding the access-count
// extractor strategy.
func (s *Service) RecordAccess(taskID string) {
	if taskID == "" {
		return
	}
	s.mu.Lock()
	s.accesses[taskID]++
	s.mu.Unlock()
}

// AccessCount reports how often a task has been touched.
func (s *Service) AccessCount(taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accesses[taskID]
}

// summarizeToL3 condenses entry and appends it to the session's summary log.
// Summarization failure drops the entry rather than blocking the tier above.
func (s *Service) summarizeToL3(sm *SessionMemory, entry WorkingSetEntry) {
	text, err := s.summarizer.Summarize(context.Background(), []WorkingSetEntry{entry})
	if err != nil {
		return
	}
	sm.Summaries.Add(Summary{
		ID:          uuid.New().String(),
		Content:     text,
		TokenCount:  s.counter.Count(text),
		SourceCount: 1,
		CreatedAt:   time.Now(),
	})
}

// promote runs the threshold-based tier transitions after an insert: compact
// L2 into L3 once it crosses the compress threshold, and vectorize the
// oldest fifth of L3 into L4 once it crosses the vectorize threshold.
func (s *Service) promote(sm *SessionMemory) {
	l2Budget := float64(sm.WorkingSet.MaxTokens)
	if l2Budget > 0 && float64(sm.WorkingSet.TokenCount()) >= s.cfg.CompressThreshold*l2Budget {
		target := int(s.cfg.CompressTarget * l2Budget)
		for sm.WorkingSet.TokenCount() > target {
			entry, ok := sm.WorkingSet.EvictLowest()
			if !ok {
				break
			}
			s.summarizeToL3(sm, entry)
		}
	}

	l3Budget := float64(sm.Summaries.MaxTokens)
	if l3Budget > 0 && float64(sm.Summaries.TokenCount()) >= s.cfg.VectorizeThreshold*l3Budget {
		n := (sm.Summaries.Len() + 4) / 5
		popped := sm.Summaries.PopOldest(n)
		for i, summary := range popped {
			if err := sm.Vector.Add(context.Background(), summary); err != nil {
				// The vector tier is unavailable; put this summary and the
				// ones not yet tried back so the next promotion cycle retries
				// them.
				for _, rest := range popped[i:] {
					sm.Summaries.Add(rest)
				}
				break
			}
		}
	}
}

// session returns (creating if necessary) the SessionMemory for sessionID.
func (s *Service) session(sessionID string) *SessionMemory {
	s.mu.RLock()
	sm, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sm, ok = s.sessions[sessionID]; ok {
		return sm
	}
	sm = s.newSessionMemory()
	s.sessions[sessionID] = sm
	return sm
}

// AddMessage appends a new L1 item to sessionID's window.
func (s *Service) AddMessage(sessionID, taskID, role, content string) MessageItem {
	item := MessageItem{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Role:       role,
		Content:    content,
		TokenCount: token.CountMessage(s.counter, token.Message{Role: role, Content: content}),
		CreatedAt:  time.Now(),
	}
	sm := s.session(sessionID)
	sm.Window.Add(item)
	s.promote(sm)

	if taskID != "" {
		s.mu.Lock()
		s.taskIndex[taskID] = sessionID
		s.accesses[taskID]++
		s.mu.Unlock()
	}
	return item
}

// AddToolResult appends a tool-role observation to sessionID's window, keyed
// by the tool call it answers.
func (s *Service) AddToolResult(sessionID, taskID, toolCallID, toolName, content string) MessageItem {
	item := MessageItem{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Role:       "tool",
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		TokenCount: token.CountMessage(s.counter, token.Message{Role: "tool", Content: content}),
		CreatedAt:  time.Now(),
	}
	sm := s.session(sessionID)
	sm.Window.Add(item)
	s.promote(sm)
	s.RecordAccess(taskID)
	return item
}

// Recent returns the n most recent L1 items for sessionID.
func (s *Service) Recent(sessionID string, n int) []MessageItem {
	return s.session(sessionID).Window.Recent(n)
}

// Important returns the n highest-importance L2 entries for sessionID.
func (s *Service) Important(sessionID string, n int) []WorkingSetEntry {
	return s.session(sessionID).WorkingSet.Important(n)
}

// SummaryList returns the n most recent L3 summaries for sessionID.
func (s *Service) SummaryList(sessionID string, n int) []Summary {
	return s.session(sessionID).Summaries.Recent(n)
}

// SemanticSearch runs an L4 similarity search over the vector store shared by
// all sessions; L4 matches are not filtered by sessionID. When the vector
// tier is unavailable (no backend configured, or the embedder fails) or
// finds nothing, it degrades to a substring match over sessionID's L1, L2,
// and L3 instead of failing.
func (s *Service) SemanticSearch(ctx context.Context, sessionID, query string, k int) ([]vector.Match, error) {
	sm := s.session(sessionID)
	if _, disabled := s.store.(vector.NilStore); !disabled {
		matches, err := sm.Vector.Search(ctx, query, k)
		if err == nil && len(matches) > 0 {
			return matches, nil
		}
	}
	return keywordSearch(sm, query, k), nil
}

// keywordSearch is the degraded retrieval path: case-insensitive substring
// match across the in-process tiers, newest first, capped at k.
func keywordSearch(sm *SessionMemory, query string, k int) []vector.Match {
	if k <= 0 {
		k = 5
	}
	needle := strings.ToLower(query)
	var out []vector.Match

	add := func(id, content string, createdAt time.Time) {
		if len(out) >= k {
			return
		}
		if needle == "" || strings.Contains(strings.ToLower(content), needle) {
			out = append(out, vector.Match{
				Item:  vector.Item{ID: id, Content: content, CreatedAt: createdAt},
				Score: 0,
			})
		}
	}

	items := sm.Window.Recent(0)
	for i := len(items) - 1; i >= 0; i-- {
		add(items[i].ID, items[i].Content, items[i].CreatedAt)
	}
	for _, e := range sm.WorkingSet.Important(0) {
		add(e.ID, e.Content, e.CreatedAt)
	}
	summaries := sm.Summaries.Recent(0)
	for i := len(summaries) - 1; i >= 0; i-- {
		add(summaries[i].ID, summaries[i].Content, summaries[i].CreatedAt)
	}
	return out
}

// Remember inserts content directly into sessionID's L2 working set with the
// given importance, bypassing the L1 window. It backs the manage_memory
// built-in tool's "remember" operation.
func (s *Service) Remember(sessionID, content string, importance float64) WorkingSetEntry {
	entry := WorkingSetEntry{
		ID:         uuid.New().String(),
		Content:    content,
		Importance: importance,
		TokenCount: s.counter.Count(content),
		CreatedAt:  time.Now(),
	}
	sm := s.session(sessionID)
	sm.WorkingSet.Add(entry)
	s.promote(sm)
	return entry
}

// Clear empties every tier for sessionID and drops its task-index entries.
// Any query after Clear returns empty until new items arrive.
func (s *Service) Clear(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sm, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	for taskID, owner := range s.taskIndex {
		if owner == sessionID {
			delete(s.taskIndex, taskID)
			delete(s.accesses, taskID)
		}
	}
	s.mu.Unlock()

	if ok {
		_ = sm.Vector.Clear(ctx)
	}
}

// Sessions lists the session IDs currently holding any memory.
func (s *Service) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// SessionForTask resolves the owning session for a task id, if known.
func (s *Service) SessionForTask(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.taskIndex[taskID]
	return sessionID, ok
}

// ShareContext copies the taskLimit most-recent L1 items from fromSession
// into each destination session's L1 window. Copies get fresh IDs and are
// fully independent items thereafter; each destination window applies its
// own budget and eviction to the arrivals.
func (s *Service) ShareContext(fromSession string, toSessions []string, taskLimit int) {
	src := s.session(fromSession)
	items := src.Window.Recent(taskLimit)

	for _, dstSession := range toSessions {
		if dstSession == fromSession {
			continue
		}
		dst := s.session(dstSession)
		for _, item := range items {
			shared := item
			shared.ID = uuid.New().String() // distinct identity in the destination session
			dst.Window.Add(shared)
		}
	}
}

// Shutdown is a no-op placeholder for symmetry with services that flush
// buffered state on exit; memory has none (every write is synchronous).
func (s *Service) Shutdown(context.Context) error { return nil }
