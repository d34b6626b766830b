package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kongusen/fractalcore/pkg/embedder"
	"github.com/kongusen/fractalcore/pkg/vector"
)

// VectorTier is the L4 tier: durable semantic storage over evicted L3
// summaries, bounded by both a TTL and an item count. A
// broken embedder or vector store degrades L4 to a no-op rather than
// failing the tier above it.
type VectorTier struct {
	mu       sync.Mutex
	store    vector.Store
	embedder embedder.Provider
	log      *list.List // of vectorTierEntry, front = oldest, for TTL/count pruning

	TTL      time.Duration
	MaxItems int
}

type vectorTierEntry struct {
	id        string
	createdAt time.Time
}

// NewVectorTier wraps store/embed with the given retention policy. A nil
// store defaults to vector.NilStore{} and a nil embedder to a local
// deterministic one, so VectorTier is always safely constructible.
func NewVectorTier(store vector.Store, embed embedder.Provider, ttl time.Duration, maxItems int) *VectorTier {
	if store == nil {
		store = vector.NilStore{}
	}
	if embed == nil {
		embed = embedder.NewLocal(256)
	}
	if maxItems <= 0 {
		maxItems = 10000
	}
	return &VectorTier{store: store, embedder: embed, log: list.New(), TTL: ttl, MaxItems: maxItems}
}

// Add embeds and stores summary, then prunes by TTL and count. Embedding or
// storage failure is logged-worthy but non-fatal to the caller: it returns
// the error so callers may log it, but the rest of memory keeps operating.
func (v *VectorTier) Add(ctx context.Context, summary Summary) error {
	vec, err := v.embedder.Embed(ctx, summary.Content)
	if err != nil {
		return fmt.Errorf("memory: l4 embed failed: %w", err)
	}

	id := summary.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	item := vector.Item{
		ID:      id,
		Content: summary.Content,
		Metadata: map[string]string{
			"summary_id": summary.ID,
		},
		Embedding: vec,
		CreatedAt: now,
	}
	if err := v.store.Add(ctx, item); err != nil {
		return fmt.Errorf("memory: l4 store add failed: %w", err)
	}

	v.mu.Lock()
	v.log.PushBack(vectorTierEntry{id: id, createdAt: now})
	v.mu.Unlock()
	v.prune(ctx)
	return nil
}

// prune deletes entries beyond TTL or MaxItems. Store failures are ignored:
// a stale entry lingering is preferable to blocking the write path.
func (v *VectorTier) prune(ctx context.Context) {
	v.mu.Lock()
	var expired []string
	if v.TTL > 0 {
		cutoff := time.Now().Add(-v.TTL)
		for e := v.log.Front(); e != nil; {
			next := e.Next()
			entry := e.Value.(vectorTierEntry)
			if entry.createdAt.Before(cutoff) {
				expired = append(expired, entry.id)
				v.log.Remove(e)
			}
			e = next
		}
	}
	var overflow []string
	for v.log.Len() > v.MaxItems {
		front := v.log.Front()
		entry := front.Value.(vectorTierEntry)
		overflow = append(overflow, entry.id)
		v.log.Remove(front)
	}
	v.mu.Unlock()

	toDelete := append(expired, overflow...)
	if len(toDelete) > 0 {
		_ = v.store.Delete(ctx, toDelete...)
	}
}

// Search embeds query and returns the k closest stored summaries, in
// non-increasing score order (delegated to the Store contract).
func (v *VectorTier) Search(ctx context.Context, query string, k int) ([]vector.Match, error) {
	vec, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: l4 query embed failed: %w", err)
	}
	return v.store.Search(ctx, vec, k, nil)
}

// Clear removes every item this tier added (items of other tiers sharing the
// store are left alone) and resets the pruning log.
func (v *VectorTier) Clear(ctx context.Context) error {
	v.mu.Lock()
	ids := make([]string, 0, v.log.Len())
	for e := v.log.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(vectorTierEntry).id)
	}
	v.log.Init()
	v.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return v.store.Delete(ctx, ids...)
}

// Len returns the number of entries currently tracked for pruning.
func (v *VectorTier) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.log.Len()
}
