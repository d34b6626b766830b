package vector

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is the default concrete Store, backed by chromem-go's
// embedded, file-optionally-persisted collection. Embeddings are always
// supplied by the caller (memory's L4 tier owns the embedder.Provider), so
// the collection's own embedding function is never invoked in practice.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	name       string
}

func noopEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vector: chromem store requires a precomputed embedding")
}

// NewChromemStore opens (or creates) cfg.Collection in a chromem-go
// database at cfg.Path, or purely in-memory when cfg.Path is empty.
func NewChromemStore(cfg ProviderConfig) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
	} else {
		db = chromem.NewDB()
	}
	if err != nil {
		return nil, fmt.Errorf("vector: open chromem db: %w", err)
	}

	coll, err := db.CreateCollection(cfg.Collection, nil, noopEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("vector: create collection %q: %w", cfg.Collection, err)
	}
	return &ChromemStore{db: db, collection: coll, name: cfg.Collection}, nil
}

func (s *ChromemStore) Add(ctx context.Context, items ...Item) error {
	for _, it := range items {
		doc := chromem.Document{
			ID:        it.ID,
			Metadata:  it.Metadata,
			Embedding: it.Embedding,
			Content:   it.Content,
		}
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("vector: chromem add %s: %w", it.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	if k > s.collection.Count() {
		k = s.collection.Count()
	}
	if k == 0 {
		return nil, nil
	}
	results, err := s.collection.QueryEmbedding(ctx, embedding, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: chromem query: %w", err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{
			Item: Item{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Score: r.Similarity,
		})
	}
	return out, nil
}

func (s *ChromemStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}

func (s *ChromemStore) DeleteByMetadata(ctx context.Context, where map[string]string) error {
	return s.collection.Delete(ctx, where, nil)
}

// Clear drops and recreates the collection, which is simpler and less
// error-prone than enumerating every stored ID for a bulk delete.
func (s *ChromemStore) Clear(_ context.Context) error {
	s.db.DeleteCollection(s.name)
	coll, err := s.db.CreateCollection(s.name, nil, noopEmbeddingFunc)
	if err != nil {
		return fmt.Errorf("vector: chromem recreate collection %q: %w", s.name, err)
	}
	s.collection = coll
	return nil
}
