// Package vector defines the vector store contract backing memory.s L4 tier
// and ships three concrete backends behind one factory.
package vector

import (
	"context"
	"fmt"
	"time"
)

// Item is a single stored vector plus its associated text and metadata.
type Item struct {
	ID        string
	Embedding []float32
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Match is a single search result, ordered by decreasing Score.
type Match struct {
	Item
	Score float32
}

// Store is the contract every L4 backend implements: add, similarity
// search, and two deletion modes, plus a full clear. Search results must be
// returned in non-increasing score order.
type Store interface {
	Add(ctx context.Context, items ...Item) error
	Search(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Match, error)
	Delete(ctx context.Context, ids ...string) error
	DeleteByMetadata(ctx context.Context, where map[string]string) error
	Clear(ctx context.Context) error
}

// ProviderType names a concrete Store implementation.
type ProviderType string

const (
	ProviderNil      ProviderType = "nil"
	ProviderChromem  ProviderType = "chromem"
	ProviderQdrant   ProviderType = "qdrant"
	ProviderPinecone ProviderType = "pinecone"
)

// ProviderConfig configures any of the supported backends; unused fields for
// a given ProviderType are ignored.
type ProviderConfig struct {
	Type ProviderType `yaml:"type"`

	// Chromem
	Path       string `yaml:"path"` // empty = in-memory
	Collection string `yaml:"collection"`

	// Qdrant
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Pinecone
	APIKey      string `yaml:"api_key"`
	IndexHost   string `yaml:"index_host"`
	Namespace   string `yaml:"namespace"`
	Dimension   int    `yaml:"dimension"` // Qdrant: vector size of a newly created collection
}

// SetDefaults fills in zero-valued fields with their defaults.
func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ProviderNil
	}
	if c.Collection == "" {
		c.Collection = "fractal_memory"
	}
	if c.Dimension == 0 {
		c.Dimension = 256
	}
}

// Validate reports configuration errors that would make NewStore fail.
func (c ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderNil, ProviderChromem:
		return nil
	case ProviderQdrant:
		if c.Host == "" {
			return fmt.Errorf("vector: qdrant provider requires host")
		}
	case ProviderPinecone:
		if c.APIKey == "" || c.IndexHost == "" {
			return fmt.Errorf("vector: pinecone provider requires api_key and index_host")
		}
	default:
		return fmt.Errorf("vector: unknown provider type %q", c.Type)
	}
	return nil
}

// NilStore is a no-op Store: every Add/Delete/Clear succeeds silently and
// Search always returns an empty result set. It is the default when no
// vector backend is configured: L4 degrades to empty rather than blocking
// the rest of memory.
type NilStore struct{}

func (NilStore) Add(context.Context, ...Item) error                          { return nil }
func (NilStore) Search(context.Context, []float32, int, map[string]string) ([]Match, error) {
	return nil, nil
}
func (NilStore) Delete(context.Context, ...string) error             { return nil }
func (NilStore) DeleteByMetadata(context.Context, map[string]string) error { return nil }
func (NilStore) Clear(context.Context) error                         { return nil }

// Registry maps ProviderType to a constructor, allowing callers to register
// additional backends without modifying this package.
type Registry struct {
	factories map[ProviderType]func(ProviderConfig) (Store, error)
}

// NewRegistry builds a Registry pre-populated with the three bundled
// backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[ProviderType]func(ProviderConfig) (Store, error))}
	r.Register(ProviderNil, func(ProviderConfig) (Store, error) { return NilStore{}, nil })
	r.Register(ProviderChromem, func(c ProviderConfig) (Store, error) { return NewChromemStore(c) })
	r.Register(ProviderQdrant, func(c ProviderConfig) (Store, error) { return NewQdrantStore(c) })
	r.Register(ProviderPinecone, func(c ProviderConfig) (Store, error) { return NewPineconeStore(c) })
	return r
}

// Register adds or overrides the constructor for a ProviderType.
func (r *Registry) Register(t ProviderType, factory func(ProviderConfig) (Store, error)) {
	r.factories[t] = factory
}

// New constructs a Store from cfg, applying defaults and validation first.
func (r *Registry) New(cfg ProviderConfig) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("vector: no factory registered for provider %q", cfg.Type)
	}
	return factory(cfg)
}
