package vector

import (
	"context"
	"fmt"

	pinecone "github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeStore is a managed alternate Store backend for deployments that
// prefer a hosted vector index over the embedded chromem-go default or a
// self-hosted Qdrant instance.
type PineconeStore struct {
	index     *pinecone.IndexConnection
	namespace string
}

// NewPineconeStore connects to cfg.IndexHost using cfg.APIKey, scoping all
// operations to cfg.Namespace.
func NewPineconeStore(cfg ProviderConfig) (*PineconeStore, error) {
	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("vector: pinecone client: %w", err)
	}
	idx, err := client.Index(pinecone.NewIndexConnParams{
		Host:      cfg.IndexHost,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: pinecone index connection: %w", err)
	}
	return &PineconeStore{index: idx, namespace: cfg.Namespace}, nil
}

func (s *PineconeStore) Add(ctx context.Context, items ...Item) error {
	vecs := make([]*pinecone.Vector, 0, len(items))
	for _, it := range items {
		meta := make(map[string]any, len(it.Metadata)+1)
		for k, v := range it.Metadata {
			meta[k] = v
		}
		meta["content"] = it.Content
		fields, err := structpb.NewStruct(meta)
		if err != nil {
			return fmt.Errorf("vector: pinecone metadata for %s: %w", it.ID, err)
		}
		vecs = append(vecs, &pinecone.Vector{
			Id:       it.ID,
			Values:   it.Embedding,
			Metadata: fields,
		})
	}
	_, err := s.index.UpsertVectors(ctx, vecs)
	if err != nil {
		return fmt.Errorf("vector: pinecone upsert: %w", err)
	}
	return nil
}

func (s *PineconeStore) Search(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	req := &pinecone.QueryByVectorValuesRequest{
		Vector:          embedding,
		TopK:            uint32(k),
		IncludeValues:   false,
		IncludeMetadata: true,
	}
	if len(where) > 0 {
		meta := make(map[string]any, len(where))
		for k, v := range where {
			meta[k] = v
		}
		filter, err := structpb.NewStruct(meta)
		if err == nil {
			req.MetadataFilter = filter
		}
	}
	resp, err := s.index.QueryByVectorValues(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector: pinecone query: %w", err)
	}
	out := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		meta := make(map[string]string)
		var content string
		if m.Vector.Metadata != nil {
			for k, v := range m.Vector.Metadata.AsMap() {
				s, ok := v.(string)
				if !ok {
					continue
				}
				if k == "content" {
					content = s
					continue
				}
				meta[k] = s
			}
		}
		out = append(out, Match{
			Item:  Item{ID: m.Vector.Id, Content: content, Metadata: meta},
			Score: m.Score,
		})
	}
	return out, nil
}

func (s *PineconeStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.index.DeleteVectorsById(ctx, ids)
}

func (s *PineconeStore) DeleteByMetadata(ctx context.Context, where map[string]string) error {
	meta := make(map[string]any, len(where))
	for k, v := range where {
		meta[k] = v
	}
	filter, err := structpb.NewStruct(meta)
	if err != nil {
		return fmt.Errorf("vector: pinecone delete filter: %w", err)
	}
	return s.index.DeleteVectorsByFilter(ctx, filter)
}

func (s *PineconeStore) Clear(ctx context.Context) error {
	return s.index.DeleteAllVectorsInNamespace(ctx)
}
