package vector

import (
	"context"
	"fmt"

	qdrant "github.com/qdrant/go-client/qdrant"
)

// QdrantStore is an alternate Store backend for deployments running a
// standalone Qdrant instance instead of the embedded chromem-go default.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore dials cfg.Host:cfg.Port and ensures cfg.Collection exists
// with cfg.Dimension-wide cosine vectors.
func NewQdrantStore(cfg ProviderConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant collection check: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("vector: qdrant create collection: %w", err)
		}
	}
	return &QdrantStore{client: client, collection: cfg.Collection}, nil
}

func (s *QdrantStore) Add(ctx context.Context, items ...Item) error {
	points := make([]*qdrant.PointStruct, 0, len(items))
	for _, it := range items {
		payload := make(map[string]*qdrant.Value, len(it.Metadata)+1)
		for k, v := range it.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}
		payload["content"] = qdrant.NewValueString(it.Content)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(it.ID),
			Vectors: qdrant.NewVectors(it.Embedding...),
			Payload: payload,
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vector: qdrant upsert: %w", err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Match, error) {
	if k <= 0 {
		k = 10
	}
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          ptrUint64(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(where) > 0 {
		req.Filter = buildFilter(where)
	}
	resp, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant query: %w", err)
	}
	out := make([]Match, 0, len(resp))
	for _, p := range resp {
		meta := make(map[string]string)
		var content string
		for k, v := range p.Payload {
			if k == "content" {
				content = v.GetStringValue()
				continue
			}
			meta[k] = v.GetStringValue()
		}
		out = append(out, Match{
			Item:  Item{ID: p.Id.GetUuid(), Content: content, Metadata: meta},
			Score: p.Score,
		})
	}
	return out, nil
}

func (s *QdrantStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pts := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pts = append(pts, qdrant.NewIDUUID(id))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pts...),
	})
	return err
}

func (s *QdrantStore) DeleteByMetadata(ctx context.Context, where map[string]string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(buildFilter(where)),
	})
	return err
}

func (s *QdrantStore) Clear(ctx context.Context) error {
	return s.client.DeleteCollection(ctx, s.collection)
}

func buildFilter(where map[string]string) *qdrant.Filter {
	conds := make([]*qdrant.Condition, 0, len(where))
	for k, v := range where {
		conds = append(conds, qdrant.NewMatch(k, v))
	}
	return &qdrant.Filter{Must: conds}
}

func ptrUint64(v uint64) *uint64 { return &v }
