package milvus

import (
	"context"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Vector is one stored embedding. SourceRef is the reference of the object
// the embedding was computed from (usually a chunk); the vector itself is
// addressed by ID and never copied into the other stores.
type Vector struct {
	ID        string
	Embedding []float32
	SourceRef string
	CreatedAt time.Time
}

type SimilarResult struct {
	VectorID  string
	SourceRef string
	Score     float32
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Chunk embeddings with back-references",
		Fields: []*entity.Field{
			{
				Name:       "vector_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:       "source_ref",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, _ := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err = m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

// Has implements refs.Prober for the vector store.
func (m *Client) Has(ctx context.Context, objectType refs.ObjectType, id string) (bool, error) {
	if objectType != refs.TypeVector {
		return false, fmt.Errorf("vector store does not own object type %q", objectType)
	}

	results, err := m.client.Query(ctx, m.collectionName, nil,
		fmt.Sprintf(`vector_id == "%s"`, id), []string{"vector_id"})
	if err != nil {
		return false, fmt.Errorf("failed to check vector existence: %w", err)
	}
	for _, col := range results {
		if col.Name() == "vector_id" && col.Len() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (m *Client) AddVectors(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	ids := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	sourceRefs := make([]string, len(vectors))
	createdAts := make([]int64, len(vectors))

	for i, v := range vectors {
		ids[i] = v.ID
		embeddings[i] = v.Embedding
		sourceRefs[i] = v.SourceRef
		createdAts[i] = v.CreatedAt.Unix()
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("vector_id", ids),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("source_ref", sourceRefs),
		entity.NewColumnInt64("created_at", createdAts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert vectors: %w", err)
	}

	if err = m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Vectors inserted", zap.Int("count", len(vectors)))
	return nil
}

func (m *Client) SearchSimilar(ctx context.Context, queryEmbedding []float32, topK int) ([]SimilarResult, error) {
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{"vector_id", "source_ref"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SimilarResult, 0)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("vector_id")
		refCol := sr.Fields.GetColumn("source_ref")
		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.Get(i)
			sourceRef, _ := refCol.Get(i)
			results = append(results, SimilarResult{
				VectorID:  id.(string),
				SourceRef: sourceRef.(string),
				Score:     sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)
	return results, nil
}
