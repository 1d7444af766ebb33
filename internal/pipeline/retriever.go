package pipeline

import (
	"context"
	"fmt"

	"manthrabin-go/internal/model"
	"manthrabin-go/pkg/embedding"
	"manthrabin-go/pkg/es"

	"github.com/elastic/go-elasticsearch/v8"
)

// Retriever 返回与问题最相关的知识库片段。
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]model.Source, error)
}

// ESRetriever 先把问题向量化，再在 Elasticsearch 上做 kNN 检索。
type ESRetriever struct {
	embedder  embedding.Client
	client    *elasticsearch.Client
	indexName string
}

// NewESRetriever 创建一个新的 ESRetriever 实例。
func NewESRetriever(embedder embedding.Client, client *elasticsearch.Client, indexName string) *ESRetriever {
	return &ESRetriever{embedder: embedder, client: client, indexName: indexName}
}

func (r *ESRetriever) Retrieve(ctx context.Context, query string, k int) ([]model.Source, error) {
	vector, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("向量化问题失败: %w", err)
	}
	hits, err := es.KNNSearch(ctx, r.client, r.indexName, vector, k)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	sources := make([]model.Source, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, model.Source{
			PublicID:    h.Chunk.PublicID,
			Title:       h.Chunk.Title,
			Context:     h.Chunk.Text,
			Reliability: h.Score,
		})
	}
	return sources, nil
}
