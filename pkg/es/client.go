// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/model"
	"manthrabin-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

// NewClient 按配置创建客户端，不做任何网络调用。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// InitES 初始化 Elasticsearch 客户端，并确保知识库索引和对话索引存在。
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	client, err := NewClient(esCfg)
	if err != nil {
		return err
	}
	ESClient = client
	ctx := context.Background()
	if err := CreateIndexIfNotExists(ctx, client, esCfg.IndexName, KnowledgeMapping(dims)); err != nil {
		return err
	}
	return CreateIndexIfNotExists(ctx, client, esCfg.ExchangeIndex, ExchangeMapping)
}

// KnowledgeMapping 返回知识库索引的映射，向量维度与 embedding 配置一致。
func KnowledgeMapping(dims int) string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"public_id": { "type": "keyword" },
				"title": { "type": "text" },
				"text": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)
}

// ExchangeMapping 是对话索引的映射。
const ExchangeMapping = `{
	"mappings": {
		"properties": {
			"public_id": { "type": "keyword" },
			"conversation_id": { "type": "keyword" },
			"user_id": { "type": "keyword" },
			"user_prompt": { "type": "text" },
			"response": { "type": "text" },
			"time": { "type": "date" }
		}
	}
}`

// CreateIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func CreateIndexIfNotExists(ctx context.Context, client *elasticsearch.Client, indexName, mapping string) error {
	res, err := client.Indices.Exists([]string{indexName}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	// 如果 res.StatusCode 是 404，说明索引不存在，需要创建
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = client.Indices.Create(
		indexName,
		client.Indices.Create.WithBody(strings.NewReader(mapping)),
		client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// Hit 是一条带相似度分数的检索结果。
type Hit struct {
	Score float64
	Chunk model.EsChunk
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64       `json:"_score"`
			Source model.EsChunk `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// KNNSearch 在知识库索引上做向量近邻检索，结果按分数从高到低排列。
func KNNSearch(ctx context.Context, client *elasticsearch.Client, indexName string, vector []float32, k int) ([]Hit, error) {
	numCandidates := k * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	query := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": numCandidates,
		},
		"size":    k,
		"_source": []string{"public_id", "title", "text"},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	res, err := client.Search(
		client.Search.WithContext(ctx),
		client.Search.WithIndex(indexName),
		client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search returned error: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	hits := make([]Hit, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		hits = append(hits, Hit{Score: h.Score, Chunk: h.Source})
	}
	return hits, nil
}

// ExchangeIndexer 把已保存的问答写入对话索引，供搜索服务使用。
type ExchangeIndexer struct {
	client    *elasticsearch.Client
	indexName string
}

// NewExchangeIndexer 创建一个 ExchangeIndexer。
func NewExchangeIndexer(client *elasticsearch.Client, indexName string) *ExchangeIndexer {
	return &ExchangeIndexer{client: client, indexName: indexName}
}

// IndexExchange 以问答的 public_id 作为文档 ID 写入，重复投递会覆盖同一文档。
func (i *ExchangeIndexer) IndexExchange(ctx context.Context, ev model.ExchangeCreated) error {
	docBytes, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      i.indexName,
		DocumentID: ev.PublicID,
		Body:       bytes.NewReader(docBytes),
	}

	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引问答到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index exchange")
	}
	return nil
}
