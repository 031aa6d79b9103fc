package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchIndexer 基于ES的全文索引，按文档粒度写入单一索引
type ElasticsearchIndexer struct {
	client    *elasticsearch.Client
	indexName string
	ensured   bool
	mu        sync.Mutex
}

// NewElasticsearchIndexer 创建ES索引器，地址为空时返回Noop占位
func NewElasticsearchIndexer(addresses []string, username, password, apiKey, indexName string) (FulltextIndexer, error) {
	if len(addresses) == 0 {
		return &NoopFulltextIndexer{}, nil
	}

	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		APIKey:    apiKey,
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if indexName == "" {
		indexName = "kb_documents"
	}

	return &ElasticsearchIndexer{
		client:    client,
		indexName: indexName,
	}, nil
}

func (e *ElasticsearchIndexer) ensureIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ensured {
		return nil
	}

	req := esapi.IndicesExistsRequest{
		Index: []string{e.indexName},
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 {
		e.ensured = true
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"knowledge_base_id": map[string]interface{}{"type": "keyword"},
				"document_id":       map[string]interface{}{"type": "keyword"},
				"name": map[string]interface{}{
					"type": "text",
					"fields": map[string]interface{}{
						"keyword": map[string]interface{}{"type": "keyword"},
					},
				},
				"content": map[string]interface{}{
					"type":          "text",
					"index_options": "offsets",
				},
				"tags":       map[string]interface{}{"type": "keyword"},
				"file_type":  map[string]interface{}{"type": "keyword"},
				"created_at": map[string]interface{}{"type": "date"},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	createReq := esapi.IndicesCreateRequest{
		Index: e.indexName,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("create index error: %s", createResp.String())
	}

	e.ensured = true
	return nil
}

func (e *ElasticsearchIndexer) IndexDocument(ctx context.Context, doc FulltextDocument) error {
	if e.client == nil {
		return nil
	}
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"document_id":       doc.DocumentID,
		"knowledge_base_id": doc.KnowledgeBaseID,
		"name":              doc.Name,
		"content":           doc.Content,
		"tags":              doc.Tags,
		"file_type":         doc.FileType,
		"created_at":        doc.CreatedAt,
	})
	req := esapi.IndexRequest{
		Index:      e.indexName,
		DocumentID: doc.DocumentID,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("index document error: %s", resp.String())
	}

	return nil
}

func (e *ElasticsearchIndexer) RemoveDocument(ctx context.Context, knowledgeBaseID string, documentID string) error {
	if e.client == nil {
		return nil
	}

	req := esapi.DeleteRequest{
		Index:      e.indexName,
		DocumentID: documentID,
		Refresh:    "true",
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 文档或索引不存在都视为已删除
	if resp.StatusCode == 404 {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("delete document error: %s", resp.String())
	}

	return nil
}

func (e *ElasticsearchIndexer) Search(ctx context.Context, req FulltextSearchRequest) ([]SearchMatch, error) {
	if e.client == nil {
		return nil, nil
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  req.Query,
					"fields": []string{"name^2", "content", "tags"},
				},
			},
		},
	}
	if req.KnowledgeBaseID != "" {
		boolQuery["filter"] = []interface{}{
			map[string]interface{}{
				"term": map[string]interface{}{
					"knowledge_base_id": req.KnowledgeBaseID,
				},
			},
		}
	}

	body := map[string]interface{}{
		"size": req.Limit,
		"query": map[string]interface{}{
			"bool": boolQuery,
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{
				"content": map[string]interface{}{
					"fragment_size":       150,
					"number_of_fragments": 1,
					"pre_tags":            []string{"<mark>"},
					"post_tags":           []string{"</mark>"},
				},
			},
		},
	}

	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{e.indexName},
		Body:  bytes.NewReader(payload),
	}

	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 索引尚未创建，按空结果处理
	if resp.StatusCode == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search error: %s", resp.String())
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rawHits, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, nil
	}

	var maxScore float64
	for _, raw := range rawHits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if score, _ := hit["_score"].(float64); score > maxScore {
			maxScore = score
		}
	}

	matches := make([]SearchMatch, 0, len(rawHits))
	for _, raw := range rawHits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		score, _ := hit["_score"].(float64)
		doc, _ := hit["_source"].(map[string]interface{})
		if doc == nil {
			continue
		}
		documentID, _ := doc["document_id"].(string)
		content, _ := doc["content"].(string)

		var highlight string
		if hmap, ok := hit["highlight"].(map[string]interface{}); ok {
			if arr, ok := hmap["content"].([]interface{}); ok && len(arr) > 0 {
				highlight = fmt.Sprintf("%v", arr[0])
			}
		}

		// BM25得分按批内最大值归一化到[0,1]
		normalized := 0.0
		if maxScore > 0 {
			normalized = score / maxScore
			if normalized > 1 {
				normalized = 1
			}
		}

		matches = append(matches, SearchMatch{
			DocumentID: documentID,
			Content:    content,
			Score:      normalized,
			Origin:     OriginKeyword,
			Highlight:  highlight,
		})
	}

	return matches, nil
}

func (e *ElasticsearchIndexer) Ready() bool {
	return e.client != nil
}

// NoopFulltextIndexer 关键词索引不可用时的占位实现，系统降级为纯语义检索
type NoopFulltextIndexer struct{}

func (n *NoopFulltextIndexer) IndexDocument(ctx context.Context, doc FulltextDocument) error {
	return nil
}

func (n *NoopFulltextIndexer) RemoveDocument(ctx context.Context, knowledgeBaseID string, documentID string) error {
	return nil
}

func (n *NoopFulltextIndexer) Search(ctx context.Context, req FulltextSearchRequest) ([]SearchMatch, error) {
	return nil, nil
}

func (n *NoopFulltextIndexer) Ready() bool {
	return false
}
