package knowledge

import (
	"context"
	"time"
)

// 结果来源标记
const (
	OriginSemantic = "semantic"
	OriginKeyword  = "keyword"
	OriginHybrid   = "hybrid"
)

// FulltextDocument 提供索引用的文档结构，关键词索引按文档粒度维护
type FulltextDocument struct {
	DocumentID      string
	KnowledgeBaseID string
	Name            string
	Content         string
	Tags            []string
	FileType        string
	CreatedAt       time.Time
}

// FulltextSearchRequest 全文搜索请求
type FulltextSearchRequest struct {
	KnowledgeBaseID string
	Query           string
	Limit           int
}

// SearchMatch 检索结果。Score已归一化到[0,1]，
// Origin标记来源，融合后可能为hybrid。
type SearchMatch struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float64
	Origin     string
	Highlight  string
}

// FulltextIndexer 全文索引接口。各实现负责把引擎自身的打分
// 归一化到[0,1]后再返回。
type FulltextIndexer interface {
	IndexDocument(ctx context.Context, doc FulltextDocument) error
	RemoveDocument(ctx context.Context, knowledgeBaseID string, documentID string) error
	Search(ctx context.Context, req FulltextSearchRequest) ([]SearchMatch, error)
	Ready() bool
}
