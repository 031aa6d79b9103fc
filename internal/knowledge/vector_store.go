package knowledge

import "context"

// VectorChunk 存储向量信息
type VectorChunk struct {
	ChunkID         string
	DocumentID      string
	KnowledgeBaseID string
	ChunkIndex      int
	Text            string
	Embedding       []float32
}

// VectorSearchRequest 向量检索请求。KnowledgeBaseID为空表示全库检索
type VectorSearchRequest struct {
	KnowledgeBaseID string
	QueryEmbedding  []float32
	Limit           int
}

// VectorStore 向量存储抽象。批量写入在首批数据时惰性建表；
// 检索与删除时索引不存在按空结果处理，不算错误。
type VectorStore interface {
	UpsertChunks(ctx context.Context, chunks []VectorChunk) error
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, req VectorSearchRequest) ([]SearchMatch, error)
	Ready() bool
}
