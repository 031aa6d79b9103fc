package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// vectorChunkRecord 向量表行，与元数据表分离
type vectorChunkRecord struct {
	ChunkID         string    `gorm:"primaryKey;size:36;column:chunk_id"`
	DocumentID      string    `gorm:"size:36;index;column:document_id"`
	KnowledgeBaseID string    `gorm:"size:36;index;column:knowledge_base_id"`
	ChunkIndex      int       `gorm:"column:chunk_index"`
	Content         string    `gorm:"type:text;column:content"`
	Embedding       string    `gorm:"type:text;column:embedding"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (vectorChunkRecord) TableName() string {
	return "vector_chunks"
}

// DatabaseVectorStore 数据库内的向量存储，余弦相似度在进程内计算。
// 表在首次写入时创建；检索和删除时表不存在按无数据处理。
type DatabaseVectorStore struct {
	db *gorm.DB
}

func NewDatabaseVectorStore(db *gorm.DB) *DatabaseVectorStore {
	return &DatabaseVectorStore{db: db}
}

func (s *DatabaseVectorStore) ensureTable() error {
	if s.db.Migrator().HasTable(&vectorChunkRecord{}) {
		return nil
	}
	return s.db.Migrator().CreateTable(&vectorChunkRecord{})
}

func (s *DatabaseVectorStore) UpsertChunks(ctx context.Context, chunks []VectorChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.ensureTable(); err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}

	records := make([]vectorChunkRecord, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			return fmt.Errorf("chunk %s: embedding is empty", chunk.ChunkID)
		}
		embeddingJSON, err := json.Marshal(chunk.Embedding)
		if err != nil {
			return err
		}
		records = append(records, vectorChunkRecord{
			ChunkID:         chunk.ChunkID,
			DocumentID:      chunk.DocumentID,
			KnowledgeBaseID: chunk.KnowledgeBaseID,
			ChunkIndex:      chunk.ChunkIndex,
			Content:         chunk.Text,
			Embedding:       string(embeddingJSON),
			CreatedAt:       time.Now(),
		})
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error
}

func (s *DatabaseVectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	if !s.db.Migrator().HasTable(&vectorChunkRecord{}) {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&vectorChunkRecord{}).Error
}

func (s *DatabaseVectorStore) Search(ctx context.Context, req VectorSearchRequest) ([]SearchMatch, error) {
	if len(req.QueryEmbedding) == 0 {
		return nil, nil
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if !s.db.Migrator().HasTable(&vectorChunkRecord{}) {
		return nil, nil
	}

	query := s.db.WithContext(ctx).Model(&vectorChunkRecord{})
	if req.KnowledgeBaseID != "" {
		query = query.Where("knowledge_base_id = ?", req.KnowledgeBaseID)
	}

	var rows []vectorChunkRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	queryNorm := vectorNorm(req.QueryEmbedding)
	if queryNorm == 0 {
		return nil, nil
	}

	results := make([]SearchMatch, 0, len(rows))
	for _, row := range rows {
		var embedding []float32
		if err := json.Unmarshal([]byte(row.Embedding), &embedding); err != nil {
			continue
		}
		results = append(results, SearchMatch{
			ChunkID:    row.ChunkID,
			DocumentID: row.DocumentID,
			Content:    row.Content,
			Score:      clampScore(cosineSimilarity(req.QueryEmbedding, embedding, queryNorm)),
			Origin:     OriginSemantic,
		})
	}

	sortMatchesByScore(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

func (s *DatabaseVectorStore) Ready() bool {
	return s.db != nil
}

// clampScore 把相似度压到[0,1]
func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32, normA float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) != len(b) {
		minLen := len(a)
		if len(b) < minLen {
			minLen = len(b)
		}
		a = a[:minLen]
		b = b[:minLen]
	}

	var dot float64
	var normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (normA * math.Sqrt(normB))
}
