package models

import "time"

// 文档索引状态机: pending -> processing -> indexed | error
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusIndexed    = "indexed"
	DocumentStatusError      = "error"
)

// KnowledgeBase 知识库
type KnowledgeBase struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// KnowledgeDocument 已导入的文档
type KnowledgeDocument struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	KnowledgeBaseID string    `gorm:"size:36;index" json:"knowledge_base_id"`
	Name            string    `gorm:"size:512;not null" json:"name"`
	Path            string    `gorm:"size:1024" json:"path"`
	Type            string    `gorm:"size:16" json:"type"`
	Size            int64     `json:"size"`
	Tags            string    `gorm:"type:text" json:"tags"` // JSON数组
	Status          string    `gorm:"size:32;index" json:"status"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message,omitempty"`
	ChunkCount      int       `json:"chunk_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (KnowledgeDocument) TableName() string {
	return "knowledge_documents"
}

// KnowledgeChunk 文档分块，Embedding 为JSON编码的向量
type KnowledgeChunk struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	DocumentID      string    `gorm:"size:36;index" json:"document_id"`
	KnowledgeBaseID string    `gorm:"size:36;index" json:"knowledge_base_id"`
	ChunkIndex      int       `json:"chunk_index"`
	Content         string    `gorm:"type:text" json:"content"`
	Embedding       string    `gorm:"type:text" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

func (KnowledgeChunk) TableName() string {
	return "knowledge_chunks"
}
