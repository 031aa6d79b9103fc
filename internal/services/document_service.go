package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/logger"
	"github.com/aihub/localkb-go/internal/models"
)

// DocumentService 文档与知识库管理
type DocumentService struct {
	db          *gorm.DB
	vectorStore knowledge.VectorStore
	indexer     knowledge.FulltextIndexer
}

// NewDocumentService 创建文档服务
func NewDocumentService(db *gorm.DB, vectorStore knowledge.VectorStore, indexer knowledge.FulltextIndexer) *DocumentService {
	return &DocumentService{
		db:          db,
		vectorStore: vectorStore,
		indexer:     indexer,
	}
}

// ListDocuments 最近文档列表
func (s *DocumentService) ListDocuments(ctx context.Context, limit int) ([]models.KnowledgeDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	var docs []models.KnowledgeDocument
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&docs).Error
	return docs, err
}

// ListByKnowledgeBase 某个知识库下的文档
func (s *DocumentService) ListByKnowledgeBase(ctx context.Context, knowledgeBaseID string, limit int) ([]models.KnowledgeDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	var docs []models.KnowledgeDocument
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", knowledgeBaseID).
		Order("created_at DESC").
		Limit(limit).
		Find(&docs).Error
	return docs, err
}

// GetDocument 查询单个文档
func (s *DocumentService) GetDocument(ctx context.Context, documentID string) (*models.KnowledgeDocument, error) {
	var doc models.KnowledgeDocument
	err := s.db.WithContext(ctx).Where("id = ?", documentID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("document")
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument 级联删除文档：向量索引和关键词索引尽力而为，
// 元数据行最后删。文档不存在时静默成功，重复删除等价于一次。
func (s *DocumentService) DeleteDocument(ctx context.Context, documentID string) error {
	var doc models.KnowledgeDocument
	err := s.db.WithContext(ctx).Where("id = ?", documentID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.vectorStore.DeleteDocument(ctx, documentID); err != nil &&
		!errors.Is(err, apperrors.ErrIndexMissing) {
		logger.Warn("vector removal degraded", zap.String("document_id", documentID), zap.Error(err))
	}
	if err := s.indexer.RemoveDocument(ctx, doc.KnowledgeBaseID, documentID); err != nil {
		logger.Warn("fulltext removal degraded", zap.String("document_id", documentID), zap.Error(err))
	}

	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&models.KnowledgeChunk{}).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("id = ?", documentID).
		Delete(&models.KnowledgeDocument{}).Error; err != nil {
		return err
	}

	logger.Info("document deleted", zap.String("document_id", documentID), zap.String("name", doc.Name))
	return nil
}

// CreateKnowledgeBase 创建知识库
func (s *DocumentService) CreateKnowledgeBase(ctx context.Context, name, description string) (*models.KnowledgeBase, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("knowledge base name is required")
	}
	kb := &models.KnowledgeBase{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(kb).Error; err != nil {
		return nil, err
	}
	return kb, nil
}

// ListKnowledgeBases 知识库列表
func (s *DocumentService) ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error) {
	var kbs []models.KnowledgeBase
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&kbs).Error
	return kbs, err
}

// DeleteKnowledgeBase 删除知识库并级联删除其全部文档
func (s *DocumentService) DeleteKnowledgeBase(ctx context.Context, knowledgeBaseID string) error {
	var docs []models.KnowledgeDocument
	if err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", knowledgeBaseID).
		Find(&docs).Error; err != nil {
		return err
	}

	for _, doc := range docs {
		if err := s.DeleteDocument(ctx, doc.ID); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).
		Where("id = ?", knowledgeBaseID).
		Delete(&models.KnowledgeBase{}).Error
}
