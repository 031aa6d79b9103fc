package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/logger"
	"github.com/aihub/localkb-go/internal/models"
)

// ProgressEvent 导入进度事件，Percent单调递增，最后一条恒为100
type ProgressEvent struct {
	Stage   string
	Percent int
	Current int
	Total   int
	Message string
}

// IngestOptions 导入选项。Progress为可选的进度通道，
// 投递永不阻塞，消费慢时事件被丢弃。
type IngestOptions struct {
	KnowledgeBaseID string
	Tags            []string
	Progress        chan<- ProgressEvent
}

// IngestResult 导入结果
type IngestResult struct {
	Success    bool
	DocumentID string
	ChunkCount int
	Message    string
}

// IngestService 文档导入流水线:
// 识别类型 -> 提取文本 -> 分块 -> 向量化 -> 写入索引
type IngestService struct {
	db          *gorm.DB
	parsers     *knowledge.FileParserManager
	chunker     *knowledge.Chunker
	resolver    *knowledge.Resolver
	vectorStore knowledge.VectorStore
	indexer     knowledge.FulltextIndexer
	batchSize   int
}

// NewIngestService 创建导入服务
func NewIngestService(db *gorm.DB, chunker *knowledge.Chunker, resolver *knowledge.Resolver,
	vectorStore knowledge.VectorStore, indexer knowledge.FulltextIndexer, batchSize int) *IngestService {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &IngestService{
		db:          db,
		parsers:     knowledge.NewFileParserManager(),
		chunker:     chunker,
		resolver:    resolver,
		vectorStore: vectorStore,
		indexer:     indexer,
		batchSize:   batchSize,
	}
}

// Ingest 导入单个文件。失败通过结果对象返回，文档状态落为error；
// 不支持的类型在建档之前就拒绝，不留任何记录。
func (s *IngestService) Ingest(ctx context.Context, path string, opts IngestOptions) *IngestResult {
	emit := progressEmitter(opts.Progress)
	name := filepath.Base(path)

	emit(ProgressEvent{Stage: "detect", Percent: 5, Message: name})

	fileType := knowledge.DetectFileType(path)
	if fileType == "" {
		emit(ProgressEvent{Stage: "error", Percent: 100, Message: "unsupported file type"})
		return &IngestResult{Message: fmt.Sprintf("unsupported file type: %s", filepath.Ext(path))}
	}

	info, err := os.Stat(path)
	if err != nil {
		emit(ProgressEvent{Stage: "error", Percent: 100, Message: "file not accessible"})
		return &IngestResult{Message: fmt.Sprintf("stat %s: %v", name, err)}
	}

	doc, err := s.ensureDocument(ctx, path, name, fileType, info.Size(), opts)
	if err != nil {
		emit(ProgressEvent{Stage: "error", Percent: 100, Message: "document record failed"})
		return &IngestResult{Message: err.Error()}
	}

	emit(ProgressEvent{Stage: "extract", Percent: 15, Message: name})

	file, err := os.Open(path)
	if err != nil {
		return s.fail(ctx, doc, emit, false, fmt.Errorf("open file: %w", err))
	}
	text, err := s.parsers.ParseFile(file, name)
	file.Close()
	if err != nil {
		return s.fail(ctx, doc, emit, false, err)
	}

	emit(ProgressEvent{Stage: "chunk", Percent: 25, Message: name})

	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		return s.fail(ctx, doc, emit, false, apperrors.NewBusinessError(
			apperrors.ErrCodeEmptyDocument, "document produced no chunks"))
	}

	// 重复导入先清掉旧数据，保证幂等
	if err := s.purgeExisting(ctx, doc); err != nil {
		return s.fail(ctx, doc, emit, false, err)
	}

	_, embedder, err := s.resolver.Resolve()
	if err != nil {
		return s.fail(ctx, doc, emit, false, err)
	}

	total := len(chunks)
	batch := make([]knowledge.VectorChunk, 0, s.batchSize)
	rows := make([]models.KnowledgeChunk, 0, s.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.vectorStore.UpsertChunks(ctx, batch); err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
			return err
		}
		batch = batch[:0]
		rows = rows[:0]
		return nil
	}

	for i, chunk := range chunks {
		embedding, err := embedder.Embed(ctx, chunk.Text)
		if err != nil {
			return s.fail(ctx, doc, emit, true, apperrors.NewBusinessError(
				apperrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embed chunk %d/%d failed", i+1, total)).WithCause(err))
		}

		chunkID := uuid.NewString()
		batch = append(batch, knowledge.VectorChunk{
			ChunkID:         chunkID,
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			ChunkIndex:      chunk.Index,
			Text:            chunk.Text,
			Embedding:       embedding,
		})
		rows = append(rows, models.KnowledgeChunk{
			ID:              chunkID,
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			ChunkIndex:      chunk.Index,
			Content:         chunk.Text,
			Embedding:       encodeEmbedding(embedding),
			CreatedAt:       time.Now(),
		})

		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return s.fail(ctx, doc, emit, true, err)
			}
		}

		emit(ProgressEvent{
			Stage:   "embed",
			Percent: 25 + (i+1)*65/total,
			Current: i + 1,
			Total:   total,
			Message: name,
		})
	}

	if err := flush(); err != nil {
		return s.fail(ctx, doc, emit, true, err)
	}

	emit(ProgressEvent{Stage: "index", Percent: 95, Message: name})

	// 关键词索引失败只降级，不影响导入结果
	if err := s.indexer.IndexDocument(ctx, knowledge.FulltextDocument{
		DocumentID:      doc.ID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		Name:            doc.Name,
		Content:         text,
		Tags:            opts.Tags,
		FileType:        fileType,
		CreatedAt:       doc.CreatedAt,
	}); err != nil {
		logger.Warn("fulltext indexing degraded",
			zap.String("document_id", doc.ID), zap.Error(err))
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.KnowledgeDocument{}).
		Where("id = ?", doc.ID).
		Updates(map[string]interface{}{
			"status":        models.DocumentStatusIndexed,
			"chunk_count":   total,
			"error_message": "",
			"updated_at":    now,
		}).Error; err != nil {
		return s.fail(ctx, doc, emit, true, err)
	}

	documentsIngested.WithLabelValues(models.DocumentStatusIndexed).Inc()
	chunksIndexed.Add(float64(total))
	logger.Info("document indexed",
		zap.String("document_id", doc.ID),
		zap.String("name", doc.Name),
		zap.Int("chunks", total))

	emit(ProgressEvent{Stage: "done", Percent: 100, Current: total, Total: total, Message: name})

	return &IngestResult{
		Success:    true,
		DocumentID: doc.ID,
		ChunkCount: total,
	}
}

// ensureDocument 按路径查找已有文档复用其ID，否则新建记录
func (s *IngestService) ensureDocument(ctx context.Context, path, name, fileType string,
	size int64, opts IngestOptions) (*models.KnowledgeDocument, error) {

	tagsJSON := "[]"
	if len(opts.Tags) > 0 {
		raw, err := json.Marshal(opts.Tags)
		if err != nil {
			return nil, err
		}
		tagsJSON = string(raw)
	}

	var doc models.KnowledgeDocument
	err := s.db.WithContext(ctx).
		Where("path = ? AND knowledge_base_id = ?", path, opts.KnowledgeBaseID).
		First(&doc).Error
	switch {
	case err == nil:
		updates := map[string]interface{}{
			"status":     models.DocumentStatusProcessing,
			"size":       size,
			"type":       fileType,
			"tags":       tagsJSON,
			"updated_at": time.Now(),
		}
		if err := s.db.WithContext(ctx).Model(&doc).Updates(updates).Error; err != nil {
			return nil, err
		}
		doc.Status = models.DocumentStatusProcessing
		return &doc, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		doc = models.KnowledgeDocument{
			ID:              uuid.NewString(),
			KnowledgeBaseID: opts.KnowledgeBaseID,
			Name:            name,
			Path:            path,
			Type:            fileType,
			Size:            size,
			Tags:            tagsJSON,
			Status:          models.DocumentStatusProcessing,
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
			return nil, err
		}
		return &doc, nil
	default:
		return nil, err
	}
}

func (s *IngestService) purgeExisting(ctx context.Context, doc *models.KnowledgeDocument) error {
	if err := s.vectorStore.DeleteDocument(ctx, doc.ID); err != nil &&
		!errors.Is(err, apperrors.ErrIndexMissing) {
		return err
	}
	if err := s.indexer.RemoveDocument(ctx, doc.KnowledgeBaseID, doc.ID); err != nil {
		logger.Warn("fulltext removal degraded", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return s.db.WithContext(ctx).
		Where("document_id = ?", doc.ID).
		Delete(&models.KnowledgeChunk{}).Error
}

// fail 把文档落为error状态，次级失败只记日志。
// purge为真时先清掉本次已写入的残块，error状态的文档不允许留下可检索数据。
func (s *IngestService) fail(ctx context.Context, doc *models.KnowledgeDocument,
	emit func(ProgressEvent), purge bool, cause error) *IngestResult {

	if purge {
		if err := s.purgeExisting(ctx, doc); err != nil {
			logger.Warn("partial data purge failed",
				zap.String("document_id", doc.ID), zap.Error(err))
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.KnowledgeDocument{}).
		Where("id = ?", doc.ID).
		Updates(map[string]interface{}{
			"status":        models.DocumentStatusError,
			"error_message": cause.Error(),
			"updated_at":    time.Now(),
		}).Error; err != nil {
		logger.Error("mark document error failed",
			zap.String("document_id", doc.ID), zap.Error(err))
	}

	documentsIngested.WithLabelValues(models.DocumentStatusError).Inc()
	logger.Warn("ingest failed",
		zap.String("document_id", doc.ID),
		zap.String("name", doc.Name),
		zap.Error(cause))

	emit(ProgressEvent{Stage: "error", Percent: 100, Message: cause.Error()})

	return &IngestResult{
		DocumentID: doc.ID,
		Message:    cause.Error(),
	}
}

// CleanupStaleProcessing 启动时把崩溃遗留的processing文档落为error并清理残块
func (s *IngestService) CleanupStaleProcessing(ctx context.Context) error {
	var stale []models.KnowledgeDocument
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.DocumentStatusProcessing).
		Find(&stale).Error; err != nil {
		return err
	}

	for _, doc := range stale {
		if err := s.purgeExisting(ctx, &doc); err != nil {
			logger.Warn("stale document purge failed",
				zap.String("document_id", doc.ID), zap.Error(err))
		}
		if err := s.db.WithContext(ctx).Model(&models.KnowledgeDocument{}).
			Where("id = ?", doc.ID).
			Updates(map[string]interface{}{
				"status":        models.DocumentStatusError,
				"error_message": "interrupted during processing",
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return err
		}
		logger.Info("stale processing document demoted", zap.String("document_id", doc.ID))
	}

	return nil
}

func progressEmitter(ch chan<- ProgressEvent) func(ProgressEvent) {
	return func(event ProgressEvent) {
		if ch == nil {
			return
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func encodeEmbedding(embedding []float32) string {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return ""
	}
	return string(raw)
}
