package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.KnowledgeBase{},
		&models.KnowledgeDocument{},
		&models.KnowledgeChunk{},
		&models.ChatSession{},
		&models.ChatMessage{},
	))
	return db
}

// newTestIngestService 全离线的导入服务: 本地向量化 + 数据库向量表 + 数据库关键词检索
func newTestIngestService(t *testing.T, db *gorm.DB) *IngestService {
	t.Helper()
	resolver := knowledge.NewResolver(knowledge.ResolverOptions{Backend: "local"})
	vectorStore := knowledge.NewDatabaseVectorStore(db)
	indexer := knowledge.NewDatabaseIndexer(db)
	chunker := knowledge.NewChunker(500, 50)
	return NewIngestService(db, chunker, resolver, vectorStore, indexer, 32)
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestService_IngestTextFile(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)

	// 1200个字符的文本，按500/50分块应产生3个块
	path := writeTempFile(t, "long.txt", strings.Repeat("甲", 1200))

	result := service.Ingest(context.Background(), path, IngestOptions{KnowledgeBaseID: "kb-1"})
	require.True(t, result.Success, result.Message)
	assert.Equal(t, 3, result.ChunkCount)

	var doc models.KnowledgeDocument
	require.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.Equal(t, models.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, 3, doc.ChunkCount)
	assert.Equal(t, "txt", doc.Type)
	assert.Equal(t, "kb-1", doc.KnowledgeBaseID)
	assert.Empty(t, doc.ErrorMessage)

	var chunkCount int64
	require.NoError(t, db.Model(&models.KnowledgeChunk{}).
		Where("document_id = ?", doc.ID).Count(&chunkCount).Error)
	assert.EqualValues(t, 3, chunkCount)
}

func TestIngestService_UnsupportedTypeLeavesNoRecord(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)

	path := writeTempFile(t, "data.csv", "a,b,c")

	result := service.Ingest(context.Background(), path, IngestOptions{})
	assert.False(t, result.Success)
	assert.Empty(t, result.DocumentID)

	var count int64
	require.NoError(t, db.Model(&models.KnowledgeDocument{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestIngestService_MissingFile(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)

	result := service.Ingest(context.Background(), "/nonexistent/file.txt", IngestOptions{})
	assert.False(t, result.Success)

	var count int64
	require.NoError(t, db.Model(&models.KnowledgeDocument{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestIngestService_EmptyDocumentFails(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)

	path := writeTempFile(t, "empty.txt", "   \n\t  ")

	result := service.Ingest(context.Background(), path, IngestOptions{})
	require.False(t, result.Success)
	require.NotEmpty(t, result.DocumentID)

	var doc models.KnowledgeDocument
	require.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.Equal(t, models.DocumentStatusError, doc.Status)
	assert.NotEmpty(t, doc.ErrorMessage)
}

func TestIngestService_ReingestIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)
	ctx := context.Background()

	path := writeTempFile(t, "doc.txt", strings.Repeat("乙", 1200))

	first := service.Ingest(ctx, path, IngestOptions{KnowledgeBaseID: "kb-1"})
	require.True(t, first.Success)
	second := service.Ingest(ctx, path, IngestOptions{KnowledgeBaseID: "kb-1"})
	require.True(t, second.Success)

	// 复用同一文档ID，不产生重复记录和重复块
	assert.Equal(t, first.DocumentID, second.DocumentID)

	var docCount, chunkCount int64
	require.NoError(t, db.Model(&models.KnowledgeDocument{}).Count(&docCount).Error)
	require.NoError(t, db.Model(&models.KnowledgeChunk{}).Count(&chunkCount).Error)
	assert.EqualValues(t, 1, docCount)
	assert.EqualValues(t, 3, chunkCount)
}

func TestIngestService_ProgressMonotonic(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)

	path := writeTempFile(t, "doc.md", strings.Repeat("内容。", 400))

	progress := make(chan ProgressEvent, 256)
	result := service.Ingest(context.Background(), path, IngestOptions{Progress: progress})
	close(progress)
	require.True(t, result.Success)

	last := -1
	var final ProgressEvent
	for event := range progress {
		assert.GreaterOrEqual(t, event.Percent, last, "stage %s", event.Stage)
		last = event.Percent
		final = event
	}
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, "done", final.Stage)
}

func TestIngestService_TagsStored(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)

	path := writeTempFile(t, "tagged.txt", "带标签的文档内容")

	result := service.Ingest(context.Background(), path, IngestOptions{
		Tags: []string{"golang", "测试"},
	})
	require.True(t, result.Success)

	var doc models.KnowledgeDocument
	require.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.JSONEq(t, `["golang","测试"]`, doc.Tags)
}

func TestIngestService_CleanupStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "stale-1", Name: "stale.txt", Status: models.DocumentStatusProcessing,
	}).Error)
	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "ok-1", Name: "ok.txt", Status: models.DocumentStatusIndexed,
	}).Error)
	require.NoError(t, db.Create(&models.KnowledgeChunk{
		ID: "stale-chunk", DocumentID: "stale-1", Content: "leftover",
	}).Error)

	require.NoError(t, service.CleanupStaleProcessing(ctx))

	var stale models.KnowledgeDocument
	require.NoError(t, db.First(&stale, "id = ?", "stale-1").Error)
	assert.Equal(t, models.DocumentStatusError, stale.Status)
	assert.Equal(t, "interrupted during processing", stale.ErrorMessage)

	var ok models.KnowledgeDocument
	require.NoError(t, db.First(&ok, "id = ?", "ok-1").Error)
	assert.Equal(t, models.DocumentStatusIndexed, ok.Status)

	var leftover int64
	require.NoError(t, db.Model(&models.KnowledgeChunk{}).
		Where("document_id = ?", "stale-1").Count(&leftover).Error)
	assert.EqualValues(t, 0, leftover)
}

// unstableVectorStore 第failOn次写入返回错误，其余操作透传
type unstableVectorStore struct {
	knowledge.VectorStore
	upserts int
	failOn  int
}

func (s *unstableVectorStore) UpsertChunks(ctx context.Context, chunks []knowledge.VectorChunk) error {
	s.upserts++
	if s.upserts == s.failOn {
		return errors.New("vector backend unavailable")
	}
	return s.VectorStore.UpsertChunks(ctx, chunks)
}

func TestIngestService_MidBatchFailureLeavesNoChunks(t *testing.T) {
	db := newTestDB(t)
	vectorStore := &unstableVectorStore{
		VectorStore: knowledge.NewDatabaseVectorStore(db),
		failOn:      2,
	}
	resolver := knowledge.NewResolver(knowledge.ResolverOptions{Backend: "local"})
	service := NewIngestService(db, knowledge.NewChunker(500, 50), resolver,
		vectorStore, knowledge.NewDatabaseIndexer(db), 1)
	ctx := context.Background()

	// 3个块、批大小1: 第1批写入成功，第2批失败
	path := writeTempFile(t, "broken.txt", strings.Repeat("丙", 1200))
	result := service.Ingest(ctx, path, IngestOptions{KnowledgeBaseID: "kb-1"})
	require.False(t, result.Success)
	require.NotEmpty(t, result.DocumentID)

	var doc models.KnowledgeDocument
	require.NoError(t, db.First(&doc, "id = ?", result.DocumentID).Error)
	assert.Equal(t, models.DocumentStatusError, doc.Status)
	assert.NotEmpty(t, doc.ErrorMessage)

	// error状态的文档不允许留下已写入的残块
	var chunkCount int64
	require.NoError(t, db.Model(&models.KnowledgeChunk{}).
		Where("document_id = ?", doc.ID).Count(&chunkCount).Error)
	assert.EqualValues(t, 0, chunkCount)

	// 语义检索也不能命中残块
	embedder := knowledge.NewLocalEmbedder()
	query, err := embedder.Embed(ctx, "丙丙丙")
	require.NoError(t, err)
	matches, err := knowledge.NewDatabaseVectorStore(db).Search(ctx, knowledge.VectorSearchRequest{
		KnowledgeBaseID: "kb-1",
		QueryEmbedding:  query,
		Limit:           10,
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIngestService_IngestThenSearch(t *testing.T) {
	db := newTestDB(t)
	service := newTestIngestService(t, db)
	ctx := context.Background()

	path := writeTempFile(t, "guide.md", "To reset the admin password, open settings and choose security.")
	result := service.Ingest(ctx, path, IngestOptions{KnowledgeBaseID: "kb-1"})
	require.True(t, result.Success)

	engine := knowledge.NewHybridSearchEngine(
		knowledge.NewDatabaseIndexer(db),
		knowledge.NewDatabaseVectorStore(db),
		knowledge.NewResolver(knowledge.ResolverOptions{Backend: "local"}),
	)
	matches, err := engine.Search(ctx, knowledge.HybridSearchRequest{
		KnowledgeBaseID: "kb-1",
		Query:           "reset the admin password",
	})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, result.DocumentID, matches[0].DocumentID)
	assert.Equal(t, knowledge.OriginHybrid, matches[0].Origin)
}
