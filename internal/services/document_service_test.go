package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/models"
)

func newTestDocumentService(t *testing.T, db *gorm.DB) *DocumentService {
	t.Helper()
	return NewDocumentService(db,
		knowledge.NewDatabaseVectorStore(db),
		knowledge.NewDatabaseIndexer(db))
}

func TestDocumentService_GetDocument(t *testing.T) {
	db := newTestDB(t)
	service := newTestDocumentService(t, db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "doc-1", Name: "a.md", Status: models.DocumentStatusIndexed,
	}).Error)

	doc, err := service.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "a.md", doc.Name)

	_, err = service.GetDocument(ctx, "missing")
	require.Error(t, err)
}

func TestDocumentService_DeleteDocumentCascades(t *testing.T) {
	db := newTestDB(t)
	service := newTestDocumentService(t, db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "doc-1", KnowledgeBaseID: "kb-1", Name: "a.md",
		Status: models.DocumentStatusIndexed,
	}).Error)
	require.NoError(t, db.Create(&models.KnowledgeChunk{
		ID: "c1", DocumentID: "doc-1", KnowledgeBaseID: "kb-1", Content: "x",
	}).Error)

	vectorStore := knowledge.NewDatabaseVectorStore(db)
	require.NoError(t, vectorStore.UpsertChunks(ctx, []knowledge.VectorChunk{
		{ChunkID: "c1", DocumentID: "doc-1", KnowledgeBaseID: "kb-1",
			Text: "x", Embedding: []float32{1, 0}},
	}))

	require.NoError(t, service.DeleteDocument(ctx, "doc-1"))

	var docCount, chunkCount int64
	require.NoError(t, db.Model(&models.KnowledgeDocument{}).Count(&docCount).Error)
	require.NoError(t, db.Model(&models.KnowledgeChunk{}).Count(&chunkCount).Error)
	assert.EqualValues(t, 0, docCount)
	assert.EqualValues(t, 0, chunkCount)

	matches, err := vectorStore.Search(ctx, knowledge.VectorSearchRequest{
		QueryEmbedding: []float32{1, 0}, Limit: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDocumentService_DeleteMissingDocumentIsNoop(t *testing.T) {
	service := newTestDocumentService(t, newTestDB(t))

	require.NoError(t, service.DeleteDocument(context.Background(), "missing"))
}

func TestDocumentService_DeleteIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	service := newTestDocumentService(t, db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "doc-1", Name: "a.md", Status: models.DocumentStatusIndexed,
	}).Error)

	require.NoError(t, service.DeleteDocument(ctx, "doc-1"))
	require.NoError(t, service.DeleteDocument(ctx, "doc-1"))
}

func TestDocumentService_KnowledgeBaseLifecycle(t *testing.T) {
	db := newTestDB(t)
	service := newTestDocumentService(t, db)
	ctx := context.Background()

	kb, err := service.CreateKnowledgeBase(ctx, "工作笔记", "项目相关文档")
	require.NoError(t, err)
	require.NotEmpty(t, kb.ID)

	_, err = service.CreateKnowledgeBase(ctx, "", "")
	require.Error(t, err)

	kbs, err := service.ListKnowledgeBases(ctx)
	require.NoError(t, err)
	require.Len(t, kbs, 1)
	assert.Equal(t, "工作笔记", kbs[0].Name)
}

func TestDocumentService_DeleteKnowledgeBaseCascades(t *testing.T) {
	db := newTestDB(t)
	service := newTestDocumentService(t, db)
	ctx := context.Background()

	kb, err := service.CreateKnowledgeBase(ctx, "临时库", "")
	require.NoError(t, err)

	for _, id := range []string{"doc-1", "doc-2"} {
		require.NoError(t, db.Create(&models.KnowledgeDocument{
			ID: id, KnowledgeBaseID: kb.ID, Name: id + ".md",
			Status: models.DocumentStatusIndexed,
		}).Error)
		require.NoError(t, db.Create(&models.KnowledgeChunk{
			ID: id + "-c0", DocumentID: id, KnowledgeBaseID: kb.ID, Content: "x",
		}).Error)
	}

	require.NoError(t, service.DeleteKnowledgeBase(ctx, kb.ID))

	var kbCount, docCount, chunkCount int64
	require.NoError(t, db.Model(&models.KnowledgeBase{}).Count(&kbCount).Error)
	require.NoError(t, db.Model(&models.KnowledgeDocument{}).Count(&docCount).Error)
	require.NoError(t, db.Model(&models.KnowledgeChunk{}).Count(&chunkCount).Error)
	assert.EqualValues(t, 0, kbCount)
	assert.EqualValues(t, 0, docCount)
	assert.EqualValues(t, 0, chunkCount)
}

func TestDocumentService_ListByKnowledgeBase(t *testing.T) {
	db := newTestDB(t)
	service := newTestDocumentService(t, db)

	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "doc-1", KnowledgeBaseID: "kb-1", Name: "a.md", Status: models.DocumentStatusIndexed,
	}).Error)
	require.NoError(t, db.Create(&models.KnowledgeDocument{
		ID: "doc-2", KnowledgeBaseID: "kb-2", Name: "b.md", Status: models.DocumentStatusIndexed,
	}).Error)

	docs, err := service.ListByKnowledgeBase(context.Background(), "kb-1", 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-1", docs[0].ID)
}
