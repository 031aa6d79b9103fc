package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/logger"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Collection string
	VectorSize int
	Database   string
	UseTLS     bool
	Timeout    time.Duration
}

// milvusVectorStore 单集合存储全部知识库，知识库过滤用表达式下推
type milvusVectorStore struct {
	milvusClient client.Client
	collection   string
	vectorSize   int
}

// NewMilvusVectorStore 创建Milvus向量存储
func NewMilvusVectorStore(opts MilvusOptions) (VectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "kb_chunks"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = LocalEmbedderDimensions
	}
	if opts.Database == "" {
		opts.Database = "default"
	}

	milvusClient, err := client.NewClient(
		context.Background(),
		client.Config{
			Address:       opts.Address,
			DBName:        opts.Database,
			Username:      opts.Username,
			Password:      opts.Password,
			EnableTLSAuth: opts.UseTLS,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusVectorStore{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
	}, nil
}

func (s *milvusVectorStore) ensureCollection(ctx context.Context) error {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if hasCollection {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "knowledge base chunk vectors",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "document_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "knowledge_base_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       "content",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       "vector",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.vectorSize)},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	var index entity.Index
	if hnsw, hnswErr := entity.NewIndexHNSW(entity.COSINE, 8, 64); hnswErr == nil {
		index = hnsw
	} else {
		ivf, ivfErr := entity.NewIndexIvfFlat(entity.COSINE, 128)
		if ivfErr != nil {
			return fmt.Errorf("failed to create index: %w", ivfErr)
		}
		index = ivf
	}

	if err := s.milvusClient.CreateIndex(ctx, s.collection, "vector", index, false); err != nil {
		// 无索引时Milvus退化为暴力检索，可用但慢
		logger.Warn("milvus index creation failed", zap.String("collection", s.collection), zap.Error(err))
	}

	return nil
}

func (s *milvusVectorStore) UpsertChunks(ctx context.Context, chunks []VectorChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	chunkIDs := make([]string, 0, len(chunks))
	documentIDs := make([]string, 0, len(chunks))
	kbIDs := make([]string, 0, len(chunks))
	indexes := make([]int64, 0, len(chunks))
	contents := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))

	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			return fmt.Errorf("chunk %s: embedding is empty", chunk.ChunkID)
		}
		embedding := chunk.Embedding
		if len(embedding) != s.vectorSize {
			aligned := make([]float32, s.vectorSize)
			copy(aligned, embedding)
			embedding = aligned
		}
		chunkIDs = append(chunkIDs, chunk.ChunkID)
		documentIDs = append(documentIDs, chunk.DocumentID)
		kbIDs = append(kbIDs, chunk.KnowledgeBaseID)
		indexes = append(indexes, int64(chunk.ChunkIndex))
		contents = append(contents, chunk.Text)
		vectors = append(vectors, embedding)
	}

	_, err := s.milvusClient.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnVarChar("knowledge_base_id", kbIDs),
		entity.NewColumnInt64("chunk_index", indexes),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnFloatVector("vector", s.vectorSize, vectors),
	)
	if err != nil {
		return classifyMilvusErr(err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("milvus flush failed", zap.String("collection", s.collection), zap.Error(err))
	}

	return nil
}

func (s *milvusVectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return classifyMilvusErr(err)
	}
	if !hasCollection {
		return nil
	}

	expr := fmt.Sprintf("document_id == %q", documentID)
	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return classifyMilvusErr(err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("milvus flush failed after delete", zap.Error(err))
	}

	return nil
}

func (s *milvusVectorStore) Search(ctx context.Context, req VectorSearchRequest) ([]SearchMatch, error) {
	if len(req.QueryEmbedding) == 0 {
		return nil, nil
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return nil, classifyMilvusErr(err)
	}
	if !hasCollection {
		return nil, nil
	}

	expr := ""
	if req.KnowledgeBaseID != "" {
		expr = fmt.Sprintf("knowledge_base_id == %q", req.KnowledgeBaseID)
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	queryVector := entity.FloatVector(req.QueryEmbedding)
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		expr,
		[]string{"chunk_id", "document_id", "content"},
		[]entity.Vector{queryVector},
		"vector",
		entity.COSINE,
		req.Limit,
		sp,
	)
	if err != nil {
		return nil, classifyMilvusErr(err)
	}

	if len(searchResults) == 0 {
		return []SearchMatch{}, nil
	}
	result := searchResults[0]
	if result.Err != nil {
		return nil, classifyMilvusErr(result.Err)
	}
	if result.ResultCount == 0 {
		return []SearchMatch{}, nil
	}

	var chunkIDs, documentIDs, contents []string
	for _, field := range result.Fields {
		switch field.Name() {
		case "chunk_id":
			if val, ok := field.(*entity.ColumnVarChar); ok {
				chunkIDs = val.Data()
			}
		case "document_id":
			if val, ok := field.(*entity.ColumnVarChar); ok {
				documentIDs = val.Data()
			}
		case "content":
			if val, ok := field.(*entity.ColumnVarChar); ok {
				contents = val.Data()
			}
		}
	}

	results := make([]SearchMatch, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		match := SearchMatch{Origin: OriginSemantic}
		if i < len(chunkIDs) {
			match.ChunkID = chunkIDs[i]
		}
		if i < len(documentIDs) {
			match.DocumentID = documentIDs[i]
		}
		if i < len(contents) {
			match.Content = contents[i]
		}
		if i < len(result.Scores) {
			// COSINE度量下返回的就是相似度
			match.Score = clampScore(float64(result.Scores[i]))
		}
		results = append(results, match)
	}

	return results, nil
}

func (s *milvusVectorStore) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}

// classifyMilvusErr 把Milvus返回的错误归类为语义化哨兵
func classifyMilvusErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "collection not found") ||
		strings.Contains(msg, "can't find collection") ||
		strings.Contains(msg, "collection not exist"):
		return fmt.Errorf("%w: %v", apperrors.ErrIndexMissing, err)
	case strings.Contains(msg, "field") && (strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "not found")):
		return fmt.Errorf("%w: %v", apperrors.ErrSchemaMismatch, err)
	case strings.Contains(msg, "dimension") && strings.Contains(msg, "mismatch"):
		return fmt.Errorf("%w: %v", apperrors.ErrSchemaMismatch, err)
	}
	return fmt.Errorf("milvus: %w", err)
}
