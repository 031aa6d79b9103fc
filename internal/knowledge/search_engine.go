package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/logger"
)

// 检索模式
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
	ModeHybrid   = "hybrid"
)

// HybridSearchRequest 混合检索请求
type HybridSearchRequest struct {
	KnowledgeBaseID string
	Query           string
	Limit           int
	Mode            string // semantic | keyword | hybrid
}

// HybridSearchEngine 组合关键词与向量检索。两路各取2倍候选，
// 按文档维度加权融合；任一侧不可用或失败时降级为另一侧。
// 返回的候选列表不做最终截断，调用方过滤后再截断。
type HybridSearchEngine struct {
	indexer        FulltextIndexer
	vectorStore    VectorStore
	embedder       Embedder
	vectorWeight   float64
	fulltextWeight float64
}

func NewHybridSearchEngine(indexer FulltextIndexer, vectorStore VectorStore, embedder Embedder) *HybridSearchEngine {
	return &HybridSearchEngine{
		indexer:        indexer,
		vectorStore:    vectorStore,
		embedder:       embedder,
		vectorWeight:   0.6,
		fulltextWeight: 0.4,
	}
}

// SetWeights 设置融合权重，内部归一化到和为1
func (e *HybridSearchEngine) SetWeights(vectorWeight, fulltextWeight float64) {
	if vectorWeight > 0 && fulltextWeight > 0 {
		total := vectorWeight + fulltextWeight
		e.vectorWeight = vectorWeight / total
		e.fulltextWeight = fulltextWeight / total
	}
}

// SetEmbedder 切换Embedder，检索必须与建库时使用同一向量空间
func (e *HybridSearchEngine) SetEmbedder(embedder Embedder) {
	e.embedder = embedder
}

func (e *HybridSearchEngine) Search(ctx context.Context, req HybridSearchRequest) ([]SearchMatch, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.NewValidationError("query cannot be empty")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	useVector := e.vectorStore != nil && e.vectorStore.Ready() && e.embedder != nil && e.embedder.Ready()
	useFulltext := e.indexer != nil && e.indexer.Ready()

	switch mode {
	case ModeSemantic:
		useFulltext = false
	case ModeKeyword:
		useVector = false
	case ModeHybrid:
	default:
		return nil, apperrors.NewValidationError("unknown search mode: " + mode)
	}

	if !useVector && !useFulltext {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeInvalidState, "no search backend available")
	}

	var vectorResults, fullResults []SearchMatch

	if useVector {
		results, err := e.searchVector(ctx, req)
		if err != nil {
			// 语义侧失败按空结果降级，混合模式下退化为纯关键词
			logger.Warn("vector search degraded", zap.Error(err))
			if !useFulltext {
				return nil, nil
			}
			useVector = false
		} else {
			vectorResults = results
		}
	}

	if useFulltext {
		results, err := e.indexer.Search(ctx, FulltextSearchRequest{
			KnowledgeBaseID: req.KnowledgeBaseID,
			Query:           req.Query,
			Limit:           req.Limit * 2,
		})
		if err != nil {
			if errors.Is(err, apperrors.ErrIndexMissing) {
				results = nil
			} else {
				logger.Warn("fulltext search degraded", zap.Error(err))
				if !useVector {
					return nil, err
				}
			}
			useFulltext = false
			fullResults = nil
		} else {
			fullResults = results
		}
	}

	if !useFulltext {
		return vectorResults, nil
	}
	if !useVector {
		return fullResults, nil
	}

	return e.mergeResults(vectorResults, fullResults), nil
}

func (e *HybridSearchEngine) searchVector(ctx context.Context, req HybridSearchRequest) ([]SearchMatch, error) {
	embedding, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, nil
	}

	results, err := e.vectorStore.Search(ctx, VectorSearchRequest{
		KnowledgeBaseID: req.KnowledgeBaseID,
		QueryEmbedding:  embedding,
		Limit:           req.Limit * 2,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrIndexMissing) {
			return nil, nil
		}
		// 后端不支持库过滤表达式时去掉过滤条件重试一次
		if errors.Is(err, apperrors.ErrSchemaMismatch) && req.KnowledgeBaseID != "" {
			logger.Warn("vector store rejected kb filter, retrying unfiltered",
				zap.String("knowledge_base_id", req.KnowledgeBaseID))
			return e.vectorStore.Search(ctx, VectorSearchRequest{
				QueryEmbedding: embedding,
				Limit:          req.Limit * 2,
			})
		}
		return nil, err
	}
	return results, nil
}

// mergeResults 按文档维度加权融合：语义×vectorWeight，关键词×fulltextWeight。
// 两侧都命中的文档得分相加并标记为hybrid。
func (e *HybridSearchEngine) mergeResults(vectorResults, fullResults []SearchMatch) []SearchMatch {
	scoreMap := make(map[string]*SearchMatch)

	for _, item := range vectorResults {
		match := item
		match.Score = match.Score * e.vectorWeight
		match.Origin = OriginSemantic
		if existing, ok := scoreMap[match.DocumentID]; ok {
			// 同文档多块命中，保留得分最高的块
			if match.Score > existing.Score {
				scoreMap[match.DocumentID] = &match
			}
			continue
		}
		scoreMap[match.DocumentID] = &match
	}

	for _, item := range fullResults {
		if existing, ok := scoreMap[item.DocumentID]; ok {
			existing.Score += item.Score * e.fulltextWeight
			existing.Origin = OriginHybrid
			if existing.Highlight == "" {
				existing.Highlight = item.Highlight
			}
			if existing.Content == "" {
				existing.Content = item.Content
			}
		} else {
			match := item
			match.Score = item.Score * e.fulltextWeight
			match.Origin = OriginKeyword
			scoreMap[item.DocumentID] = &match
		}
	}

	results := make([]SearchMatch, 0, len(scoreMap))
	for _, item := range scoreMap {
		results = append(results, *item)
	}

	sortMatchesByScore(results)
	return results
}

func sortMatchesByScore(matches []SearchMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			if matches[i].DocumentID == matches[j].DocumentID {
				return matches[i].ChunkID < matches[j].ChunkID
			}
			return matches[i].DocumentID < matches[j].DocumentID
		}
		return matches[i].Score > matches[j].Score
	})
}
