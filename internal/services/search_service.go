package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/logger"
	"github.com/aihub/localkb-go/internal/models"
)

// SearchOptions 检索选项与候选过滤条件
type SearchOptions struct {
	Mode            string // semantic | keyword | hybrid
	Limit           int
	KnowledgeBaseID string
	Types           []string
	Tags            []string // 任一标签命中即保留
	DateFrom        *time.Time
	DateTo          *time.Time
}

// SearchResult 带文档元数据的检索结果
type SearchResult struct {
	DocumentID      string    `json:"document_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Tags            []string  `json:"tags"`
	Content         string    `json:"content"`
	Highlight       string    `json:"highlight,omitempty"`
	Score           float64   `json:"score"`
	Origin          string    `json:"origin"`
	CreatedAt       time.Time `json:"created_at"`
}

// SearchService 在检索引擎之上做元数据关联、候选过滤和缓存
type SearchService struct {
	db       *gorm.DB
	engine   *knowledge.HybridSearchEngine
	redis    *redis.Client
	cacheTTL time.Duration
}

// NewSearchService 创建检索服务，redis为nil时不启用缓存
func NewSearchService(db *gorm.DB, engine *knowledge.HybridSearchEngine, redisClient *redis.Client, cacheTTL time.Duration) *SearchService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &SearchService{
		db:       db,
		engine:   engine,
		redis:    redisClient,
		cacheTTL: cacheTTL,
	}
}

// Search 执行检索。引擎返回的候选先关联文档元数据（文档已删除的
// 候选被丢弃），再按类型/标签/时间过滤，最后截断到limit。
func (s *SearchService) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	mode := opts.Mode
	if mode == "" {
		mode = knowledge.ModeHybrid
	}

	started := time.Now()
	defer func() {
		searchDuration.Observe(time.Since(started).Seconds())
	}()
	searchesTotal.WithLabelValues(mode).Inc()

	// 带过滤条件的请求命中率低，不进缓存
	cacheable := len(opts.Types) == 0 && len(opts.Tags) == 0 && opts.DateFrom == nil && opts.DateTo == nil
	cacheKey := fmt.Sprintf("localkb:search:%s:%s:%s:%d", opts.KnowledgeBaseID, mode, query, opts.Limit)
	if cacheable && s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var results []SearchResult
			if json.Unmarshal([]byte(cached), &results) == nil {
				return results, nil
			}
		}
	}

	matches, err := s.engine.Search(ctx, knowledge.HybridSearchRequest{
		KnowledgeBaseID: opts.KnowledgeBaseID,
		Query:           query,
		Limit:           opts.Limit,
		Mode:            mode,
	})
	if err != nil {
		return nil, err
	}

	results := s.enrich(ctx, matches, opts)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	if cacheable && s.redis != nil {
		if payload, err := json.Marshal(results); err == nil {
			if err := s.redis.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				logger.Debug("search cache write failed", zap.Error(err))
			}
		}
	}

	return results, nil
}

// enrich 关联文档元数据并应用过滤条件
func (s *SearchService) enrich(ctx context.Context, matches []knowledge.SearchMatch, opts SearchOptions) []SearchResult {
	results := make([]SearchResult, 0, len(matches))
	for _, match := range matches {
		var doc models.KnowledgeDocument
		if err := s.db.WithContext(ctx).
			Where("id = ?", match.DocumentID).
			First(&doc).Error; err != nil {
			// 元数据已不存在的候选直接丢弃
			continue
		}

		if opts.KnowledgeBaseID != "" && doc.KnowledgeBaseID != opts.KnowledgeBaseID {
			continue
		}
		if len(opts.Types) > 0 && !containsString(opts.Types, doc.Type) {
			continue
		}

		tags := decodeTags(doc.Tags)
		if len(opts.Tags) > 0 && !anyTagMatch(opts.Tags, tags) {
			continue
		}
		if opts.DateFrom != nil && doc.CreatedAt.Before(*opts.DateFrom) {
			continue
		}
		if opts.DateTo != nil && doc.CreatedAt.After(*opts.DateTo) {
			continue
		}

		results = append(results, SearchResult{
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			Name:            doc.Name,
			Type:            doc.Type,
			Tags:            tags,
			Content:         buildSnippet(match.Content),
			Highlight:       match.Highlight,
			Score:           match.Score,
			Origin:          match.Origin,
			CreatedAt:       doc.CreatedAt,
		})
	}
	return results
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func anyTagMatch(wanted, actual []string) bool {
	for _, w := range wanted {
		if containsString(actual, w) {
			return true
		}
	}
	return false
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// buildSnippet 截取前180个rune作为摘要
func buildSnippet(content string) string {
	runes := []rune(content)
	if len(runes) <= 180 {
		return content
	}
	return string(runes[:180]) + "..."
}
