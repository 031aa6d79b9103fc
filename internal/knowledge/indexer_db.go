package knowledge

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"gorm.io/gorm"
)

// DatabaseIndexer 纯数据库的关键词检索退化实现。文档内容已在
// knowledge_chunks表中，写入是no-op；检索做大小写不敏感的LIKE，
// 每个文档只保留首个命中块，得分固定0.6。
type DatabaseIndexer struct {
	db *gorm.DB
}

func NewDatabaseIndexer(db *gorm.DB) FulltextIndexer {
	return &DatabaseIndexer{db: db}
}

func (d *DatabaseIndexer) IndexDocument(ctx context.Context, doc FulltextDocument) error {
	return nil
}

func (d *DatabaseIndexer) RemoveDocument(ctx context.Context, knowledgeBaseID string, documentID string) error {
	return nil
}

func (d *DatabaseIndexer) Search(ctx context.Context, req FulltextSearchRequest) ([]SearchMatch, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	pattern := "%" + strings.ToLower(req.Query) + "%"
	query := d.db.WithContext(ctx).
		Table("knowledge_chunks").
		Select("knowledge_chunks.id AS chunk_id, knowledge_chunks.document_id, knowledge_chunks.content").
		Joins("JOIN knowledge_documents ON knowledge_chunks.document_id = knowledge_documents.id").
		Where("knowledge_documents.status = ?", "indexed").
		Where("LOWER(knowledge_chunks.content) LIKE ? OR LOWER(knowledge_documents.name) LIKE ? OR LOWER(knowledge_documents.tags) LIKE ?",
			pattern, pattern, pattern).
		Order("knowledge_chunks.document_id ASC, knowledge_chunks.chunk_index ASC")
	if req.KnowledgeBaseID != "" {
		query = query.Where("knowledge_documents.knowledge_base_id = ?", req.KnowledgeBaseID)
	}

	var rows []chunkSearchRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("database search failed: %w", err)
	}

	seen := make(map[string]bool)
	matches := make([]SearchMatch, 0, limit)
	for _, row := range rows {
		if seen[row.DocumentID] {
			continue
		}
		seen[row.DocumentID] = true

		matches = append(matches, SearchMatch{
			ChunkID:    row.ChunkID,
			DocumentID: row.DocumentID,
			Content:    row.Content,
			Score:      0.6,
			Origin:     OriginKeyword,
			Highlight:  buildHighlight(row.Content, req.Query),
		})
		if len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (d *DatabaseIndexer) Ready() bool {
	return d.db != nil
}

// chunkSearchRecord 查询用的最小结构，避免引用模型包产生循环
type chunkSearchRecord struct {
	ChunkID    string
	DocumentID string
	Content    string
}

// buildHighlight 按字符(rune)做大小写不敏感匹配，命中词两侧各保留40个字符。
// 逐rune小写保证偏移量对齐，不受大小写映射改变字节长度的影响。
func buildHighlight(content, query string) string {
	contentRunes := []rune(content)
	needle := lowerRunes([]rune(query))
	if len(needle) == 0 || len(needle) > len(contentRunes) {
		return ""
	}
	haystack := lowerRunes(contentRunes)

	idx := -1
	for i := 0; i+len(needle) <= len(haystack); i++ {
		found := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				found = false
				break
			}
		}
		if found {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ""
	}

	start := idx - 40
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + 40
	if end > len(contentRunes) {
		end = len(contentRunes)
	}
	return string(contentRunes[start:idx]) + "<mark>" +
		string(contentRunes[idx:idx+len(needle)]) + "</mark>" +
		string(contentRunes[idx+len(needle):end])
}

func lowerRunes(runes []rune) []rune {
	lowered := make([]rune, len(runes))
	for i, r := range runes {
		lowered[i] = unicode.ToLower(r)
	}
	return lowered
}
