package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/logger"
	"github.com/aihub/localkb-go/internal/ollama"
)

const noContentMessage = "知识库里没有找到与这个问题相关的内容，请换个问法，或先导入相关文档。"

// TokenEvent 流式输出事件，Done为真表示本轮结束
type TokenEvent struct {
	Token string
	Done  bool
}

// SourceAttribution 回答引用的来源文档
type SourceAttribution struct {
	DocumentID string  `json:"document_id"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
}

// ChatTurnRequest 单轮对话请求。History非空时覆盖会话历史
type ChatTurnRequest struct {
	SessionID       string
	KnowledgeBaseID string
	Query           string
	Model           string
	History         []ollama.Message
}

// ChatStreams 一轮对话的两条事件流。Sources先于首个生成token到达；
// Tokens最后一条恒为Done，两个通道随后关闭。
type ChatStreams struct {
	Tokens  <-chan TokenEvent
	Sources <-chan []SourceAttribution
}

type chatRetriever interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

type chatStreamer interface {
	ChatStream(ctx context.Context, model string, messages []ollama.Message, onToken func(token string)) error
}

// ChatService RAG对话编排：检索 -> 相关性闸门 -> 来源归因 -> 流式生成
type ChatService struct {
	search       chatRetriever
	llm          chatStreamer
	sessions     *SessionService
	model        string
	historyLimit int
	retrieveTopK int
	sourceTopN   int
	threshold    float64
}

// NewChatService 创建对话服务
func NewChatService(search chatRetriever, llm chatStreamer, sessions *SessionService,
	model string, historyLimit, retrieveTopK, sourceTopN int, threshold float64) *ChatService {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if retrieveTopK <= 0 {
		retrieveTopK = 5
	}
	if sourceTopN <= 0 {
		sourceTopN = 3
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	return &ChatService{
		search:       search,
		llm:          llm,
		sessions:     sessions,
		model:        model,
		historyLimit: historyLimit,
		retrieveTopK: retrieveTopK,
		sourceTopN:   sourceTopN,
		threshold:    threshold,
	}
}

// StartChatTurn 启动一轮对话，立即返回事件流
func (s *ChatService) StartChatTurn(ctx context.Context, req ChatTurnRequest) *ChatStreams {
	tokens := make(chan TokenEvent, 16)
	sources := make(chan []SourceAttribution, 1)

	go s.runTurn(ctx, req, tokens, sources)

	return &ChatStreams{Tokens: tokens, Sources: sources}
}

func (s *ChatService) runTurn(ctx context.Context, req ChatTurnRequest,
	tokens chan<- TokenEvent, sources chan<- []SourceAttribution) {

	defer close(tokens)
	defer close(sources)

	query := strings.TrimSpace(req.Query)
	if query == "" {
		sendSources(ctx, sources, nil)
		sendToken(ctx, tokens, TokenEvent{Token: noContentMessage})
		sendToken(ctx, tokens, TokenEvent{Done: true})
		return
	}

	if req.SessionID != "" && s.sessions != nil {
		if err := s.sessions.AppendMessage(ctx, req.SessionID, "user", query); err != nil {
			logger.Warn("persist user message failed", zap.Error(err))
		}
	}

	history := s.effectiveHistory(ctx, req, query)

	// 检索失败与零结果同样走无内容路径
	results, err := s.search.Search(ctx, query, SearchOptions{
		Mode:            knowledge.ModeSemantic,
		Limit:           s.retrieveTopK,
		KnowledgeBaseID: req.KnowledgeBaseID,
	})
	if err != nil {
		logger.Warn("chat retrieval degraded", zap.Error(err))
		results = nil
	}

	var maxScore float64
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}

	// 相关性闸门：没有足够相关的内容就不调用模型
	if len(results) == 0 || maxScore <= s.threshold {
		chatTurns.WithLabelValues("true").Inc()
		sendSources(ctx, sources, nil)
		sendToken(ctx, tokens, TokenEvent{Token: noContentMessage})
		sendToken(ctx, tokens, TokenEvent{Done: true})
		s.persistAssistant(ctx, req.SessionID, noContentMessage)
		return
	}
	chatTurns.WithLabelValues("false").Inc()

	sendSources(ctx, sources, buildSources(results, s.sourceTopN))

	model := req.Model
	if model == "" {
		model = s.model
	}

	messages := append(history, ollama.Message{
		Role:    "user",
		Content: buildPrompt(query, results),
	})

	var reply strings.Builder
	err = s.llm.ChatStream(ctx, model, messages, func(token string) {
		reply.WriteString(token)
		sendToken(ctx, tokens, TokenEvent{Token: token})
	})
	if err != nil {
		// 生成错误以带内错误token收尾，流仍然正常结束
		logger.Error("chat generation failed", zap.Error(err))
		sendToken(ctx, tokens, TokenEvent{Token: fmt.Sprintf("\n[错误] %v\n", err)})
	}
	sendToken(ctx, tokens, TokenEvent{Done: true})

	s.persistAssistant(ctx, req.SessionID, reply.String())
}

// sendToken 投递事件，消费方放弃(ctx取消)时丢弃并返回false，生产协程不被挂住
func sendToken(ctx context.Context, ch chan<- TokenEvent, event TokenEvent) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendSources(ctx context.Context, ch chan<- []SourceAttribution, srcs []SourceAttribution) bool {
	select {
	case ch <- srcs:
		return true
	case <-ctx.Done():
		return false
	}
}

// effectiveHistory 调用方提供的历史优先，否则取会话最近N条。
// 空消息被剔除，末尾与本问题重复的用户消息也被剔除。
func (s *ChatService) effectiveHistory(ctx context.Context, req ChatTurnRequest, query string) []ollama.Message {
	var history []ollama.Message
	if len(req.History) > 0 {
		history = req.History
	} else if req.SessionID != "" && s.sessions != nil {
		stored, err := s.sessions.RecentMessages(ctx, req.SessionID, s.historyLimit)
		if err != nil {
			logger.Warn("load session history failed", zap.Error(err))
		}
		for _, msg := range stored {
			history = append(history, ollama.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	cleaned := make([]ollama.Message, 0, len(history))
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		cleaned = append(cleaned, msg)
	}
	if n := len(cleaned); n > 0 && cleaned[n-1].Role == "user" &&
		strings.TrimSpace(cleaned[n-1].Content) == query {
		cleaned = cleaned[:n-1]
	}
	return cleaned
}

func (s *ChatService) persistAssistant(ctx context.Context, sessionID, content string) {
	if sessionID == "" || s.sessions == nil || content == "" {
		return
	}
	if err := s.sessions.AppendMessage(ctx, sessionID, "assistant", content); err != nil {
		logger.Warn("persist assistant message failed", zap.Error(err))
	}
}

// buildSources 按文档去重保留最高分，取前topN
func buildSources(results []SearchResult, topN int) []SourceAttribution {
	best := make(map[string]SourceAttribution)
	for _, r := range results {
		if existing, ok := best[r.DocumentID]; !ok || r.Score > existing.Score {
			best[r.DocumentID] = SourceAttribution{
				DocumentID: r.DocumentID,
				Name:       r.Name,
				Score:      r.Score,
			}
		}
	}

	sources := make([]SourceAttribution, 0, len(best))
	for _, src := range best {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Score == sources[j].Score {
			return sources[i].DocumentID < sources[j].DocumentID
		}
		return sources[i].Score > sources[j].Score
	})
	if len(sources) > topN {
		sources = sources[:topN]
	}
	return sources
}

// buildPrompt 构造带上下文的提问
func buildPrompt(query string, results []SearchResult) string {
	snippets := make([]string, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, r.Content)
	}

	lines := []string{
		"You are a helpful knowledge assistant.",
		"Context:",
		strings.Join(snippets, "\n---\n"),
		"",
		fmt.Sprintf("User Question: %s", query),
		"",
		`Answer based ONLY on the context above. If unsure, say "I don't know".`,
	}
	return strings.Join(lines, "\n")
}
