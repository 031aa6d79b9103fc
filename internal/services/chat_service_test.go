package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/localkb-go/internal/ollama"
)

// fakeRetriever 测试用检索桩
type fakeRetriever struct {
	results []SearchResult
	err     error
	queries []string
}

func (f *fakeRetriever) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

// fakeStreamer 测试用生成桩
type fakeStreamer struct {
	tokens   []string
	err      error
	called   bool
	messages []ollama.Message
}

func (f *fakeStreamer) ChatStream(ctx context.Context, model string, messages []ollama.Message, onToken func(token string)) error {
	f.called = true
	f.messages = messages
	for _, token := range f.tokens {
		onToken(token)
	}
	return f.err
}

func collectTurn(t *testing.T, streams *ChatStreams) ([]SourceAttribution, string, bool) {
	t.Helper()
	sources := <-streams.Sources

	var reply strings.Builder
	done := false
	for event := range streams.Tokens {
		if event.Done {
			done = true
			continue
		}
		reply.WriteString(event.Token)
	}
	return sources, reply.String(), done
}

func relevantResults() []SearchResult {
	return []SearchResult{
		{DocumentID: "doc-1", Name: "手册.md", Content: "第一段相关内容", Score: 0.9},
		{DocumentID: "doc-2", Name: "说明.txt", Content: "第二段相关内容", Score: 0.7},
	}
}

func TestChatService_StreamsAnswerWithSources(t *testing.T) {
	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{tokens: []string{"根据", "文档", "回答"}}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "如何操作"})
	sources, reply, done := collectTurn(t, streams)

	assert.True(t, done)
	assert.Equal(t, "根据文档回答", reply)
	require.Len(t, sources, 2)
	assert.Equal(t, "doc-1", sources[0].DocumentID)
	assert.Equal(t, 0.9, sources[0].Score)
	assert.True(t, streamer.called)
}

func TestChatService_GateSkipsGeneration(t *testing.T) {
	// 最高分低于阈值，不调用模型
	retriever := &fakeRetriever{results: []SearchResult{
		{DocumentID: "doc-1", Name: "a", Score: 0.3},
	}}
	streamer := &fakeStreamer{tokens: []string{"不该出现"}}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "无关问题"})
	sources, reply, done := collectTurn(t, streams)

	assert.True(t, done)
	assert.Nil(t, sources)
	assert.Equal(t, noContentMessage, reply)
	assert.False(t, streamer.called)
}

func TestChatService_NoResultsGated(t *testing.T) {
	retriever := &fakeRetriever{}
	streamer := &fakeStreamer{}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "问题"})
	_, reply, done := collectTurn(t, streams)

	assert.True(t, done)
	assert.Equal(t, noContentMessage, reply)
	assert.False(t, streamer.called)
}

func TestChatService_RetrievalErrorGated(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("search backend down")}
	streamer := &fakeStreamer{}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "问题"})
	_, reply, done := collectTurn(t, streams)

	assert.True(t, done)
	assert.Equal(t, noContentMessage, reply)
	assert.False(t, streamer.called)
}

func TestChatService_EmptyQuery(t *testing.T) {
	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "   "})
	_, reply, done := collectTurn(t, streams)

	assert.True(t, done)
	assert.Equal(t, noContentMessage, reply)
	assert.Empty(t, retriever.queries)
	assert.False(t, streamer.called)
}

func TestChatService_CanceledConsumerDoesNotBlockTurn(t *testing.T) {
	many := make([]string, 100)
	for i := range many {
		many[i] = "词"
	}
	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{tokens: many}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	streams := service.StartChatTurn(ctx, ChatTurnRequest{Query: "如何操作"})

	// 消费方取到来源和首个token后放弃本轮
	<-streams.Sources
	<-streams.Tokens
	cancel()

	// 生产协程必须在取消后退出并关闭通道，不能挂在写满的缓冲上
	deadline := time.After(2 * time.Second)
	received := 0
	for {
		select {
		case _, ok := <-streams.Tokens:
			if !ok {
				assert.Less(t, received, len(many))
				return
			}
			received++
		case <-deadline:
			t.Fatal("chat turn did not finish after consumer canceled")
		}
	}
}

func TestChatService_GenerationErrorInBand(t *testing.T) {
	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{tokens: []string{"部分回答"}, err: errors.New("model crashed")}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "问题"})
	_, reply, done := collectTurn(t, streams)

	// 错误以带内token收尾，流仍然正常结束
	assert.True(t, done)
	assert.Contains(t, reply, "部分回答")
	assert.Contains(t, reply, "[错误] model crashed")
}

func TestChatService_PromptContainsContext(t *testing.T) {
	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{tokens: []string{"ok"}}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{Query: "如何操作"})
	collectTurn(t, streams)

	require.NotEmpty(t, streamer.messages)
	prompt := streamer.messages[len(streamer.messages)-1].Content
	assert.Contains(t, prompt, "You are a helpful knowledge assistant.")
	assert.Contains(t, prompt, "Context:")
	assert.Contains(t, prompt, "第一段相关内容\n---\n第二段相关内容")
	assert.Contains(t, prompt, "User Question: 如何操作")
	assert.Contains(t, prompt, `If unsure, say "I don't know".`)
}

func TestChatService_HistoryOverride(t *testing.T) {
	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{tokens: []string{"ok"}}
	service := NewChatService(retriever, streamer, nil, "test-model", 50, 5, 3, 0.5)

	history := []ollama.Message{
		{Role: "user", Content: "之前的问题"},
		{Role: "assistant", Content: "之前的回答"},
		{Role: "assistant", Content: "  "},     // 空消息被剔除
		{Role: "user", Content: "当前问题"}, // 与本问题重复的末尾消息被剔除
	}
	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{
		Query:   "当前问题",
		History: history,
	})
	collectTurn(t, streams)

	require.Len(t, streamer.messages, 3)
	assert.Equal(t, "之前的问题", streamer.messages[0].Content)
	assert.Equal(t, "之前的回答", streamer.messages[1].Content)
	assert.Contains(t, streamer.messages[2].Content, "User Question: 当前问题")
}

func TestChatService_SessionPersistence(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionService(db)

	session, err := sessions.CreateSession(context.Background(), "测试会话", "")
	require.NoError(t, err)

	retriever := &fakeRetriever{results: relevantResults()}
	streamer := &fakeStreamer{tokens: []string{"助手", "回复"}}
	service := NewChatService(retriever, streamer, sessions, "test-model", 50, 5, 3, 0.5)

	streams := service.StartChatTurn(context.Background(), ChatTurnRequest{
		SessionID: session.ID,
		Query:     "记录这轮对话",
	})
	collectTurn(t, streams)

	messages, err := sessions.RecentMessages(context.Background(), session.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "记录这轮对话", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "助手回复", messages[1].Content)
}

func TestBuildSources_DedupeAndTopN(t *testing.T) {
	results := []SearchResult{
		{DocumentID: "doc-1", Name: "a", Score: 0.6},
		{DocumentID: "doc-1", Name: "a", Score: 0.9},
		{DocumentID: "doc-2", Name: "b", Score: 0.8},
		{DocumentID: "doc-3", Name: "c", Score: 0.7},
		{DocumentID: "doc-4", Name: "d", Score: 0.65},
	}
	sources := buildSources(results, 3)

	require.Len(t, sources, 3)
	assert.Equal(t, "doc-1", sources[0].DocumentID)
	assert.Equal(t, 0.9, sources[0].Score)
	assert.Equal(t, "doc-2", sources[1].DocumentID)
	assert.Equal(t, "doc-3", sources[2].DocumentID)
}
