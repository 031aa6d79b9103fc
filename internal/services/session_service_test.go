package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/localkb-go/internal/models"
)

func TestSessionService_CreateAndGet(t *testing.T) {
	service := NewSessionService(newTestDB(t))
	ctx := context.Background()

	session, err := service.CreateSession(ctx, "新会话", "kb-1")
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)

	loaded, err := service.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "新会话", loaded.Title)
	assert.Equal(t, "kb-1", loaded.KnowledgeBaseID)

	_, err = service.GetSession(ctx, "missing")
	require.Error(t, err)
}

func TestSessionService_AppendAndRecentMessages(t *testing.T) {
	service := NewSessionService(newTestDB(t))
	ctx := context.Background()

	session, err := service.CreateSession(ctx, "对话", "")
	require.NoError(t, err)

	require.NoError(t, service.AppendMessage(ctx, session.ID, "user", "第一问"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, service.AppendMessage(ctx, session.ID, "assistant", "第一答"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, service.AppendMessage(ctx, session.ID, "user", "第二问"))

	messages, err := service.RecentMessages(ctx, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	// 按时间升序返回
	assert.Equal(t, "第一问", messages[0].Content)
	assert.Equal(t, "第一答", messages[1].Content)
	assert.Equal(t, "第二问", messages[2].Content)
}

func TestSessionService_RecentMessagesLimit(t *testing.T) {
	service := NewSessionService(newTestDB(t))
	ctx := context.Background()

	session, err := service.CreateSession(ctx, "长对话", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, service.AppendMessage(ctx, session.ID, "user", string(rune('a'+i))))
		time.Sleep(2 * time.Millisecond)
	}

	// 限制2条时取最新的两条
	messages, err := service.RecentMessages(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "d", messages[0].Content)
	assert.Equal(t, "e", messages[1].Content)
}

func TestSessionService_ListSessions(t *testing.T) {
	service := NewSessionService(newTestDB(t))
	ctx := context.Background()

	first, err := service.CreateSession(ctx, "旧会话", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = service.CreateSession(ctx, "新会话", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	// 追加消息刷新updated_at，旧会话排到最前
	require.NoError(t, service.AppendMessage(ctx, first.ID, "user", "唤醒"))

	sessions, err := service.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
}

func TestSessionService_DeleteSession(t *testing.T) {
	db := newTestDB(t)
	service := NewSessionService(db)
	ctx := context.Background()

	session, err := service.CreateSession(ctx, "待删除", "")
	require.NoError(t, err)
	require.NoError(t, service.AppendMessage(ctx, session.ID, "user", "内容"))

	require.NoError(t, service.DeleteSession(ctx, session.ID))

	var sessionCount, messageCount int64
	require.NoError(t, db.Model(&models.ChatSession{}).Count(&sessionCount).Error)
	require.NoError(t, db.Model(&models.ChatMessage{}).Count(&messageCount).Error)
	assert.EqualValues(t, 0, sessionCount)
	assert.EqualValues(t, 0, messageCount)
}
