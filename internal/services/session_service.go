package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/models"
)

// SessionService 对话会话与消息存储
type SessionService struct {
	db *gorm.DB
}

// NewSessionService 创建会话服务
func NewSessionService(db *gorm.DB) *SessionService {
	return &SessionService{db: db}
}

// CreateSession 创建会话
func (s *SessionService) CreateSession(ctx context.Context, title, knowledgeBaseID string) (*models.ChatSession, error) {
	session := &models.ChatSession{
		ID:              uuid.NewString(),
		Title:           title,
		KnowledgeBaseID: knowledgeBaseID,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession 查询会话
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("session")
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions 最近会话列表
func (s *SessionService) ListSessions(ctx context.Context, limit int) ([]models.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []models.ChatSession
	err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// AppendMessage 追加一条消息并刷新会话时间
func (s *SessionService) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	message := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(message).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", sessionID).
		Update("updated_at", time.Now()).Error
}

// RecentMessages 取会话最近limit条消息，按时间升序返回
func (s *SessionService) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	var messages []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// 倒序查出最新N条后翻回升序
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteSession 删除会话及其全部消息
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&models.ChatMessage{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("id = ?", sessionID).
		Delete(&models.ChatSession{}).Error
}
