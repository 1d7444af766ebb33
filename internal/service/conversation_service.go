// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"manthrabin-go/internal/model"
	"manthrabin-go/internal/repository"

	"github.com/google/uuid"
)

// ErrModelNotFound 表示请求的生成模型不存在。
var ErrModelNotFound = errors.New("llm model not found")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ExchangeView 是对外展示的问答记录，conversation_id 使用对话的公开标识。
type ExchangeView struct {
	PublicID       string    `json:"public_id"`
	UserPrompt     string    `json:"user_prompt"`
	Response       string    `json:"response"`
	ConversationID string    `json:"conversation_id"`
	Time           time.Time `json:"time"`
}

// ExchangePage 是分页查询的结果。
type ExchangePage struct {
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	Results []ExchangeView `json:"results"`
}

// ConversationService 定义了对话管理的接口。
type ConversationService interface {
	ListConversations(ctx context.Context, userID uint) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, userID uint, modelName string) (*model.Conversation, error)
	ListExchanges(ctx context.Context, userID uint, conversationID string, limit, offset int) (*ExchangePage, error)
}

type conversationService struct {
	conversations repository.ConversationRepository
	exchanges     repository.ExchangeRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(conversations repository.ConversationRepository, exchanges repository.ExchangeRepository) ConversationService {
	return &conversationService{conversations: conversations, exchanges: exchanges}
}

// ListConversations 返回用户的全部对话，最近更新的在前。
func (s *conversationService) ListConversations(ctx context.Context, userID uint) ([]model.Conversation, error) {
	convs, err := s.conversations.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询对话列表失败: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return convs, nil
}

// CreateConversation 以默认标题为用户新建一个对话。
func (s *conversationService) CreateConversation(ctx context.Context, userID uint, modelName string) (*model.Conversation, error) {
	m, err := s.conversations.FindModelByName(ctx, strings.TrimSpace(modelName))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("查询模型失败: %w", err)
	}

	conv := &model.Conversation{
		PublicID: uuid.NewString(),
		Title:    model.DefaultConversationTitle,
		UserID:   userID,
		ModelID:  m.ID,
		Model:    *m,
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("创建对话失败: %w", err)
	}
	return conv, nil
}

// ListExchanges 按时间倒序分页返回对话中的问答；对话不存在或不属于用户时返回 ErrConversationNotFound。
func (s *conversationService) ListExchanges(ctx context.Context, userID uint, conversationID string, limit, offset int) (*ExchangePage, error) {
	conv, err := s.conversations.FindOwned(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("查询对话失败: %w", err)
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	exchanges, total, err := s.exchanges.ListPage(ctx, conv.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("查询问答记录失败: %w", err)
	}

	views := make([]ExchangeView, 0, len(exchanges))
	for _, e := range exchanges {
		views = append(views, ExchangeView{
			PublicID:       e.PublicID,
			UserPrompt:     e.UserPrompt,
			Response:       e.Response,
			ConversationID: conv.PublicID,
			Time:           e.Time,
		})
	}
	return &ExchangePage{Total: total, Limit: limit, Offset: offset, Results: views}, nil
}
