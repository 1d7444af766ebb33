package repository

import (
	"context"

	"manthrabin-go/internal/model"

	"gorm.io/gorm"
)

// ConversationRepository 定义了对话及模型数据的操作接口。
type ConversationRepository interface {
	Create(ctx context.Context, conversation *model.Conversation) error
	// FindOwned 仅当对话存在且属于 userID 时返回，否则返回 ErrNotFound。
	FindOwned(ctx context.Context, publicID string, userID uint) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Conversation, error)
	UpdateTitle(ctx context.Context, conversationID uint, title string) error
	FindModelByName(ctx context.Context, name string) (*model.LLMModel, error)
	CreateModel(ctx context.Context, m *model.LLMModel) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *model.Conversation) error {
	return r.db.WithContext(ctx).Create(conversation).Error
}

func (r *conversationRepository) FindOwned(ctx context.Context, publicID string, userID uint) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Preload("Model").
		Where("public_id = ? AND user_id = ?", publicID, userID).
		First(&conv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// ListByUser 返回用户的全部对话，最近更新的在前。
func (r *conversationRepository) ListByUser(ctx context.Context, userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.WithContext(ctx).
		Preload("Model").
		Where("user_id = ?", userID).
		Order("updated_at DESC, id DESC").
		Find(&convs).Error
	return convs, err
}

// UpdateTitle 只更新标题（以及 updated_at）。
func (r *conversationRepository) UpdateTitle(ctx context.Context, conversationID uint, title string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *conversationRepository) FindModelByName(ctx context.Context, name string) (*model.LLMModel, error) {
	var m model.LLMModel
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *conversationRepository) CreateModel(ctx context.Context, m *model.LLMModel) error {
	return r.db.WithContext(ctx).Create(m).Error
}
