package repository

import (
	"context"

	"manthrabin-go/internal/model"

	"gorm.io/gorm"
)

// ExchangeRepository 定义了问答历史的读写接口。问答只追加，不做原地更新。
type ExchangeRepository interface {
	Create(ctx context.Context, exchange *model.Exchange) error
	// ListAscending 返回对话的全部问答，按时间升序。
	ListAscending(ctx context.Context, conversationID uint) ([]model.Exchange, error)
	// ListPage 按时间倒序分页返回问答以及总数。
	ListPage(ctx context.Context, conversationID uint, limit, offset int) ([]model.Exchange, int64, error)
}

type exchangeRepository struct {
	db *gorm.DB
}

// NewExchangeRepository 创建一个新的 ExchangeRepository 实例。
func NewExchangeRepository(db *gorm.DB) ExchangeRepository {
	return &exchangeRepository{db: db}
}

func (r *exchangeRepository) Create(ctx context.Context, exchange *model.Exchange) error {
	return r.db.WithContext(ctx).Create(exchange).Error
}

func (r *exchangeRepository) ListAscending(ctx context.Context, conversationID uint) ([]model.Exchange, error) {
	var exchanges []model.Exchange
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("time ASC, id ASC").
		Find(&exchanges).Error
	return exchanges, err
}

func (r *exchangeRepository) ListPage(ctx context.Context, conversationID uint, limit, offset int) ([]model.Exchange, int64, error) {
	var exchanges []model.Exchange
	var total int64

	db := r.db.WithContext(ctx).
		Model(&model.Exchange{}).
		Where("conversation_id = ?", conversationID).
		Session(&gorm.Session{})

	// 首先计算总记录数
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Order("time DESC, id DESC").Offset(offset).Limit(limit).Find(&exchanges).Error
	if err != nil {
		return nil, 0, err
	}
	return exchanges, total, nil
}
