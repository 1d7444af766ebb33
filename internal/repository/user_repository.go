package repository

import (
	"context"

	"manthrabin-go/internal/model"

	"gorm.io/gorm"
)

// UserRepository 接口定义了用户及其偏好数据的读取操作。
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, userID uint) (*model.User, error)
	FindByPublicID(ctx context.Context, publicID string) (*model.User, error)
	SetActive(ctx context.Context, userID uint, active bool) error
	ListInterestTitles(ctx context.Context, userID uint) ([]string, error)
	AddInterest(ctx context.Context, userID uint, title string) error
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create 在数据库中创建一个新的用户记录。
func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// FindByID 根据用户 ID 从数据库中查找一个用户。
func (r *userRepository) FindByID(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// FindByPublicID 根据对外标识查找用户。
func (r *userRepository) FindByPublicID(ctx context.Context, publicID string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// SetActive 启用或停用账号。
func (r *userRepository) SetActive(ctx context.Context, userID uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInterestTitles 返回用户选择的全部兴趣标题，按兴趣 ID 排序。
func (r *userRepository) ListInterestTitles(ctx context.Context, userID uint) ([]string, error) {
	var titles []string
	err := r.db.WithContext(ctx).
		Model(&model.UserInterest{}).
		Joins("JOIN interests ON interests.id = user_interests.interest_id").
		Where("user_interests.user_id = ?", userID).
		Order("interests.id").
		Pluck("interests.title", &titles).Error
	if err != nil {
		return nil, err
	}
	return titles, nil
}

// AddInterest 为用户添加一个兴趣，兴趣不存在时先创建。
func (r *userRepository) AddInterest(ctx context.Context, userID uint, title string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		interest := model.Interest{Title: title}
		if err := tx.Where(model.Interest{Title: title}).FirstOrCreate(&interest).Error; err != nil {
			return err
		}
		link := model.UserInterest{UserID: userID, InterestID: interest.ID}
		return tx.Where(model.UserInterest{UserID: userID, InterestID: interest.ID}).FirstOrCreate(&link).Error
	})
}
