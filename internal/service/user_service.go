// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"strings"

	"manthrabin-go/internal/model"
	"manthrabin-go/internal/repository"
	"manthrabin-go/pkg/log"
	"manthrabin-go/pkg/token"
)

// ErrInactiveUser 表示 token 合法但对应账号已停用。
var ErrInactiveUser = errors.New("user is inactive")

// UserService 接口定义了与身份解析相关的业务操作。
type UserService interface {
	// ResolveIdentity 把 bearer token 解析为用户；任何失败都返回 nil，即匿名身份。
	ResolveIdentity(ctx context.Context, tokenString string) *model.User
	// Authenticate 与 ResolveIdentity 相同，但返回失败原因，供 REST 接口使用。
	Authenticate(ctx context.Context, tokenString string) (*model.User, error)
	GetProfile(ctx context.Context, userID uint) (*model.User, error)
	ListPreferences(ctx context.Context, userID uint) ([]string, error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
	}
}

func (s *userService) ResolveIdentity(ctx context.Context, tokenString string) *model.User {
	user, err := s.Authenticate(ctx, tokenString)
	if err != nil {
		log.Debugw("身份解析失败，按匿名处理", "error", err)
		return nil
	}
	return user
}

func (s *userService) Authenticate(ctx context.Context, tokenString string) (*model.User, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, token.ErrInvalidToken
	}

	// 1. 校验签名与有效期
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}

	// 2. 以 user_id 查找用户
	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	// 3. 停用账号视同未认证
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return user, nil
}

// GetProfile 根据用户 ID 获取用户详细信息。
func (s *userService) GetProfile(ctx context.Context, userID uint) (*model.User, error) {
	return s.userRepo.FindByID(ctx, userID)
}

// ListPreferences 返回用户兴趣标题，即生成时参考的偏好列表。
func (s *userService) ListPreferences(ctx context.Context, userID uint) ([]string, error) {
	return s.userRepo.ListInterestTitles(ctx, userID)
}
