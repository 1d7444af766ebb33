// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"manthrabin-go/internal/middleware"
	"manthrabin-go/internal/model"
	"manthrabin-go/internal/service"
	"manthrabin-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UserHandler 负责处理与用户相关的 HTTP 请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// ProfileResponse 是当前用户信息及其偏好。
type ProfileResponse struct {
	*model.User
	Preferences []string `json:"preferences"`
}

// GetProfile 返回当前登录用户的信息以及生成时参考的偏好。
func (h *UserHandler) GetProfile(c *gin.Context) {
	user := middleware.CurrentUser(c)

	prefs, err := h.userService.ListPreferences(c.Request.Context(), user.ID)
	if err != nil {
		log.Errorf("读取用户偏好失败, user: %s, error: %v", user.PublicID, err)
		respond(c, http.StatusInternalServerError, "无法获取用户信息", nil)
		return
	}
	if prefs == nil {
		prefs = []string{}
	}
	respond(c, http.StatusOK, "success", ProfileResponse{User: user, Preferences: prefs})
}
