// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"manthrabin-go/internal/middleware"
	"manthrabin-go/internal/service"
	"manthrabin-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// CreateConversationRequest 是新建对话的请求体。
type CreateConversationRequest struct {
	Model string `json:"model" binding:"required"`
}

// ListConversations 返回当前用户的全部对话。
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	user := middleware.CurrentUser(c)

	convs, err := h.service.ListConversations(c.Request.Context(), user.ID)
	if err != nil {
		log.Errorf("查询对话列表失败, user: %s, error: %v", user.PublicID, err)
		respond(c, http.StatusInternalServerError, "Failed to retrieve conversations", nil)
		return
	}
	respond(c, http.StatusOK, "success", convs)
}

// CreateConversation 为当前用户新建一个对话。
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	user := middleware.CurrentUser(c)

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "model is required", nil)
		return
	}

	conv, err := h.service.CreateConversation(c.Request.Context(), user.ID, req.Model)
	if err != nil {
		if errors.Is(err, service.ErrModelNotFound) {
			respond(c, http.StatusBadRequest, "unknown model", nil)
			return
		}
		log.Errorf("创建对话失败, user: %s, error: %v", user.PublicID, err)
		respond(c, http.StatusInternalServerError, "Failed to create conversation", nil)
		return
	}
	respond(c, http.StatusCreated, "success", conv)
}

// ListPrompts 分页返回对话中的问答记录。
func (h *ConversationHandler) ListPrompts(c *gin.Context) {
	user := middleware.CurrentUser(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.service.ListExchanges(c.Request.Context(), user.ID, c.Param("conversation_id"), limit, offset)
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			respond(c, http.StatusNotFound, "conversation not found", nil)
			return
		}
		log.Errorf("查询问答记录失败, user: %s, error: %v", user.PublicID, err)
		respond(c, http.StatusInternalServerError, "Failed to retrieve prompts", nil)
		return
	}
	respond(c, http.StatusOK, "success", page)
}

// respond 以统一的 {code, message, data} 结构返回。
func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}
