// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"sync"

	"manthrabin-go/internal/middleware"
	"manthrabin-go/internal/service"
	"manthrabin-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理 WebSocket 聊天连接。
type ChatHandler struct {
	chatService service.ChatService
	sessions    sync.WaitGroup
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// Handle 处理一个传入的 WebSocket 连接。
// 身份已由 Gatekeeper 解析；匿名连接同样会被升级，随后由会话以 4001 关闭。
func (h *ChatHandler) Handle(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	user := middleware.CurrentUser(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	// 请求上下文派生自服务器的 BaseContext，停机时会被取消
	h.chatService.Serve(c.Request.Context(), conn, user, conversationID)
}

// Wait 阻塞直到所有活动会话结束。
func (h *ChatHandler) Wait() {
	h.sessions.Wait()
}
