// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"manthrabin-go/internal/middleware"
	"manthrabin-go/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps 汇总注册路由所需的处理器与服务。Gatherer 为空时不暴露 /metrics。
type RouterDeps struct {
	UserService   service.UserService
	Chat          *ChatHandler
	Conversations *ConversationHandler
	Users         *UserHandler
	Gatherer      prometheus.Gatherer
}

// NewRouter 创建 Gin 引擎并注册全部路由。
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "ok", "data": nil})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Chat 路由 (WebSocket)，身份解析失败时降级为匿名
	r.GET("/ws/chat/:conversation_id", middleware.Gatekeeper(deps.UserService), deps.Chat.Handle)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(deps.UserService))
	{
		apiV1.GET("/users/me", deps.Users.GetProfile)

		conversations := apiV1.Group("/conversations")
		{
			conversations.GET("", deps.Conversations.ListConversations)
			conversations.POST("", deps.Conversations.CreateConversation)
			conversations.GET("/:conversation_id/prompts", deps.Conversations.ListPrompts)
		}
	}
	return r
}
