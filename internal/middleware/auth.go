// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"manthrabin-go/internal/model"
	"manthrabin-go/internal/service"

	"github.com/gin-gonic/gin"
)

// userKey 是 gin 上下文中保存当前用户的键。
const userKey = "user"

const bearerPrefix = "bearer "

// bearerToken 从 Authorization 头中提取 token，前缀大小写不敏感。
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	return tok, tok != ""
}

// Gatekeeper 在连接建立前解析身份。
// 优先使用 Authorization 头，其次是 token 查询参数；任何失败都降级为匿名身份，
// 请求总会继续，由后续的会话逻辑决定如何处理匿名用户。
func Gatekeeper(userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			tok = c.Query("token")
		}

		var user *model.User
		if tok != "" {
			user = userService.ResolveIdentity(c.Request.Context(), tok)
		}
		if user != nil {
			c.Set(userKey, user)
		}
		c.Next()
	}
}

// AuthMiddleware 创建一个 Gin 中间件，用于 REST 接口的 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并将完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头", "data": nil})
			return
		}

		tok, ok := bearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
			return
		}

		user, err := userService.Authenticate(c.Request.Context(), tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

// CurrentUser 返回中间件解析出的用户；匿名时返回 nil。
func CurrentUser(c *gin.Context) *model.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	user, _ := v.(*model.User)
	return user
}
