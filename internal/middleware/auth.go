// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/token"
	"strings"

	"github.com/gin-gonic/gin"
)

// ownerKey 是 gin 上下文中保存调用方身份的键。
const ownerKey = "ownerId"

// Identity 创建一个可选认证的 Gin 中间件。
// 没有 Authorization 头的请求按访客处理；带了 token 但校验失败的请求返回 401。
// 校验通过后把 token 中的所有者 ID 存入上下文，供 OwnerFrom 读取。
func Identity(verifier *token.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式"})
			return
		}
		if verifier == nil {
			// 未配置 jwt.secret 时无法校验身份
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "服务未启用身份校验"})
			return
		}

		claims, err := verifier.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			log.Warnf("Identity: token 校验失败, path: %s, error: %v", c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token"})
			return
		}

		c.Set(ownerKey, claims.Owner())
		c.Next()
	}
}

// OwnerFrom 返回请求方的所有者 ID，访客返回 nil。
func OwnerFrom(c *gin.Context) *string {
	v, ok := c.Get(ownerKey)
	if !ok {
		return nil
	}
	owner, ok := v.(string)
	if !ok || owner == "" {
		return nil
	}
	return &owner
}
