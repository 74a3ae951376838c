package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// HeaderAdminKey 管理端 API key 请求头
const HeaderAdminKey = "X-Admin-Key"

// AdminAuth 管理端鉴权中间件。
//
// 配置里只存 API key 的 bcrypt 哈希，明文不落盘。
// 哈希未配置时管理端整体关闭，所有请求返回 404，
// 不向探测者暴露管理路由的存在。
type AdminAuth struct {
	keyHash string
	log     *zap.Logger
}

// NewAdminAuth 创建管理端鉴权中间件。
func NewAdminAuth(keyHash string, log *zap.Logger) *AdminAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{keyHash: keyHash, log: log}
}

// Handler 返回 gin 中间件函数。
func (a *AdminAuth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.keyHash == "" {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}

		key := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "需要管理密钥",
			})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(a.keyHash), []byte(key)); err != nil {
			a.log.Warn("admin key rejected", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "管理密钥无效",
			})
			return
		}

		c.Next()
	}
}
