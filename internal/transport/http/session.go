package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/middleware"
	"github.com/0xt4cs/EphemeralMail/internal/service"
)

// SessionHandler 会话相关接口。
type SessionHandler struct {
	sessions *service.SessionManager
	log      *zap.Logger
}

// NewSessionHandler 创建会话处理器。
func NewSessionHandler(sessions *service.SessionManager, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{sessions: sessions, log: log}
}

// Current 返回当前会话信息。
//
// GET /v1/session
func (h *SessionHandler) Current(c *gin.Context) {
	session, ok := middleware.SessionFromContext(c)
	if !ok {
		Unauthorized(c, MsgSessionNotFound)
		return
	}
	// 令牌本体不回显，Cookie 已携带
	Success(c, gin.H{
		"id":          session.ID,
		"fingerprint": session.Fingerprint,
		"createdAt":   session.CreatedAt,
		"expiresAt":   session.ExpiresAt,
	})
}

// Logout 停用当前会话并清除 Cookie。
//
// POST /v1/session/logout
func (h *SessionHandler) Logout(c *gin.Context) {
	token := middleware.SessionToken(c)
	if err := h.sessions.Deactivate(c.Request.Context(), token); err != nil {
		h.log.Error("session deactivation failed", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", false, true)
	SuccessWithMsg(c, "已退出", nil)
}
