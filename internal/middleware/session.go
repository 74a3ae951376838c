package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/service"
)

const (
	// SessionCookieName 会话令牌的 Cookie 名
	SessionCookieName = "sessionId"
	// HeaderSessionID 会话令牌请求头（无 Cookie 的 API 客户端使用）
	HeaderSessionID = "X-Session-Id"
	// HeaderFingerprint 客户端自报指纹请求头
	HeaderFingerprint = "X-Browser-Fingerprint"

	contextKeySession     = "session"
	contextKeySessionID   = "sessionID"
	contextKeyFingerprint = "fingerprint"
)

// SessionResolver 解析请求身份的中间件。
//
// 令牌按 Cookie、X-Session-Id 头的顺序取第一个非空值；
// 指纹优先采用客户端自报值，缺失时由服务端信号推导。
// 解析出（或新建）的会话写回 Cookie，后续处理器从上下文取身份。
type SessionResolver struct {
	sessions *service.SessionManager
	cfg      *config.Config
	log      *zap.Logger
}

// NewSessionResolver 创建会话解析中间件。
func NewSessionResolver(sessions *service.SessionManager, cfg *config.Config, log *zap.Logger) *SessionResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionResolver{sessions: sessions, cfg: cfg, log: log}
}

// Handler 返回 gin 中间件函数。
func (r *SessionResolver) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := r.extractToken(c)
		fingerprint := c.GetHeader(HeaderFingerprint)
		if fingerprint == "" {
			fingerprint = service.Fingerprint(domain.ClientSignals{
				UserAgent:      c.Request.UserAgent(),
				AcceptLanguage: c.GetHeader("Accept-Language"),
				AcceptEncoding: c.GetHeader("Accept-Encoding"),
				IP:             c.ClientIP(),
			})
		}

		session, err := r.sessions.Resolve(c.Request.Context(), token, fingerprint, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			r.log.Error("session resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError,
				"msg":  "会话初始化失败",
			})
			return
		}

		if session.SessionID != token {
			r.setCookie(c, session.SessionID)
		}

		c.Set(contextKeySession, session)
		c.Set(contextKeySessionID, session.SessionID)
		c.Set(contextKeyFingerprint, fingerprint)
		c.Next()
	}
}

func (r *SessionResolver) extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie
	}
	return c.GetHeader(HeaderSessionID)
}

func (r *SessionResolver) setCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(
		SessionCookieName,
		token,
		int(r.cfg.Session.Duration.Seconds()),
		"/",
		"",    // 当前域
		false, // TLS 终结在反向代理层
		true,  // HttpOnly
	)
}

// SessionFromContext 从上下文取出已解析的会话。
func SessionFromContext(c *gin.Context) (*domain.Session, bool) {
	value, exists := c.Get(contextKeySession)
	if !exists {
		return nil, false
	}
	session, ok := value.(*domain.Session)
	return session, ok
}

// SessionToken 从上下文取出会话令牌。
func SessionToken(c *gin.Context) string {
	return c.GetString(contextKeySessionID)
}

// Fingerprint 从上下文取出请求指纹。
func Fingerprint(c *gin.Context) string {
	return c.GetString(contextKeyFingerprint)
}
