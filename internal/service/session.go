package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
	rediscache "github.com/0xt4cs/EphemeralMail/internal/storage/redis"
)

// fingerprintLength 指纹取 SHA-256 十六进制的前 32 位。
const fingerprintLength = 32

// SessionManager 管理匿名会话的创建、续用与过期。
//
// 身份模型没有账号：会话令牌 + 浏览器指纹共同构成一个弱身份。
// 指纹让清掉 Cookie 的同一浏览器还能找回自己的会话和邮箱。
type SessionManager struct {
	sessions storage.SessionRepository
	cache    *rediscache.Cache
	cfg      *config.Config
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewSessionManager 创建会话管理服务。cache 与 metrics 可以为 nil。
func NewSessionManager(store storage.Store, cache *rediscache.Cache, cfg *config.Config, metrics *monitoring.Metrics, log *zap.Logger) *SessionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionManager{
		sessions: store,
		cache:    cache,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
	}
}

// Fingerprint 从客户端可观测信号推导确定性指纹。
//
// 输入是固定字段顺序的 JSON 编码，保证同一浏览器在不同请求间
// 得到相同指纹。任何信号为空按空字符串参与，不影响确定性。
func Fingerprint(signals domain.ClientSignals) string {
	data, _ := json.Marshal(signals)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// Resolve 把请求携带的令牌与指纹解析为一个有效会话。
//
// 三级回落：
//  1. 令牌有效且指纹匹配 → 续用并刷新活跃时间；
//  2. 令牌缺失/失效但指纹能找到活跃会话 → 恢复该会话（Cookie 被清的场景）；
//  3. 都找不到 → 创建新会话。
func (m *SessionManager) Resolve(ctx context.Context, token, fingerprint, ip, userAgent string) (*domain.Session, error) {
	now := time.Now().UTC()

	if token != "" {
		if cached := m.fromCache(ctx, token, fingerprint, now); cached != nil {
			m.touch(ctx, cached, ip, now)
			return cached, nil
		}
		session, err := m.sessions.FindActiveSession(token, fingerprint, now)
		if err == nil {
			m.touch(ctx, session, ip, now)
			return session, nil
		}
		if !errors.Is(err, storage.ErrSessionNotFound) {
			return nil, err
		}
	}

	if fingerprint != "" {
		session, err := m.sessions.FindActiveSessionByFingerprint(fingerprint, now)
		if err == nil {
			m.touch(ctx, session, ip, now)
			return session, nil
		}
		if !errors.Is(err, storage.ErrSessionNotFound) {
			return nil, err
		}
	}

	return m.create(ctx, fingerprint, ip, userAgent, now)
}

// Current 按令牌返回会话（不创建、不恢复），过期或停用视为不存在。
func (m *SessionManager) Current(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, storage.ErrSessionNotFound
	}
	session, err := m.sessions.GetSessionByToken(token)
	if err != nil {
		return nil, err
	}
	if !session.IsActive || session.Expired(time.Now().UTC()) {
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

// Deactivate 停用会话（登出）。幂等：会话不存在不报错。
func (m *SessionManager) Deactivate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if m.cache != nil {
		if err := m.cache.DropCachedSession(ctx, token); err != nil {
			m.log.Warn("failed to drop cached session", zap.Error(err))
		}
	}
	err := m.sessions.DeactivateSession(token)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}
	return nil
}

// CleanupExpired 删除已过期的会话行，返回删除数量。
func (m *SessionManager) CleanupExpired() (int, error) {
	return m.sessions.DeleteExpiredSessions(time.Now().UTC())
}

// ActiveSessions 返回当前活跃会话列表（管理端）。
func (m *SessionManager) ActiveSessions() ([]domain.Session, error) {
	return m.sessions.ListActiveSessions(time.Now().UTC())
}

func (m *SessionManager) create(ctx context.Context, fingerprint, ip, userAgent string, now time.Time) (*domain.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}
	session := &domain.Session{
		ID:          uuid.NewString(),
		SessionID:   token,
		Fingerprint: fingerprint,
		IPAddress:   ip,
		UserAgent:   userAgent,
		IsActive:    true,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(m.cfg.Session.Duration),
	}
	if err := m.sessions.SaveSession(session); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
	}
	m.cacheSession(ctx, session, now)
	m.log.Debug("session created",
		zap.String("session_id", session.ID),
		zap.String("fingerprint", fingerprint),
	)
	return session, nil
}

func (m *SessionManager) touch(ctx context.Context, session *domain.Session, ip string, now time.Time) {
	session.LastUsedAt = now
	if ip != "" {
		session.IPAddress = ip
	}
	if err := m.sessions.TouchSession(session.SessionID, ip, now); err != nil {
		m.log.Warn("failed to touch session", zap.Error(err))
	}
	m.cacheSession(ctx, session, now)
}

// fromCache 从缓存取会话，顺带做过期与指纹一致性检查。
func (m *SessionManager) fromCache(ctx context.Context, token, fingerprint string, now time.Time) *domain.Session {
	if m.cache == nil {
		return nil
	}
	session, err := m.cache.GetCachedSession(ctx, token)
	if err != nil {
		if !errors.Is(err, rediscache.ErrCacheMiss) {
			m.log.Warn("session cache lookup failed", zap.Error(err))
		}
		return nil
	}
	if !session.IsActive || session.Expired(now) {
		return nil
	}
	if fingerprint != "" && session.Fingerprint != "" && session.Fingerprint != fingerprint {
		return nil
	}
	return session
}

func (m *SessionManager) cacheSession(ctx context.Context, session *domain.Session, now time.Time) {
	if m.cache == nil {
		return
	}
	ttl := session.ExpiresAt.Sub(now)
	if err := m.cache.CacheSession(ctx, session, ttl); err != nil {
		m.log.Warn("failed to cache session", zap.Error(err))
	}
}

// newSessionToken 生成 256 位加密随机令牌，十六进制编码。
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
