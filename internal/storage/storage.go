package storage

import (
	"errors"
	"time"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
)

var (
	// ErrAddressNotFound 地址不存在
	ErrAddressNotFound = errors.New("address not found")
	// ErrAddressExists 地址已存在（唯一约束命中）
	ErrAddressExists = errors.New("address already exists")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrDomainBlacklisted 域名已在黑名单中
	ErrDomainBlacklisted = errors.New("domain already blacklisted")
	// ErrDomainNotBlacklisted 域名不在黑名单中
	ErrDomainNotBlacklisted = errors.New("domain not blacklisted")
)

// AddressRepository 定义邮箱地址数据存取操作。
//
// CreateAddress 在地址已存在时必须返回 ErrAddressExists：
// 唯一约束是并发生成的最终仲裁者，调用方据此路由到认领分支。
type AddressRepository interface {
	CreateAddress(addr *domain.MailboxAddress) error
	GetAddress(address string) (*domain.MailboxAddress, error)
	ClaimAddress(address, sessionID, fingerprint string, now time.Time) (*domain.MailboxAddress, error)
	ListAddressesForIdentity(sessionID, fingerprint string) ([]domain.MailboxAddress, error)
	ListAddresses(offset, limit int) ([]domain.MailboxAddress, int, error)
	// TouchAddressDelivery 投递统计更新：不存在时以未认领标记自动建档，
	// 存在时刷新 lastUsedAt 并递增 messageCount。
	TouchAddressDelivery(address string, now time.Time) error
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	SaveMessage(message *domain.Message) error
	GetMessage(id string) (*domain.Message, error)
	ListMessages(query domain.MessageListQuery) ([]domain.Message, int, error)
	MarkMessageRead(id string) error
	DeleteMessage(id string) error
	CountMessages(address string) (int, error)
	CountUnreadMessages(address string) (int, error)
	// PurgeAddress 删除地址的全部邮件并移除地址行，两者同生共死，返回删除的邮件数。
	PurgeAddress(address string) (int, error)
	// DeleteMessagesBefore 删除 createdAt 早于 cutoff 的全部邮件，返回删除数量。
	DeleteMessagesBefore(cutoff time.Time) (int, error)
}

// SessionRepository 定义会话数据存取操作。
type SessionRepository interface {
	SaveSession(session *domain.Session) error
	GetSessionByToken(token string) (*domain.Session, error)
	FindActiveSession(token, fingerprint string, now time.Time) (*domain.Session, error)
	FindActiveSessionByFingerprint(fingerprint string, now time.Time) (*domain.Session, error)
	TouchSession(token, ip string, now time.Time) error
	DeactivateSession(token string) error
	ListActiveSessions(now time.Time) ([]domain.Session, error)
	// DeleteExpiredSessions 删除已过期或已停用的会话，返回删除数量。
	DeleteExpiredSessions(now time.Time) (int, error)
}

// BlacklistRepository 定义发件域名黑名单存取操作。
type BlacklistRepository interface {
	SaveBlacklistedDomain(entry *domain.BlacklistedDomain) error
	GetBlacklistedDomain(name string) (*domain.BlacklistedDomain, error)
	ListBlacklistedDomains() ([]domain.BlacklistedDomain, error)
	DeleteBlacklistedDomain(name string) error
}

// StatsRepository 定义管理端统计操作。
type StatsRepository interface {
	GetSystemStatistics(since time.Time) (*domain.SystemStatistics, error)
}

// Store 聚合所有仓储接口，外加生命周期与健康检查。
type Store interface {
	AddressRepository
	MessageRepository
	SessionRepository
	BlacklistRepository
	StatsRepository
	Close() error
	Health() error
}
