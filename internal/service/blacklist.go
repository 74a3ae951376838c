package service

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// BlacklistService 管理发件域黑名单。
//
// 黑名单在 SMTP MAIL FROM 阶段生效：命中的发件域在进入
// 邮件体传输前就被拒掉，省去解析与存储的开销。
type BlacklistService struct {
	blacklist storage.BlacklistRepository
	log       *zap.Logger
}

// NewBlacklistService 创建黑名单服务。
func NewBlacklistService(store storage.Store, log *zap.Logger) *BlacklistService {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlacklistService{blacklist: store, log: log}
}

// IsBlocked 判断发件地址的域是否在黑名单中。
//
// 解析不出域的地址一律放行，黑名单只做精确域匹配。
func (s *BlacklistService) IsBlocked(fromAddress string) (bool, error) {
	_, domainPart, ok := domain.SplitAddress(fromAddress)
	if !ok {
		return false, nil
	}
	_, err := s.blacklist.GetBlacklistedDomain(strings.ToLower(domainPart))
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotBlacklisted) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Block 将域加入黑名单。重复加入时更新原因。
func (s *BlacklistService) Block(domainName, reason string) error {
	entry := &domain.BlacklistedDomain{
		Domain:    strings.ToLower(strings.TrimSpace(domainName)),
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	err := s.blacklist.SaveBlacklistedDomain(entry)
	if errors.Is(err, storage.ErrDomainBlacklisted) {
		if err := s.blacklist.DeleteBlacklistedDomain(entry.Domain); err != nil {
			return err
		}
		err = s.blacklist.SaveBlacklistedDomain(entry)
	}
	if err != nil {
		return err
	}
	s.log.Info("domain blacklisted", zap.String("domain", entry.Domain), zap.String("reason", reason))
	return nil
}

// Unblock 将域移出黑名单。
func (s *BlacklistService) Unblock(domainName string) error {
	return s.blacklist.DeleteBlacklistedDomain(strings.ToLower(strings.TrimSpace(domainName)))
}

// List 返回黑名单全量。
func (s *BlacklistService) List() ([]domain.BlacklistedDomain, error) {
	return s.blacklist.ListBlacklistedDomains()
}
