package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

func newID() string { return uuid.NewString() }

// Store 使用内存保存地址、邮件、会话与黑名单数据，主要用于开发与测试。
type Store struct {
	mu sync.RWMutex

	addresses map[string]*domain.MailboxAddress // address -> row
	messages  map[string]*domain.Message        // messageID(uuid) -> row
	byAddress map[string]map[string]struct{}    // address -> messageID set
	sessions  map[string]*domain.Session        // token -> row
	blacklist map[string]*domain.BlacklistedDomain
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		addresses: make(map[string]*domain.MailboxAddress),
		messages:  make(map[string]*domain.Message),
		byAddress: make(map[string]map[string]struct{}),
		sessions:  make(map[string]*domain.Session),
		blacklist: make(map[string]*domain.BlacklistedDomain),
	}
}

// ========== 地址 ==========

// CreateAddress 创建地址行，地址已存在时返回 ErrAddressExists。
func (s *Store) CreateAddress(addr *domain.MailboxAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.addresses[addr.Address]; ok {
		return storage.ErrAddressExists
	}
	cp := *addr
	s.addresses[addr.Address] = &cp
	return nil
}

// GetAddress 根据完整地址获取地址行。
func (s *Store) GetAddress(address string) (*domain.MailboxAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.addresses[address]
	if !ok {
		return nil, storage.ErrAddressNotFound
	}
	cp := *row
	return &cp, nil
}

// ClaimAddress 覆写既有地址行的归属字段并返回更新后的行。
func (s *Store) ClaimAddress(address, sessionID, fingerprint string, now time.Time) (*domain.MailboxAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.addresses[address]
	if !ok {
		return nil, storage.ErrAddressNotFound
	}
	row.OwnerSessionID = sessionID
	row.OwnerFingerprint = fingerprint
	row.LastUsedAt = now
	cp := *row
	return &cp, nil
}

// ListAddressesForIdentity 返回会话或指纹匹配的全部激活地址，按创建时间倒序。
func (s *Store) ListAddressesForIdentity(sessionID, fingerprint string) ([]domain.MailboxAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.MailboxAddress, 0)
	for _, row := range s.addresses {
		if !row.IsActive {
			continue
		}
		if (sessionID != "" && row.OwnerSessionID == sessionID) ||
			(fingerprint != "" && row.OwnerFingerprint == fingerprint) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListAddresses 返回全部地址行的分页快照，按创建时间倒序。
func (s *Store) ListAddresses(offset, limit int) ([]domain.MailboxAddress, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.MailboxAddress, 0, len(s.addresses))
	for _, row := range s.addresses {
		all = append(all, *row)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []domain.MailboxAddress{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// TouchAddressDelivery 投递统计更新，地址不存在时自动建档为未认领状态。
func (s *Store) TouchAddressDelivery(address string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.addresses[address]; ok {
		row.LastUsedAt = now
		row.MessageCount++
		return nil
	}

	local, dom, _ := domain.SplitAddress(address)
	s.addresses[address] = &domain.MailboxAddress{
		ID:               newID(),
		Address:          address,
		LocalPart:        local,
		Domain:           dom,
		OwnerSessionID:   domain.OwnerUnclaimed,
		OwnerFingerprint: "",
		IsActive:         true,
		CreatedAt:        now,
		LastUsedAt:       now,
		MessageCount:     1,
	}
	return nil
}

// ========== 邮件 ==========

// SaveMessage 保存一封邮件。
func (s *Store) SaveMessage(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *message
	s.messages[message.ID] = &cp
	set, ok := s.byAddress[message.To]
	if !ok {
		set = make(map[string]struct{})
		s.byAddress[message.To] = set
	}
	set[message.ID] = struct{}{}
	return nil
}

// GetMessage 根据 ID 获取邮件。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	cp := *row
	return &cp, nil
}

// ListMessages 按条件过滤并分页返回邮件，最新在前。
func (s *Store) ListMessages(query domain.MessageListQuery) ([]domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Message, 0)
	for id := range s.byAddress[query.Address] {
		row := s.messages[id]
		if row == nil {
			continue
		}
		if query.UnreadOnly && row.IsRead {
			continue
		}
		if query.Search != "" && !matchesSearch(row, query.Search) {
			continue
		}
		matched = append(matched, *row)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := query.Offset()
	if offset >= total {
		return []domain.Message{}, total, nil
	}
	end := offset + query.PageSize
	if query.PageSize <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// matchesSearch 对主题、发件人、正文做大小写不敏感的子串匹配。
func matchesSearch(m *domain.Message, search string) bool {
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(m.Subject), needle) ||
		strings.Contains(strings.ToLower(m.From), needle) ||
		strings.Contains(strings.ToLower(m.TextBody), needle)
}

// MarkMessageRead 标记邮件为已读。
func (s *Store) MarkMessageRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	row.IsRead = true
	return nil
}

// DeleteMessage 删除一封邮件。
func (s *Store) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	delete(s.messages, id)
	if set, ok := s.byAddress[row.To]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byAddress, row.To)
		}
	}
	return nil
}

// CountMessages 返回地址下的邮件总数。
func (s *Store) CountMessages(address string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAddress[address]), nil
}

// CountUnreadMessages 返回地址下的未读邮件数。
func (s *Store) CountUnreadMessages(address string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for id := range s.byAddress[address] {
		if row := s.messages[id]; row != nil && !row.IsRead {
			count++
		}
	}
	return count, nil
}

// PurgeAddress 删除地址的全部邮件并移除地址行（同一把锁内完成）。
func (s *Store) PurgeAddress(address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id := range s.byAddress[address] {
		delete(s.messages, id)
		count++
	}
	delete(s.byAddress, address)
	delete(s.addresses, address)
	return count, nil
}

// DeleteMessagesBefore 删除早于 cutoff 的全部邮件。
func (s *Store) DeleteMessagesBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, row := range s.messages {
		if row.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			if set, ok := s.byAddress[row.To]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.byAddress, row.To)
				}
			}
			count++
		}
	}
	return count, nil
}

// ========== 会话 ==========

// SaveSession 保存会话。
func (s *Store) SaveSession(session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

// GetSessionByToken 根据令牌获取会话。
func (s *Store) GetSessionByToken(token string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.sessions[token]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	cp := *row
	return &cp, nil
}

// FindActiveSession 查找令牌与指纹同时匹配的未过期活跃会话。
func (s *Store) FindActiveSession(token, fingerprint string, now time.Time) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.sessions[token]
	if !ok || !row.IsActive || row.Expired(now) || row.Fingerprint != fingerprint {
		return nil, storage.ErrSessionNotFound
	}
	cp := *row
	return &cp, nil
}

// FindActiveSessionByFingerprint 查找指纹匹配的未过期活跃会话。
//
// 同一指纹存在多条时返回最新创建的一条，视其为规范会话。
func (s *Store) FindActiveSessionByFingerprint(fingerprint string, now time.Time) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Session
	for _, row := range s.sessions {
		if !row.IsActive || row.Expired(now) || row.Fingerprint != fingerprint {
			continue
		}
		if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
			latest = row
		}
	}
	if latest == nil {
		return nil, storage.ErrSessionNotFound
	}
	cp := *latest
	return &cp, nil
}

// TouchSession 刷新会话的最近使用时间与来源 IP。
func (s *Store) TouchSession(token, ip string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessions[token]
	if !ok {
		return storage.ErrSessionNotFound
	}
	row.LastUsedAt = now
	if ip != "" {
		row.IPAddress = ip
	}
	return nil
}

// DeactivateSession 停用会话。
func (s *Store) DeactivateSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessions[token]
	if !ok {
		return storage.ErrSessionNotFound
	}
	row.IsActive = false
	return nil
}

// ListActiveSessions 返回全部未过期活跃会话，按创建时间倒序。
func (s *Store) ListActiveSessions(now time.Time) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Session, 0)
	for _, row := range s.sessions {
		if row.IsActive && !row.Expired(now) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteExpiredSessions 删除已过期或已停用的会话。
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, row := range s.sessions {
		if row.Expired(now) || !row.IsActive {
			delete(s.sessions, token)
			count++
		}
	}
	return count, nil
}

// ========== 黑名单 ==========

// SaveBlacklistedDomain 新增黑名单域名，已存在时返回 ErrDomainBlacklisted。
func (s *Store) SaveBlacklistedDomain(entry *domain.BlacklistedDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blacklist[entry.Domain]; ok {
		return storage.ErrDomainBlacklisted
	}
	cp := *entry
	s.blacklist[entry.Domain] = &cp
	return nil
}

// GetBlacklistedDomain 查询黑名单条目。
func (s *Store) GetBlacklistedDomain(name string) (*domain.BlacklistedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.blacklist[name]
	if !ok {
		return nil, storage.ErrDomainNotBlacklisted
	}
	cp := *row
	return &cp, nil
}

// ListBlacklistedDomains 返回全部黑名单条目，按域名排序。
func (s *Store) ListBlacklistedDomains() ([]domain.BlacklistedDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BlacklistedDomain, 0, len(s.blacklist))
	for _, row := range s.blacklist {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Domain < out[j].Domain
	})
	return out, nil
}

// DeleteBlacklistedDomain 移除黑名单条目。
func (s *Store) DeleteBlacklistedDomain(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blacklist[name]; !ok {
		return storage.ErrDomainNotBlacklisted
	}
	delete(s.blacklist, name)
	return nil
}

// ========== 统计 ==========

// GetSystemStatistics 返回统计视图。
func (s *Store) GetSystemStatistics(since time.Time) (*domain.SystemStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.SystemStatistics{
		TotalMessages:      len(s.messages),
		TotalAddresses:     len(s.addresses),
		BlacklistedDomains: len(s.blacklist),
		Since:              since,
	}
	now := time.Now().UTC()
	for _, row := range s.addresses {
		if !row.IsClaimed() {
			stats.UnclaimedAddresses++
		}
		if row.CreatedAt.After(since) {
			stats.RecentAddresses++
		}
	}
	for _, row := range s.messages {
		if row.CreatedAt.After(since) {
			stats.RecentMessages++
		}
	}
	for _, row := range s.sessions {
		if row.IsActive && !row.Expired(now) {
			stats.ActiveSessions++
		}
	}
	return stats, nil
}

// Close 实现 storage.Store。
func (s *Store) Close() error { return nil }

// Health 实现 storage.Store。
func (s *Store) Health() error { return nil }
