package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (pgx)
	gormmysql "gorm.io/driver/mysql"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）。
type Store struct {
	db         *sql.DB
	orm        *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储。
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	sqlDriver := driverName
	if driverName == "postgres" {
		sqlDriver = "pgx"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var orm *gorm.DB
	if driverName == "mysql" {
		orm, err = gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), gormConfig)
	} else {
		orm, err = gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{db: db, orm: orm, driverName: driverName}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate 执行数据库迁移。
func (s *Store) migrate() error {
	return s.orm.AutoMigrate(
		&domain.MailboxAddress{},
		&domain.Message{},
		&domain.Session{},
		&domain.BlacklistedDomain{},
	)
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态。
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// ========== 地址 ==========

// CreateAddress 创建地址行，唯一约束命中时返回 ErrAddressExists。
func (s *Store) CreateAddress(addr *domain.MailboxAddress) error {
	err := s.orm.Create(addr).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAddressExists
	}
	return err
}

// GetAddress 根据完整地址获取地址行。
func (s *Store) GetAddress(address string) (*domain.MailboxAddress, error) {
	var row domain.MailboxAddress
	err := s.orm.Where("address = ?", address).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrAddressNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ClaimAddress 在事务内覆写归属字段并返回更新后的行。
func (s *Store) ClaimAddress(address, sessionID, fingerprint string, now time.Time) (*domain.MailboxAddress, error) {
	var row domain.MailboxAddress
	err := s.orm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("address = ?", address).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrAddressNotFound
			}
			return err
		}
		row.OwnerSessionID = sessionID
		row.OwnerFingerprint = fingerprint
		row.LastUsedAt = now
		return tx.Model(&domain.MailboxAddress{}).
			Where("address = ?", address).
			Updates(map[string]interface{}{
				"owner_session_id":  sessionID,
				"owner_fingerprint": fingerprint,
				"last_used_at":      now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListAddressesForIdentity 返回会话或指纹匹配的全部激活地址，按创建时间倒序。
func (s *Store) ListAddressesForIdentity(sessionID, fingerprint string) ([]domain.MailboxAddress, error) {
	out := make([]domain.MailboxAddress, 0)
	query := s.orm.Where("is_active = ?", true)
	switch {
	case sessionID != "" && fingerprint != "":
		query = query.Where("owner_session_id = ? OR owner_fingerprint = ?", sessionID, fingerprint)
	case sessionID != "":
		query = query.Where("owner_session_id = ?", sessionID)
	case fingerprint != "":
		query = query.Where("owner_fingerprint = ?", fingerprint)
	default:
		return out, nil
	}
	if err := query.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListAddresses 返回全部地址行的分页快照。
func (s *Store) ListAddresses(offset, limit int) ([]domain.MailboxAddress, int, error) {
	var total int64
	if err := s.orm.Model(&domain.MailboxAddress{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	out := make([]domain.MailboxAddress, 0)
	err := s.orm.Order("created_at DESC").Offset(offset).Limit(limit).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

// TouchAddressDelivery 在事务内做投递统计更新，不存在时自动建档。
func (s *Store) TouchAddressDelivery(address string, now time.Time) error {
	return s.orm.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.MailboxAddress{}).
			Where("address = ?", address).
			Updates(map[string]interface{}{
				"last_used_at":  now,
				"message_count": gorm.Expr("message_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		local, dom, _ := domain.SplitAddress(address)
		err := tx.Create(&domain.MailboxAddress{
			ID:             newID(),
			Address:        address,
			LocalPart:      local,
			Domain:         dom,
			OwnerSessionID: domain.OwnerUnclaimed,
			IsActive:       true,
			CreatedAt:      now,
			LastUsedAt:     now,
			MessageCount:   1,
		}).Error
		// 并发投递同一新地址时，落败方改走递增分支
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return tx.Model(&domain.MailboxAddress{}).
				Where("address = ?", address).
				Updates(map[string]interface{}{
					"last_used_at":  now,
					"message_count": gorm.Expr("message_count + 1"),
				}).Error
		}
		return err
	})
}

// ========== 邮件 ==========

// SaveMessage 保存一封邮件。
func (s *Store) SaveMessage(message *domain.Message) error {
	return s.orm.Create(message).Error
}

// GetMessage 根据 ID 获取邮件。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	var row domain.Message
	err := s.orm.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListMessages 按条件过滤并分页返回邮件，最新在前。
func (s *Store) ListMessages(query domain.MessageListQuery) ([]domain.Message, int, error) {
	q := s.whereTo(s.orm.Model(&domain.Message{}), query.Address)
	if query.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if query.Search != "" {
		needle := "%" + query.Search + "%"
		if s.driverName == "postgres" {
			q = q.Where("subject ILIKE ? OR \"from\" ILIKE ? OR text_body ILIKE ?", needle, needle, needle)
		} else {
			// MySQL 默认排序规则本身不区分大小写
			q = q.Where("subject LIKE ? OR `from` LIKE ? OR text_body LIKE ?", needle, needle, needle)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	out := make([]domain.Message, 0)
	err := q.Order("created_at DESC").Offset(query.Offset()).Limit(query.PageSize).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

// MarkMessageRead 标记邮件为已读。
func (s *Store) MarkMessageRead(id string) error {
	res := s.orm.Model(&domain.Message{}).Where("id = ?", id).Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// DeleteMessage 删除一封邮件。
func (s *Store) DeleteMessage(id string) error {
	res := s.orm.Where("id = ?", id).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// CountMessages 返回地址下的邮件总数。
func (s *Store) CountMessages(address string) (int, error) {
	var total int64
	err := s.whereTo(s.orm.Model(&domain.Message{}), address).Count(&total).Error
	return int(total), err
}

// CountUnreadMessages 返回地址下的未读邮件数。
func (s *Store) CountUnreadMessages(address string) (int, error) {
	var total int64
	err := s.whereTo(s.orm.Model(&domain.Message{}), address).
		Where("is_read = ?", false).Count(&total).Error
	return int(total), err
}

// PurgeAddress 在同一事务内删除地址的全部邮件与地址行。
func (s *Store) PurgeAddress(address string) (int, error) {
	var count int64
	err := s.orm.Transaction(func(tx *gorm.DB) error {
		res := s.whereTo(tx, address).Delete(&domain.Message{})
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		return tx.Where("address = ?", address).Delete(&domain.MailboxAddress{}).Error
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteMessagesBefore 删除早于 cutoff 的全部邮件。
func (s *Store) DeleteMessagesBefore(cutoff time.Time) (int, error) {
	res := s.orm.Where("created_at < ?", cutoff).Delete(&domain.Message{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// whereTo 处理 to 列在不同方言下的转义。
func (s *Store) whereTo(tx *gorm.DB, address string) *gorm.DB {
	if s.driverName == "postgres" {
		return tx.Where(`"to" = ?`, address)
	}
	return tx.Where("`to` = ?", address)
}

// ========== 会话 ==========

// SaveSession 保存会话。
func (s *Store) SaveSession(session *domain.Session) error {
	return s.orm.Create(session).Error
}

// GetSessionByToken 根据令牌获取会话。
func (s *Store) GetSessionByToken(token string) (*domain.Session, error) {
	var row domain.Session
	err := s.orm.Where("session_id = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindActiveSession 查找令牌与指纹同时匹配的未过期活跃会话。
func (s *Store) FindActiveSession(token, fingerprint string, now time.Time) (*domain.Session, error) {
	var row domain.Session
	err := s.orm.
		Where("session_id = ? AND fingerprint = ? AND is_active = ? AND expires_at > ?",
			token, fingerprint, true, now).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindActiveSessionByFingerprint 查找指纹匹配的最新活跃会话。
func (s *Store) FindActiveSessionByFingerprint(fingerprint string, now time.Time) (*domain.Session, error) {
	var row domain.Session
	err := s.orm.
		Where("fingerprint = ? AND is_active = ? AND expires_at > ?", fingerprint, true, now).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// TouchSession 刷新会话的最近使用时间与来源 IP。
func (s *Store) TouchSession(token, ip string, now time.Time) error {
	updates := map[string]interface{}{"last_used_at": now}
	if ip != "" {
		updates["ip_address"] = ip
	}
	res := s.orm.Model(&domain.Session{}).Where("session_id = ?", token).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// DeactivateSession 停用会话。
func (s *Store) DeactivateSession(token string) error {
	res := s.orm.Model(&domain.Session{}).Where("session_id = ?", token).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

// ListActiveSessions 返回全部未过期活跃会话。
func (s *Store) ListActiveSessions(now time.Time) ([]domain.Session, error) {
	out := make([]domain.Session, 0)
	err := s.orm.
		Where("is_active = ? AND expires_at > ?", true, now).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpiredSessions 删除已过期或已停用的会话。
func (s *Store) DeleteExpiredSessions(now time.Time) (int, error) {
	res := s.orm.Where("expires_at <= ? OR is_active = ?", now, false).Delete(&domain.Session{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ========== 黑名单 ==========

// SaveBlacklistedDomain 新增黑名单域名。
func (s *Store) SaveBlacklistedDomain(entry *domain.BlacklistedDomain) error {
	err := s.orm.Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrDomainBlacklisted
	}
	return err
}

// GetBlacklistedDomain 查询黑名单条目。
func (s *Store) GetBlacklistedDomain(name string) (*domain.BlacklistedDomain, error) {
	var row domain.BlacklistedDomain
	err := s.orm.Where("domain = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrDomainNotBlacklisted
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListBlacklistedDomains 返回全部黑名单条目。
func (s *Store) ListBlacklistedDomains() ([]domain.BlacklistedDomain, error) {
	out := make([]domain.BlacklistedDomain, 0)
	if err := s.orm.Order("domain ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBlacklistedDomain 移除黑名单条目。
func (s *Store) DeleteBlacklistedDomain(name string) error {
	res := s.orm.Where("domain = ?", name).Delete(&domain.BlacklistedDomain{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrDomainNotBlacklisted
	}
	return nil
}

// ========== 统计 ==========

// GetSystemStatistics 返回统计视图。
func (s *Store) GetSystemStatistics(since time.Time) (*domain.SystemStatistics, error) {
	stats := &domain.SystemStatistics{Since: since}
	now := time.Now().UTC()

	counts := []struct {
		dst   *int
		query *gorm.DB
	}{
		{&stats.TotalMessages, s.orm.Model(&domain.Message{})},
		{&stats.TotalAddresses, s.orm.Model(&domain.MailboxAddress{})},
		{&stats.UnclaimedAddresses, s.orm.Model(&domain.MailboxAddress{}).
			Where("owner_session_id = ?", domain.OwnerUnclaimed)},
		{&stats.ActiveSessions, s.orm.Model(&domain.Session{}).
			Where("is_active = ? AND expires_at > ?", true, now)},
		{&stats.BlacklistedDomains, s.orm.Model(&domain.BlacklistedDomain{})},
		{&stats.RecentMessages, s.orm.Model(&domain.Message{}).
			Where("created_at > ?", since)},
		{&stats.RecentAddresses, s.orm.Model(&domain.MailboxAddress{}).
			Where("created_at > ?", since)},
	}
	for _, c := range counts {
		var total int64
		if err := c.query.Count(&total).Error; err != nil {
			return nil, err
		}
		*c.dst = int(total)
	}
	return stats, nil
}

func newID() string {
	return uuid.NewString()
}
