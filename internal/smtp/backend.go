package smtp

import (
	"fmt"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
	"github.com/0xt4cs/EphemeralMail/internal/websocket"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 【安全说明】
// 这是一个只接收邮件的 SMTP 服务器（Receiving-Only SMTP Server）。
// 特性：
// - ✅ 只接收发往本服务域名的邮件
// - ✅ 收件人无需预先存在，投递时自动建档（未认领标记）
// - ❌ 不支持对外发送邮件（无邮件中继功能）
// - ❌ 不会成为垃圾邮件中继或开放中继
//
// 入站闸门按顺序执行：
// 1. MAIL FROM: 空发件人拒绝 (501)，发件域在黑名单中拒绝 (550 5.7.1)
// 2. RCPT TO: 域名不是本服务域拒绝 (550 5.7.1)，收件地址已达配额拒绝 (452 4.2.2)
// 3. DATA: 超过大小上限拒绝 (552 5.3.4)，MIME 解析失败返回临时错误 (451 4.3.0)
//
// 解析发生在任何持久化之前：一封被拒的邮件不会留下任何半成品数据。
type Backend struct {
	registry  *service.AddressRegistry
	blacklist *service.BlacklistService
	messages  storage.MessageRepository
	hub       *websocket.Hub
	metrics   *monitoring.Metrics
	limiter   *ConnectionLimiter
	cfg       *config.Config
	log       *zap.Logger
}

// NewBackend 创建 SMTP Backend。hub 与 metrics 可以为 nil。
func NewBackend(
	registry *service.AddressRegistry,
	blacklist *service.BlacklistService,
	messages storage.MessageRepository,
	hub *websocket.Hub,
	metrics *monitoring.Metrics,
	cfg *config.Config,
	log *zap.Logger,
) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		registry:  registry,
		blacklist: blacklist,
		messages:  messages,
		hub:       hub,
		metrics:   metrics,
		limiter:   NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxConnRate),
		cfg:       cfg,
		log:       log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
			Message:      "too many connections, try again later",
		}
	}
	if b.metrics != nil {
		b.metrics.SMTPConnections.Inc()
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
	released    bool
}

// Mail 处理 MAIL 命令。
//
// 空发件人（退信路径 <>）直接拒绝：一次性邮箱不参与退信往来。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	addr := domain.NormalizeAddress(from)
	if addr == "" {
		s.reject("empty_sender")
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
			Message:      "empty sender not accepted",
		}
	}

	blocked, err := s.backend.blacklist.IsBlocked(addr)
	if err != nil {
		s.backend.log.Error("blacklist lookup failed", zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}
	if blocked {
		s.reject("blacklisted_sender")
		s.backend.log.Info("sender rejected, domain blacklisted", zap.String("from", addr))
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "sender domain not accepted",
		}
	}

	s.fromAddress = addr
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 【安全关键】此方法是防止邮件中继的核心。
// 只接受发往本服务域名的邮件，外部域一律返回 550 拒绝。
// 收件地址本身不需要预先存在，投递时自动建档。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)

	_, recipientDomain, ok := domain.SplitAddress(addr)
	if !ok {
		s.reject("invalid_recipient")
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if !strings.EqualFold(recipientDomain, s.backend.cfg.Mail.Domain) {
		s.reject("relay_denied")
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	if len(s.recipients) >= s.backend.cfg.SMTP.MaxRecipients {
		s.reject("too_many_recipients")
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      "too many recipients",
		}
	}

	over, err := s.backend.registry.IsOverQuota(addr)
	if err != nil {
		s.backend.log.Error("quota lookup failed", zap.String("address", addr), zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}
	if over {
		s.reject("quota_exceeded")
		s.backend.log.Info("recipient rejected, mailbox full", zap.String("address", addr))
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 2, 2},
			Message:      "mailbox full",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容。
//
// 先整体读入并解析，解析通过后才为每个收件人落库；
// 任何一步失败都不会留下部分写入。
func (s *session) Data(r io.Reader) error {
	start := time.Now()
	maxSize := s.backend.cfg.SMTP.MaxMessageSize

	// 多读一个字节用于判断超限
	rawBytes, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return err
	}
	if int64(len(rawBytes)) > maxSize {
		s.reject("oversize")
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message exceeds maximum size of %d bytes", maxSize),
		}
	}

	parsed, err := ParseEmail(rawBytes)
	if err != nil {
		s.reject("parse_failure")
		s.backend.log.Warn("inbound message parse failed", zap.Error(err))
		// 临时错误：合规发件方会重试投递
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "message could not be processed, try again later",
		}
	}

	// 缺失 Message-Id 头时补一个生成值，列表与详情都依赖非空 id
	if parsed.MessageID == "" {
		parsed.MessageID = uuid.NewString() + "@" + s.backend.cfg.Mail.Domain
	}

	now := time.Now().UTC()
	copies := make([]*domain.Message, 0, len(s.recipients))
	for _, rcpt := range s.recipients {
		// 每个收件人一份独立副本，互不共享删除命运
		message := &domain.Message{
			ID:          uuid.NewString(),
			MessageID:   parsed.MessageID,
			To:          rcpt,
			From:        s.fromAddress,
			Subject:     parsed.Subject,
			TextBody:    parsed.Text,
			HTMLBody:    parsed.HTML,
			Attachments: parsed.Attachments,
			Headers:     parsed.Headers,
			SizeBytes:   int64(len(rawBytes)),
			CreatedAt:   now,
		}
		if err := s.backend.messages.SaveMessage(message); err != nil {
			s.backend.log.Error("failed to persist message",
				zap.String("address", rcpt), zap.Error(err))
			// 回滚已写入的副本：临时错误会触发重投，残留副本会变成重复邮件
			for _, saved := range copies {
				if derr := s.backend.messages.DeleteMessage(saved.ID); derr != nil {
					s.backend.log.Warn("rollback of persisted copy failed",
						zap.String("message_id", saved.ID), zap.Error(derr))
				}
			}
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary failure, try again later",
			}
		}
		copies = append(copies, message)
	}

	// 全部副本落库后才执行统计与推送，避免半成功状态产生可见副作用
	for _, message := range copies {
		if err := s.backend.registry.RecordDelivery(message.To); err != nil {
			s.backend.log.Warn("failed to update address stats",
				zap.String("address", message.To), zap.Error(err))
		}

		if s.backend.metrics != nil {
			s.backend.metrics.MessagesReceived.Inc()
		}
		if s.backend.hub != nil {
			s.backend.hub.NotifyNewMail(message.To, message)
		}

		s.backend.log.Info("message delivered",
			zap.String("address", message.To),
			zap.String("from", s.fromAddress),
			zap.Int("size", len(rawBytes)),
		)
	}

	if s.backend.metrics != nil {
		s.backend.metrics.SMTPProcessingMs.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束，归还连接许可。
func (s *session) Logout() error {
	if !s.released {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

func (s *session) reject(reason string) {
	if s.backend.metrics != nil {
		s.backend.metrics.MessagesRejected.WithLabelValues(reason).Inc()
	}
}
