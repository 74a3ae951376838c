package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// MessageService 提供邮件的查询、已读标记、删除与过期清扫。
type MessageService struct {
	messages storage.MessageRepository
	cfg      *config.Config
	log      *zap.Logger
}

// NewMessageService 创建邮件服务。
func NewMessageService(store storage.Store, cfg *config.Config, log *zap.Logger) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		messages: store,
		cfg:      cfg,
		log:      log,
	}
}

// List 分页列出地址下的邮件，最新在前。
//
// hasMore 以 offset + 本页返回数 < total 计算，翻过末页后为 false。
func (s *MessageService) List(query domain.MessageListQuery) (*domain.MessageList, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize <= 0 || query.PageSize > 100 {
		query.PageSize = 20
	}

	messages, total, err := s.messages.ListMessages(query)
	if err != nil {
		return nil, err
	}

	return &domain.MessageList{
		Messages: messages,
		Total:    total,
		Page:     query.Page,
		PageSize: query.PageSize,
		HasMore:  query.Offset()+len(messages) < total,
	}, nil
}

// Get 返回单封邮件。
func (s *MessageService) Get(id string) (*domain.Message, error) {
	return s.messages.GetMessage(id)
}

// GetAndMarkRead 返回单封邮件并标记为已读。
//
// 读取即已读是查看详情接口的语义；标记失败只记日志，不影响返回。
func (s *MessageService) GetAndMarkRead(id string) (*domain.Message, error) {
	message, err := s.messages.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if !message.IsRead {
		if err := s.messages.MarkMessageRead(id); err != nil {
			s.log.Warn("failed to mark message read", zap.String("message_id", id), zap.Error(err))
		} else {
			message.IsRead = true
		}
	}
	return message, nil
}

// MarkRead 标记邮件为已读。
func (s *MessageService) MarkRead(id string) error {
	return s.messages.MarkMessageRead(id)
}

// Delete 删除单封邮件。
func (s *MessageService) Delete(id string) error {
	return s.messages.DeleteMessage(id)
}

// PurgeAddress 删除地址下全部邮件并移除地址行，返回删除的邮件数。
//
// 删除邮件与移除地址行是一个原子单元，不存在只删一半的中间态。
func (s *MessageService) PurgeAddress(address string) (int, error) {
	deleted, err := s.messages.PurgeAddress(address)
	if err != nil {
		return 0, err
	}
	s.log.Info("address purged",
		zap.String("address", address),
		zap.Int("deleted_messages", deleted),
	)
	return deleted, nil
}

// UnreadCount 返回地址下未读邮件数。
func (s *MessageService) UnreadCount(address string) (int, error) {
	return s.messages.CountUnreadMessages(address)
}

// SweepExpired 删除早于保留期的邮件，返回删除数量。幂等。
func (s *MessageService) SweepExpired() (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Mail.Retention)
	return s.messages.DeleteMessagesBefore(cutoff)
}
