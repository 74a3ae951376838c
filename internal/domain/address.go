package domain

import "time"

// OwnerUnclaimed 是 SMTP 投递自动建档的地址所有者标记。
//
// 入站邮件可以在任何会话认领之前创建地址行，这类行必须携带
// 一个不可能与真实会话 ID（64 位十六进制）冲突的标记，
// 避免空字符串被误判为某个会话。
const OwnerUnclaimed = "smtp-inbound"

// MailboxAddress 表示一个一次性邮箱地址及其归属信息。
type MailboxAddress struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address          string    `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	LocalPart        string    `json:"localPart" gorm:"type:varchar(255)"`
	Domain           string    `json:"domain" gorm:"type:varchar(100);index"`
	OwnerSessionID   string    `json:"-" gorm:"type:varchar(64);index"`
	OwnerFingerprint string    `json:"-" gorm:"type:varchar(64);index"`
	IsActive         bool      `json:"isActive" gorm:"default:true"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUsedAt       time.Time `json:"lastUsedAt"`
	MessageCount     int       `json:"messageCount" gorm:"default:0"`
}

// IsClaimed 判断地址是否已被某个会话认领。
func (a *MailboxAddress) IsClaimed() bool {
	return a.OwnerSessionID != "" && a.OwnerSessionID != OwnerUnclaimed
}
