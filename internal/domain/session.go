package domain

import "time"

// Session 表示一个匿名调用方会话。
//
// SessionID 是不可猜测的随机令牌，Fingerprint 是由客户端可观测
// 信号推导出的弱相关标识，两者共同构成归属判定的依据。
type Session struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SessionID   string    `json:"sessionId" gorm:"type:varchar(64);uniqueIndex;not null"`
	Fingerprint string    `json:"fingerprint" gorm:"type:varchar(64);index"`
	IPAddress   string    `json:"-" gorm:"type:varchar(45)"`
	UserAgent   string    `json:"-" gorm:"type:varchar(500)"`
	IsActive    bool      `json:"isActive" gorm:"default:true"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
	ExpiresAt   time.Time `json:"expiresAt" gorm:"index"`
}

// Expired 判断会话在给定时刻是否已过期。
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ClientSignals 是计算浏览器指纹所用的粗粒度客户端信号。
type ClientSignals struct {
	UserAgent      string `json:"userAgent"`
	AcceptLanguage string `json:"acceptLanguage"`
	AcceptEncoding string `json:"acceptEncoding"`
	IP             string `json:"ip"`
}
