package domain

import "time"

// BlacklistedDomain 表示被拉黑的发件域名，入站链路只读。
type BlacklistedDomain struct {
	Domain    string    `json:"domain" gorm:"primaryKey;type:varchar(253)"`
	Reason    string    `json:"reason" gorm:"type:varchar(500)"`
	CreatedAt time.Time `json:"createdAt"`
}
