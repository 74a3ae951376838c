package domain

import "time"

// SystemStatistics 是管理端统计视图。
type SystemStatistics struct {
	TotalMessages      int       `json:"totalMessages"`
	TotalAddresses     int       `json:"totalAddresses"`
	UnclaimedAddresses int       `json:"unclaimedAddresses"`
	ActiveSessions     int       `json:"activeSessions"`
	BlacklistedDomains int       `json:"blacklistedDomains"`
	RecentMessages     int       `json:"recentMessages"`  // 统计窗口内新增邮件
	RecentAddresses    int       `json:"recentAddresses"` // 统计窗口内新增地址
	Since              time.Time `json:"since"`
}
