package service

import (
	"time"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

// AdminService 提供管理端的系统统计。
type AdminService struct {
	stats storage.StatsRepository
}

// NewAdminService 创建管理服务。
func NewAdminService(store storage.Store) *AdminService {
	return &AdminService{stats: store}
}

// Statistics 返回系统统计快照，recent 计数窗口为过去 24 小时。
func (s *AdminService) Statistics() (*domain.SystemStatistics, error) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	return s.stats.GetSystemStatistics(since)
}
