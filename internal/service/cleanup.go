package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/pool"
)

// CleanupScheduler 周期性触发过期数据清扫。
//
// 两个独立的节拍：过期邮件按保留期删除，过期会话按有效期删除。
// 单次扫描提交到协程池执行，扫描耗时不会推迟下一次触发；
// 扫描本身幂等，错过或重叠的触发不产生额外影响。
type CleanupScheduler struct {
	messages *MessageService
	sessions *SessionManager
	cfg      *config.Config
	workers  *pool.WorkerPool
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewCleanupScheduler 创建清理调度器。metrics 可以为 nil。
func NewCleanupScheduler(messages *MessageService, sessions *SessionManager, cfg *config.Config, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *CleanupScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupScheduler{
		messages: messages,
		sessions: sessions,
		cfg:      cfg,
		workers:  workers,
		metrics:  metrics,
		log:      log,
	}
}

// Run 启动调度循环，阻塞直到 ctx 取消。
//
// 启动时先各跑一轮，服务重启后积压的过期数据不用等第一个节拍。
func (c *CleanupScheduler) Run(ctx context.Context) error {
	c.submitMessageSweep()
	c.submitSessionSweep()

	messageTicker := time.NewTicker(c.cfg.Cleanup.MessageInterval)
	defer messageTicker.Stop()
	sessionTicker := time.NewTicker(c.cfg.Cleanup.SessionInterval)
	defer sessionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-messageTicker.C:
			c.submitMessageSweep()
		case <-sessionTicker.C:
			c.submitSessionSweep()
		}
	}
}

func (c *CleanupScheduler) submitMessageSweep() {
	if !c.workers.TrySubmit(c.RunMessageSweep) {
		c.log.Warn("message sweep skipped, worker queue full")
	}
}

func (c *CleanupScheduler) submitSessionSweep() {
	if !c.workers.TrySubmit(c.RunSessionSweep) {
		c.log.Warn("session sweep skipped, worker queue full")
	}
}

// RunMessageSweep 执行一次过期邮件清扫。
func (c *CleanupScheduler) RunMessageSweep() {
	deleted, err := c.messages.SweepExpired()
	if err != nil {
		c.log.Error("message sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		if c.metrics != nil {
			c.metrics.MessagesExpired.Add(float64(deleted))
		}
		c.log.Info("expired messages removed", zap.Int("count", deleted))
	}
}

// RunSessionSweep 执行一次过期会话清扫。
func (c *CleanupScheduler) RunSessionSweep() {
	deleted, err := c.sessions.CleanupExpired()
	if err != nil {
		c.log.Error("session sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		if c.metrics != nil {
			c.metrics.SessionsExpired.Add(float64(deleted))
		}
		c.log.Info("expired sessions removed", zap.Int("count", deleted))
	}
}
