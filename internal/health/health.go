package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/storage"
	rediscache "github.com/0xt4cs/EphemeralMail/internal/storage/redis"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	cache  *rediscache.Cache
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器。cache 可以为 nil。
func NewHealthChecker(store storage.Store, cache *rediscache.Cache, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		cache:  cache,
		logger: logger,
	}
	hc.addChecks()
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	// 存储层检查：就绪性，存储不可用时摘除流量
	hc.health.AddReadinessCheck("storage", func() error {
		return hc.store.Health()
	})

	// Redis 缓存检查（缓存是可选加速层，只影响就绪性观测）
	if hc.cache != nil {
		hc.health.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return hc.cache.Ping(ctx)
		})
	}

	// 协程数上限：泄漏早期预警
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(2000))
}

// LiveEndpoint 存活检查处理器
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查处理器
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}
