package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/health"
	"github.com/0xt4cs/EphemeralMail/internal/logger"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/pool"
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/smtp"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
	"github.com/0xt4cs/EphemeralMail/internal/storage/memory"
	rediscache "github.com/0xt4cs/EphemeralMail/internal/storage/redis"
	sqlstore "github.com/0xt4cs/EphemeralMail/internal/storage/sql"
	httptransport "github.com/0xt4cs/EphemeralMail/internal/transport/http"
	"github.com/0xt4cs/EphemeralMail/internal/websocket"
)

// main 启动同时包含 HTTP API 与 SMTP 接收的一次性邮箱服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting ephemeral mail server",
		zap.String("domain", cfg.Mail.Domain),
		zap.Duration("retention", cfg.Mail.Retention),
		zap.String("log_level", cfg.Log.Level),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.Type != "" && cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(
			cfg.Database.Type,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)
		if err != nil {
			log.Fatal("failed to initialize database storage", zap.Error(err))
		}
		log.Info("using database storage", zap.String("type", cfg.Database.Type))
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer func() { _ = store.Close() }()

	// 可选的 Redis 会话缓存
	var cache *rediscache.Cache
	if cfg.Redis.Address != "" {
		cache, err = rediscache.NewCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("redis unavailable, continuing without session cache", zap.Error(err))
			cache = nil
		} else {
			log.Info("redis session cache enabled", zap.String("address", cfg.Redis.Address))
			defer func() { _ = cache.Close() }()
		}
	}

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, cache, log)

	// 初始化服务层
	registry := service.NewAddressRegistry(store, cfg, log)
	messageService := service.NewMessageService(store, cfg, log)
	sessionManager := service.NewSessionManager(store, cache, cfg, metrics, log)
	blacklistService := service.NewBlacklistService(store, log)
	adminService := service.NewAdminService(store)

	// 清理任务跑在协程池里，慢扫描不阻塞调度节拍
	workers := pool.NewWorkerPool(2, 8, log)
	cleanupScheduler := service.NewCleanupScheduler(messageService, sessionManager, cfg, workers, metrics, log)

	// WebSocket 实时推送
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, registry, log)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:           cfg,
		AddressRegistry:  registry,
		MessageService:   messageService,
		SessionManager:   sessionManager,
		BlacklistService: blacklistService,
		AdminService:     adminService,
		CleanupScheduler: cleanupScheduler,
		WebSocketHub:     wsHub,
		HealthChecker:    healthChecker,
		Metrics:          metrics,
		Logger:           log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 接收服务器
	smtpBackend := smtp.NewBackend(registry, blacklistService, store, wsHub, metrics, cfg, log)
	smtpServer := gosmtp.NewServer(smtpBackend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.Mail.Domain
	smtpServer.ReadTimeout = 10 * time.Second
	smtpServer.WriteTimeout = 10 * time.Second
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageSize
	smtpServer.MaxRecipients = cfg.SMTP.MaxRecipients

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.Mail.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时清理 goroutine
	group.Go(func() error {
		log.Info("starting cleanup scheduler",
			zap.Duration("message_interval", cfg.Cleanup.MessageInterval),
			zap.Duration("session_interval", cfg.Cleanup.SessionInterval),
		)
		if err := cleanupScheduler.Run(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	// 调度器已停，收尾等待在途的清理任务
	workers.Stop()

	log.Info("server exited cleanly")
}
