package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/health"
	"github.com/0xt4cs/EphemeralMail/internal/middleware"
	"github.com/0xt4cs/EphemeralMail/internal/monitoring"
	"github.com/0xt4cs/EphemeralMail/internal/service"
	"github.com/0xt4cs/EphemeralMail/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config           *config.Config
	AddressRegistry  *service.AddressRegistry
	MessageService   *service.MessageService
	SessionManager   *service.SessionManager
	BlacklistService *service.BlacklistService
	AdminService     *service.AdminService
	CleanupScheduler *service.CleanupScheduler
	WebSocketHub     *websocket.Hub
	HealthChecker    *health.HealthChecker
	Metrics          *monitoring.Metrics
	Logger           *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(1 * 1024 * 1024))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			middleware.HeaderSessionID, middleware.HeaderFingerprint, middleware.HeaderAdminKey,
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := NewHandler(deps.AddressRegistry, deps.MessageService, deps.Metrics, deps.Logger)
	sessionHandler := NewSessionHandler(deps.SessionManager, deps.Logger)
	adminHandler := NewAdminHandler(
		deps.AdminService, deps.AddressRegistry, deps.SessionManager,
		deps.BlacklistService, deps.CleanupScheduler, deps.Logger,
	)

	sessionResolver := middleware.NewSessionResolver(deps.SessionManager, deps.Config, deps.Logger)
	adminAuth := middleware.NewAdminAuth(deps.Config.Admin.APIKeyHash, deps.Logger)

	// 运维端点（无会话）
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.HealthChecker != nil {
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}

	v1 := router.Group("/v1")
	v1.Use(sessionResolver.Handler())
	{
		addresses := v1.Group("/addresses")
		{
			addresses.POST("", handler.CreateAddress)
			addresses.GET("", handler.ListAddresses)
			addresses.GET("/availability", handler.CheckAvailability)
			addresses.GET("/:address", handler.GetAddress)
			addresses.GET("/:address/messages", handler.ListMessages)
			addresses.GET("/:address/messages/unread-count", handler.UnreadCount)
			addresses.DELETE("/:address/messages", handler.PurgeAddress)
		}

		messages := v1.Group("/messages")
		{
			messages.GET("/:id", handler.GetMessage)
			messages.DELETE("/:id", handler.DeleteMessage)
		}

		session := v1.Group("/session")
		{
			session.GET("", sessionHandler.Current)
			session.POST("/logout", sessionHandler.Logout)
		}

		// WebSocket 实时推送
		if deps.WebSocketHub != nil {
			v1.GET("/ws", func(c *gin.Context) {
				deps.WebSocketHub.HandleConnection(
					c.Writer, c.Request,
					middleware.SessionToken(c), middleware.Fingerprint(c),
				)
			})
		}

		admin := v1.Group("/admin")
		admin.Use(adminAuth.Handler())
		{
			admin.GET("/stats", adminHandler.Statistics)
			admin.POST("/cleanup", adminHandler.TriggerCleanup)
			admin.GET("/addresses", adminHandler.ListAddresses)
			admin.GET("/sessions", adminHandler.ListSessions)
			admin.GET("/blacklist", adminHandler.ListBlacklist)
			admin.POST("/blacklist", adminHandler.AddBlacklist)
			admin.DELETE("/blacklist/:domain", adminHandler.RemoveBlacklist)
		}
	}

	return router
}
