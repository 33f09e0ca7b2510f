package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dropmail/backend/internal/config"
	"dropmail/backend/internal/health"
	"dropmail/backend/internal/middleware"
	"dropmail/backend/internal/monitoring"
	"dropmail/backend/internal/service"
	"dropmail/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MailboxService *service.MailboxService
	MessageService *service.MessageService
	WebSocketHub   *websocket.Hub
	Health         *health.HealthChecker
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	router.Use(middleware.Recovery(logger, deps.Metrics))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := NewHandler(deps.MailboxService, deps.MessageService)
	limiter := middleware.NewIPRateLimiter(deps.Config.HTTP.RateLimit, deps.Config.HTTP.RateWindow, deps.Metrics)

	api := router.Group("/api", limiter.Middleware())
	{
		api.GET("/domain", handler.GetDomain)
		api.POST("/generate", handler.GenerateMailbox)

		api.GET("/inbox/:mailbox", handler.ListInbox)
		api.DELETE("/inbox/:mailbox", handler.ClearInbox)

		api.GET("/email/:id", handler.GetMessage)
		api.DELETE("/email/:id", handler.DeleteMessage)
	}

	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			report := deps.Health.CheckHealth()
			status := http.StatusOK
			if report.Status != health.StatusHealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}
