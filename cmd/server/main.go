package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dropmail/backend/internal/config"
	"dropmail/backend/internal/health"
	"dropmail/backend/internal/logger"
	"dropmail/backend/internal/monitoring"
	"dropmail/backend/internal/pool"
	"dropmail/backend/internal/service"
	"dropmail/backend/internal/smtp"
	"dropmail/backend/internal/storage"
	"dropmail/backend/internal/storage/memory"
	redisstore "dropmail/backend/internal/storage/redis"
	sqlstore "dropmail/backend/internal/storage/sql"
	httptransport "dropmail/backend/internal/transport/http"
	"dropmail/backend/internal/websocket"
)

// main 启动同时包含 HTTP API、WebSocket 与 SMTP 的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting dropmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Strings("domains", cfg.Mailbox.Domains),
		zap.Duration("retention", cfg.Mailbox.Retention),
	)

	// Redis 客户端由存储和通知中继共用，按需创建
	var redisClient *redisstore.Client
	if cfg.Storage.Driver == config.DriverRedis || cfg.Notify.Relay == config.RelayRedis {
		redisClient, err = redisstore.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		// redis 驱动下由 store.Close 负责关闭客户端
		if cfg.Storage.Driver != config.DriverRedis {
			defer func() { _ = redisClient.Close() }()
		}
	}

	// 初始化存储层
	store, err := openStore(cfg, redisClient, log.Named("storage"))
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
	}()

	// 初始化监控系统
	metrics := monitoring.NewMetrics(nil)

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, metrics.Registry(), log.Named("health"))
	if redisClient != nil && cfg.Storage.Driver != config.DriverRedis {
		healthChecker.AddReadinessCheck("redis", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return redisClient.Ping(ctx)
		})
	}

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, metrics, log.Named("hub"))

	// 通知默认直接分发到本地 Hub；启用 Redis 中继时经由 Pub/Sub 转发
	var notifier service.Notifier = wsHub
	var relay *redisstore.Relay
	if cfg.Notify.Relay == config.RelayRedis {
		relay = redisstore.NewRelay(redisClient, wsHub, log.Named("relay"))
		notifier = relay
		log.Info("using redis notification relay")
	}

	// 通知发布协程池
	notifyPool := pool.NewWorkerPool(cfg.Notify.Workers, cfg.Notify.QueueSize,
		pool.WithLogger(log.Named("pool")),
		pool.WithMetrics(metrics),
	)

	// 初始化服务层
	mailboxService := service.NewMailboxService(cfg.Mailbox)
	messageService := service.NewMessageService(store, notifier, notifyPool, metrics, log.Named("intake"))
	sweeper := service.NewExpirySweeper(store, cfg.Mailbox.Retention, cfg.Mailbox.SweepInterval, metrics, log.Named("sweeper"))

	// 创建 HTTP 服务器
	httpAddr := cfg.Server.Addr()
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		MailboxService: mailboxService,
		MessageService: messageService,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器
	limiter := smtp.NewConnectionLimiter(cfg.SMTP.RateLimit, cfg.SMTP.RateWindow, cfg.SMTP.MaxTrackedSources)
	smtpBackend := smtp.NewBackend(messageService, smtp.BackendConfig{
		Domains:         cfg.Mailbox.Domains,
		StrictDomains:   cfg.SMTP.StrictDomains,
		MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
	}, metrics, log.Named("smtp"))
	smtpServer := smtp.NewServer(cfg.SMTP, smtpBackend, limiter, metrics, log.Named("smtp"))

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	notifyPool.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("hostname", cfg.SMTP.Hostname),
			zap.Int64("max_message_bytes", cfg.SMTP.MaxMessageBytes),
		)
		if err := smtpServer.ListenAndServe(groupCtx); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 过期邮件清理 goroutine
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		return wsHub.Run(groupCtx)
	})

	// Redis 通知中继 goroutine
	if relay != nil {
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 关闭 HTTP 服务器
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		notifyPool.Stop()

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

// openStore 根据配置选择存储后端
//
// 参数:
//   - cfg: 配置对象
//   - redisClient: 已连接的 Redis 客户端，仅 redis 驱动使用
//   - log: 日志记录器
//
// 返回值:
//   - storage.Store: 存储实例
//   - error: 驱动未知或连接失败时返回错误
func openStore(cfg *config.Config, redisClient *redisstore.Client, log *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", config.DriverMemory:
		log.Info("using memory storage", zap.Duration("ttl", cfg.Mailbox.Retention))
		return memory.NewStore(cfg.Mailbox.Retention), nil

	case config.DriverRedis:
		log.Info("using redis storage", zap.String("address", cfg.Redis.Address))
		return redisstore.NewStore(redisClient, cfg.Mailbox.Retention), nil

	case config.DriverPostgres, config.DriverMySQL, config.DriverSQLite:
		store, err := sqlstore.Open(sqlstore.Options{
			Driver:          cfg.Storage.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			AutoMigrate:     cfg.Database.AutoMigrate,
			Retention:       cfg.Mailbox.Retention,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("open %s database: %w", cfg.Storage.Driver, err)
		}
		log.Info("using database storage", zap.String("driver", cfg.Storage.Driver))
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}
