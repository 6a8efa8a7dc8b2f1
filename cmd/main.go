package main

import (
	"context"
	"flag"
	"fmt"
	"image-gateway/core"
	"image-gateway/core/adapter"
	"image-gateway/core/security"
	"image-gateway/models"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	encrypt := flag.String("encrypt", "", "encrypt an API key with GATEWAY_SECRET_KEY and print the enc: value")
	flag.Parse()

	// 创建日志器
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	gin.SetMode(gin.ReleaseMode)

	cfg := LoadConfig(log)
	log.SetLevel(cfg.LogLevel)

	var secretProvider core.SecretProvider
	if cfg.SecretKey != "" {
		sp, err := security.NewAESSecretProvider(cfg.SecretKey)
		if err != nil {
			log.Fatal("Invalid GATEWAY_SECRET_KEY: ", err)
		}
		secretProvider = sp
	}

	if *encrypt != "" {
		if secretProvider == nil {
			log.Fatal("GATEWAY_SECRET_KEY is required for -encrypt")
		}
		out, err := secretProvider.Encrypt(*encrypt)
		if err != nil {
			log.Fatal("Failed to encrypt: ", err)
		}
		fmt.Println(core.EncryptedPrefix + out)
		return
	}

	if cfg.LogFile != "" {
		rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxMB)
		if err != nil {
			log.Fatal("Failed to open log file: ", err)
		}
		defer rotator.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	db, err := initDatabase(cfg.DBPath, log)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	strategy, ok := core.StrategyByName(cfg.KeyStrategy)
	if !ok {
		log.Warnf("Unknown key strategy %q, falling back to %s", cfg.KeyStrategy, core.StrategyRoundRobin)
		strategy = &core.RoundRobinStrategy{}
	}

	keys := core.DecryptCredentials(secretProvider, cfg.Credentials, log)
	if len(keys) == 0 {
		// 不退出：每个请求都会以 configuration_error 快速失败
		log.Error("No Gemini API keys configured (GEMINI_API_KEYS / GEMINI_API_KEY)")
	}
	pool := core.NewCredentialPool(keys, strategy)
	keyManager := core.NewKeyStateManager(cfg.Cooldown)
	gateway := core.NewKeyRotationGateway(pool, keyManager, log)

	asyncLogger := core.NewAsyncRequestLogger(db, log, cfg.LogRetain)
	defer asyncLogger.Close()

	upstream := adapter.NewGeminiUpstream(cfg.ImageModel, cfg.TextModel, cfg.GeminiBaseURL, core.NewHTTPClient())
	// 附件下载只允许公网地址
	decoder := core.NewAttachmentDecoder(core.NewAttachmentHTTPClient(), cfg.MaxAttachmentBytes)
	imageHandler := core.NewImageHandler(gateway, upstream, decoder, asyncLogger, log, cfg.UpstreamTimeout)

	limiter := NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	defer limiter.Stop()

	engine, err := newEngine(log)
	if err != nil {
		log.Fatal("Failed to create router: ", err)
	}

	setupRoutes(engine, &app{
		db:         db,
		log:        log,
		pool:       pool,
		keyManager: keyManager,
	}, imageHandler, limiter, cfg.MaxBodyBytes)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("Starting image gateway on port %d (%d keys, strategy=%s)", cfg.Port, pool.Size(), pool.StrategyName())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown: ", err)
	}

	log.Info("Server exited")
}

// initDatabase 初始化数据库
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error), // 只在出错时记录日志
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	rootKey, err := models.InitializeDefaultData(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize default data: %w", err)
	}
	if rootKey != "" {
		log.Warnf("🔑 Initial admin key (shown once): %s", rootKey)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// newEngine 创建 gin 引擎
// 不信任任何代理，ClientIP 只取连接的对端地址，伪造的 X-Forwarded-For 绕不过按 IP 限流
func newEngine(log *logrus.Logger) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())
	return engine, nil
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, a *app, images *core.ImageHandler, limiter *IPRateLimiter, maxBody int64) {
	engine.GET("/", handleRoot(a))
	engine.GET("/health", handleHealth(a))

	api := engine.Group("/api")
	api.Use(requestLoggerMiddleware(a.log), RateLimitMiddleware(limiter), bodyLimitMiddleware(maxBody))
	{
		api.POST("/generate", images.HandleGenerate)
		api.POST("/describe", images.HandleDescribe)
	}

	admin := engine.Group("/admin")
	admin.Use(AdminAuthMiddleware(a.db))
	{
		admin.GET("/stats", handleStats(a))
		admin.GET("/credentials", handleCredentials(a))
		admin.GET("/logs", handleLogs(a))
	}
}
