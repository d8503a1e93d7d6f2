// Package main 是服务端的入口点
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kinecraft-server/internal/cache"
	"kinecraft-server/internal/config"
	"kinecraft-server/internal/generator"
	"kinecraft-server/internal/genlock"
	"kinecraft-server/internal/handler"
	"kinecraft-server/internal/middleware"
	"kinecraft-server/internal/model"
	"kinecraft-server/internal/orchestrator"
	"kinecraft-server/internal/phase"
	"kinecraft-server/internal/repository"
	"kinecraft-server/internal/service"
	"kinecraft-server/internal/verifier"
	"kinecraft-server/internal/websocket"
	"kinecraft-server/internal/workspace"
	"kinecraft-server/pkg/jwt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	cfg, err := config.Load("./configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}

	// 自动迁移数据库表
	if err := autoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化 Redis
	redisCache, err := cache.NewRedisCache(cfg)
	if err != nil {
		log.Fatalf("Failed to init redis: %v", err)
	}

	// 初始化 JWT 服务
	jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpire)

	// 初始化工作空间管理器
	workspaces := workspace.NewManager(cfg)
	if err := workspaces.Init(); err != nil {
		log.Fatalf("Failed to init workspace manager: %v", err)
	}

	// 初始化 Repository 层
	sessionRepo := repository.NewSessionRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	versionRepo := repository.NewVersionRepository(db)
	toolCallRepo := repository.NewToolCallRepository(db)

	// 初始化 Service 层
	authService := service.NewAuthService(cfg, redisCache, jwtService)
	aiService := service.NewAIService(cfg)
	sessionService := service.NewSessionService(sessionRepo, messageRepo, versionRepo, toolCallRepo, redisCache, workspaces)

	// 初始化 WebSocket Hub（事件流的消费端）
	wsHub := websocket.NewHub(redisCache)
	go wsHub.Run() // 在单独的 goroutine 中运行

	// 初始化生成管线
	locks := genlock.NewRegistry(cfg.Pipeline.LockWait)
	gen := generator.New(aiService, workspaces, cfg.Workspace.MaxFileSize)
	ver := verifier.New(aiService, workspaces, cfg.Pipeline.PassScore)
	machine := phase.NewMachine(cfg.Pipeline.Affirmatives)

	// 初始化编排器
	orc := orchestrator.New(orchestrator.Deps{
		Store:      sessionService,
		Workspaces: workspaces,
		Locks:      locks,
		Generator:  gen,
		Verifier:   ver,
		Previews:   redisCache,
		Analyst:    aiService,
		Director:   &orchestrator.PlanDirector{InstallCommand: cfg.Workspace.InstallCommand},
		Sink:       wsHub,
		Machine:    machine,
		Cfg:        cfg,
	})
	// 编排器和 Hub 都在服务之后构建，反向注入
	sessionService.SetCanceller(orc)
	sessionService.SetObservers(wsHub)

	// 初始化 Handler 层
	authHandler := handler.NewAuthHandler(authService)
	sessionHandler := handler.NewSessionHandler(sessionService, orc)
	workspaceHandler := handler.NewWorkspaceHandler(workspaces, redisCache)
	wsHandler := websocket.NewHandler(wsHub, sessionService, cfg.JWT.Secret)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建 Gin 引擎
	router := gin.New()

	// 全局中间件
	router.Use(middleware.RecoveryMiddleware())            // 恢复 panic
	router.Use(middleware.LoggerMiddleware("/health"))     // 请求日志
	router.Use(middleware.CORSMiddleware(cfg.Server.CORS)) // CORS

	// 注册路由
	registerRoutes(router, jwtService, redisCache, authHandler, sessionHandler, workspaceHandler, wsHandler)

	// 创建 HTTP 服务器
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("Server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// 创建关闭上下文，设置超时
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// 回收所有活跃工作空间（预览进程、后台命令、文件树）
	workspaces.Sweep()

	// 关闭 Redis 连接
	if err := redisCache.Close(); err != nil {
		log.Printf("Failed to close redis: %v", err)
	}

	log.Println("Server exited")
}

// initDatabase 初始化数据库连接
func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	// 构建 DSN (Data Source Name)
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		cfg.MySQL.Username,
		cfg.MySQL.Password,
		cfg.MySQL.Host,
		cfg.MySQL.Port,
		cfg.MySQL.Database,
		cfg.MySQL.Charset,
	)

	// 配置 GORM logger
	gormLogger := logger.Default.LogMode(logger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	// 连接数据库
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MySQL.MaxLifetime) * time.Second)

	log.Println("Database connected successfully")
	return db, nil
}

// autoMigrate 自动迁移数据库表
func autoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&model.Session{},
		&model.Message{},
		&model.Version{},
		&model.ToolCallRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	log.Println("Database migrations completed")
	return nil
}

// registerRoutes 注册所有路由
func registerRoutes(
	router *gin.Engine,
	jwtService *jwt.JWTService,
	redisCache *cache.RedisCache,
	authHandler *handler.AuthHandler,
	sessionHandler *handler.SessionHandler,
	workspaceHandler *handler.WorkspaceHandler,
	wsHandler *websocket.Handler,
) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 路由组
	v1 := router.Group("/api/v1")

	// 认证相关（无需令牌）
	auth := v1.Group("/auth")
	{
		auth.POST("/token", authHandler.IssueToken) // 密钥换令牌
	}
	// 登出需要携带令牌
	authed := v1.Group("/auth")
	authed.Use(middleware.AuthMiddleware(jwtService, redisCache))
	{
		authed.POST("/logout", authHandler.Logout)
	}

	// 会话相关（需要令牌）
	sessions := v1.Group("/sessions")
	sessions.Use(middleware.AuthMiddleware(jwtService, redisCache))
	{
		sessions.POST("", sessionHandler.CreateSession)
		sessions.GET("", sessionHandler.ListSessions)
		sessions.GET("/:id", sessionHandler.GetSession)
		sessions.DELETE("/:id", sessionHandler.EndSession)
		sessions.POST("/:id/messages", sessionHandler.SubmitMessage)
		sessions.GET("/:id/messages", sessionHandler.ListMessages)
		sessions.POST("/:id/accept", sessionHandler.AcceptSession)
		sessions.POST("/:id/regenerate", sessionHandler.RegenerateSession)
		sessions.POST("/:id/retry", sessionHandler.RetrySession)
		sessions.POST("/:id/cancel", sessionHandler.CancelSession)
		sessions.GET("/:id/versions", sessionHandler.ListVersions)
		sessions.GET("/:id/toolcalls", sessionHandler.ListToolCalls)
	}

	// 预览代理与渲染产物（工作空间句柄即凭证）
	workspaceHandler.RegisterRoutes(router)

	// WebSocket 路由
	wsHandler.RegisterRoutes(router)
}
