package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/config"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/metrics"
	"github.com/wfunc/cash-terminal/internal/middleware"
	"github.com/wfunc/cash-terminal/internal/repository"
	"github.com/wfunc/cash-terminal/internal/utils"
	"github.com/wfunc/cash-terminal/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Router 管理API路由器
type Router struct {
	engine *gin.Engine
	db     *gorm.DB

	authHandler    *AuthHandler
	cashHandler    *CashHandler
	statusHandler  *StatusHandler
	wsHandler      *WSHandler
	authMiddleware *middleware.AuthMiddleware

	metrics *metrics.Metrics
	monitor config.MonitorConfig
	log     *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(db *gorm.DB, cfg *config.Config, hub *websocket.Hub, mets *metrics.Metrics, log *zap.Logger) *Router {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	if mets != nil {
		engine.Use(mets.GinMiddleware())
	}

	jwtManager := utils.NewJWTManager(
		cfg.Security.JWT.Secret,
		time.Duration(cfg.Security.JWT.ExpireHours)*time.Hour,
		time.Duration(cfg.Security.JWT.RefreshHours)*time.Hour,
	)

	store := ledger.NewStore(db)
	acct := accounting.New(db)
	statusRepo := repository.NewDeviceStatusRepository(db)

	router := &Router{
		engine:         engine,
		db:             db,
		authHandler:    NewAuthHandler(db, jwtManager),
		cashHandler:    NewCashHandler(store, acct),
		statusHandler:  NewStatusHandler(statusRepo, hub),
		wsHandler:      NewWSHandler(hub, log),
		authMiddleware: middleware.NewAuthMiddleware(jwtManager),
		metrics:        mets,
		monitor:        cfg.Monitor,
		log:            log,
	}

	router.setupRoutes()
	return router
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	// API v1路由组
	v1 := r.engine.Group("/api/v1")
	{
		// 认证相关路由（不需要认证）
		auth := v1.Group("/auth")
		{
			auth.POST("/login", r.authHandler.Login)
			auth.POST("/refresh", r.authHandler.RefreshToken)
		}

		// 现金账本与对账（需要认证）
		cashGroup := v1.Group("/cash")
		cashGroup.Use(r.authMiddleware.RequireAuth())
		{
			cashGroup.GET("/state", r.cashHandler.GetState)
			cashGroup.GET("/log", r.cashHandler.GetLog)
			cashGroup.GET("/verify", r.cashHandler.Verify)
			cashGroup.GET("/verify/search", r.cashHandler.VerifySearch)
		}

		// 设备状态（需要认证）
		v1.GET("/status", r.authMiddleware.RequireAuth(), r.statusHandler.GetStatus)
	}

	// 事件推送
	r.engine.GET("/ws", r.authMiddleware.RequireAuth(), r.wsHandler.Serve)

	// 指标
	if r.monitor.Enabled && r.metrics != nil {
		path := r.monitor.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, gin.WrapH(r.metrics.Handler()))
	}

	// API文档
	registerSwaggerRoutes(r.engine)
	registerOpenAPIRoutes(r.engine)

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	sqlDB, err := r.db.DB()
	if err != nil {
		c.JSON(500, gin.H{
			"status":  "unhealthy",
			"message": "数据库连接失败",
		})
		return
	}

	if err := sqlDB.Ping(); err != nil {
		c.JSON(500, gin.H{
			"status":  "unhealthy",
			"message": "数据库ping失败",
		})
		return
	}

	c.JSON(200, gin.H{
		"status":  "healthy",
		"message": "服务运行正常",
	})
}

// Run 运行服务器
func (r *Router) Run(addr string) error {
	r.log.Info("Starting API server", zap.String("address", addr))
	return r.engine.Run(addr)
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
