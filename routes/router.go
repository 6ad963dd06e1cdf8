package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"talk-voting-backend/api"
	"talk-voting-backend/handlers"
	"talk-voting-backend/service"
	"talk-voting-backend/websocket"
)

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
}

// Dependencies 路由用到的处理器，RateLimiter和Admin可以为nil
type Dependencies struct {
	Voting         *api.VotingController
	SSE            *handlers.SSEHandler
	WebSocket      *websocket.Handler
	Health         *handlers.HealthHandler
	Admin          *handlers.AdminHandler
	RateLimiter    *handlers.RateLimiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

// SetupRouter 设置和配置Gin路由
func SetupRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(service.ResolveLogger(deps.Logger)))

	// 配置CORS中间件
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", api.UserIDHeader, handlers.AdminKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(deps.AllowedOrigins) == 0 || contains(deps.AllowedOrigins, "*") {
		corsConfig.AllowCredentials = false
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = deps.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	// 健康检查和指标端点
	if deps.Health != nil {
		deps.Health.RegisterRoutes(router)
	}

	// 实时推送（WebSocket）
	if deps.WebSocket != nil {
		deps.WebSocket.RegisterRoutes(router)
	}

	apiGroup := router.Group("/api")
	{
		var limit gin.HandlerFunc
		if deps.RateLimiter != nil {
			limit = deps.RateLimiter.Middleware()
			apiGroup.GET("/ratelimit/stats", deps.RateLimiter.GetRateLimiterStats)
		}
		deps.Voting.RegisterRoutes(apiGroup, limit)

		// 实时推送（SSE）
		if deps.SSE != nil {
			apiGroup.GET("/voting/sessions/:sessionId/live", deps.SSE.HandleSession)
			apiGroup.GET("/voting/events/:eventId/live", deps.SSE.HandleEvent)
		}

		// 管理员相关API
		if deps.Admin != nil {
			deps.Admin.RegisterRoutes(apiGroup)
		}
	}

	return router
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// requestLogger 记录每个请求的结构化访问日志
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "HTTP请求",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// StartServer 在单独的goroutine中启动HTTP服务器
func StartServer(router *gin.Engine, port string, logger *slog.Logger) *Server {
	logger = service.ResolveLogger(logger)
	addr := ":" + port

	srv := &Server{
		&http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	go func() {
		logger.Info("服务器启动", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服务器启动失败", "error", err)
		}
	}()

	return srv
}

// Sweeper 定期结束已过期的会话
type Sweeper interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// StartSessionSweeper 按interval清理过期会话，ctx结束后停止，返回的channel在退出时关闭
func StartSessionSweeper(ctx context.Context, sweeper Sweeper, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	logger = service.ResolveLogger(logger)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleaned, err := sweeper.CleanupExpiredSessions(ctx)
				if err != nil {
					logger.Error("清理过期会话失败", "count", cleaned, "error", err)
					continue
				}
				if cleaned > 0 {
					logger.Info("已清理过期会话", "count", cleaned)
				}
			}
		}
	}()

	return done
}
