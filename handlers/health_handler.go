package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"talk-voting-backend/service"
)

// Version 应用版本，可通过构建参数注入
var Version = "0.1.0"

const (
	statusOK       = "ok"
	statusError    = "error"
	statusDisabled = "disabled"
)

// SystemInfo contains basic system metrics and information
type SystemInfo struct {
	Status       string        `json:"status"`
	Version      string        `json:"version"`
	Uptime       string        `json:"uptime"`
	StartTime    time.Time     `json:"start_time"`
	CurrentTime  time.Time     `json:"current_time"`
	GoVersion    string        `json:"go_version"`
	NumGoroutine int           `json:"num_goroutine"`
	NumCPU       int           `json:"num_cpu"`
	DBStatus     string        `json:"db_status"`
	RedisStatus  string        `json:"redis_status"`
	Relay        string        `json:"relay"`
	Clients      int           `json:"clients"`
	Voting       service.Stats `json:"voting"`
}

// StatsProvider 投票服务统计
type StatsProvider interface {
	Stats() service.Stats
}

// ClientCounter 实时连接数量
type ClientCounter interface {
	ClientCount() int
}

// RedisPinger Redis连通性检查，*redis.Client直接满足该接口
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// HealthHandler 健康检查、系统状态与指标
type HealthHandler struct {
	db        *gorm.DB
	redis     RedisPinger
	stats     StatsProvider
	clients   ClientCounter
	relay     string
	startTime time.Time
}

// NewHealthHandler 创建健康检查处理器，db和redis可以为nil
func NewHealthHandler(db *gorm.DB, redis RedisPinger, stats StatsProvider, clients ClientCounter, relay string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		stats:     stats,
		clients:   clients,
		relay:     relay,
		startTime: time.Now(),
	}
}

// RegisterRoutes 注册健康检查路由
func (h *HealthHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.HealthCheck)
	router.GET("/status", h.SystemStatus)
	router.GET("/metrics", h.MetricsHandler)
}

// HealthCheck 提供基本健康检查端点
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// SystemStatus 提供详细的系统状态信息，依赖不可用时返回503
func (h *HealthHandler) SystemStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	info := SystemInfo{
		Status:       statusOK,
		Version:      Version,
		Uptime:       time.Since(h.startTime).String(),
		StartTime:    h.startTime,
		CurrentTime:  time.Now(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		DBStatus:     h.dbStatus(ctx),
		RedisStatus:  h.redisStatus(ctx),
		Relay:        h.relay,
	}
	if h.clients != nil {
		info.Clients = h.clients.ClientCount()
	}
	if h.stats != nil {
		info.Voting = h.stats.Stats()
	}

	code := http.StatusOK
	if info.DBStatus == statusError || info.RedisStatus == statusError {
		info.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, info)
}

func (h *HealthHandler) dbStatus(ctx context.Context) string {
	if h.db == nil {
		return statusDisabled
	}
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		return statusError
	}
	return statusOK
}

func (h *HealthHandler) redisStatus(ctx context.Context) string {
	if h.redis == nil {
		return statusDisabled
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return statusError
	}
	return statusOK
}

// MetricsHandler 返回Prometheus文本格式的指标
func (h *HealthHandler) MetricsHandler(c *gin.Context) {
	var stats service.Stats
	if h.stats != nil {
		stats = h.stats.Stats()
	}
	clients := 0
	if h.clients != nil {
		clients = h.clients.ClientCount()
	}

	var b strings.Builder
	writeMetric(&b, "voting_active_sessions", "gauge", "Sessions currently accepting votes", int64(stats.ActiveSessions))
	writeMetric(&b, "voting_sessions_created_total", "counter", "Voting sessions created", stats.SessionsCreated)
	writeMetric(&b, "voting_sessions_ended_total", "counter", "Voting sessions ended", stats.SessionsEnded)
	writeMetric(&b, "voting_votes_accepted_total", "counter", "Votes accepted", stats.VotesAccepted)
	writeMetric(&b, "voting_votes_rejected_total", "counter", "Votes rejected", stats.VotesRejected)
	writeMetric(&b, "realtime_clients", "gauge", "Connected websocket and SSE clients", int64(clients))
	writeMetric(&b, "system_goroutines", "gauge", "The number of goroutines", int64(runtime.NumGoroutine()))

	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}

func writeMetric(b *strings.Builder, name, kind, help string, value int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, value)
}
