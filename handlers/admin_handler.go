package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"talk-voting-backend/model"
	"talk-voting-backend/service"
)

// AdminKeyHeader 管理接口的认证头
const AdminKeyHeader = "X-Admin-Key"

// SessionSweeper 结束所有已过期的会话
type SessionSweeper interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// RollupQueue 评分汇总队列的管理操作
type RollupQueue interface {
	Stats(ctx context.Context) (map[string]int64, error)
	RetryDeadLetters(ctx context.Context) (int, error)
}

// AdminHandler 管理接口：清理过期会话、查看和重试评分汇总队列
type AdminHandler struct {
	adminKey string
	sweeper  SessionSweeper
	queue    RollupQueue
	logger   *slog.Logger
}

// NewAdminHandler 创建管理处理器，queue为nil表示未启用汇总队列
func NewAdminHandler(adminKey string, sweeper SessionSweeper, queue RollupQueue, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		adminKey: adminKey,
		sweeper:  sweeper,
		queue:    queue,
		logger:   service.ResolveLogger(logger),
	}
}

// RegisterRoutes 注册管理路由
func (h *AdminHandler) RegisterRoutes(router gin.IRouter) {
	admin := router.Group("/admin", h.RequireAdminKey())
	{
		admin.POST("/sessions/cleanup", h.CleanupSessions)
		admin.GET("/rollups/stats", h.RollupStats)
		admin.POST("/rollups/retry", h.RetryRollups)
	}
}

// RequireAdminKey 校验管理员密钥，未配置密钥时拒绝所有请求
func (h *AdminHandler) RequireAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(AdminKeyHeader)
		if h.adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "无效的管理员密钥"})
			return
		}
		c.Next()
	}
}

// CleanupSessions 立即结束所有已过期的会话
func (h *AdminHandler) CleanupSessions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	cleaned, err := h.sweeper.CleanupExpiredSessions(ctx)
	result := gin.H{
		"success": err == nil,
		"cleaned": cleaned,
		"message": fmt.Sprintf("过期会话清理完成，共结束 %d 个会话", cleaned),
	}
	if err != nil {
		h.logger.Error("手动清理过期会话失败", "count", cleaned, "error", err)
		result["error"] = err.Error()
		c.JSON(http.StatusInternalServerError, result)
		return
	}

	h.logger.Info("手动清理过期会话完成", "count", cleaned)
	c.JSON(http.StatusOK, result)
}

// RollupStats 评分汇总队列各队列长度
func (h *AdminHandler) RollupStats(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "queues": stats})
}

// RetryRollups 把死信队列中的汇总消息移回主队列
func (h *AdminHandler) RetryRollups(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusConflict, model.ErrorResponse{Error: "rollup queue is not enabled"})
		return
	}

	moved, err := h.queue.RetryDeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, model.SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("已重新入队 %d 条汇总消息", moved),
		Data:    gin.H{"retried": moved},
	})
}
