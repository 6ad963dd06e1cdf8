package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"talk-voting-backend/cache"
	"talk-voting-backend/service"
)

// rateLimitMessage 限流时返回给客户端的提示
const rateLimitMessage = "请求频率过高，请稍后再试"

// maxTrackedKeys 统计中最多保留的调用方数量
const maxTrackedKeys = 1000

// KeyFunc 从请求中提取限流键
type KeyFunc func(c *gin.Context) string

// VoterKey 按投票者限流：优先X-User-ID，其次客户端IP
func VoterKey(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// RateLimiterStats 限流器统计信息
type RateLimiterStats struct {
	Strategy         string           `json:"strategy"`
	TotalRequests    int64            `json:"totalRequests"`
	AllowedRequests  int64            `json:"allowedRequests"`
	RejectedRequests int64            `json:"rejectedRequests"`
	LimiterErrors    int64            `json:"limiterErrors"`
	RejectedByKey    map[string]int64 `json:"rejectedByKey"`
}

// RateLimiter 包装cache.RateLimiter的gin中间件
type RateLimiter struct {
	limiter  cache.RateLimiter
	keyFunc  KeyFunc
	strategy string
	logger   *slog.Logger

	total    atomic.Int64
	allowed  atomic.Int64
	rejected atomic.Int64
	failures atomic.Int64

	mu            sync.Mutex
	rejectedByKey map[string]int64
}

// NewRateLimiter 创建限流中间件，keyFunc为空时使用VoterKey
func NewRateLimiter(limiter cache.RateLimiter, strategy string, keyFunc KeyFunc, logger *slog.Logger) *RateLimiter {
	if keyFunc == nil {
		keyFunc = VoterKey
	}
	return &RateLimiter{
		limiter:       limiter,
		keyFunc:       keyFunc,
		strategy:      strategy,
		logger:        service.ResolveLogger(logger),
		rejectedByKey: make(map[string]int64),
	}
}

// Middleware 返回限流中间件。限流器本身出错时放行请求，只记录日志
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.total.Add(1)
		key := r.keyFunc(c)

		ok, err := r.limiter.Allow(c.Request.Context(), key)
		if err != nil {
			r.failures.Add(1)
			r.allowed.Add(1)
			r.logger.Warn("限流器检查失败，放行请求", "key", key, "error", err)
			c.Next()
			return
		}
		if !ok {
			r.rejected.Add(1)
			r.recordRejection(key)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": rateLimitMessage})
			return
		}

		r.allowed.Add(1)
		c.Next()
	}
}

func (r *RateLimiter) recordRejection(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rejectedByKey[key]; !ok && len(r.rejectedByKey) >= maxTrackedKeys {
		return
	}
	r.rejectedByKey[key]++
}

// Stats 返回统计快照
func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	byKey := make(map[string]int64, len(r.rejectedByKey))
	for k, v := range r.rejectedByKey {
		byKey[k] = v
	}
	r.mu.Unlock()

	return RateLimiterStats{
		Strategy:         r.strategy,
		TotalRequests:    r.total.Load(),
		AllowedRequests:  r.allowed.Load(),
		RejectedRequests: r.rejected.Load(),
		LimiterErrors:    r.failures.Load(),
		RejectedByKey:    byKey,
	}
}

// GetRateLimiterStats 获取限流器统计信息
func (r *RateLimiter) GetRateLimiterStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.Stats())
}
