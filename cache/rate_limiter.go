package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter 限流器接口，key区分不同的调用方
type RateLimiter interface {
	// Allow 判断请求是否允许通过
	Allow(ctx context.Context, key string) (bool, error)
}

// 令牌桶算法的Lua脚本
const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = math.ceil(burst / rate) + 1

local tokens_key = key .. ":tokens"
local timestamp_key = key .. ":ts"

local tokens = tonumber(redis.call("get", tokens_key) or burst)
local last_update = tonumber(redis.call("get", timestamp_key) or now)

local elapsed = math.max(0, now - last_update)
local new_tokens = math.min(burst, tokens + elapsed * rate)

if new_tokens < 1 then
	return 0
end

new_tokens = new_tokens - 1

redis.call("setex", tokens_key, ttl, new_tokens)
redis.call("setex", timestamp_key, ttl, now)

return 1
`

// TokenBucketRateLimiter Redis令牌桶限流器，多个实例共享配额
type TokenBucketRateLimiter struct {
	redisClient RedisClient
	prefix      string
	rate        int // 每秒生成的令牌数量
	burst       int // 令牌桶最大容量
	now         func() time.Time
}

// NewTokenBucketRateLimiter 创建新的令牌桶限流器
func NewTokenBucketRateLimiter(client RedisClient, prefix string, rate, burst int) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		redisClient: client,
		prefix:      fmt.Sprintf("rate_limit:%s", prefix),
		rate:        rate,
		burst:       burst,
		now:         time.Now,
	}
}

// Allow 判断请求是否允许通过
func (l *TokenBucketRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	keys := []string{l.prefix + ":" + key}
	args := []interface{}{l.now().Unix(), l.rate, l.burst}

	result, err := l.redisClient.Eval(ctx, tokenBucketScript, keys, args...).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// SlidingWindowRateLimiter 滑动窗口限流器
type SlidingWindowRateLimiter struct {
	redisClient RedisClient
	prefix      string
	windowSize  time.Duration // 窗口大小
	limit       int           // 窗口内允许的最大请求数
}

// NewSlidingWindowRateLimiter 创建新的滑动窗口限流器
func NewSlidingWindowRateLimiter(client RedisClient, prefix string, windowSize time.Duration, limit int) *SlidingWindowRateLimiter {
	return &SlidingWindowRateLimiter{
		redisClient: client,
		prefix:      fmt.Sprintf("sliding_window:%s", prefix),
		windowSize:  windowSize,
		limit:       limit,
	}
}

// Allow 判断请求是否允许通过
func (l *SlidingWindowRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	zkey := l.prefix + ":" + key
	now := time.Now().UnixMilli()
	windowStart := now - l.windowSize.Milliseconds()
	requestID := uuid.NewString()

	// 使用有序集合记录请求
	pipe := l.redisClient.Pipeline()
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now), Member: requestID})
	pipe.ZRemRangeByScore(ctx, zkey, "0", strconv.FormatInt(windowStart, 10))
	card := pipe.ZCard(ctx, zkey)
	pipe.Expire(ctx, zkey, l.windowSize*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// 如果超过限制，移除当前请求
	if card.Val() > int64(l.limit) {
		l.redisClient.ZRem(ctx, zkey, requestID)
		return false, nil
	}
	return true, nil
}

// LocalRateLimiter 进程内限流器，每个key一个令牌桶，未启用Redis时使用
type LocalRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter(perSecond float64, burst int) *LocalRateLimiter {
	return &LocalRateLimiter{
		limiters: make(map[string]*localEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		lastGC:   time.Now(),
	}
}

// Allow 判断请求是否允许通过
func (l *LocalRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	// 定期清理长时间未使用的key
	if now.Sub(l.lastGC) > l.idleTTL {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	return entry.limiter.AllowN(now, 1), nil
}
