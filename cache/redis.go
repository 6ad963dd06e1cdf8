package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// 缓存时间抖动系数，避免大量key同时过期
	jitterFactor = 0.2
	// 连接检查超时
	pingTimeout = 3 * time.Second
)

// Options Redis连接参数
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient 创建Redis客户端并检查连接
func NewClient(ctx context.Context, opts Options, logger *slog.Logger) (*redis.Client, error) {
	logger = resolveLogger(logger)

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 3 * time.Second,
		ReadTimeout: 3 * time.Second,
		PoolSize:    poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}

	logger.Info("Redis连接初始化成功", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// JitterTTL 给过期时间加上随机抖动
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	jitter := time.Duration(rand.Float64() * jitterFactor * float64(ttl))
	return ttl + jitter
}

func resolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
