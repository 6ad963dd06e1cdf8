package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisNotAvailable 组件未配置Redis客户端
var ErrRedisNotAvailable = errors.New("redis not available")

// RedisClient 布隆过滤器、限流器和会话缓存直接调用的命令，
// 位操作和有序集合命令都经由Pipeline发出。*redis.Client满足该接口
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Pipeline() redis.Pipeliner
}

var _ RedisClient = (*redis.Client)(nil)
