package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired 重试次数用尽仍未拿到锁
var ErrLockNotAcquired = errors.New("distributed lock not acquired")

// DistributedLockService 基于redsync的分布式锁服务
type DistributedLockService struct {
	rs         *redsync.Redsync
	tries      int
	retryDelay time.Duration
	logger     *slog.Logger
}

// LockOption 锁服务选项
type LockOption func(*DistributedLockService)

// WithLockTries 设置获取锁的最大尝试次数
func WithLockTries(tries int) LockOption {
	return func(s *DistributedLockService) {
		s.tries = tries
	}
}

// WithLockRetryDelay 设置重试间隔
func WithLockRetryDelay(delay time.Duration) LockOption {
	return func(s *DistributedLockService) {
		s.retryDelay = delay
	}
}

// WithLockLogger 设置日志
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(s *DistributedLockService) {
		s.logger = logger
	}
}

// NewLockService 使用现有Redis客户端创建分布式锁服务
func NewLockService(client *redis.Client, opts ...LockOption) *DistributedLockService {
	s := &DistributedLockService{
		rs:         redsync.New(goredis.NewPool(client)),
		tries:      5,
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = resolveLogger(s.logger)
	return s
}

// AcquireLock 获取锁，返回的mutex用于释放
func (s *DistributedLockService) AcquireLock(ctx context.Context, lockName string, expiry time.Duration) (*redsync.Mutex, error) {
	mutex := s.rs.NewMutex(lockName,
		redsync.WithExpiry(expiry),
		redsync.WithTries(s.tries),           // 最大重试次数
		redsync.WithRetryDelay(s.retryDelay), // 重试延迟
		redsync.WithDriftFactor(0.01),        // 时钟漂移因子
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, lockName, err)
	}
	return mutex, nil
}

// ReleaseLock 释放锁
func (s *DistributedLockService) ReleaseLock(ctx context.Context, mutex *redsync.Mutex) error {
	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("release lock %s: lock already expired", mutex.Name())
	}
	return nil
}

// WithLock 在锁内执行操作
func (s *DistributedLockService) WithLock(ctx context.Context, lockName string, expiry time.Duration, action func() error) error {
	mutex, err := s.AcquireLock(ctx, lockName, expiry)
	if err != nil {
		return err
	}

	// 确保解锁，解锁失败只记录日志
	defer func() {
		if err := s.ReleaseLock(context.WithoutCancel(ctx), mutex); err != nil {
			s.logger.Warn("释放分布式锁失败", "lock", lockName, "error", err)
		}
	}()

	return action()
}
