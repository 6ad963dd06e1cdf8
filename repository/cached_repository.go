package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"talk-voting-backend/cache"
	"talk-voting-backend/models"
)

const sessionCacheKeyPrefix = "voting_session:"

// CachedStore 带Redis缓存的Store装饰器
//
// 只缓存已结束的会话：结束后的会话不会再变化，进行中的会话由服务层内存持有。
// 布隆过滤器记录所有已知会话ID，预热完成后用于拦截不存在的ID。
type CachedStore struct {
	Store
	redis  cache.RedisClient
	bloom  *cache.BloomFilter
	ttl    time.Duration
	logger *slog.Logger
	warmed atomic.Bool
}

// NewCachedStore 创建带缓存的Store，bloom可以为nil
func NewCachedStore(backing Store, client cache.RedisClient, bloom *cache.BloomFilter, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:  backing,
		redis:  client,
		bloom:  bloom,
		ttl:    ttl,
		logger: logger,
	}
}

// Warm 把存储中所有会话ID写入布隆过滤器
func (c *CachedStore) Warm(ctx context.Context) error {
	if c.bloom == nil {
		return nil
	}
	sessions, err := c.Store.FindSessions(ctx, SessionFilter{})
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := c.bloom.Add(ctx, session.ID); err != nil {
			return err
		}
	}
	c.warmed.Store(true)
	c.logger.Info("会话布隆过滤器预热完成", "count", len(sessions))
	return nil
}

// CreateSession 先写数据库，再登记到布隆过滤器
func (c *CachedStore) CreateSession(ctx context.Context, session *models.VotingSession) error {
	if err := c.Store.CreateSession(ctx, session); err != nil {
		return err
	}
	if c.bloom != nil {
		if err := c.bloom.Add(ctx, session.ID); err != nil {
			c.logger.Warn("写入布隆过滤器失败", "session_id", session.ID, "error", err)
		}
	}
	return nil
}

// GetSession 布隆过滤器 -> Redis -> 数据库
func (c *CachedStore) GetSession(ctx context.Context, id string) (*models.VotingSession, error) {
	if c.bloom != nil && c.warmed.Load() {
		exists, err := c.bloom.Contains(ctx, id)
		if err != nil {
			c.logger.Warn("布隆过滤器查询失败", "session_id", id, "error", err)
		} else if !exists {
			return nil, ErrNotFound
		}
	}

	key := sessionCacheKeyPrefix + id
	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var session models.VotingSession
		if jsonErr := json.Unmarshal(data, &session); jsonErr == nil {
			return &session, nil
		}
		c.logger.Warn("缓存数据解析失败，删除缓存", "session_id", id)
		c.redis.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("读取会话缓存失败", "session_id", id, "error", err)
	}

	session, err := c.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionEnded {
		c.put(ctx, session)
	}
	return session, nil
}

// UpdateSession 更新数据库后删除缓存
func (c *CachedStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	if err := c.Store.UpdateSession(ctx, id, patch); err != nil {
		return err
	}
	if err := c.redis.Del(ctx, sessionCacheKeyPrefix+id).Err(); err != nil {
		c.logger.Warn("删除会话缓存失败", "session_id", id, "error", err)
	}
	return nil
}

func (c *CachedStore) put(ctx context.Context, session *models.VotingSession) {
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, sessionCacheKeyPrefix+session.ID, data, cache.JitterTTL(c.ttl)).Err(); err != nil {
		c.logger.Warn("写入会话缓存失败", "session_id", session.ID, "error", err)
	}
}
