package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"talk-voting-backend/model"
	"talk-voting-backend/service"
)

// DefaultChannel 默认的事件频道/主题
const DefaultChannel = "voting_events"

// RedisRelay 基于Redis PUBLISH/SUBSCRIBE的事件中转
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup
}

// NewRedisRelay 创建Redis事件中转
func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  service.ResolveLogger(logger),
	}
}

// Publish 发布事件
func (r *RedisRelay) Publish(ctx context.Context, event model.VotingEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal voting event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe 订阅频道，返回前确认订阅已生效
func (r *RedisRelay) Subscribe(ctx context.Context, handler EventHandler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, pubsub)
	r.mu.Unlock()

	ch := pubsub.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := model.ParseVotingEvent([]byte(msg.Payload))
				if err != nil {
					r.logger.Warn("忽略无法解析的事件", "channel", msg.Channel, "error", err)
					continue
				}
				handler(event)
			}
		}
	}()
	return nil
}

// Name 中转名称
func (r *RedisRelay) Name() string {
	return DriverRedis
}

// Close 关闭所有订阅，等待订阅协程退出
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsubs := r.pubsubs
	r.pubsubs = nil
	r.mu.Unlock()

	var firstErr error
	for _, ps := range pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()
	return firstErr
}
