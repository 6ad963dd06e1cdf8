package mq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"talk-voting-backend/model"
	"talk-voting-backend/service"
)

// 事件中转驱动
const (
	DriverLocal    = "local"
	DriverRedis    = "redis"
	DriverRocketMQ = "rocketmq"
)

// EventHandler 收到事件时的回调
type EventHandler func(event model.VotingEvent)

// EventRelay 在实例之间转发投票事件，订阅者收到包括本实例发布在内的所有事件
type EventRelay interface {
	Publish(ctx context.Context, event model.VotingEvent) error
	// Subscribe 注册订阅者，ctx结束后取消订阅
	Subscribe(ctx context.Context, handler EventHandler) error
	Name() string
	Close() error
}

// RelayConfig 事件中转配置
type RelayConfig struct {
	Driver      string
	Channel     string
	NameServers []string
	Group       string
}

// NewEventRelay 按配置创建事件中转，配置的后端不可用时退回进程内中转
func NewEventRelay(cfg RelayConfig, client *redis.Client, logger *slog.Logger) EventRelay {
	logger = service.ResolveLogger(logger)

	switch cfg.Driver {
	case DriverRedis:
		if client == nil {
			logger.Warn("Redis未启用，事件中转退回进程内模式")
			break
		}
		logger.Info("使用Redis发布订阅中转事件", "channel", cfg.Channel)
		return NewRedisRelay(client, cfg.Channel, logger)
	case DriverRocketMQ:
		relay, err := NewRocketMQRelay(RocketMQOptions{
			NameServers: cfg.NameServers,
			Group:       cfg.Group,
			Topic:       cfg.Channel,
		}, logger)
		if err != nil {
			logger.Warn("RocketMQ初始化失败，事件中转退回进程内模式", "error", err)
			break
		}
		logger.Info("使用RocketMQ广播中转事件", "topic", cfg.Channel)
		return relay
	}
	return NewLocalRelay(logger)
}

// LocalRelay 进程内事件中转，Publish同步调用所有订阅者
type LocalRelay struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
	logger   *slog.Logger
}

// NewLocalRelay 创建进程内事件中转
func NewLocalRelay(logger *slog.Logger) *LocalRelay {
	return &LocalRelay{
		handlers: make(map[int]EventHandler),
		logger:   service.ResolveLogger(logger),
	}
}

// Publish 分发事件
func (r *LocalRelay) Publish(ctx context.Context, event model.VotingEvent) error {
	r.mu.RLock()
	handlers := make([]EventHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe 注册订阅者
func (r *LocalRelay) Subscribe(ctx context.Context, handler EventHandler) error {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = handler
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}()
	return nil
}

// Name 中转名称
func (r *LocalRelay) Name() string {
	return DriverLocal
}

// Close 移除所有订阅者
func (r *LocalRelay) Close() error {
	r.mu.Lock()
	r.handlers = make(map[int]EventHandler)
	r.mu.Unlock()
	return nil
}
