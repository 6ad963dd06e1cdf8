package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"talk-voting-backend/model"
	"talk-voting-backend/service"
)

// RocketMQOptions RocketMQ中转配置
type RocketMQOptions struct {
	NameServers []string
	Group       string
	Topic       string
}

// RocketMQRelay 基于RocketMQ广播消费的事件中转，每个实例都能收到全部事件
type RocketMQRelay struct {
	topic    string
	producer rocketmq.Producer
	consumer rocketmq.PushConsumer
	logger   *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

// NewRocketMQRelay 创建并启动生产者和广播消费者
func NewRocketMQRelay(opts RocketMQOptions, logger *slog.Logger) (*RocketMQRelay, error) {
	if len(opts.NameServers) == 0 {
		return nil, errors.New("rocketmq name servers are required")
	}
	if opts.Topic == "" {
		opts.Topic = DefaultChannel
	}
	if opts.Group == "" {
		opts.Group = "voting_relay"
	}

	r := &RocketMQRelay{
		topic:    opts.Topic,
		logger:   service.ResolveLogger(logger),
		handlers: make(map[int]EventHandler),
	}

	p, err := rocketmq.NewProducer(
		producer.WithNameServer(opts.NameServers),
		producer.WithGroupName(opts.Group+"_producer"),
		producer.WithRetry(2),
		producer.WithSendMsgTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("start rocketmq producer: %w", err)
	}

	c, err := rocketmq.NewPushConsumer(
		consumer.WithNameServer(opts.NameServers),
		consumer.WithGroupName(opts.Group),
		consumer.WithConsumerModel(consumer.BroadCasting),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
	)
	if err != nil {
		_ = p.Shutdown()
		return nil, fmt.Errorf("create rocketmq consumer: %w", err)
	}
	if err := c.Subscribe(opts.Topic, consumer.MessageSelector{
		Type:       consumer.TAG,
		Expression: "*",
	}, r.consume); err != nil {
		_ = p.Shutdown()
		return nil, fmt.Errorf("subscribe topic %s: %w", opts.Topic, err)
	}
	if err := c.Start(); err != nil {
		_ = p.Shutdown()
		return nil, fmt.Errorf("start rocketmq consumer: %w", err)
	}

	r.producer = p
	r.consumer = c
	return r, nil
}

// Publish 同步发送事件，按活动ID分区
func (r *RocketMQRelay) Publish(ctx context.Context, event model.VotingEvent) error {
	msg, err := encodeMessage(r.topic, event)
	if err != nil {
		return err
	}
	res, err := r.producer.SendSync(ctx, msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", r.topic, err)
	}
	r.logger.Debug("事件已发送到RocketMQ", "msg_id", res.MsgID, "type", event.Type, "event_id", event.EventID)
	return nil
}

// Subscribe 注册订阅者
func (r *RocketMQRelay) Subscribe(ctx context.Context, handler EventHandler) error {
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
func (r *RocketMQRelay) Name() string {
	return DriverRocketMQ
}

// Close 关闭消费者和生产者
func (r *RocketMQRelay) Close() error {
	return errors.Join(r.consumer.Shutdown(), r.producer.Shutdown())
}

func (r *RocketMQRelay) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	events := decodeMessages(r.logger, msgs...)

	r.mu.RLock()
	handlers := make([]EventHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, event := range events {
		for _, h := range handlers {
			h(event)
		}
	}
	return consumer.ConsumeSuccess, nil
}

// encodeMessage 事件类型作为tag，活动ID作为分区键
func encodeMessage(topic string, event model.VotingEvent) (*primitive.Message, error) {
	body, err := event.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal voting event: %w", err)
	}
	msg := primitive.NewMessage(topic, body)
	msg.WithTag(event.Type)
	if event.SessionID != "" {
		msg.WithKeys([]string{event.SessionID})
	}
	msg.WithShardingKey(event.EventID)
	return msg, nil
}

// decodeMessages 解析消息，无法解析的消息记录日志后丢弃
func decodeMessages(logger *slog.Logger, msgs ...*primitive.MessageExt) []model.VotingEvent {
	events := make([]model.VotingEvent, 0, len(msgs))
	for _, msg := range msgs {
		event, err := model.ParseVotingEvent(msg.Body)
		if err != nil {
			logger.Warn("忽略无法解析的RocketMQ消息", "msg_id", msg.MsgId, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events
}
