package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"talk-voting-backend/models"
	"talk-voting-backend/service"
)

// 评分汇总队列使用的Redis键
const (
	MainQueueName       = "rollup_queue"       // 主队列
	ProcessingQueueName = "rollup_processing"  // 处理中队列
	DeadLetterQueueName = "rollup_dead_letter" // 死信队列
	RetriesHashName     = "rollup_retries"     // 重试次数记录
	DispatchedSetName   = "rollup_dispatched"  // 已入队的会话
	AppliedSetName      = "rollup_applied"     // 已完成汇总的会话
)

const idempotencyTTL = 48 * time.Hour

// RollupMessage 会话结束后的演讲评分汇总消息
type RollupMessage struct {
	MessageID string         `json:"message_id"`
	TalkID    string         `json:"talk_id"`
	SessionID string         `json:"session_id"`
	Results   models.Results `json:"results"`
	Timestamp int64          `json:"timestamp"`
}

// RollupHandler 处理汇总消息，通常为VotingService.ApplyTalkRating
type RollupHandler func(ctx context.Context, talkID string, results models.Results) error

// QueueOption RedisMQ选项
type QueueOption func(*RedisMQ)

// WithRetryDelay 设置失败重试延迟
func WithRetryDelay(d time.Duration) QueueOption {
	return func(r *RedisMQ) { r.retryDelay = d }
}

// WithMaxRetries 设置最大重试次数
func WithMaxRetries(n int) QueueOption {
	return func(r *RedisMQ) { r.maxRetries = n }
}

// WithProcessingTimeout 设置处理超时时间
func WithProcessingTimeout(d time.Duration) QueueOption {
	return func(r *RedisMQ) { r.processingTimeout = d }
}

// WithQueueLogger 设置日志
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(r *RedisMQ) { r.logger = logger }
}

// RedisMQ 基于Redis列表的可靠队列，用于异步执行演讲评分汇总
type RedisMQ struct {
	client            *redis.Client
	handler           RollupHandler
	logger            *slog.Logger
	processingTimeout time.Duration // 消息处理超时时间
	retryDelay        time.Duration // 重试延迟
	maxRetries        int           // 最大重试次数
	handleTimeout     time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

var _ service.RatingDispatcher = (*RedisMQ)(nil)

// NewRedisMQ 创建评分汇总队列
func NewRedisMQ(client *redis.Client, opts ...QueueOption) *RedisMQ {
	r := &RedisMQ{
		client:            client,
		processingTimeout: 5 * time.Minute,
		retryDelay:        30 * time.Second,
		maxRetries:        3,
		handleTimeout:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = service.ResolveLogger(r.logger)
	return r
}

// RegisterHandler 注册消息处理函数
func (r *RedisMQ) RegisterHandler(handler RollupHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// DispatchTalkRating 把汇总消息放入队列，同一会话只入队一次
func (r *RedisMQ) DispatchTalkRating(ctx context.Context, talkID, sessionID string, results models.Results) error {
	added, err := r.client.SAdd(ctx, DispatchedSetName, sessionID).Result()
	if err != nil {
		return fmt.Errorf("mark rollup dispatched: %w", err)
	}
	if added == 0 {
		r.logger.Info("评分汇总已入队，跳过", "session_id", sessionID, "talk_id", talkID)
		return nil
	}
	r.client.Expire(ctx, DispatchedSetName, idempotencyTTL)

	msg := RollupMessage{
		MessageID: uuid.NewString(),
		TalkID:    talkID,
		SessionID: sessionID,
		Results:   results,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rollup message: %w", err)
	}
	if err := r.client.LPush(ctx, MainQueueName, data).Err(); err != nil {
		r.client.SRem(ctx, DispatchedSetName, sessionID)
		return fmt.Errorf("push rollup message: %w", err)
	}

	r.logger.Info("评分汇总消息已入队", "message_id", msg.MessageID, "session_id", sessionID, "talk_id", talkID)
	return nil
}

// Start 启动消费者
func (r *RedisMQ) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handler == nil {
		return errors.New("rollup handler is not registered")
	}
	if r.running {
		return nil
	}

	r.running = true
	r.stopChan = make(chan struct{})

	r.wg.Add(2)
	go r.consumeLoop()
	go r.timeoutCheckLoop()

	r.logger.Info("评分汇总队列消费者已启动")
	return nil
}

// Stop 停止消费者并等待处理中的消息完成
func (r *RedisMQ) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopChan)
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("评分汇总队列消费者已关闭")
}

func (r *RedisMQ) consumeLoop() {
	defer r.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-r.stopChan:
			return
		default:
		}

		// BRPOPLPUSH把消息原子地移入处理中队列
		data, err := r.client.BRPopLPush(ctx, MainQueueName, ProcessingQueueName, time.Second).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				r.logger.Error("从队列获取消息失败", "error", err)
				r.sleep(time.Second)
			}
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.processMessage(data)
		}()
	}
}

func (r *RedisMQ) timeoutCheckLoop() {
	defer r.wg.Done()

	interval := r.processingTimeout / 5
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.checkTimeouts(context.Background())
		}
	}
}

// checkTimeouts 把处理超时的消息重新入队
func (r *RedisMQ) checkTimeouts(ctx context.Context) {
	messages, err := r.client.LRange(ctx, ProcessingQueueName, 0, -1).Result()
	if err != nil {
		r.logger.Error("获取处理中队列消息失败", "error", err)
		return
	}

	now := time.Now().Unix()
	for _, data := range messages {
		var msg RollupMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			r.moveToDeadLetter(ctx, data)
			continue
		}
		if now-msg.Timestamp <= int64(r.processingTimeout.Seconds()) {
			continue
		}
		r.logger.Warn("评分汇总消息处理超时", "message_id", msg.MessageID, "session_id", msg.SessionID)
		r.retryOrDeadLetter(ctx, msg, data)
	}
}

func (r *RedisMQ) processMessage(data string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.handleTimeout)
	defer cancel()

	var msg RollupMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		r.logger.Error("解析评分汇总消息失败", "error", err)
		r.moveToDeadLetter(ctx, data)
		return
	}

	applied, err := r.client.SIsMember(ctx, AppliedSetName, msg.SessionID).Result()
	if err != nil {
		r.logger.Warn("检查汇总幂等性出错", "session_id", msg.SessionID, "error", err)
	} else if applied {
		r.logger.Info("评分汇总已完成，跳过", "message_id", msg.MessageID, "session_id", msg.SessionID)
		r.client.LRem(ctx, ProcessingQueueName, 1, data)
		return
	}

	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()

	if err := handler(ctx, msg.TalkID, msg.Results); err != nil {
		r.logger.Error("评分汇总失败", "message_id", msg.MessageID, "talk_id", msg.TalkID, "error", err)
		r.retryOrDeadLetter(ctx, msg, data)
		return
	}

	r.client.SAdd(ctx, AppliedSetName, msg.SessionID)
	r.client.Expire(ctx, AppliedSetName, idempotencyTTL)
	r.client.HDel(ctx, RetriesHashName, msg.MessageID)
	r.client.LRem(ctx, ProcessingQueueName, 1, data)
	r.logger.Info("评分汇总完成", "message_id", msg.MessageID, "session_id", msg.SessionID, "talk_id", msg.TalkID)
}

// retryOrDeadLetter 未超过重试次数时延迟重新入队，否则移入死信队列
func (r *RedisMQ) retryOrDeadLetter(ctx context.Context, msg RollupMessage, data string) {
	retries, _ := r.client.HGet(ctx, RetriesHashName, msg.MessageID).Int()
	if retries >= r.maxRetries {
		r.logger.Warn("评分汇总消息超过最大重试次数，移至死信队列", "message_id", msg.MessageID, "retries", retries)
		r.moveToDeadLetter(ctx, data)
		return
	}

	r.client.HIncrBy(ctx, RetriesHashName, msg.MessageID, 1)
	r.client.LRem(ctx, ProcessingQueueName, 1, data)

	msg.Timestamp = time.Now().Unix()
	updated, _ := json.Marshal(msg)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(r.retryDelay):
		case <-r.stopChan:
		}
		// 停止时也重新入队，避免消息丢失
		if err := r.client.LPush(context.Background(), MainQueueName, updated).Err(); err != nil {
			r.logger.Error("评分汇总消息重新入队失败", "message_id", msg.MessageID, "error", err)
			return
		}
		r.logger.Info("评分汇总消息重新入队", "message_id", msg.MessageID, "retries", retries+1)
	}()
}

func (r *RedisMQ) moveToDeadLetter(ctx context.Context, data string) {
	r.client.LPush(ctx, DeadLetterQueueName, data)
	r.client.LRem(ctx, ProcessingQueueName, 1, data)
}

func (r *RedisMQ) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-r.stopChan:
	}
}

// RetryDeadLetters 把死信队列中的消息移回主队列，返回移动的条数
func (r *RedisMQ) RetryDeadLetters(ctx context.Context) (int, error) {
	messages, err := r.client.LRange(ctx, DeadLetterQueueName, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read dead letter queue: %w", err)
	}

	count := 0
	for _, data := range messages {
		if err := r.client.LPush(ctx, MainQueueName, data).Err(); err != nil {
			r.logger.Error("死信消息重新入队失败", "error", err)
			continue
		}
		r.client.LRem(ctx, DeadLetterQueueName, 1, data)

		var msg RollupMessage
		if json.Unmarshal([]byte(data), &msg) == nil {
			r.client.HDel(ctx, RetriesHashName, msg.MessageID)
		}
		count++
	}

	r.logger.Info("死信消息已移回主队列", "count", count)
	return count, nil
}

// Stats 各队列的消息数量
func (r *RedisMQ) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := r.client.Pipeline()
	mainLen := pipe.LLen(ctx, MainQueueName)
	procLen := pipe.LLen(ctx, ProcessingQueueName)
	deadLen := pipe.LLen(ctx, DeadLetterQueueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read queue stats: %w", err)
	}

	return map[string]int64{
		"main_queue":        mainLen.Val(),
		"processing_queue":  procLen.Val(),
		"dead_letter_queue": deadLen.Val(),
	}, nil
}
