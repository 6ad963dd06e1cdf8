package service

import (
	"log/slog"
	"sync"

	"talk-voting-backend/models"
)

// 服务发出的事件名
const (
	EventSessionCreated           = "sessionCreated"
	EventVoteSubmitted            = "voteSubmitted"
	EventSessionEnded             = "sessionEnded"
	EventParticipationVoteCreated = "participationVoteCreated"
)

// VoteSubmitted voteSubmitted事件内容
type VoteSubmitted struct {
	SessionID string         `json:"sessionId"`
	EventID   string         `json:"eventId"`
	Vote      models.Vote    `json:"vote"`
	Results   models.Results `json:"results"`
}

// SessionEnded sessionEnded事件内容
type SessionEnded struct {
	SessionID string         `json:"sessionId"`
	EventID   string         `json:"eventId"`
	TalkID    string         `json:"talkId"`
	Results   models.Results `json:"results"`
}

// ParticipationVoteCreated participationVoteCreated事件内容
type ParticipationVoteCreated struct {
	EventID string                   `json:"eventId"`
	Vote    models.ParticipationVote `json:"vote"`
}

// Handler 事件处理函数，sessionCreated的payload为*models.VotingSession，其余为上面的结构体
type Handler func(payload interface{})

// Bus 同步事件总线，按注册顺序调用处理函数
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewBus 创建事件总线
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   ResolveLogger(logger),
	}
}

// On 注册事件处理函数
func (b *Bus) On(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit 依次调用所有处理函数，单个处理函数panic不影响其他处理函数
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event]))
	copy(handlers, b.handlers[event])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(event, h, payload)
	}
}

func (b *Bus) invoke(event string, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件处理函数异常", "event", event, "panic", r)
		}
	}()
	h(payload)
}

// ResolveLogger 未传入logger时使用slog.Default()
func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
