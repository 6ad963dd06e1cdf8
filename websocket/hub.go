package websocket

import (
	"context"
	"log/slog"
	"sync"

	"talk-voting-backend/model"
	"talk-voting-backend/service"
)

const clientBufferSize = 256

// SessionTopic 会话的推送主题
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// EventTopic 活动的推送主题
func EventTopic(eventID string) string {
	return "event:" + eventID
}

// Client 订阅某个主题的连接(WebSocket或SSE)
type Client struct {
	// 订阅的主题
	Topic string

	// 消息发送通道，客户端被注销时关闭
	send chan []byte
}

// Messages 返回消息通道
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Hub 维护活跃的客户端集合并按主题广播消息
type Hub struct {
	// 已注册的客户端，按主题分组
	clients map[string]map[*Client]bool

	// 注册请求
	register chan *Client

	// 注销请求
	unregister chan *Client

	// Run退出后关闭
	done chan struct{}

	// 互斥锁保护clients map
	mu sync.RWMutex

	logger *slog.Logger
}

// NewHub 创建一个新的Hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     service.ResolveLogger(logger),
	}
}

// Run 启动Hub消息处理循环，ctx结束时关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for topic, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
				delete(h.clients, topic)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.Topic]; !ok {
				h.clients[client.Topic] = make(map[*Client]bool)
			}
			h.clients[client.Topic][client] = true
			count := len(h.clients[client.Topic])
			h.mu.Unlock()
			h.logger.Debug("客户端已注册", "topic", client.Topic, "count", count)

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("客户端已注销", "topic", client.Topic)
		}
	}
}

// remove 删除并关闭客户端，已删除的客户端不会被重复关闭
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.Topic)
	}
}

// BroadcastToTopic 向主题的所有客户端广播消息，发送缓冲区已满的客户端会被断开，返回送达的客户端数
func (h *Hub) BroadcastToTopic(topic string, payload []byte) int {
	var slow []*Client
	delivered := 0

	h.mu.RLock()
	for client := range h.clients[topic] {
		select {
		case client.send <- payload:
			delivered++
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("客户端发送缓冲区已满，断开连接", "topic", topic)
		h.remove(client)
	}
	return delivered
}

// BroadcastEvent 把事件推送给对应会话和活动的订阅者
func (h *Hub) BroadcastEvent(event model.VotingEvent) {
	payload, err := event.ToJSON()
	if err != nil {
		h.logger.Error("事件序列化失败", "type", event.Type, "error", err)
		return
	}

	delivered := 0
	if event.SessionID != "" {
		delivered += h.BroadcastToTopic(SessionTopic(event.SessionID), payload)
	}
	if event.EventID != "" {
		delivered += h.BroadcastToTopic(EventTopic(event.EventID), payload)
	}
	h.logger.Debug("事件已广播", "type", event.Type, "session_id", event.SessionID, "event_id", event.EventID, "count", delivered)
}

// Subscribe 创建并注册订阅主题的客户端
func (h *Hub) Subscribe(topic string) *Client {
	client := &Client{Topic: topic, send: make(chan []byte, clientBufferSize)}
	h.RegisterClient(client)
	return client
}

// RegisterClient 注册客户端到Hub，Hub已停止时直接关闭客户端
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// UnregisterClient 从Hub中注销客户端
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount 当前连接的客户端总数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}
