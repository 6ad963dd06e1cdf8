package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"talk-voting-backend/model"
	"talk-voting-backend/models"
	"talk-voting-backend/service"
)

const (
	// 写入超时
	writeWait = 10 * time.Second

	// 读取超时
	pongWait = 60 * time.Second

	// 发送ping间隔时间，必须小于pongWait
	pingPeriod = (pongWait * 9) / 10

	// 最大消息大小
	maxMessageSize = 512
)

// ResultsProvider 提供会话当前结果，用于连接建立时推送快照
type ResultsProvider interface {
	GetResults(ctx context.Context, sessionID string) (*models.SessionResults, error)
}

// Handler WebSocket处理器
type Handler struct {
	hub      *Hub
	results  ResultsProvider
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler 创建WebSocket处理器，allowedOrigins为空或包含"*"时允许所有来源
func NewHandler(hub *Hub, results ResultsProvider, allowedOrigins []string, logger *slog.Logger) *Handler {
	h := &Handler{
		hub:     hub,
		results: results,
		logger:  service.ResolveLogger(logger),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/sessions/:sessionId", h.HandleSession)
	router.GET("/ws/events/:eventId", h.HandleEvent)
}

// HandleSession 订阅单个会话的实时结果
func (h *Handler) HandleSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var snapshot []byte
	if h.results != nil {
		results, err := h.results.GetResults(c.Request.Context(), sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if service.IsNotFound(err) {
				status = http.StatusNotFound
			}
			c.JSON(status, model.ErrorResponse{Error: err.Error()})
			return
		}
		event, err := model.NewVotingEvent(model.MessageResultsSnapshot, sessionID, "", results)
		if err == nil {
			snapshot, _ = json.Marshal(event)
		}
	}

	h.serve(c, SessionTopic(sessionID), snapshot)
}

// HandleEvent 订阅活动内所有会话的事件
func (h *Handler) HandleEvent(c *gin.Context) {
	h.serve(c, EventTopic(c.Param("eventId")), nil)
}

func (h *Handler) serve(c *gin.Context, topic string, snapshot []byte) {
	// 升级HTTP连接为WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket升级失败", "topic", topic, "error", err)
		return
	}

	client := &Client{Topic: topic, send: make(chan []byte, clientBufferSize)}
	if snapshot != nil {
		client.send <- snapshot
	}
	h.hub.RegisterClient(client)

	go h.writePump(conn, client)
	go h.readPump(conn, client)

	h.logger.Info("WebSocket连接已建立", "topic", topic, "client_ip", c.ClientIP())
}

// readPump 只处理控制帧，客户端发送的消息被忽略
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.hub.UnregisterClient(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket读取失败", "topic", client.Topic, "error", err)
			}
			return
		}
	}
}

// writePump 每条消息单独一帧发送
func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 通道已关闭
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
