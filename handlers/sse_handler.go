package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"talk-voting-backend/model"
	"talk-voting-backend/service"
	"talk-voting-backend/websocket"
)

// DefaultHeartbeatInterval SSE心跳间隔
const DefaultHeartbeatInterval = 15 * time.Second

// SSEHandler 基于Server-Sent Events的实时推送，订阅websocket.Hub中的主题
type SSEHandler struct {
	hub       *websocket.Hub
	results   websocket.ResultsProvider
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewSSEHandler 创建SSE处理器，heartbeat<=0时使用默认间隔
func NewSSEHandler(hub *websocket.Hub, results websocket.ResultsProvider, heartbeat time.Duration, logger *slog.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &SSEHandler{
		hub:       hub,
		results:   results,
		heartbeat: heartbeat,
		logger:    service.ResolveLogger(logger),
	}
}

// HandleSession 推送单个会话的结果快照及后续事件
func (h *SSEHandler) HandleSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	results, err := h.results.GetResults(c.Request.Context(), sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if service.IsNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, model.ErrorResponse{Error: err.Error()})
		return
	}

	snapshot, err := model.NewVotingEvent(model.MessageResultsSnapshot, sessionID, "", results)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: err.Error()})
		return
	}
	h.stream(c, websocket.SessionTopic(sessionID), snapshot)
}

// HandleEvent 推送活动内所有会话的事件
func (h *SSEHandler) HandleEvent(c *gin.Context) {
	h.stream(c, websocket.EventTopic(c.Param("eventId")), nil)
}

func (h *SSEHandler) stream(c *gin.Context, topic string, snapshot interface{}) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: "streaming unsupported"})
		return
	}

	// 设置SSE所需的HTTP头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // 禁用Nginx缓冲
	c.Status(http.StatusOK)

	client := h.hub.Subscribe(topic)
	defer h.hub.UnregisterClient(client)

	h.logger.Info("SSE连接已建立", "topic", topic, "client_ip", c.ClientIP())

	if snapshot != nil {
		if err := writeSSE(c.Writer, flusher, snapshot); err != nil {
			return
		}
	}
	if err := writeSSE(c.Writer, flusher, gin.H{"type": "connected", "topic": topic}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			h.logger.Info("SSE客户端已断开连接", "topic", topic)
			return
		case msg, ok := <-client.Messages():
			if !ok {
				// Hub已停止或客户端过慢被移除
				return
			}
			if err := writeRaw(c.Writer, flusher, msg); err != nil {
				h.logger.Warn("写入SSE数据失败", "topic", topic, "error", err)
				return
			}
		case now := <-heartbeat.C:
			if err := writeSSE(c.Writer, flusher, gin.H{"type": "heartbeat", "time": now.Format(time.RFC3339)}); err != nil {
				h.logger.Warn("发送心跳失败，关闭连接", "topic", topic, "error", err)
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return writeRaw(w, flusher, payload)
}

func writeRaw(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
