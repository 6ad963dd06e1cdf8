package mq

import (
	"context"
	"log/slog"
	"time"

	"talk-voting-backend/model"
	"talk-voting-backend/models"
	"talk-voting-backend/service"
)

const publishTimeout = 3 * time.Second

// EventSource 可注册事件处理函数的服务
type EventSource interface {
	On(event string, handler service.Handler)
}

// Bridge 把服务事件转换为VotingEvent并发布到中转
func Bridge(source EventSource, relay EventRelay, logger *slog.Logger) {
	logger = service.ResolveLogger(logger)

	publish := func(msgType, sessionID, eventID string, payload interface{}) {
		event, err := model.NewVotingEvent(msgType, sessionID, eventID, payload)
		if err != nil {
			logger.Error("事件序列化失败", "type", msgType, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := relay.Publish(ctx, event); err != nil {
			logger.Error("事件发布失败", "type", msgType, "session_id", sessionID, "event_id", eventID, "error", err)
		}
	}

	source.On(service.EventSessionCreated, func(payload interface{}) {
		if s, ok := payload.(*models.VotingSession); ok {
			publish(model.MessageSessionCreated, s.ID, s.EventID, s)
		}
	})
	source.On(service.EventVoteSubmitted, func(payload interface{}) {
		if p, ok := payload.(service.VoteSubmitted); ok {
			publish(model.MessageVoteSubmitted, p.SessionID, p.EventID, p)
		}
	})
	source.On(service.EventSessionEnded, func(payload interface{}) {
		if p, ok := payload.(service.SessionEnded); ok {
			publish(model.MessageSessionEnded, p.SessionID, p.EventID, p)
		}
	})
	source.On(service.EventParticipationVoteCreated, func(payload interface{}) {
		if p, ok := payload.(service.ParticipationVoteCreated); ok {
			publish(model.MessageParticipationVoteCreated, "", p.EventID, p)
		}
	})
}
