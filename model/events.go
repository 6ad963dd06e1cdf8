package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// 实时推送的消息类型
const (
	MessageSessionCreated           = "voting_session_created"
	MessageVoteSubmitted            = "vote_submitted"
	MessageSessionEnded             = "voting_session_ended"
	MessageParticipationVoteCreated = "participation_vote_created"
	MessageResultsSnapshot          = "results_snapshot"
)

// VotingEvent 在实例之间和推送给客户端的事件格式
type VotingEvent struct {
	Type      string          `json:"type"`                // 消息类型
	SessionID string          `json:"sessionId,omitempty"` // 会话ID，参加投票事件为空
	EventID   string          `json:"eventId"`             // 活动ID
	Payload   json.RawMessage `json:"payload"`             // 消息内容
	Timestamp time.Time       `json:"timestamp"`
}

// NewVotingEvent 创建事件，payload序列化为JSON
func NewVotingEvent(msgType, sessionID, eventID string, payload interface{}) (VotingEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return VotingEvent{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return VotingEvent{
		Type:      msgType,
		SessionID: sessionID,
		EventID:   eventID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ToJSON 将事件转换为JSON字节数组
func (e VotingEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ParseVotingEvent 解析JSON格式的事件
func ParseVotingEvent(data []byte) (VotingEvent, error) {
	var e VotingEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return VotingEvent{}, fmt.Errorf("parse voting event: %w", err)
	}
	if e.Type == "" {
		return VotingEvent{}, fmt.Errorf("parse voting event: missing type")
	}
	return e, nil
}
