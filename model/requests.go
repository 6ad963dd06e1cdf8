package model

// CreateSessionRequest 创建投票会话请求，Duration单位为秒
type CreateSessionRequest struct {
	EventID  string `json:"eventId" binding:"required"`
	TalkID   string `json:"talkId" binding:"required"`
	Duration *int   `json:"duration" binding:"omitempty,min=30,max=300"`
}

// VoteRequest 提交评分请求
type VoteRequest struct {
	Rating        int    `json:"rating" binding:"required,min=1,max=5"`
	ParticipantID string `json:"participantId,omitempty"`
}

// ParticipationRequest 参加方式投票请求
type ParticipationRequest struct {
	ParticipationType string `json:"participationType" binding:"required,oneof=online onsite"`
	ParticipantName   string `json:"participantName" binding:"required,max=128"`
	ParticipantEmail  string `json:"participantEmail,omitempty" binding:"omitempty,email"`
}

// VoteStatusResponse 投票者在会话中的投票状态
type VoteStatusResponse struct {
	SessionID string      `json:"sessionId"`
	VoterID   string      `json:"voterId"`
	HasVoted  bool        `json:"hasVoted"`
	Vote      interface{} `json:"vote"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
