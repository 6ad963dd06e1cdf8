package models

import "time"

// Talk 活动中的演讲，会话结束后把评分结果汇总到这里
type Talk struct {
	ID                string    `gorm:"primaryKey;size:64" json:"id"`
	EventID           string    `gorm:"size:64;index" json:"eventId"`
	Title             string    `gorm:"size:255" json:"title"`
	Speaker           string    `gorm:"size:128" json:"speaker"`
	AverageRating     string    `gorm:"size:8" json:"averageRating"`
	TotalVotes        int       `gorm:"not null;default:0" json:"totalVotes"`
	LastVotingResults *Results  `gorm:"type:text;serializer:json" json:"lastVotingResults,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TableName 演讲表名
func (Talk) TableName() string {
	return "talks"
}

// ParticipationType 参加方式
type ParticipationType string

const (
	ParticipationOnline ParticipationType = "online"
	ParticipationOnsite ParticipationType = "onsite"
)

// Valid 判断参加方式是否合法
func (t ParticipationType) Valid() bool {
	return t == ParticipationOnline || t == ParticipationOnsite
}

// ParticipationVote 参加者对参加方式(线上/线下)的投票
type ParticipationVote struct {
	ID                string            `gorm:"primaryKey;size:36" json:"id"`
	EventID           string            `gorm:"size:64;not null;index" json:"eventId"`
	ParticipationType ParticipationType `gorm:"size:16;not null" json:"participationType"`
	ParticipantName   string            `gorm:"size:128;not null;index" json:"participantName"`
	ParticipantEmail  string            `gorm:"size:255" json:"participantEmail,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// TableName 参加投票表名
func (ParticipationVote) TableName() string {
	return "participation_votes"
}
