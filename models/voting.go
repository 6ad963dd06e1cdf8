package models

import (
	"fmt"
	"strconv"
	"time"
)

// SessionStatus 投票会话状态
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// 评分范围
const (
	MinRating = 1
	MaxRating = 5
)

// ValidRating 判断评分是否在1到5之间
func ValidRating(rating int) bool {
	return rating >= MinRating && rating <= MaxRating
}

// Vote 单个投票者的评分记录
type Vote struct {
	VoterID   string    `json:"voterId"`
	Rating    int       `json:"rating"`
	Timestamp time.Time `json:"timestamp"`
}

// VoteMap 按投票者ID索引的投票记录，每个投票者最多一条
type VoteMap map[string]Vote

// Distribution 评分(1..5) -> 票数
type Distribution map[int]int

// NewDistribution 创建所有评分都为0的分布
func NewDistribution() Distribution {
	d := make(Distribution, MaxRating)
	for r := MinRating; r <= MaxRating; r++ {
		d[r] = 0
	}
	return d
}

// Results 会话的统计结果，每次投票后重新计算
type Results struct {
	TotalVotes    int          `json:"totalVotes"`
	AverageRating string       `json:"averageRating"`
	Distribution  Distribution `json:"distribution"`
}

// NewResults 创建空的统计结果
func NewResults() Results {
	return Results{
		TotalVotes:    0,
		AverageRating: formatHundredths(0),
		Distribution:  NewDistribution(),
	}
}

// Clone 深拷贝统计结果
func (r Results) Clone() Results {
	out := Results{
		TotalVotes:    r.TotalVotes,
		AverageRating: r.AverageRating,
		Distribution:  make(Distribution, len(r.Distribution)),
	}
	for k, v := range r.Distribution {
		out.Distribution[k] = v
	}
	return out
}

// AverageValue 以数值形式返回平均分
func (r Results) AverageValue() float64 {
	v, err := strconv.ParseFloat(r.AverageRating, 64)
	if err != nil {
		return 0
	}
	return v
}

// Percentages 每个评分所占百分比(四舍五入为整数)，没有投票时全部为0
func (r Results) Percentages() Distribution {
	out := NewDistribution()
	if r.TotalVotes == 0 {
		return out
	}
	for rating := MinRating; rating <= MaxRating; rating++ {
		count := r.Distribution[rating]
		out[rating] = (count*200 + r.TotalVotes) / (2 * r.TotalVotes)
	}
	return out
}

func (r *Results) add(rating int) {
	if r.Distribution == nil {
		r.Distribution = NewDistribution()
	}
	r.Distribution[rating]++
	r.TotalVotes++
	r.recompute()
}

func (r *Results) remove(rating int) {
	if r.Distribution[rating] > 0 {
		r.Distribution[rating]--
		r.TotalVotes--
	}
	r.recompute()
}

// recompute 根据分布重新计算平均分，以百分之一为单位整数运算，四舍五入
func (r *Results) recompute() {
	if r.TotalVotes == 0 {
		r.AverageRating = formatHundredths(0)
		return
	}
	sum := 0
	for rating, count := range r.Distribution {
		sum += rating * count
	}
	hundredths := (sum*200 + r.TotalVotes) / (2 * r.TotalVotes)
	r.AverageRating = formatHundredths(hundredths)
}

func formatHundredths(h int) string {
	return fmt.Sprintf("%d.%02d", h/100, h%100)
}

// VotingSession 针对某个活动中某个演讲的限时评分会话
type VotingSession struct {
	ID        string        `gorm:"primaryKey;size:36" json:"id"`
	EventID   string        `gorm:"size:64;not null;index" json:"eventId"`
	TalkID    string        `gorm:"size:64;not null;index" json:"talkId"`
	Status    SessionStatus `gorm:"size:16;not null;index:idx_voting_sessions_status_ends_at,priority:1" json:"status"`
	CreatedAt time.Time     `gorm:"not null" json:"createdAt"`
	EndsAt    time.Time     `gorm:"not null;index:idx_voting_sessions_status_ends_at,priority:2" json:"endsAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Duration  int           `gorm:"not null" json:"duration"`
	CreatedBy string        `gorm:"size:128" json:"createdBy"`
	Votes     VoteMap       `gorm:"type:text;serializer:json" json:"votes"`
	Results   Results       `gorm:"type:text;serializer:json" json:"results"`
}

// TableName 会话表名
func (VotingSession) TableName() string {
	return "voting_sessions"
}

// NewVotingSession 创建一个处于active状态的新会话
func NewVotingSession(id, eventID, talkID, createdBy string, duration int, now time.Time) *VotingSession {
	return &VotingSession{
		ID:        id,
		EventID:   eventID,
		TalkID:    talkID,
		Status:    SessionActive,
		CreatedAt: now,
		EndsAt:    now.Add(time.Duration(duration) * time.Second),
		Duration:  duration,
		CreatedBy: createdBy,
		Votes:     VoteMap{},
		Results:   NewResults(),
	}
}

// Expired 判断在now时刻会话是否已过截止时间
func (s *VotingSession) Expired(now time.Time) bool {
	return !now.Before(s.EndsAt)
}

// HasVote 判断投票者是否已投票
func (s *VotingSession) HasVote(voterID string) bool {
	_, ok := s.Votes[voterID]
	return ok
}

// RecordVote 记录投票并更新统计结果，调用方需保证投票者尚未投票
func (s *VotingSession) RecordVote(vote Vote) {
	if s.Votes == nil {
		s.Votes = VoteMap{}
	}
	s.Votes[vote.VoterID] = vote
	s.Results.add(vote.Rating)
}

// RemoveVote 撤销一条投票(用于持久化失败时回滚)
func (s *VotingSession) RemoveVote(voterID string) {
	vote, ok := s.Votes[voterID]
	if !ok {
		return
	}
	delete(s.Votes, voterID)
	s.Results.remove(vote.Rating)
}

// Clone 深拷贝会话，返回给调用方的会话与内部状态互不影响
func (s *VotingSession) Clone() *VotingSession {
	out := *s
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		out.EndedAt = &endedAt
	}
	out.Votes = make(VoteMap, len(s.Votes))
	for k, v := range s.Votes {
		out.Votes[k] = v
	}
	out.Results = s.Results.Clone()
	return &out
}

// SessionResults getResults返回的结果视图
type SessionResults struct {
	SessionID     string        `json:"sessionId"`
	Status        SessionStatus `json:"status"`
	TotalVotes    int           `json:"totalVotes"`
	AverageRating float64       `json:"averageRating"`
	Distribution  Distribution  `json:"distribution"`
	Percentages   Distribution  `json:"percentages"`
	EndsAt        time.Time     `json:"endsAt"`
}

// ResultsView 生成会话的结果视图
func (s *VotingSession) ResultsView() *SessionResults {
	results := s.Results.Clone()
	if results.Distribution == nil {
		results.Distribution = NewDistribution()
	}
	return &SessionResults{
		SessionID:     s.ID,
		Status:        s.Status,
		TotalVotes:    results.TotalVotes,
		AverageRating: results.AverageValue(),
		Distribution:  results.Distribution,
		Percentages:   results.Percentages(),
		EndsAt:        s.EndsAt,
	}
}

// HistoryEntry 演讲投票历史中的一条会话摘要
type HistoryEntry struct {
	SessionID     string        `json:"sessionId"`
	EventID       string        `json:"eventId"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	TotalVotes    int           `json:"totalVotes"`
	AverageRating string        `json:"averageRating"`
	Distribution  Distribution  `json:"distribution"`
}

// Summary 生成会话摘要
func (s *VotingSession) Summary() HistoryEntry {
	c := s.Clone()
	return HistoryEntry{
		SessionID:     c.ID,
		EventID:       c.EventID,
		Status:        c.Status,
		CreatedAt:     c.CreatedAt,
		EndedAt:       c.EndedAt,
		TotalVotes:    c.Results.TotalVotes,
		AverageRating: c.Results.AverageRating,
		Distribution:  c.Results.Distribution,
	}
}
