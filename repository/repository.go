package repository

import (
	"context"
	"errors"
	"time"

	"talk-voting-backend/models"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")

	// ErrSessionNotActive 带RequireActive的更新遇到已结束的会话
	ErrSessionNotActive = errors.New("voting session is not active")
)

// SessionFilter 会话查询条件，空字段表示不过滤
type SessionFilter struct {
	EventID string
	TalkID  string
	Status  models.SessionStatus
}

// Match 判断会话是否满足查询条件
func (f SessionFilter) Match(s *models.VotingSession) bool {
	if f.EventID != "" && s.EventID != f.EventID {
		return false
	}
	if f.TalkID != "" && s.TalkID != f.TalkID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// SessionPatch 会话部分更新，nil字段保持不变。
// RequireActive为true时只更新status仍为active的会话，否则返回ErrSessionNotActive
type SessionPatch struct {
	Status        *models.SessionStatus
	EndedAt       *time.Time
	Votes         models.VoteMap
	Results       *models.Results
	RequireActive bool
}

// Apply 把更新应用到会话上
func (p SessionPatch) Apply(s *models.VotingSession) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.EndedAt != nil {
		endedAt := *p.EndedAt
		s.EndedAt = &endedAt
	}
	if p.Votes != nil {
		s.Votes = make(models.VoteMap, len(p.Votes))
		for k, v := range p.Votes {
			s.Votes[k] = v
		}
	}
	if p.Results != nil {
		s.Results = p.Results.Clone()
	}
}

// TalkRatingUpdate 会话结束后写回演讲的评分汇总
type TalkRatingUpdate struct {
	LastVotingResults models.Results
	AverageRating     string
	TotalVotes        int
}

// ParticipationFilter 参加投票查询条件
type ParticipationFilter struct {
	EventID         string
	ParticipantName string
}

// Match 判断参加投票是否满足查询条件
func (f ParticipationFilter) Match(v *models.ParticipationVote) bool {
	if f.EventID != "" && v.EventID != f.EventID {
		return false
	}
	if f.ParticipantName != "" && v.ParticipantName != f.ParticipantName {
		return false
	}
	return true
}

// SessionRepository 投票会话数据访问接口(voting_sessions)
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.VotingSession) error
	// GetSession 不存在时返回ErrNotFound
	GetSession(ctx context.Context, id string) (*models.VotingSession, error)
	// FindSessions 按创建时间倒序返回
	FindSessions(ctx context.Context, filter SessionFilter) ([]*models.VotingSession, error)
	UpdateSession(ctx context.Context, id string, patch SessionPatch) error
}

// TalkRepository 演讲数据访问接口(talks)
type TalkRepository interface {
	CreateTalk(ctx context.Context, talk *models.Talk) error
	GetTalk(ctx context.Context, id string) (*models.Talk, error)
	UpdateTalkRating(ctx context.Context, id string, update TalkRatingUpdate) error
}

// ParticipationRepository 参加投票数据访问接口(participation_votes)
type ParticipationRepository interface {
	CreateParticipationVote(ctx context.Context, vote *models.ParticipationVote) error
	FindParticipationVotes(ctx context.Context, filter ParticipationFilter) ([]*models.ParticipationVote, error)
}

// Store 投票服务需要的全部持久化操作
type Store interface {
	SessionRepository
	TalkRepository
	ParticipationRepository
}
