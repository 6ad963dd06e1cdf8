package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"talk-voting-backend/models"
)

// MemoryStore 内存实现的Store，读写都做深拷贝，用于测试和本地运行
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*models.VotingSession
	talks         map[string]*models.Talk
	participation []*models.ParticipationVote
}

// NewMemoryStore 创建内存Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.VotingSession),
		talks:    make(map[string]*models.Talk),
	}
}

// CreateSession 保存新会话
func (m *MemoryStore) CreateSession(ctx context.Context, session *models.VotingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("voting session %s already exists", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession 按ID获取会话
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.VotingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// FindSessions 按条件查询会话
func (m *MemoryStore) FindSessions(ctx context.Context, filter SessionFilter) ([]*models.VotingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.VotingSession, 0)
	for _, session := range m.sessions {
		if filter.Match(session) {
			out = append(out, session.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSession 部分更新会话
func (m *MemoryStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if patch.RequireActive && session.Status != models.SessionActive {
		return ErrSessionNotActive
	}
	patch.Apply(session)
	return nil
}

// CreateTalk 保存演讲
func (m *MemoryStore) CreateTalk(ctx context.Context, talk *models.Talk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.talks[talk.ID]; exists {
		return fmt.Errorf("talk %s already exists", talk.ID)
	}
	m.talks[talk.ID] = cloneTalk(talk)
	return nil
}

// GetTalk 按ID获取演讲
func (m *MemoryStore) GetTalk(ctx context.Context, id string) (*models.Talk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	talk, ok := m.talks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTalk(talk), nil
}

// UpdateTalkRating 写回演讲评分汇总
func (m *MemoryStore) UpdateTalkRating(ctx context.Context, id string, update TalkRatingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	talk, ok := m.talks[id]
	if !ok {
		return ErrNotFound
	}
	results := update.LastVotingResults.Clone()
	talk.LastVotingResults = &results
	talk.AverageRating = update.AverageRating
	talk.TotalVotes = update.TotalVotes
	return nil
}

// CreateParticipationVote 保存参加投票
func (m *MemoryStore) CreateParticipationVote(ctx context.Context, vote *models.ParticipationVote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := *vote
	m.participation = append(m.participation, &v)
	return nil
}

// FindParticipationVotes 按条件查询参加投票，按保存顺序返回
func (m *MemoryStore) FindParticipationVotes(ctx context.Context, filter ParticipationFilter) ([]*models.ParticipationVote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ParticipationVote, 0)
	for _, vote := range m.participation {
		if filter.Match(vote) {
			v := *vote
			out = append(out, &v)
		}
	}
	return out, nil
}

func cloneTalk(talk *models.Talk) *models.Talk {
	out := *talk
	if talk.LastVotingResults != nil {
		results := talk.LastVotingResults.Clone()
		out.LastVotingResults = &results
	}
	return &out
}
