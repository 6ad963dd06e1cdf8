package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"talk-voting-backend/models"
)

// GormStore 基于GORM的Store实现(MySQL / SQLite)
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM Store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateSession 写入新会话
func (s *GormStore) CreateSession(ctx context.Context, session *models.VotingSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create voting session: %w", err)
	}
	return nil
}

// GetSession 按ID查询会话
func (s *GormStore) GetSession(ctx context.Context, id string) (*models.VotingSession, error) {
	var session models.VotingSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get voting session: %w", err)
	}
	normalizeSession(&session)
	return &session, nil
}

// FindSessions 按条件查询会话，按创建时间倒序
func (s *GormStore) FindSessions(ctx context.Context, filter SessionFilter) ([]*models.VotingSession, error) {
	query := s.db.WithContext(ctx).Model(&models.VotingSession{})
	if filter.EventID != "" {
		query = query.Where("event_id = ?", filter.EventID)
	}
	if filter.TalkID != "" {
		query = query.Where("talk_id = ?", filter.TalkID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var sessions []*models.VotingSession
	if err := query.Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("find voting sessions: %w", err)
	}
	for _, session := range sessions {
		normalizeSession(session)
	}
	return sessions, nil
}

// UpdateSession 只更新patch中给出的列
func (s *GormStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	var (
		columns []string
		values  models.VotingSession
	)
	if patch.Status != nil {
		columns = append(columns, "status")
		values.Status = *patch.Status
	}
	if patch.EndedAt != nil {
		columns = append(columns, "ended_at")
		values.EndedAt = patch.EndedAt
	}
	if patch.Votes != nil {
		columns = append(columns, "votes")
		values.Votes = patch.Votes
	}
	if patch.Results != nil {
		columns = append(columns, "results")
		values.Results = *patch.Results
	}
	if len(columns) == 0 {
		return nil
	}

	query := s.db.WithContext(ctx).Model(&models.VotingSession{ID: id})
	if patch.RequireActive {
		query = query.Where("status = ?", models.SessionActive)
	}
	result := query.Select(columns).Updates(&values)
	if result.Error != nil {
		return fmt.Errorf("update voting session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if patch.RequireActive {
			return s.requireActiveSession(ctx, id)
		}
		return s.requireRow(ctx, &models.VotingSession{}, id)
	}
	return nil
}

// requireActiveSession 条件更新影响0行时区分会话不存在、已结束和值未变化
func (s *GormStore) requireActiveSession(ctx context.Context, id string) error {
	var session models.VotingSession
	err := s.db.WithContext(ctx).Select("id", "status").Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session status: %w", err)
	}
	if session.Status != models.SessionActive {
		return ErrSessionNotActive
	}
	return nil
}

// CreateTalk 写入演讲
func (s *GormStore) CreateTalk(ctx context.Context, talk *models.Talk) error {
	if err := s.db.WithContext(ctx).Create(talk).Error; err != nil {
		return fmt.Errorf("create talk: %w", err)
	}
	return nil
}

// GetTalk 按ID查询演讲
func (s *GormStore) GetTalk(ctx context.Context, id string) (*models.Talk, error) {
	var talk models.Talk
	err := s.db.WithContext(ctx).First(&talk, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get talk: %w", err)
	}
	return &talk, nil
}

// UpdateTalkRating 写回演讲评分汇总
func (s *GormStore) UpdateTalkRating(ctx context.Context, id string, update TalkRatingUpdate) error {
	results := update.LastVotingResults.Clone()
	result := s.db.WithContext(ctx).
		Model(&models.Talk{ID: id}).
		Select("last_voting_results", "average_rating", "total_votes").
		Updates(&models.Talk{
			LastVotingResults: &results,
			AverageRating:     update.AverageRating,
			TotalVotes:        update.TotalVotes,
		})
	if result.Error != nil {
		return fmt.Errorf("update talk rating: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.requireRow(ctx, &models.Talk{}, id)
	}
	return nil
}

// CreateParticipationVote 写入参加投票
func (s *GormStore) CreateParticipationVote(ctx context.Context, vote *models.ParticipationVote) error {
	if err := s.db.WithContext(ctx).Create(vote).Error; err != nil {
		return fmt.Errorf("create participation vote: %w", err)
	}
	return nil
}

// FindParticipationVotes 按条件查询参加投票
func (s *GormStore) FindParticipationVotes(ctx context.Context, filter ParticipationFilter) ([]*models.ParticipationVote, error) {
	query := s.db.WithContext(ctx).Model(&models.ParticipationVote{})
	if filter.EventID != "" {
		query = query.Where("event_id = ?", filter.EventID)
	}
	if filter.ParticipantName != "" {
		query = query.Where("participant_name = ?", filter.ParticipantName)
	}

	var votes []*models.ParticipationVote
	if err := query.Order("created_at ASC").Find(&votes).Error; err != nil {
		return nil, fmt.Errorf("find participation votes: %w", err)
	}
	return votes, nil
}

// requireRow 更新影响0行时确认记录是否存在(MySQL值未变化时也返回0行)
func (s *GormStore) requireRow(ctx context.Context, model interface{}, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check row: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// normalizeSession JSON列为NULL时补齐空值
func normalizeSession(session *models.VotingSession) {
	if session.Votes == nil {
		session.Votes = models.VoteMap{}
	}
	if session.Results.Distribution == nil {
		session.Results = models.NewResults()
	}
}
