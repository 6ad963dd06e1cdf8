package service

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"talk-voting-backend/models"
	"talk-voting-backend/repository"
)

// ParticipationInput 参加投票参数
type ParticipationInput struct {
	EventID           string
	ParticipationType models.ParticipationType
	ParticipantName   string
	ParticipantEmail  string
}

// ParticipationCounts 活动的参加投票，按参加方式分组
type ParticipationCounts struct {
	Online []models.ParticipationVote `json:"online"`
	Onsite []models.ParticipationVote `json:"onsite"`
}

func (c *ParticipationCounts) add(vote models.ParticipationVote) {
	switch vote.ParticipationType {
	case models.ParticipationOnline:
		c.Online = append(c.Online, vote)
	case models.ParticipationOnsite:
		c.Onsite = append(c.Onsite, vote)
	}
}

func (c *ParticipationCounts) clone() *ParticipationCounts {
	return &ParticipationCounts{
		Online: append([]models.ParticipationVote{}, c.Online...),
		Onsite: append([]models.ParticipationVote{}, c.Onsite...),
	}
}

// EventParticipation 活动的参加投票及总人数
type EventParticipation struct {
	ParticipationCounts
	Total int `json:"total"`
}

// participationCache 按活动缓存参加投票，首次查询时从存储加载
type participationCache struct {
	mu      sync.Mutex
	byEvent map[string]*ParticipationCounts
}

// CreateParticipationVote 记录参加方式投票，同一活动中同名参加者只能投一次
func (s *VotingService) CreateParticipationVote(ctx context.Context, input ParticipationInput) (*models.ParticipationVote, error) {
	input.ParticipantName = strings.TrimSpace(input.ParticipantName)
	input.ParticipantEmail = strings.TrimSpace(input.ParticipantEmail)
	switch {
	case input.EventID == "":
		return nil, invalidInput("eventId is required")
	case input.ParticipantName == "":
		return nil, invalidInput("participantName is required")
	case !input.ParticipationType.Valid():
		return nil, ErrInvalidParticipationType
	}

	s.participation.mu.Lock()
	existing, err := s.store.FindParticipationVotes(ctx, repository.ParticipationFilter{
		EventID:         input.EventID,
		ParticipantName: input.ParticipantName,
	})
	if err != nil {
		s.participation.mu.Unlock()
		return nil, persistenceError("find participation vote", err)
	}
	if len(existing) > 0 {
		s.participation.mu.Unlock()
		return nil, ErrAlreadyParticipated
	}

	now := s.clock.Now().UTC()
	vote := &models.ParticipationVote{
		ID:                uuid.NewString(),
		EventID:           input.EventID,
		ParticipationType: input.ParticipationType,
		ParticipantName:   input.ParticipantName,
		ParticipantEmail:  input.ParticipantEmail,
		Timestamp:         now,
		CreatedAt:         now,
	}
	if err := s.store.CreateParticipationVote(ctx, vote); err != nil {
		s.participation.mu.Unlock()
		return nil, persistenceError("create participation vote", err)
	}
	if counts, ok := s.participation.byEvent[input.EventID]; ok {
		counts.add(*vote)
	}
	s.participation.mu.Unlock()

	s.logger.Info("参加投票已记录",
		"event_id", vote.EventID, "participation_type", vote.ParticipationType)

	created := *vote
	s.bus.Emit(EventParticipationVoteCreated, ParticipationVoteCreated{EventID: created.EventID, Vote: created})
	return &created, nil
}

// GetVoteCounts 返回活动的参加投票，按参加方式分组
func (s *VotingService) GetVoteCounts(ctx context.Context, eventID string) (*ParticipationCounts, error) {
	if eventID == "" {
		return nil, invalidInput("eventId is required")
	}

	s.participation.mu.Lock()
	defer s.participation.mu.Unlock()

	if counts, ok := s.participation.byEvent[eventID]; ok {
		return counts.clone(), nil
	}

	votes, err := s.store.FindParticipationVotes(ctx, repository.ParticipationFilter{EventID: eventID})
	if err != nil {
		return nil, persistenceError("list participation votes", err)
	}
	counts := &ParticipationCounts{
		Online: []models.ParticipationVote{},
		Onsite: []models.ParticipationVote{},
	}
	for _, v := range votes {
		counts.add(*v)
	}
	s.participation.byEvent[eventID] = counts
	return counts.clone(), nil
}

// GetParticipantVote 返回参加者在活动中的投票，未投票时返回nil
func (s *VotingService) GetParticipantVote(ctx context.Context, eventID, participantName string) (*models.ParticipationVote, error) {
	participantName = strings.TrimSpace(participantName)
	if eventID == "" || participantName == "" {
		return nil, invalidInput("eventId and participantName are required")
	}

	votes, err := s.store.FindParticipationVotes(ctx, repository.ParticipationFilter{
		EventID:         eventID,
		ParticipantName: participantName,
	})
	if err != nil {
		return nil, persistenceError("find participation vote", err)
	}
	if len(votes) == 0 {
		return nil, nil
	}
	return votes[0], nil
}

// GetAllParticipationVotes 返回所有活动的参加投票，按活动ID索引
func (s *VotingService) GetAllParticipationVotes(ctx context.Context) (map[string]*EventParticipation, error) {
	votes, err := s.store.FindParticipationVotes(ctx, repository.ParticipationFilter{})
	if err != nil {
		return nil, persistenceError("list participation votes", err)
	}

	summary := make(map[string]*EventParticipation)
	for _, v := range votes {
		p, ok := summary[v.EventID]
		if !ok {
			p = &EventParticipation{ParticipationCounts: ParticipationCounts{
				Online: []models.ParticipationVote{},
				Onsite: []models.ParticipationVote{},
			}}
			summary[v.EventID] = p
		}
		p.add(*v)
		p.Total++
	}
	return summary, nil
}
