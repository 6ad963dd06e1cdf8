package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"talk-voting-backend/models"
	"talk-voting-backend/repository"
)

const (
	// DefaultSessionDuration 默认会话时长(秒)
	DefaultSessionDuration = 60
	// MaxSessionDuration 会话时长上限(秒)
	MaxSessionDuration = 24 * 60 * 60

	cleanupLockName   = "voting:cleanup"
	talkLockPrefix    = "voting:talk:"
	defaultLockExpiry = 30 * time.Second
	autoEndTimeout    = 10 * time.Second
)

// Locker 跨实例互斥，由cache.DistributedLockService实现
type Locker interface {
	WithLock(ctx context.Context, name string, expiry time.Duration, action func() error) error
}

// RatingDispatcher 决定会话结束后如何执行演讲评分汇总
type RatingDispatcher interface {
	DispatchTalkRating(ctx context.Context, talkID, sessionID string, results models.Results) error
}

// Option VotingService选项
type Option func(*VotingService)

// WithClock 设置时钟，测试中使用clock.NewMock()
func WithClock(c clock.Clock) Option {
	return func(s *VotingService) {
		s.clock = c
	}
}

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) Option {
	return func(s *VotingService) {
		s.logger = logger
	}
}

// WithLocker 设置分布式锁，用于过期清理和演讲评分汇总
func WithLocker(locker Locker) Option {
	return func(s *VotingService) {
		s.locker = locker
	}
}

// WithRatingDispatcher 设置评分汇总的执行方式，默认同步执行
func WithRatingDispatcher(d RatingDispatcher) Option {
	return func(s *VotingService) {
		s.dispatcher = d
	}
}

// CreateSessionInput 创建会话参数，Duration单位为秒
type CreateSessionInput struct {
	EventID   string
	TalkID    string
	Duration  int
	CreatedBy string
}

func (in CreateSessionInput) validate() error {
	switch {
	case in.EventID == "":
		return invalidInput("eventId is required")
	case in.TalkID == "":
		return invalidInput("talkId is required")
	case in.CreatedBy == "":
		return invalidInput("createdBy is required")
	case in.Duration <= 0:
		return invalidInput("duration must be a positive number of seconds")
	case in.Duration > MaxSessionDuration:
		return invalidInput(fmt.Sprintf("duration must not exceed %d seconds", MaxSessionDuration))
	}
	return nil
}

// Stats 服务运行统计
type Stats struct {
	ActiveSessions  int   `json:"activeSessions"`
	SessionsCreated int64 `json:"sessionsCreated"`
	SessionsEnded   int64 `json:"sessionsEnded"`
	VotesAccepted   int64 `json:"votesAccepted"`
	VotesRejected   int64 `json:"votesRejected"`
}

// trackedSession 内存中的进行中会话，mu保护session本身
type trackedSession struct {
	mu      sync.Mutex
	session *models.VotingSession
	// timer由VotingService.mu保护
	timer *clock.Timer
}

// VotingService 投票会话生命周期、计票与历史查询
type VotingService struct {
	store      repository.Store
	bus        *Bus
	clock      clock.Clock
	logger     *slog.Logger
	locker     Locker
	dispatcher RatingDispatcher
	lockExpiry time.Duration

	mu       sync.Mutex
	sessions map[string]*trackedSession
	// endGen 每次有会话结束时递增，lookup据此判断读到的存储快照是否可能已过时
	endGen uint64

	// 同一进程内串行执行演讲评分汇总
	rollupMu sync.Mutex

	participation participationCache

	sessionsCreated atomic.Int64
	sessionsEnded   atomic.Int64
	votesAccepted   atomic.Int64
	votesRejected   atomic.Int64
}

// NewVotingService 创建投票服务
func NewVotingService(store repository.Store, opts ...Option) *VotingService {
	s := &VotingService{
		store:      store,
		clock:      clock.New(),
		lockExpiry: defaultLockExpiry,
		sessions:   make(map[string]*trackedSession),
		participation: participationCache{
			byEvent: make(map[string]*ParticipationCounts),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = ResolveLogger(s.logger)
	s.bus = NewBus(s.logger)
	if s.dispatcher == nil {
		s.dispatcher = inlineDispatcher{svc: s}
	}
	return s
}

// On 注册事件处理函数
func (s *VotingService) On(event string, handler Handler) {
	s.bus.On(event, handler)
}

// CreateSession 创建会话：先持久化，成功后再放入内存并启动到期定时器
func (s *VotingService) CreateSession(ctx context.Context, input CreateSessionInput) (*models.VotingSession, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	session := models.NewVotingSession(uuid.NewString(), input.EventID, input.TalkID, input.CreatedBy, input.Duration, s.clock.Now().UTC())
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, persistenceError("create session", err)
	}

	entry := &trackedSession{session: session}
	id := session.ID
	s.mu.Lock()
	s.sessions[id] = entry
	entry.timer = s.clock.AfterFunc(time.Duration(input.Duration)*time.Second, func() { s.autoEnd(id) })
	s.mu.Unlock()

	s.sessionsCreated.Add(1)
	s.logger.Info("投票会话已创建",
		"session_id", id, "event_id", session.EventID, "talk_id", session.TalkID, "duration", input.Duration)

	s.bus.Emit(EventSessionCreated, session.Clone())
	return session.Clone(), nil
}

// SubmitVote 提交评分，同一会话中每个投票者只能投一次
func (s *VotingService) SubmitVote(ctx context.Context, sessionID, voterID string, rating int) (*models.Vote, error) {
	if voterID == "" {
		return nil, invalidInput("voterId is required")
	}
	if !models.ValidRating(rating) {
		return nil, ErrInvalidRating
	}

	entry, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	session := entry.session

	if session.Status == models.SessionEnded {
		entry.mu.Unlock()
		s.votesRejected.Add(1)
		return nil, ErrSessionEnded
	}

	now := s.clock.Now().UTC()
	if session.Expired(now) {
		ended, transitioned, endErr := s.endLocked(ctx, entry)
		entry.mu.Unlock()
		if endErr != nil {
			s.logger.Error("过期会话结束失败", "session_id", sessionID, "error", endErr)
		} else if transitioned {
			s.afterEnd(ctx, ended)
		}
		s.votesRejected.Add(1)
		return nil, ErrSessionEnded
	}

	if session.HasVote(voterID) {
		entry.mu.Unlock()
		s.votesRejected.Add(1)
		return nil, ErrDuplicateVote
	}

	vote := models.Vote{VoterID: voterID, Rating: rating, Timestamp: now}
	session.RecordVote(vote)
	results := session.Results.Clone()
	patch := repository.SessionPatch{Votes: session.Clone().Votes, Results: &results, RequireActive: true}
	if err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		session.RemoveVote(voterID)
		if errors.Is(err, repository.ErrSessionNotActive) {
			s.markEndedLocked(ctx, entry)
			entry.mu.Unlock()
			s.votesRejected.Add(1)
			return nil, ErrSessionEnded
		}
		entry.mu.Unlock()
		return nil, persistenceError("record vote", err)
	}
	entry.mu.Unlock()

	s.votesAccepted.Add(1)
	s.bus.Emit(EventVoteSubmitted, VoteSubmitted{
		SessionID: sessionID,
		EventID:   session.EventID,
		Vote:      vote,
		Results:   results,
	})
	return &vote, nil
}

// GetResults 返回会话统计结果及各评分百分比
func (s *VotingService) GetResults(ctx context.Context, sessionID string) (*models.SessionResults, error) {
	entry, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.ResultsView(), nil
}

// EndSession 结束会话；对已结束的会话直接返回，不重复发出事件
func (s *VotingService) EndSession(ctx context.Context, sessionID string) (*models.VotingSession, error) {
	entry, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	ended, transitioned, err := s.endLocked(ctx, entry)
	entry.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if transitioned {
		s.afterEnd(ctx, ended)
	}
	return ended, nil
}

// GetActiveSessions 返回活动中仍在进行的会话，顺带结束已过期的会话
func (s *VotingService) GetActiveSessions(ctx context.Context, eventID string) ([]*models.VotingSession, error) {
	if eventID == "" {
		return nil, invalidInput("eventId is required")
	}

	stored, err := s.store.FindSessions(ctx, repository.SessionFilter{EventID: eventID, Status: models.SessionActive})
	if err != nil {
		return nil, persistenceError("list active sessions", err)
	}

	now := s.clock.Now()
	active := make([]*models.VotingSession, 0, len(stored))
	for _, session := range stored {
		if session.Expired(now) {
			if _, err := s.EndSession(ctx, session.ID); err != nil {
				s.logger.Error("结束过期会话失败", "session_id", session.ID, "error", err)
			}
			continue
		}
		active = append(active, s.current(session))
	}
	return active, nil
}

// GetTalkVotingHistory 返回演讲的所有会话摘要，按创建时间倒序
func (s *VotingService) GetTalkVotingHistory(ctx context.Context, talkID string) ([]models.HistoryEntry, error) {
	if talkID == "" {
		return nil, invalidInput("talkId is required")
	}

	sessions, err := s.store.FindSessions(ctx, repository.SessionFilter{TalkID: talkID})
	if err != nil {
		return nil, persistenceError("list talk sessions", err)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	history := make([]models.HistoryEntry, 0, len(sessions))
	for _, session := range sessions {
		history = append(history, s.current(session).Summary())
	}
	return history, nil
}

// HasVoted 判断投票者是否已在会话中投票，会话不存在时返回false
func (s *VotingService) HasVoted(ctx context.Context, sessionID, voterID string) (bool, error) {
	vote, err := s.GetVoterVote(ctx, sessionID, voterID)
	if err != nil {
		return false, err
	}
	return vote != nil, nil
}

// GetVoterVote 返回投票者的投票记录，未投票或会话不存在时返回nil
func (s *VotingService) GetVoterVote(ctx context.Context, sessionID, voterID string) (*models.Vote, error) {
	entry, err := s.lookup(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	vote, ok := entry.session.Votes[voterID]
	if !ok {
		return nil, nil
	}
	return &vote, nil
}

// CleanupExpiredSessions 结束所有已过期但仍为active的会话，进程启动时和定期执行
func (s *VotingService) CleanupExpiredSessions(ctx context.Context) (int, error) {
	cleaned := 0
	sweep := func() error {
		stored, err := s.store.FindSessions(ctx, repository.SessionFilter{Status: models.SessionActive})
		if err != nil {
			return persistenceError("list active sessions", err)
		}

		now := s.clock.Now()
		var errs []error
		for _, session := range stored {
			if !session.Expired(now) {
				continue
			}
			if _, err := s.EndSession(ctx, session.ID); err != nil {
				errs = append(errs, fmt.Errorf("end session %s: %w", session.ID, err))
				continue
			}
			cleaned++
		}
		return errors.Join(errs...)
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, cleanupLockName, s.lockExpiry, sweep)
	} else {
		err = sweep()
	}

	if cleaned > 0 {
		s.logger.Info("已清理过期投票会话", "count", cleaned)
	}
	return cleaned, err
}

// ApplyTalkRating 把会话结果汇总到演讲：票数累加，平均分以本次会话为准
func (s *VotingService) ApplyTalkRating(ctx context.Context, talkID string, results models.Results) error {
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()

	apply := func() error {
		talk, err := s.store.GetTalk(ctx, talkID)
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("演讲不存在，跳过评分汇总", "talk_id", talkID)
			return nil
		}
		if err != nil {
			return persistenceError("load talk", err)
		}

		update := repository.TalkRatingUpdate{
			LastVotingResults: results.Clone(),
			AverageRating:     results.AverageRating,
			TotalVotes:        talk.TotalVotes + results.TotalVotes,
		}
		if err := s.store.UpdateTalkRating(ctx, talkID, update); err != nil {
			return persistenceError("update talk rating", err)
		}
		s.logger.Info("演讲评分已更新", "talk_id", talkID, "total_votes", update.TotalVotes, "average_rating", update.AverageRating)
		return nil
	}

	if s.locker != nil {
		return s.locker.WithLock(ctx, talkLockPrefix+talkID, s.lockExpiry, apply)
	}
	return apply()
}

// Stats 返回运行统计
func (s *VotingService) Stats() Stats {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()

	return Stats{
		ActiveSessions:  active,
		SessionsCreated: s.sessionsCreated.Load(),
		SessionsEnded:   s.sessionsEnded.Load(),
		VotesAccepted:   s.votesAccepted.Load(),
		VotesRejected:   s.votesRejected.Load(),
	}
}

// Close 停止所有定时器，会话保持active，重启后由CleanupExpiredSessions处理
func (s *VotingService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.sessions {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		delete(s.sessions, id)
	}
}

// lookup 先查内存再查存储；存储中仍为active的会话会被接管并按剩余时间重新启动定时器。
// 读取存储期间若有会话结束，读到的快照可能已过时，需要重新读取
func (s *VotingService) lookup(ctx context.Context, sessionID string) (*trackedSession, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}

	for {
		s.mu.Lock()
		entry, ok := s.sessions[sessionID]
		gen := s.endGen
		s.mu.Unlock()
		if ok {
			return entry, nil
		}

		stored, err := s.store.GetSession(ctx, sessionID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		if err != nil {
			return nil, persistenceError("load session", err)
		}

		if stored.Status != models.SessionActive {
			return &trackedSession{session: stored}, nil
		}

		s.mu.Lock()
		if existing, ok := s.sessions[sessionID]; ok {
			s.mu.Unlock()
			return existing, nil
		}
		if s.endGen != gen {
			s.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		entry = &trackedSession{session: stored}
		s.sessions[sessionID] = entry
		if remaining := stored.EndsAt.Sub(s.clock.Now()); remaining > 0 {
			entry.timer = s.clock.AfterFunc(remaining, func() { s.autoEnd(sessionID) })
		}
		s.mu.Unlock()
		return entry, nil
	}
}

// current 优先返回内存中的会话状态
func (s *VotingService) current(stored *models.VotingSession) *models.VotingSession {
	s.mu.Lock()
	entry, ok := s.sessions[stored.ID]
	s.mu.Unlock()
	if !ok {
		return stored
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Clone()
}

// endLocked 调用方持有entry.mu；返回结束后的会话快照以及本次调用是否完成了状态切换
func (s *VotingService) endLocked(ctx context.Context, entry *trackedSession) (*models.VotingSession, bool, error) {
	session := entry.session
	if session.Status == models.SessionEnded {
		s.forget(session.ID, entry)
		return session.Clone(), false, nil
	}

	status := models.SessionEnded
	endedAt := s.clock.Now().UTC()
	patch := repository.SessionPatch{Status: &status, EndedAt: &endedAt, RequireActive: true}
	if err := s.store.UpdateSession(ctx, session.ID, patch); err != nil {
		if errors.Is(err, repository.ErrSessionNotActive) {
			// 其他调用已完成结束，本次不再发出事件
			s.markEndedLocked(ctx, entry)
			return entry.session.Clone(), false, nil
		}
		return nil, false, persistenceError("end session", err)
	}

	session.Status = status
	session.EndedAt = &endedAt
	s.forget(session.ID, entry)
	s.sessionsEnded.Add(1)
	return session.Clone(), true, nil
}

// markEndedLocked 调用方持有entry.mu；存储中会话已结束时同步本地状态并移除
func (s *VotingService) markEndedLocked(ctx context.Context, entry *trackedSession) {
	if stored, err := s.store.GetSession(ctx, entry.session.ID); err == nil && stored.Status == models.SessionEnded {
		entry.session = stored
	} else {
		entry.session.Status = models.SessionEnded
	}
	s.forget(entry.session.ID, entry)
}

// forget 取消定时器并从内存中移除
func (s *VotingService) forget(sessionID string, entry *trackedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endGen++

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if current, ok := s.sessions[sessionID]; ok && current == entry {
		delete(s.sessions, sessionID)
	}
}

// afterEnd 发出sessionEnded事件并汇总演讲评分，汇总失败只记录日志
func (s *VotingService) afterEnd(ctx context.Context, ended *models.VotingSession) {
	s.logger.Info("投票会话已结束",
		"session_id", ended.ID, "event_id", ended.EventID, "total_votes", ended.Results.TotalVotes)

	s.bus.Emit(EventSessionEnded, SessionEnded{
		SessionID: ended.ID,
		EventID:   ended.EventID,
		TalkID:    ended.TalkID,
		Results:   ended.Results.Clone(),
	})

	if ended.Results.TotalVotes == 0 {
		return
	}
	if err := s.dispatcher.DispatchTalkRating(ctx, ended.TalkID, ended.ID, ended.Results.Clone()); err != nil {
		s.logger.Error("演讲评分汇总失败", "talk_id", ended.TalkID, "session_id", ended.ID, "error", err)
	}
}

// autoEnd 定时器到期回调
func (s *VotingService) autoEnd(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), autoEndTimeout)
	defer cancel()

	if _, err := s.EndSession(ctx, sessionID); err != nil {
		s.logger.Error("自动结束投票会话失败", "session_id", sessionID, "error", err)
	}
}

// inlineDispatcher 同步执行评分汇总
type inlineDispatcher struct {
	svc *VotingService
}

func (d inlineDispatcher) DispatchTalkRating(ctx context.Context, talkID, sessionID string, results models.Results) error {
	return d.svc.ApplyTalkRating(ctx, talkID, results)
}
