package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"talk-voting-backend/models"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "voting.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.VotingSession{}, &models.Talk{}, &models.ParticipationVote{}))
	return NewGormStore(db)
}

func newMemoryStore(t *testing.T) Store {
	return NewMemoryStore()
}

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func session(id, eventID, talkID string, createdAt time.Time) *models.VotingSession {
	return models.NewVotingSession(id, eventID, talkID, "admin", 60, createdAt)
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": newMemoryStore,
		"sqlite": newSQLiteStore,
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("SessionRoundTrip", func(t *testing.T) { testSessionRoundTrip(t, newStore(t)) })
			t.Run("FindSessions", func(t *testing.T) { testFindSessions(t, newStore(t)) })
			t.Run("UpdateSession", func(t *testing.T) { testUpdateSession(t, newStore(t)) })
			t.Run("UpdateSessionRequireActive", func(t *testing.T) { testUpdateSessionRequireActive(t, newStore(t)) })
			t.Run("Talks", func(t *testing.T) { testTalks(t, newStore(t)) })
			t.Run("Participation", func(t *testing.T) { testParticipation(t, newStore(t)) })
		})
	}
}

func testSessionRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	s := session("s1", "e1", "t1", base)
	s.RecordVote(models.Vote{VoterID: "v1", Rating: 4, Timestamp: base})
	require.NoError(t, store.CreateSession(ctx, s))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.EventID)
	assert.Equal(t, "t1", got.TalkID)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.True(t, got.EndsAt.Equal(base.Add(time.Minute)))
	assert.Equal(t, 1, got.Results.TotalVotes)
	assert.Equal(t, "4.00", got.Results.AverageRating)
	assert.Equal(t, 1, got.Results.Distribution[4])
	require.Contains(t, got.Votes, "v1")
	assert.Equal(t, 4, got.Votes["v1"].Rating)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testFindSessions(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, session("old", "e1", "t1", base)))
	require.NoError(t, store.CreateSession(ctx, session("new", "e1", "t2", base.Add(time.Hour))))
	require.NoError(t, store.CreateSession(ctx, session("other", "e2", "t1", base.Add(2*time.Hour))))

	ended := models.SessionEnded
	require.NoError(t, store.UpdateSession(ctx, "old", SessionPatch{Status: &ended}))

	byEvent, err := store.FindSessions(ctx, SessionFilter{EventID: "e1"})
	require.NoError(t, err)
	require.Len(t, byEvent, 2)
	assert.Equal(t, "new", byEvent[0].ID)
	assert.Equal(t, "old", byEvent[1].ID)

	active, err := store.FindSessions(ctx, SessionFilter{EventID: "e1", Status: models.SessionActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "new", active[0].ID)

	byTalk, err := store.FindSessions(ctx, SessionFilter{TalkID: "t1"})
	require.NoError(t, err)
	require.Len(t, byTalk, 2)
	assert.Equal(t, "other", byTalk[0].ID)

	all, err := store.FindSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.FindSessions(ctx, SessionFilter{EventID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpdateSession(t *testing.T, store Store) {
	ctx := context.Background()
	s := session("s1", "e1", "t1", base)
	require.NoError(t, store.CreateSession(ctx, s))

	s.RecordVote(models.Vote{VoterID: "v1", Rating: 5, Timestamp: base})
	s.RecordVote(models.Vote{VoterID: "v2", Rating: 3, Timestamp: base})
	results := s.Results.Clone()
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{Votes: s.Votes, Results: &results}))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Votes, 2)
	assert.Equal(t, 2, got.Results.TotalVotes)
	assert.Equal(t, "4.00", got.Results.AverageRating)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Nil(t, got.EndedAt)

	ended := models.SessionEnded
	endedAt := base.Add(30 * time.Second)
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{Status: &ended, EndedAt: &endedAt}))

	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(endedAt))
	// 未包含在patch中的字段保持不变
	assert.Len(t, got.Votes, 2)
	assert.Equal(t, 2, got.Results.TotalVotes)

	err = store.UpdateSession(ctx, "missing", SessionPatch{Status: &ended})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUpdateSessionRequireActive(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, session("s1", "e1", "t1", base)))

	results := models.NewResults()
	results.TotalVotes = 1
	votes := models.VoteMap{"v1": {VoterID: "v1", Rating: 5, Timestamp: base}}
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{Votes: votes, Results: &results, RequireActive: true}))

	// 值未变化的条件更新不算冲突
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{Votes: votes, Results: &results, RequireActive: true}))

	ended := models.SessionEnded
	endedAt := base.Add(time.Minute)
	require.NoError(t, store.UpdateSession(ctx, "s1", SessionPatch{Status: &ended, EndedAt: &endedAt, RequireActive: true}))

	err := store.UpdateSession(ctx, "s1", SessionPatch{Status: &ended, EndedAt: &endedAt, RequireActive: true})
	assert.ErrorIs(t, err, ErrSessionNotActive)

	late := models.VoteMap{"v1": votes["v1"], "v2": {VoterID: "v2", Rating: 1, Timestamp: endedAt}}
	err = store.UpdateSession(ctx, "s1", SessionPatch{Votes: late, RequireActive: true})
	assert.ErrorIs(t, err, ErrSessionNotActive)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Votes, 1)

	err = store.UpdateSession(ctx, "missing", SessionPatch{Status: &ended, RequireActive: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testTalks(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateTalk(ctx, &models.Talk{ID: "t1", EventID: "e1", Title: "Go generics", TotalVotes: 10, AverageRating: "3.50"}))

	results := models.NewResults()
	results.TotalVotes = 5
	results.AverageRating = "4.20"
	results.Distribution[4] = 4
	results.Distribution[5] = 1
	require.NoError(t, store.UpdateTalkRating(ctx, "t1", TalkRatingUpdate{
		LastVotingResults: results,
		AverageRating:     "4.20",
		TotalVotes:        15,
	}))

	talk, err := store.GetTalk(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 15, talk.TotalVotes)
	assert.Equal(t, "4.20", talk.AverageRating)
	assert.Equal(t, "Go generics", talk.Title)
	require.NotNil(t, talk.LastVotingResults)
	assert.Equal(t, 5, talk.LastVotingResults.TotalVotes)
	assert.Equal(t, 4, talk.LastVotingResults.Distribution[4])

	_, err = store.GetTalk(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	err = store.UpdateTalkRating(ctx, "missing", TalkRatingUpdate{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testParticipation(t *testing.T, store Store) {
	ctx := context.Background()
	votes := []*models.ParticipationVote{
		{ID: "p1", EventID: "e1", ParticipationType: models.ParticipationOnline, ParticipantName: "Aki", Timestamp: base, CreatedAt: base},
		{ID: "p2", EventID: "e1", ParticipationType: models.ParticipationOnsite, ParticipantName: "Ren", Timestamp: base, CreatedAt: base.Add(time.Second)},
		{ID: "p3", EventID: "e2", ParticipationType: models.ParticipationOnsite, ParticipantName: "Aki", Timestamp: base, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, v := range votes {
		require.NoError(t, store.CreateParticipationVote(ctx, v))
	}

	e1, err := store.FindParticipationVotes(ctx, ParticipationFilter{EventID: "e1"})
	require.NoError(t, err)
	require.Len(t, e1, 2)
	assert.Equal(t, "p1", e1[0].ID)
	assert.Equal(t, "p2", e1[1].ID)

	aki, err := store.FindParticipationVotes(ctx, ParticipationFilter{EventID: "e2", ParticipantName: "Aki"})
	require.NoError(t, err)
	require.Len(t, aki, 1)
	assert.Equal(t, models.ParticipationOnsite, aki[0].ParticipationType)

	all, err := store.FindParticipationVotes(ctx, ParticipationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := session("s1", "e1", "t1", base)
	require.NoError(t, store.CreateSession(ctx, s))

	s.RecordVote(models.Vote{VoterID: "v1", Rating: 5})
	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Votes)

	got.Status = models.SessionEnded
	again, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, again.Status)

	assert.Error(t, store.CreateSession(ctx, s))
}
