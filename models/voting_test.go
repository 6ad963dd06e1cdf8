package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *VotingSession {
	return NewVotingSession("s1", "e1", "t1", "admin", 60, time.Unix(1700000000, 0).UTC())
}

func TestNewVotingSession(t *testing.T) {
	s := newTestSession()

	assert.Equal(t, SessionActive, s.Status)
	assert.Equal(t, s.CreatedAt.Add(60*time.Second), s.EndsAt)
	assert.Nil(t, s.EndedAt)
	assert.Empty(t, s.Votes)
	assert.Equal(t, 0, s.Results.TotalVotes)
	assert.Equal(t, "0.00", s.Results.AverageRating)
	assert.Equal(t, Distribution{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}, s.Results.Distribution)
}

func TestRecordVoteKeepsResultsConsistent(t *testing.T) {
	s := newTestSession()
	ratings := []int{5, 4, 3, 5, 1, 2, 4}
	for i, r := range ratings {
		s.RecordVote(Vote{VoterID: string(rune('a' + i)), Rating: r})
	}

	assert.Equal(t, len(ratings), s.Results.TotalVotes)
	assert.Len(t, s.Votes, len(ratings))
	sum := 0
	for _, c := range s.Results.Distribution {
		sum += c
	}
	assert.Equal(t, s.Results.TotalVotes, sum)
	assert.Equal(t, Distribution{1: 1, 2: 1, 3: 1, 4: 2, 5: 2}, s.Results.Distribution)
	// 24/7 = 3.428...
	assert.Equal(t, "3.43", s.Results.AverageRating)
}

func TestAverageRatingRoundsHalfUp(t *testing.T) {
	s := newTestSession()
	// 33/8 = 4.125
	for i, r := range []int{5, 5, 5, 4, 4, 4, 3, 3} {
		s.RecordVote(Vote{VoterID: string(rune('a' + i)), Rating: r})
	}
	assert.Equal(t, "4.13", s.Results.AverageRating)
	assert.InDelta(t, 4.13, s.Results.AverageValue(), 0.0001)
}

func TestRemoveVoteRestoresPreviousResults(t *testing.T) {
	s := newTestSession()
	s.RecordVote(Vote{VoterID: "v1", Rating: 5})
	before := s.Results.Clone()

	s.RecordVote(Vote{VoterID: "v2", Rating: 1})
	s.RemoveVote("v2")

	assert.Equal(t, before, s.Results)
	assert.False(t, s.HasVote("v2"))
	assert.True(t, s.HasVote("v1"))

	s.RemoveVote("missing")
	assert.Equal(t, before, s.Results)
}

func TestPercentages(t *testing.T) {
	s := newTestSession()
	assert.Equal(t, Distribution{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}, s.Results.Percentages())

	for i, r := range []int{5, 4, 3} {
		s.RecordVote(Vote{VoterID: string(rune('a' + i)), Rating: r})
	}
	p := s.Results.Percentages()
	assert.Equal(t, Distribution{1: 0, 2: 0, 3: 33, 4: 33, 5: 33}, p)

	total := 0
	for _, v := range p {
		total += v
	}
	assert.InDelta(t, 100, total, 25)
}

func TestCloneIsIndependent(t *testing.T) {
	s := newTestSession()
	s.RecordVote(Vote{VoterID: "v1", Rating: 4})
	ended := time.Now()
	s.EndedAt = &ended

	c := s.Clone()
	c.RecordVote(Vote{VoterID: "v2", Rating: 2})
	*c.EndedAt = ended.Add(time.Hour)

	assert.Len(t, s.Votes, 1)
	assert.Equal(t, 1, s.Results.TotalVotes)
	assert.Equal(t, 1, s.Results.Distribution[4])
	assert.Equal(t, 0, s.Results.Distribution[2])
	assert.True(t, s.EndedAt.Equal(ended))
}

func TestExpired(t *testing.T) {
	s := newTestSession()
	assert.False(t, s.Expired(s.CreatedAt))
	assert.False(t, s.Expired(s.EndsAt.Add(-time.Nanosecond)))
	assert.True(t, s.Expired(s.EndsAt))
	assert.True(t, s.Expired(s.EndsAt.Add(time.Second)))
}

func TestResultsViewAndSummary(t *testing.T) {
	s := newTestSession()
	s.RecordVote(Vote{VoterID: "v1", Rating: 5})

	view := s.ResultsView()
	require.NotNil(t, view)
	assert.Equal(t, "s1", view.SessionID)
	assert.Equal(t, 1, view.TotalVotes)
	assert.Equal(t, 5.0, view.AverageRating)
	assert.Equal(t, 100, view.Percentages[5])

	entry := s.Summary()
	assert.Equal(t, "s1", entry.SessionID)
	assert.Equal(t, "e1", entry.EventID)
	assert.Equal(t, "5.00", entry.AverageRating)
	assert.Equal(t, 1, entry.TotalVotes)
}

func TestParticipationTypeValid(t *testing.T) {
	assert.True(t, ParticipationOnline.Valid())
	assert.True(t, ParticipationOnsite.Valid())
	assert.False(t, ParticipationType("hybrid").Valid())
}
