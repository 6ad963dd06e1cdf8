package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talk-voting-backend/models"
	"talk-voting-backend/repository"
	"talk-voting-backend/service"
)

func setupRouter(t *testing.T, limit gin.HandlerFunc) (*gin.Engine, *service.VotingService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := service.NewVotingService(repository.NewMemoryStore())
	t.Cleanup(svc.Close)

	router := gin.New()
	NewVotingController(svc, nil).RegisterRoutes(router.Group("/api"), limit)
	return router, svc
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var organizer = map[string]string{UserIDHeader: "organizer"}

func createSession(t *testing.T, r http.Handler, body gin.H) models.VotingSession {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/voting/sessions", body, organizer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session models.VotingSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session
}

func TestCreateSession(t *testing.T) {
	router, _ := setupRouter(t, nil)

	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, 60, session.Duration)
	assert.Equal(t, "organizer", session.CreatedBy)

	custom := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-2", "duration": 120})
	assert.Equal(t, 120, custom.Duration)
}

func TestCreateSessionValidation(t *testing.T) {
	router, _ := setupRouter(t, nil)

	tests := []struct {
		name    string
		body    gin.H
		headers map[string]string
		want    int
	}{
		{"missing user", gin.H{"eventId": "e", "talkId": "t"}, nil, http.StatusUnauthorized},
		{"missing talk", gin.H{"eventId": "e"}, organizer, http.StatusBadRequest},
		{"duration too short", gin.H{"eventId": "e", "talkId": "t", "duration": 10}, organizer, http.StatusBadRequest},
		{"duration too long", gin.H{"eventId": "e", "talkId": "t", "duration": 301}, organizer, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/voting/sessions", tt.body, tt.headers)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestVoteFlow(t *testing.T) {
	router, _ := setupRouter(t, nil)
	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})
	votePath := "/api/voting/sessions/" + session.ID + "/vote"

	w := doJSON(t, router, http.MethodPost, votePath, gin.H{"rating": 5}, map[string]string{UserIDHeader: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	var vote models.Vote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vote))
	assert.Equal(t, "alice", vote.VoterID)
	assert.Equal(t, 5, vote.Rating)

	w = doJSON(t, router, http.MethodPost, votePath, gin.H{"rating": 3, "participantId": "bob"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// 同一投票者再次投票
	w = doJSON(t, router, http.MethodPost, votePath, gin.H{"rating": 1}, map[string]string{UserIDHeader: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/voting/sessions/"+session.ID+"/results", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var results models.SessionResults
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	assert.Equal(t, 2, results.TotalVotes)
	assert.InDelta(t, 4.0, results.AverageRating, 0.001)
	assert.Equal(t, 1, results.Distribution[5])
	assert.Equal(t, 1, results.Distribution[3])
}

func TestVoteFallsBackToClientIP(t *testing.T) {
	router, svc := setupRouter(t, nil)
	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/voting/sessions/"+session.ID+"/vote", bytes.NewBufferString(`{"rating":4}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:4000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	voted, err := svc.HasVoted(context.Background(), session.ID, "192.0.2.10")
	require.NoError(t, err)
	assert.True(t, voted)
}

func TestVoteErrors(t *testing.T) {
	router, _ := setupRouter(t, nil)
	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})
	alice := map[string]string{UserIDHeader: "alice"}

	w := doJSON(t, router, http.MethodPost, "/api/voting/sessions/missing/vote", gin.H{"rating": 3}, alice)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+session.ID+"/vote", gin.H{"rating": 6}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+session.ID+"/end", nil, organizer)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+session.ID+"/vote", gin.H{"rating": 3}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), service.ErrSessionEnded.Error())
}

func TestEndSession(t *testing.T) {
	router, _ := setupRouter(t, nil)
	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})
	endPath := "/api/voting/sessions/" + session.ID + "/end"

	w := doJSON(t, router, http.MethodPost, endPath, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, endPath, nil, organizer)
	require.Equal(t, http.StatusOK, w.Code)
	var ended models.VotingSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ended))
	assert.Equal(t, models.SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	// 重复结束返回相同结果
	w = doJSON(t, router, http.MethodPost, endPath, nil, organizer)
	require.Equal(t, http.StatusOK, w.Code)
	var again models.VotingSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.True(t, ended.EndedAt.Equal(*again.EndedAt))

	w = doJSON(t, router, http.MethodPost, "/api/voting/sessions/missing/end", nil, organizer)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVoterStatus(t *testing.T) {
	router, _ := setupRouter(t, nil)
	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})
	doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+session.ID+"/vote", gin.H{"rating": 2}, map[string]string{UserIDHeader: "alice"})

	w := doJSON(t, router, http.MethodGet, "/api/voting/sessions/"+session.ID+"/voters/alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hasVoted":true`)
	assert.Contains(t, w.Body.String(), `"rating":2`)

	w = doJSON(t, router, http.MethodGet, "/api/voting/sessions/"+session.ID+"/voters/bob", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hasVoted":false`)
	assert.Contains(t, w.Body.String(), `"vote":null`)
}

func TestActiveSessionsAndHistory(t *testing.T) {
	router, _ := setupRouter(t, nil)
	first := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})
	createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-2"})
	createSession(t, router, gin.H{"eventId": "event-2", "talkId": "talk-3"})

	doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+first.ID+"/vote", gin.H{"rating": 5}, map[string]string{UserIDHeader: "alice"})
	doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+first.ID+"/end", nil, organizer)

	w := doJSON(t, router, http.MethodGet, "/api/voting/events/event-1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active struct {
		Sessions []models.VotingSession `json:"sessions"`
		Total    int                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Equal(t, 1, active.Total)
	assert.Equal(t, "talk-2", active.Sessions[0].TalkID)

	w = doJSON(t, router, http.MethodGet, "/api/voting/talks/talk-1/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []models.HistoryEntry `json:"history"`
		Total   int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Equal(t, 1, history.Total)
	assert.Equal(t, "5.00", history.History[0].AverageRating)
	assert.Equal(t, models.SessionEnded, history.History[0].Status)
}

func TestParticipationEndpoints(t *testing.T) {
	router, _ := setupRouter(t, nil)
	path := "/api/voting/events/event-1/participation"

	w := doJSON(t, router, http.MethodPost, path, gin.H{"participationType": "online", "participantName": "Alice"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, path, gin.H{"participationType": "onsite", "participantName": "Alice"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, path, gin.H{"participationType": "hybrid", "participantName": "Bob"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, path, gin.H{"participationType": "onsite", "participantName": "Bob", "participantEmail": "not-an-email"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, path, gin.H{"participationType": "onsite", "participantName": "Bob", "participantEmail": "bob@example.com"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var counts service.ParticipationCounts
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.Len(t, counts.Online, 1)
	assert.Len(t, counts.Onsite, 1)

	w = doJSON(t, router, http.MethodGet, path+"/Alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"participationType":"online"`)

	w = doJSON(t, router, http.MethodGet, path+"/Carol", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"vote":null}`, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/voting/participation", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all map[string]struct {
		Online []models.ParticipationVote `json:"online"`
		Onsite []models.ParticipationVote `json:"onsite"`
		Total  int                        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Contains(t, all, "event-1")
	assert.Equal(t, 2, all["event-1"].Total)
	require.Len(t, all["event-1"].Online, 1)
	require.Len(t, all["event-1"].Onsite, 1)
	assert.Equal(t, models.ParticipationOnline, all["event-1"].Online[0].ParticipationType)
}

func TestRateLimitAppliesToVoteRoutesOnly(t *testing.T) {
	limit := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "limited"})
	}
	router, _ := setupRouter(t, limit)
	session := createSession(t, router, gin.H{"eventId": "event-1", "talkId": "talk-1"})

	w := doJSON(t, router, http.MethodPost, "/api/voting/sessions/"+session.ID+"/vote", gin.H{"rating": 3}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/voting/events/event-1/participation", gin.H{"participationType": "online", "participantName": "A"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/voting/sessions/"+session.ID+"/results", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingService struct {
	VotingService
}

func (failingService) GetResults(ctx context.Context, sessionID string) (*models.SessionResults, error) {
	return nil, &service.PersistenceError{Op: "get session", Err: errors.New("connection refused")}
}

func TestPersistenceErrorsAreHidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewVotingController(failingService{}, nil).RegisterRoutes(router.Group("/api"), nil)

	w := doJSON(t, router, http.MethodGet, "/api/voting/sessions/s-1/results", nil, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}
