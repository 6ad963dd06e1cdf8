package handlers

import (
	"context"
	"testing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"talk-voting-backend/models"
	"talk-voting-backend/mq"
	"talk-voting-backend/repository"
	"talk-voting-backend/service"
	"talk-voting-backend/websocket"
)

const testAdminKey = "test-admin-key"

// testEnv 处理器测试依赖
type testEnv struct {
	router *gin.Engine
	svc    *service.VotingService
	hub    *websocket.Hub
	store  *repository.MemoryStore
}

// SetupTestEnvironment 构建内存存储、运行中的Hub以及挂载全部处理器的路由
func SetupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	require.NoError(t, store.CreateTalk(context.Background(), &models.Talk{ID: "talk-1", EventID: "event-1", Title: "Go in production"}))

	svc := service.NewVotingService(store)
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := websocket.NewHub(nil)
	go hub.Run(ctx)

	relay := mq.NewLocalRelay(nil)
	require.NoError(t, relay.Subscribe(ctx, hub.BroadcastEvent))
	mq.Bridge(svc, relay, nil)

	router := gin.New()
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "X-User-ID", AdminKeyHeader}
	router.Use(cors.New(config))

	NewHealthHandler(nil, nil, svc, hub, relay.Name()).RegisterRoutes(router)

	sse := NewSSEHandler(hub, svc, 0, nil)
	router.GET("/api/voting/sessions/:sessionId/live", sse.HandleSession)
	router.GET("/api/voting/events/:eventId/live", sse.HandleEvent)

	NewAdminHandler(testAdminKey, svc, nil, nil).RegisterRoutes(router.Group("/api"))

	return &testEnv{router: router, svc: svc, hub: hub, store: store}
}

func (e *testEnv) createSession(t *testing.T) *models.VotingSession {
	t.Helper()
	session, err := e.svc.CreateSession(context.Background(), service.CreateSessionInput{
		EventID:   "event-1",
		TalkID:    "talk-1",
		Duration:  60,
		CreatedBy: "organizer",
	})
	require.NoError(t, err)
	return session
}
