package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"talk-voting-backend/model"
	"talk-voting-backend/models"
	"talk-voting-backend/service"
)

// UserIDHeader 调用方身份头
const UserIDHeader = "X-User-ID"

// defaultDuration 未指定时长时的会话时长（秒）
const defaultDuration = service.DefaultSessionDuration

// VotingService 控制器依赖的投票服务操作
type VotingService interface {
	CreateSession(ctx context.Context, input service.CreateSessionInput) (*models.VotingSession, error)
	SubmitVote(ctx context.Context, sessionID, voterID string, rating int) (*models.Vote, error)
	GetResults(ctx context.Context, sessionID string) (*models.SessionResults, error)
	EndSession(ctx context.Context, sessionID string) (*models.VotingSession, error)
	GetActiveSessions(ctx context.Context, eventID string) ([]*models.VotingSession, error)
	GetTalkVotingHistory(ctx context.Context, talkID string) ([]models.HistoryEntry, error)
	HasVoted(ctx context.Context, sessionID, voterID string) (bool, error)
	GetVoterVote(ctx context.Context, sessionID, voterID string) (*models.Vote, error)

	CreateParticipationVote(ctx context.Context, input service.ParticipationInput) (*models.ParticipationVote, error)
	GetVoteCounts(ctx context.Context, eventID string) (*service.ParticipationCounts, error)
	GetParticipantVote(ctx context.Context, eventID, participantName string) (*models.ParticipationVote, error)
	GetAllParticipationVotes(ctx context.Context) (map[string]*service.EventParticipation, error)
}

var _ VotingService = (*service.VotingService)(nil)

// VotingController 处理投票会话与参加投票的API请求
type VotingController struct {
	votingService VotingService
	logger        *slog.Logger
}

// NewVotingController 创建投票控制器
func NewVotingController(votingService VotingService, logger *slog.Logger) *VotingController {
	return &VotingController{
		votingService: votingService,
		logger:        service.ResolveLogger(logger),
	}
}

// RegisterRoutes 注册API路由，limit非空时作用于投票和参加投票接口
func (c *VotingController) RegisterRoutes(router gin.IRouter, limit gin.HandlerFunc) {
	limited := []gin.HandlerFunc{}
	if limit != nil {
		limited = append(limited, limit)
	}

	voting := router.Group("/voting")
	{
		// 会话管理
		sessions := voting.Group("/sessions")
		{
			sessions.POST("", requireUser(), c.CreateSession)
			sessions.POST("/:sessionId/vote", append(limited, c.SubmitVote)...)
			sessions.GET("/:sessionId/results", c.GetResults)
			sessions.POST("/:sessionId/end", requireUser(), c.EndSession)
			sessions.GET("/:sessionId/voters/:voterId", c.GetVoterStatus)
		}

		events := voting.Group("/events/:eventId")
		{
			events.GET("/sessions", c.GetActiveSessions)

			// 参加方式投票
			events.POST("/participation", append(limited, c.CreateParticipationVote)...)
			events.GET("/participation", c.GetVoteCounts)
			events.GET("/participation/:participantName", c.GetParticipantVote)
		}

		voting.GET("/talks/:talkId/history", c.GetTalkVotingHistory)
		voting.GET("/participation", c.GetAllParticipationVotes)
	}
}

// requireUser 需要X-User-ID的接口
func requireUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.GetHeader(UserIDHeader) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "authentication required"})
			return
		}
		ctx.Next()
	}
}

// CreateSession 创建投票会话
// @Summary 创建投票会话
// @Tags voting
// @Accept json
// @Produce json
// @Param session body model.CreateSessionRequest true "会话信息"
// @Success 201 {object} models.VotingSession
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Router /api/voting/sessions [post]
func (c *VotingController) CreateSession(ctx *gin.Context) {
	var req model.CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	duration := defaultDuration
	if req.Duration != nil {
		duration = *req.Duration
	}

	session, err := c.votingService.CreateSession(ctx.Request.Context(), service.CreateSessionInput{
		EventID:   req.EventID,
		TalkID:    req.TalkID,
		Duration:  duration,
		CreatedBy: ctx.GetHeader(UserIDHeader),
	})
	if err != nil {
		c.writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, session)
}

// SubmitVote 提交评分
// @Summary 提交评分
// @Tags voting
// @Accept json
// @Produce json
// @Param sessionId path string true "会话ID"
// @Param vote body model.VoteRequest true "评分"
// @Success 201 {object} models.Vote
// @Failure 400 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Router /api/voting/sessions/{sessionId}/vote [post]
func (c *VotingController) SubmitVote(ctx *gin.Context) {
	var req model.VoteRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	vote, err := c.votingService.SubmitVote(ctx.Request.Context(), ctx.Param("sessionId"), voterID(ctx, req.ParticipantID), req.Rating)
	if err != nil {
		c.writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, vote)
}

// voterID 投票者身份：X-User-ID，其次请求体中的participantId，最后客户端IP
func voterID(ctx *gin.Context, participantID string) string {
	if id := ctx.GetHeader(UserIDHeader); id != "" {
		return id
	}
	if participantID != "" {
		return participantID
	}
	return ctx.ClientIP()
}

// GetResults 获取会话当前结果
func (c *VotingController) GetResults(ctx *gin.Context) {
	results, err := c.votingService.GetResults(ctx.Request.Context(), ctx.Param("sessionId"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, results)
}

// EndSession 提前结束会话
func (c *VotingController) EndSession(ctx *gin.Context) {
	session, err := c.votingService.EndSession(ctx.Request.Context(), ctx.Param("sessionId"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, session)
}

// GetVoterStatus 查询投票者是否已投票及其投票
func (c *VotingController) GetVoterStatus(ctx *gin.Context) {
	sessionID := ctx.Param("sessionId")
	voter := ctx.Param("voterId")

	hasVoted, err := c.votingService.HasVoted(ctx.Request.Context(), sessionID, voter)
	if err != nil {
		c.writeError(ctx, err)
		return
	}

	resp := model.VoteStatusResponse{SessionID: sessionID, VoterID: voter, HasVoted: hasVoted}
	if hasVoted {
		vote, err := c.votingService.GetVoterVote(ctx.Request.Context(), sessionID, voter)
		if err != nil {
			c.writeError(ctx, err)
			return
		}
		resp.Vote = vote
	}
	ctx.JSON(http.StatusOK, resp)
}

// GetActiveSessions 列出活动中进行中的会话
func (c *VotingController) GetActiveSessions(ctx *gin.Context) {
	sessions, err := c.votingService.GetActiveSessions(ctx.Request.Context(), ctx.Param("eventId"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// GetTalkVotingHistory 演讲的历史投票会话，最新的在前
func (c *VotingController) GetTalkVotingHistory(ctx *gin.Context) {
	history, err := c.votingService.GetTalkVotingHistory(ctx.Request.Context(), ctx.Param("talkId"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"history": history, "total": len(history)})
}

// CreateParticipationVote 记录参加方式
// @Summary 记录参加方式
// @Tags participation
// @Accept json
// @Produce json
// @Param eventId path string true "活动ID"
// @Param vote body model.ParticipationRequest true "参加方式"
// @Success 201 {object} models.ParticipationVote
// @Failure 400 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Router /api/voting/events/{eventId}/participation [post]
func (c *VotingController) CreateParticipationVote(ctx *gin.Context) {
	var req model.ParticipationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	vote, err := c.votingService.CreateParticipationVote(ctx.Request.Context(), service.ParticipationInput{
		EventID:           ctx.Param("eventId"),
		ParticipationType: models.ParticipationType(req.ParticipationType),
		ParticipantName:   req.ParticipantName,
		ParticipantEmail:  req.ParticipantEmail,
	})
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, vote)
}

// GetVoteCounts 活动的参加投票，按参加方式分组
func (c *VotingController) GetVoteCounts(ctx *gin.Context) {
	counts, err := c.votingService.GetVoteCounts(ctx.Request.Context(), ctx.Param("eventId"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, counts)
}

// GetParticipantVote 参加者在活动中的投票，未投票时vote为null
func (c *VotingController) GetParticipantVote(ctx *gin.Context) {
	vote, err := c.votingService.GetParticipantVote(ctx.Request.Context(), ctx.Param("eventId"), ctx.Param("participantName"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"vote": vote})
}

// GetAllParticipationVotes 所有活动的参加投票
func (c *VotingController) GetAllParticipationVotes(ctx *gin.Context) {
	summary, err := c.votingService.GetAllParticipationVotes(ctx.Request.Context())
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, summary)
}

// writeError 把服务层错误映射为HTTP状态码
func (c *VotingController) writeError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSessionEnded),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidRating),
		errors.Is(err, service.ErrInvalidParticipationType):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrDuplicateVote),
		errors.Is(err, service.ErrAlreadyParticipated):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		c.logger.Error("请求处理失败", "method", ctx.Request.Method, "path", ctx.FullPath(), "error", err)
		ctx.JSON(status, model.ErrorResponse{Error: "internal server error"})
		return
	}
	ctx.JSON(status, model.ErrorResponse{Error: err.Error()})
}
