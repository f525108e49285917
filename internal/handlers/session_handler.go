package handlers

import (
	"context"
	"net/http"
	"time"

	"liveconsult/internal/models"
	"liveconsult/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionCloser ends sessions and announces the result to connected participants.
type SessionCloser interface {
	EndSession(ctx context.Context, userID uint, token, reason string) (*models.ChatSession, error)
	CancelSession(ctx context.Context, userID uint, token string) (*models.ChatSession, error)
}

// SessionHandler 会话与消息历史接口
type SessionHandler struct {
	sessions *services.SessionService
	messages *services.MessageService
	closer   SessionCloser
	pageSize int
	logger   *logrus.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(sessions *services.SessionService, messages *services.MessageService, closer SessionCloser, pageSize int, logger *logrus.Logger) *SessionHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &SessionHandler{sessions: sessions, messages: messages, closer: closer, pageSize: pageSize, logger: logger}
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	Type        models.SessionType `json:"type"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
}

// CreateSession opens a session on a chat. 201 when created, 200 when an
// active session already existed.
// @Router /api/v1/chats/{id}/sessions [post]
func (h *SessionHandler) CreateSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	sess, created, err := h.sessions.CreateSession(c.Request.Context(), chatID, uid, req.Type, req.ScheduledAt)
	if err != nil {
		respondError(c, h.logger, "create session", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"session": sess, "created": created})
}

// ActiveSessions 当前用户未结束的会话
// @Router /api/v1/sessions/active [get]
func (h *SessionHandler) ActiveSessions(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.sessions.ActiveSessionsForUser(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, "list active sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": len(list)})
}

// GetSession 会话详情
// @Router /api/v1/sessions/{token} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	_, sess, ok := h.participantSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

// EndSessionRequest 结束会话请求
type EndSessionRequest struct {
	Reason string `json:"reason"`
}

// EndSession 结束会话；未开始的会话会被取消
// @Router /api/v1/sessions/{token}/end [post]
func (h *SessionHandler) EndSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req EndSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	sess, err := h.closer.EndSession(c.Request.Context(), uid, c.Param("token"), req.Reason)
	if err != nil {
		respondError(c, h.logger, "end session", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CancelSession 取消尚未开始的会话
// @Router /api/v1/sessions/{token}/cancel [post]
func (h *SessionHandler) CancelSession(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	sess, err := h.closer.CancelSession(c.Request.Context(), uid, c.Param("token"))
	if err != nil {
		respondError(c, h.logger, "cancel session", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListMessages pages history backwards: ?limit=&before=<message id>.
// @Router /api/v1/sessions/{token}/messages [get]
func (h *SessionHandler) ListMessages(c *gin.Context) {
	uid, sess, ok := h.participantSession(c)
	if !ok {
		return
	}
	limit := services.PageLimit(queryInt(c, "limit", h.pageSize))
	before := queryInt(c, "before", 0)
	if before < 0 {
		before = 0
	}
	page, err := h.messages.ListMessages(c.Request.Context(), sess.ID, uid, limit, uint(before))
	if err != nil {
		respondError(c, h.logger, "list messages", err)
		return
	}
	resp := PaginatedResponse{Data: page, PageSize: len(page)}
	// 不满一页说明已经到头
	if len(page) == limit {
		resp.NextBefore = page[0].ID
	}
	c.JSON(http.StatusOK, resp)
}

// PostMessageRequest HTTP 发送消息请求（与 websocket send-message 等价）
type PostMessageRequest struct {
	Content         string                 `json:"content"`
	Type            models.MessageType     `json:"type"`
	Attachment      *models.FileAttachment `json:"attachment"`
	ClientMessageID string                 `json:"client_message_id"`
}

// PostMessage 发送消息
// @Router /api/v1/sessions/{token}/messages [post]
func (h *SessionHandler) PostMessage(c *gin.Context) {
	uid, sess, ok := h.participantSession(c)
	if !ok {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	msg, duplicate, err := h.messages.SendMessage(c.Request.Context(), services.SendMessageRequest{
		SessionID:  sess.ID,
		SenderID:   uid,
		Content:    req.Content,
		Type:       req.Type,
		Attachment: req.Attachment,
		ExternalID: req.ClientMessageID,
	})
	if err != nil {
		respondError(c, h.logger, "send message", err)
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"message": msg, "duplicate": duplicate})
}

// MarkReadRequest 标记已读；message_ids 为空时标记全部
type MarkReadRequest struct {
	MessageIDs []uint `json:"message_ids"`
}

// MarkRead 标记已读
// @Router /api/v1/sessions/{token}/read [post]
func (h *SessionHandler) MarkRead(c *gin.Context) {
	uid, sess, ok := h.participantSession(c)
	if !ok {
		return
	}
	var req MarkReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	n, err := h.messages.MarkRead(c.Request.Context(), sess.ID, uid, req.MessageIDs)
	if err != nil {
		respondError(c, h.logger, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *SessionHandler) participantSession(c *gin.Context) (uint, *models.ChatSession, bool) {
	uid, ok := currentUser(c)
	if !ok {
		return 0, nil, false
	}
	sess, err := h.sessions.GetSessionByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, h.logger, "load session", err)
		return 0, nil, false
	}
	if !sess.IsParticipant(uid) {
		respondError(c, h.logger, "load session", services.ErrUnauthorized)
		return 0, nil, false
	}
	return uid, sess, true
}

// RegisterSessionRoutes 注册会话路由
func RegisterSessionRoutes(r *gin.RouterGroup, h *SessionHandler) {
	r.POST("/chats/:id/sessions", h.CreateSession)

	sessions := r.Group("/sessions")
	{
		sessions.GET("/active", h.ActiveSessions)
		sessions.GET("/:token", h.GetSession)
		sessions.POST("/:token/end", h.EndSession)
		sessions.POST("/:token/cancel", h.CancelSession)
		sessions.GET("/:token/messages", h.ListMessages)
		sessions.POST("/:token/messages", h.PostMessage)
		sessions.POST("/:token/read", h.MarkRead)
	}
}
