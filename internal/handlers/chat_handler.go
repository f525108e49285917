package handlers

import (
	"net/http"

	"liveconsult/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ChatHandler 服务方-客户关系接口
type ChatHandler struct {
	sessions *services.SessionService
	messages *services.MessageService
	calls    *services.CallService
	logger   *logrus.Logger
}

// NewChatHandler 创建 chat 处理器
func NewChatHandler(sessions *services.SessionService, messages *services.MessageService, calls *services.CallService, logger *logrus.Logger) *ChatHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatHandler{sessions: sessions, messages: messages, calls: calls, logger: logger}
}

// OpenChatRequest 建立关系请求
type OpenChatRequest struct {
	ProviderID uint `json:"provider_id" binding:"required"`
	ClientID   uint `json:"client_id" binding:"required"`
}

// OpenChat returns the chat between provider and client, creating it on first use.
// @Router /api/v1/chats [post]
func (h *ChatHandler) OpenChat(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req OpenChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if uid != req.ProviderID && uid != req.ClientID {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   services.CodeUnauthorized,
			Message: "caller must be the provider or the client",
			Code:    http.StatusForbidden,
		})
		return
	}
	chat, err := h.sessions.GetOrCreateChat(c.Request.Context(), req.ProviderID, req.ClientID)
	if err != nil {
		respondError(c, h.logger, "open chat", err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// ListChats 当前用户参与的 chat
// @Router /api/v1/chats [get]
func (h *ChatHandler) ListChats(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	chats, err := h.sessions.ListChatsForUser(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, "list chats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chats, "total": len(chats)})
}

// Deactivate marks a chat inactive. Existing sessions are untouched.
// @Router /api/v1/chats/{id}/deactivate [post]
func (h *ChatHandler) Deactivate(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	chat, err := h.sessions.DeactivateChat(c.Request.Context(), chatID, uid)
	if err != nil {
		respondError(c, h.logger, "deactivate chat", err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// Unread 未读消息数
// @Router /api/v1/chats/{id}/unread [get]
func (h *ChatHandler) Unread(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	n, err := h.messages.UnreadCount(c.Request.Context(), chatID, uid)
	if err != nil {
		respondError(c, h.logger, "count unread", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "unread": n})
}

// CallHistory 通话记录
// @Router /api/v1/chats/{id}/calls [get]
func (h *ChatHandler) CallHistory(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	chatID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	calls, err := h.calls.CallHistory(c.Request.Context(), chatID, uid, queryInt(c, "limit", 20))
	if err != nil {
		respondError(c, h.logger, "list calls", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": calls, "total": len(calls)})
}

// RegisterChatRoutes 注册 chat 路由
func RegisterChatRoutes(r *gin.RouterGroup, h *ChatHandler) {
	chats := r.Group("/chats")
	{
		chats.POST("", h.OpenChat)
		chats.GET("", h.ListChats)
		chats.POST("/:id/deactivate", h.Deactivate)
		chats.GET("/:id/unread", h.Unread)
		chats.GET("/:id/calls", h.CallHistory)
	}
}
