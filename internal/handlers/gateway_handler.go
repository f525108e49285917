package handlers

import (
	"net/http"

	"liveconsult/internal/metrics"
	"liveconsult/internal/services"

	"github.com/gin-gonic/gin"
)

type WebSocketHandler struct {
	wsHub *services.WebSocketHub
}

func NewWebSocketHandler(wsHub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{
		wsHub: wsHub,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.wsHub.HandleWebSocket(c)
}

func (h *WebSocketHandler) GetStats(c *gin.Context) {
	total, byPrefix := metrics.RateLimitSnapshot()
	stats := map[string]interface{}{
		"connected_clients": h.wsHub.GetClientCount(),
		"registered_users":  h.wsHub.Registry().Count(),
		"rate_limit_drops":  total,
		"rate_limit_by":     byPrefix,
		"status":            "running",
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}

type WebRTCHandler struct {
	webrtcService *services.WebRTCService
	sessions      *services.SessionService
}

func NewWebRTCHandler(webrtcService *services.WebRTCService, sessions *services.SessionService) *WebRTCHandler {
	return &WebRTCHandler{
		webrtcService: webrtcService,
		sessions:      sessions,
	}
}

// GetStats 当前用户在某会话媒体通道上的 peer 状态
func (h *WebRTCHandler) GetStats(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	token := c.Query("session_id")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "session_id is required",
		})
		return
	}
	if h.webrtcService == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "webrtc disabled",
		})
		return
	}
	sess, err := h.sessions.GetSessionByToken(c.Request.Context(), token)
	if err == nil && !sess.IsParticipant(uid) {
		err = services.ErrUnauthorized
	}
	if err != nil {
		c.JSON(httpStatus(err), gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	stats, err := h.webrtcService.GetConnectionStats(sess.MediaChannel, uid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    stats,
	})
}

func (h *WebRTCHandler) GetConnections(c *gin.Context) {
	count := 0
	if h.webrtcService != nil {
		count = h.webrtcService.GetConnectionCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"connection_count": count,
		},
	})
}

// RegisterGatewayRoutes 注册 websocket 与 webrtc 状态路由；/ws 自行鉴权
func RegisterGatewayRoutes(public *gin.RouterGroup, authed *gin.RouterGroup, ws *WebSocketHandler, rtc *WebRTCHandler) {
	public.GET("/ws", ws.HandleWebSocket)
	authed.GET("/ws/stats", ws.GetStats)
	authed.GET("/webrtc/stats", rtc.GetStats)
	authed.GET("/webrtc/connections", rtc.GetConnections)
}
