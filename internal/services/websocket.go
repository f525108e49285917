package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"liveconsult/internal/auth"
	"liveconsult/internal/metrics"
	"liveconsult/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// GatewayConfig 网关连接参数
type GatewayConfig struct {
	JWTSecret       string
	AllowedOrigins  []string
	ReadLimit       int64
	PongWait        time.Duration
	PingPeriod      time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	EventTimeout    time.Duration
}

// DefaultGatewayConfig 默认网关参数
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ReadLimit:       64 << 10,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		WriteWait:       10 * time.Second,
		SendBuffer:      256,
		EventsPerSecond: 20,
		EventBurst:      40,
		EventTimeout:    15 * time.Second,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = d.EventsPerSecond
	}
	if c.EventBurst <= 0 {
		c.EventBurst = d.EventBurst
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = d.EventTimeout
	}
	return c
}

type WebSocketClient struct {
	ID      string
	UserID  uint
	Conn    *websocket.Conn
	Send    chan WebSocketMessage
	Hub     *WebSocketHub
	limiter *rate.Limiter
	// closed is owned by the hub's Run loop.
	closed bool
}

func (c *WebSocketClient) ConnID() string { return c.ID }

// Deliver queues msg without blocking. Only the hub's Run loop calls it, which
// keeps it the single writer and closer of Send.
func (c *WebSocketClient) Deliver(msg WebSocketMessage) bool {
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// outbound is one fan-out request. Exactly one of conn, userIDs or sessionID
// selects the targets; closeSession drops the session from the registry once
// delivered.
type outbound struct {
	conn         Transport
	userIDs      []uint
	sessionID    uint
	closeSession bool
	msg          WebSocketMessage
}

// WebSocketHub is the transport gateway: it authenticates connections, keeps
// the registry current, dispatches inbound events and fans out results.
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	outbound   chan outbound
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex

	cfg       GatewayConfig
	upgrader  websocket.Upgrader
	registry  *ConnectionRegistry
	sessions  *SessionService
	messages  *MessageService
	calls     *CallService
	rtc       *WebRTCService
	presence  PresenceStore
	publisher EventPublisher
	logger    *logrus.Logger
}

// NewWebSocketHub wires the gateway into the services it fans out for.
func NewWebSocketHub(registry *ConnectionRegistry, sessions *SessionService, messages *MessageService, calls *CallService, cfg GatewayConfig, logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewConnectionRegistry()
	}
	cfg = cfg.withDefaults()
	h := &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		outbound:   make(chan outbound, 1024),
		done:       make(chan struct{}),
		cfg:        cfg,
		registry:   registry,
		sessions:   sessions,
		messages:   messages,
		calls:      calls,
		presence:   NoopPresence{},
		publisher:  NoopPublisher{},
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	if messages != nil {
		messages.SetBroadcaster(h)
	}
	if calls != nil {
		calls.SetMissedCallHandler(h.onCallMissed)
	}
	return h
}

// SetWebRTC 注入可选的 pion 服务
func (h *WebSocketHub) SetWebRTC(rtc *WebRTCService) {
	h.rtc = rtc
	if rtc != nil {
		rtc.SetSink(h)
	}
	if h.calls != nil {
		h.calls.SetWebRTC(rtc)
	}
}

// SetPresence 注入在线状态存储（可选）
func (h *WebSocketHub) SetPresence(p PresenceStore) {
	if p == nil {
		p = NoopPresence{}
	}
	h.presence = p
}

// SetPublisher 注入生命周期事件发布器（可选）
func (h *WebSocketHub) SetPublisher(p EventPublisher) {
	if p == nil {
		p = NoopPublisher{}
	}
	h.publisher = p
}

// Registry exposes the connection registry for stats.
func (h *WebSocketHub) Registry() *ConnectionRegistry { return h.registry }

func (h *WebSocketHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			n := len(h.clients)
			h.mutex.Unlock()
			metrics.WSConnections.Set(float64(n))
			h.logger.WithFields(logrus.Fields{"conn_id": client.ID, "user_id": client.UserID}).Info("client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.closeClient(client)
			metrics.WSConnections.Set(float64(n))
			h.logger.WithFields(logrus.Fields{"conn_id": client.ID, "user_id": client.UserID}).Info("client disconnected")

		case out := <-h.outbound:
			h.deliver(out)

		case <-h.done:
			h.mutex.Lock()
			for id, client := range h.clients {
				h.closeClient(client)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			metrics.WSConnections.Set(0)
			return
		}
	}
}

// Stop ends Run and closes every client queue.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *WebSocketHub) closeClient(client *WebSocketClient) {
	if !client.closed {
		client.closed = true
		close(client.Send)
	}
}

func (h *WebSocketHub) deliver(out outbound) {
	if out.msg.Timestamp.IsZero() {
		out.msg.Timestamp = time.Now()
	}

	var targets []Transport
	switch {
	case out.conn != nil:
		targets = []Transport{out.conn}
	default:
		ids := out.userIDs
		if ids == nil {
			ids = h.registry.SessionMembers(out.sessionID)
		}
		for _, uid := range ids {
			if t, ok := h.registry.Lookup(uid); ok {
				targets = append(targets, t)
			}
		}
	}

	for _, t := range targets {
		if t.Deliver(out.msg) {
			continue
		}
		// 发送队列已满或已关闭：断开该连接
		if client, ok := t.(*WebSocketClient); ok && !client.closed {
			h.logger.WithField("conn_id", client.ID).Warn("send queue full, dropping client")
			h.registry.UnregisterHandle(client.UserID, client)
			h.mutex.Lock()
			delete(h.clients, client.ID)
			h.mutex.Unlock()
			h.closeClient(client)
		}
	}

	if out.closeSession {
		h.registry.CloseSession(out.sessionID)
	}
}

func (h *WebSocketHub) enqueue(out outbound) {
	select {
	case h.outbound <- out:
	case <-h.done:
	}
}

// BroadcastToSession pushes msg to every transport joined to sessionID.
func (h *WebSocketHub) BroadcastToSession(sessionID uint, msg WebSocketMessage) {
	h.enqueue(outbound{sessionID: sessionID, msg: msg})
}

// SendToUser pushes msg to the live transport of userID, if any.
func (h *WebSocketHub) SendToUser(userID uint, msg WebSocketMessage) {
	h.enqueue(outbound{userIDs: []uint{userID}, msg: msg})
}

// SendToUsers pushes msg to each listed user.
func (h *WebSocketHub) SendToUsers(userIDs []uint, msg WebSocketMessage) {
	h.enqueue(outbound{userIDs: append([]uint{}, userIDs...), msg: msg})
}

func (h *WebSocketHub) sendToConn(c Transport, msg WebSocketMessage) {
	h.enqueue(outbound{conn: c, msg: msg})
}

// IsOnline reports whether userID has a registered transport.
func (h *WebSocketHub) IsOnline(userID uint) bool {
	_, ok := h.registry.Lookup(userID)
	return ok
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket authenticates, upgrades and starts the pumps of one connection.
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = auth.BearerToken(c.GetHeader("Authorization"))
	}
	userID, _, err := auth.ParseUser(h.cfg.JWTSecret, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "Unauthorized",
			"message": err.Error(),
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	client := h.newClient(conn, userID)
	go client.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EventTimeout)
	h.connect(ctx, client)
	cancel()

	go client.readPump()
}

func (h *WebSocketHub) newClient(conn *websocket.Conn, userID uint) *WebSocketClient {
	return &WebSocketClient{
		ID:      uuid.NewString(),
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan WebSocketMessage, h.cfg.SendBuffer),
		Hub:     h,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.EventsPerSecond), h.cfg.EventBurst),
	}
}

// connect registers the client (last connection wins) and rejoins it to every
// non-terminal session of its user.
func (h *WebSocketHub) connect(ctx context.Context, client *WebSocketClient) {
	if prev := h.registry.Register(client.UserID, client); prev != nil {
		h.logger.WithFields(logrus.Fields{
			"user_id":    client.UserID,
			"superseded": prev.ConnID(),
			"conn_id":    client.ID,
		}).Info("connection superseded")
	}
	select {
	case h.register <- client:
	case <-h.done:
		return
	}

	if err := h.presence.SetOnline(ctx, client.UserID, client.ID); err != nil {
		h.logger.WithError(err).Warn("presence online update failed")
	}
	h.rejoin(ctx, client)
}

func (h *WebSocketHub) disconnect(client *WebSocketClient) {
	if h.registry.UnregisterHandle(client.UserID, client) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.presence.SetOffline(ctx, client.UserID, client.ID); err != nil {
			h.logger.WithError(err).Warn("presence offline update failed")
		}
		cancel()
	}
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *WebSocketHub) refreshPresence(client *WebSocketClient) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.Refresh(ctx, client.UserID, client.ID); err != nil {
		h.logger.WithError(err).WithField("user_id", client.UserID).Debug("presence refresh failed")
	}
}

func (h *WebSocketHub) rejoin(ctx context.Context, client *WebSocketClient) {
	if h.sessions == nil {
		return
	}
	active, err := h.sessions.ActiveSessionsForUser(ctx, client.UserID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", client.UserID).Warn("rejoin lookup failed")
		return
	}
	for i := range active {
		sess := active[i]
		h.registry.Join(client.UserID, sess.ID)
		h.sendToConn(client, WebSocketMessage{
			Type:      EventSessionJoined,
			SessionID: sess.Token,
			Data: map[string]interface{}{
				"session":  sess,
				"rejoined": true,
			},
		})
		if sess.CallStatus == models.CallRinging && sess.CallerID != nil && *sess.CallerID != client.UserID {
			h.sendToConn(client, incomingCallEvent(&sess, h.rtc))
		}
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.disconnect(c)
		c.Conn.Close()
	}()

	cfg := c.Hub.cfg
	c.Conn.SetReadLimit(cfg.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}
		c.Hub.handleRaw(c, raw)
	}
}

func (c *WebSocketClient) writePump() {
	cfg := c.Hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.Hub.refreshPresence(c)
		}
	}
}

// handleRaw rate-limits, decodes and dispatches one frame. Domain errors are
// reported back on the same connection and never close it.
func (h *WebSocketHub) handleRaw(c *WebSocketClient, raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		metrics.IncRateLimitDrop("ws")
		metrics.ObserveEvent("unknown", CodeRateLimited)
		h.sendToConn(c, WebSocketMessage{
			Type: EventError,
			Data: map[string]interface{}{"code": CodeRateLimited, "message": "too many events"},
		})
		return
	}

	name, ev, err := DecodeInbound(raw)
	if err != nil {
		h.replyError(c, name, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EventTimeout)
	defer cancel()
	if err := h.dispatch(ctx, c, ev); err != nil {
		h.replyError(c, name, err)
		return
	}
	metrics.ObserveEvent(name, "ok")
}

func (h *WebSocketHub) replyError(c Transport, event string, err error) {
	code := ErrorCode(err)
	msg := err.Error()
	if code == CodeInternal {
		h.logger.WithError(err).WithField("event", event).Error("event handling failed")
		msg = "internal error"
	}
	if event == "" {
		event = "unknown"
	}
	metrics.ObserveEvent(event, code)

	typ := EventError
	if IsCallEvent(event) {
		typ = EventCallError
	}
	h.sendToConn(c, WebSocketMessage{
		Type: typ,
		Data: map[string]interface{}{
			"event":   event,
			"code":    code,
			"message": msg,
		},
	})
}
