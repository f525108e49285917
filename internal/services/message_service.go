package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"liveconsult/internal/metrics"
	"liveconsult/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultMaxMessageLength = 4000

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	SessionID  uint
	SenderID   uint
	Content    string
	Type       models.MessageType
	Attachment *models.FileAttachment
	ExternalID string
}

// MessageService 消息管线：持久化、状态推进、扇出
type MessageService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	sessions    *SessionService
	broadcaster SessionBroadcaster
	publisher   EventPublisher
	maxLength   int
}

// NewMessageService 创建消息服务
func NewMessageService(db *gorm.DB, sessions *SessionService, logger *logrus.Logger) *MessageService {
	if logger == nil {
		logger = logrus.New()
	}
	return &MessageService{
		db:          db,
		logger:      logger,
		sessions:    sessions,
		broadcaster: noopBroadcaster{},
		publisher:   NoopPublisher{},
		maxLength:   defaultMaxMessageLength,
	}
}

// SetBroadcaster 注入推送通道（通常为 WebSocketHub）
func (s *MessageService) SetBroadcaster(b SessionBroadcaster) {
	if b == nil {
		b = noopBroadcaster{}
	}
	s.broadcaster = b
}

// SetPublisher 注入离线通知发布器
func (s *MessageService) SetPublisher(p EventPublisher) {
	if p == nil {
		p = NoopPublisher{}
	}
	s.publisher = p
}

// SetMaxLength caps message content length in runes; n <= 0 keeps the default.
func (s *MessageService) SetMaxLength(n int) {
	if n > 0 {
		s.maxLength = n
	}
}

// SendMessage persists a participant message, advances it to delivered and
// fans it out to the session. A resend carrying an already stored ExternalID
// returns the stored message with duplicate=true and is not broadcast again.
func (s *MessageService) SendMessage(ctx context.Context, req SendMessageRequest) (*models.ChatMessage, bool, error) {
	if err := s.validate(&req); err != nil {
		return nil, false, err
	}

	unlock := s.sessions.lockSession(req.SessionID)
	defer unlock()

	db := s.db.WithContext(ctx)
	sess, err := s.sessions.load(db, req.SessionID)
	if err != nil {
		return nil, false, err
	}
	if !sess.IsParticipant(req.SenderID) {
		return nil, false, fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, req.SenderID, sess.Token)
	}
	if sess.Status != models.SessionOngoing {
		return nil, false, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
	}

	if req.ExternalID != "" {
		var existing models.ChatMessage
		err := db.Where("session_id = ? AND external_id = ?", sess.ID, req.ExternalID).First(&existing).Error
		if err == nil {
			return &existing, true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("lookup message: %w", err)
		}
	}

	receiver := sess.OtherParty(req.SenderID)
	now := time.Now()
	msg := &models.ChatMessage{
		SessionID:  sess.ID,
		ChatID:     sess.ChatID,
		SenderID:   &req.SenderID,
		ReceiverID: &receiver,
		Direction:  directionOf(sess, req.SenderID),
		Type:       req.Type,
		Content:    req.Content,
		Status:     models.MessagePending,
	}
	if req.Attachment != nil {
		att := datatypes.NewJSONType(*req.Attachment)
		msg.Attachment = &att
	}
	if req.ExternalID != "" {
		ext := req.ExternalID
		msg.ExternalID = &ext
	}
	if err := advanceMessage(msg, models.MessageSent, now); err != nil {
		return nil, false, err
	}
	if err := db.Create(msg).Error; err != nil {
		return nil, false, fmt.Errorf("persist message: %w", err)
	}

	// 服务端落库即视为送达，不等待对端确认
	if err := s.deliver(db, msg, now); err != nil {
		if markErr := s.markFailed(db, msg, err.Error()); markErr != nil {
			s.logger.WithError(markErr).WithField("message_id", msg.ID).Warn("mark message failed")
		}
		return nil, false, fmt.Errorf("deliver message %d: %w", msg.ID, err)
	}

	metrics.IncMessage(string(msg.Direction))
	s.broadcaster.BroadcastToSession(sess.ID, newMessageEvent(sess, msg))

	if !s.broadcaster.IsOnline(receiver) {
		s.publishOffline(ctx, sess, msg, receiver)
	}
	return msg, false, nil
}

func (s *MessageService) validate(req *SendMessageRequest) error {
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	switch req.Type {
	case models.MessageTypeText:
		if strings.TrimSpace(req.Content) == "" {
			return fmt.Errorf("%w: content is required", ErrValidation)
		}
	case models.MessageTypeImage, models.MessageTypeFile:
		if req.Attachment == nil || strings.TrimSpace(req.Attachment.URL) == "" {
			return fmt.Errorf("%w: %s message needs an attachment url", ErrValidation, req.Type)
		}
	default:
		return fmt.Errorf("%w: message type %q not allowed", ErrValidation, req.Type)
	}
	if utf8.RuneCountInString(req.Content) > s.maxLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrValidation, s.maxLength)
	}
	if len(req.ExternalID) > 128 {
		return fmt.Errorf("%w: client_message_id too long", ErrValidation)
	}
	return nil
}

func (s *MessageService) deliver(db *gorm.DB, msg *models.ChatMessage, now time.Time) error {
	return db.Transaction(func(tx *gorm.DB) error {
		next := *msg
		if err := advanceMessage(&next, models.MessageDelivered, now); err != nil {
			return err
		}
		if err := tx.Model(&models.ChatMessage{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
			"status":       next.Status,
			"delivered_at": next.DeliveredAt,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Chat{}).Where("id = ?", msg.ChatID).Update("last_message_at", now).Error; err != nil {
			return err
		}
		*msg = next
		return nil
	})
}

func (s *MessageService) publishOffline(ctx context.Context, sess *models.ChatSession, msg *models.ChatMessage, receiver uint) {
	event := models.LifecycleEvent{
		Type:      models.EventMessageOffline,
		SessionID: sess.Token,
		ChatID:    sess.ChatID,
		UserIDs:   []uint{receiver},
		Data: map[string]interface{}{
			"message_id": msg.ID,
			"sender_id":  *msg.SenderID,
			"type":       msg.Type,
		},
		OccurredAt: time.Now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id":  sess.Token,
			"receiver_id": receiver,
		}).Warn("publish offline message event failed")
	}
}

// MarkRead moves delivered messages sent by the other participant to read.
// An empty messageIDs marks everything unread. Zero matches is not an error.
func (s *MessageService) MarkRead(ctx context.Context, sessionID, readerID uint, messageIDs []uint) (int64, error) {
	unlock := s.sessions.lockSession(sessionID)
	defer unlock()

	db := s.db.WithContext(ctx)
	sess, err := s.sessions.load(db, sessionID)
	if err != nil {
		return 0, err
	}
	if !sess.IsParticipant(readerID) {
		return 0, fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, readerID, sess.Token)
	}

	q := db.Model(&models.ChatMessage{}).
		Where("session_id = ? AND status = ? AND sender_id = ?", sess.ID, models.MessageDelivered, sess.OtherParty(readerID))
	if len(messageIDs) > 0 {
		q = q.Where("id IN ?", messageIDs)
	}
	var ids []uint
	if err := q.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("select unread: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	now := time.Now()
	res := db.Model(&models.ChatMessage{}).
		Where("id IN ? AND status = ?", ids, models.MessageDelivered).
		Updates(map[string]interface{}{"status": models.MessageRead, "read_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("mark read: %w", res.Error)
	}

	s.broadcaster.BroadcastToSession(sess.ID, WebSocketMessage{
		Type:      EventMessagesRead,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"reader_id":   readerID,
			"message_ids": ids,
			"read_at":     now,
		},
		Timestamp: now,
	})
	return res.RowsAffected, nil
}

// SendSystemMessage posts a senderless notice. It skips the participant and
// lifecycle checks so it can announce a session that just ended.
func (s *MessageService) SendSystemMessage(ctx context.Context, sessionID uint, content string) (*models.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	unlock := s.sessions.lockSession(sessionID)
	defer unlock()

	db := s.db.WithContext(ctx)
	sess, err := s.sessions.load(db, sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &models.ChatMessage{
		SessionID: sess.ID,
		ChatID:    sess.ChatID,
		Direction: models.DirectionSystem,
		Type:      models.MessageTypeSystem,
		Content:   content,
		Status:    models.MessagePending,
	}
	for _, st := range []models.MessageStatus{models.MessageSent, models.MessageDelivered} {
		if err := advanceMessage(msg, st, now); err != nil {
			return nil, err
		}
	}
	if err := db.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("persist system message: %w", err)
	}

	metrics.IncMessage(string(msg.Direction))
	s.broadcaster.BroadcastToSession(sess.ID, newMessageEvent(sess, msg))
	return msg, nil
}

// MarkFailed flags a message that never reached delivered.
func (s *MessageService) MarkFailed(ctx context.Context, messageID uint, reason string) (*models.ChatMessage, error) {
	db := s.db.WithContext(ctx)
	var msg models.ChatMessage
	if err := db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
		}
		return nil, fmt.Errorf("load message: %w", err)
	}

	unlock := s.sessions.lockSession(msg.SessionID)
	defer unlock()

	if err := s.markFailed(db, &msg, reason); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MessageService) markFailed(db *gorm.DB, msg *models.ChatMessage, reason string) error {
	var current models.ChatMessage
	if err := db.First(&current, msg.ID).Error; err != nil {
		return fmt.Errorf("reload message: %w", err)
	}
	now := time.Now()
	if err := advanceMessage(&current, models.MessageFailed, now); err != nil {
		return err
	}
	current.FailureReason = truncate(reason, 255)
	if err := db.Model(&models.ChatMessage{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
		"status":         current.Status,
		"failed_at":      current.FailedAt,
		"failure_reason": current.FailureReason,
	}).Error; err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	*msg = current
	return nil
}

// PageLimit clamps a requested history page size.
func PageLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

// ListMessages returns one page of history in ascending order. beforeID = 0
// starts from the newest message.
func (s *MessageService) ListMessages(ctx context.Context, sessionID, userID uint, limit int, beforeID uint) ([]models.ChatMessage, error) {
	db := s.db.WithContext(ctx)
	sess, err := s.sessions.load(db, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, userID, sess.Token)
	}
	limit = PageLimit(limit)

	q := db.Where("session_id = ?", sess.ID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var page []models.ChatMessage
	if err := q.Order("id DESC").Limit(limit).Find(&page).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// UnreadCount counts delivered messages in chatID not yet read by userID.
func (s *MessageService) UnreadCount(ctx context.Context, chatID, userID uint) (int64, error) {
	chat, err := s.sessions.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !chat.IsParticipant(userID) {
		return 0, fmt.Errorf("%w: user %d in chat %d", ErrUnauthorized, userID, chatID)
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("chat_id = ? AND status = ? AND sender_id IS NOT NULL AND sender_id <> ?", chatID, models.MessageDelivered, userID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// advanceMessage applies one status step and stamps the matching timestamp.
func advanceMessage(msg *models.ChatMessage, to models.MessageStatus, now time.Time) error {
	if !msg.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: message cannot move from %s to %s", ErrInvalidState, msg.Status, to)
	}
	t := now
	switch to {
	case models.MessageSent:
		msg.SentAt = &t
	case models.MessageDelivered:
		msg.DeliveredAt = &t
	case models.MessageRead:
		msg.ReadAt = &t
	case models.MessageFailed:
		msg.FailedAt = &t
	}
	msg.Status = to
	return nil
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for n < len(s) {
		_, size := utf8.DecodeRuneInString(s[n:])
		if n+size > limit {
			break
		}
		n += size
	}
	return s[:n]
}

func directionOf(sess *models.ChatSession, senderID uint) models.MessageDirection {
	if senderID == sess.ProviderID {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}

func newMessageEvent(sess *models.ChatSession, msg *models.ChatMessage) WebSocketMessage {
	return WebSocketMessage{
		Type:      EventNewMessage,
		SessionID: sess.Token,
		Data:      *msg,
		Timestamp: time.Now(),
	}
}
