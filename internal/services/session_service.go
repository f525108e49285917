package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liveconsult/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// errNoChange lets a mutateSession callback return the loaded session without
// writing it back.
var errNoChange = errors.New("no change")

var nonTerminalStatuses = []models.SessionStatus{models.SessionScheduled, models.SessionOngoing}

// SessionService 会话存储与状态机
type SessionService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	locks     *keyedMutex
	chatLocks *keyedMutex
}

// NewSessionService 创建会话服务
func NewSessionService(db *gorm.DB, logger *logrus.Logger) *SessionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionService{
		db:        db,
		logger:    logger,
		locks:     newKeyedMutex(),
		chatLocks: newKeyedMutex(),
	}
}

// NewSessionToken returns a fresh public session token.
func NewSessionToken() string {
	return ulid.Make().String()
}

// GetOrCreateChat returns the chat pairing providerID with clientID, creating
// it on first use.
func (s *SessionService) GetOrCreateChat(ctx context.Context, providerID, clientID uint) (*models.Chat, error) {
	if providerID == 0 || clientID == 0 {
		return nil, fmt.Errorf("%w: provider_id and client_id are required", ErrValidation)
	}
	if providerID == clientID {
		return nil, fmt.Errorf("%w: provider and client must differ", ErrValidation)
	}

	var chat models.Chat
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND client_id = ?", providerID, clientID).
		First(&chat).Error
	if err == nil {
		return &chat, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load chat: %w", err)
	}

	chat = models.Chat{ProviderID: providerID, ClientID: clientID, IsActive: true}
	createErr := s.db.WithContext(ctx).Create(&chat).Error
	if createErr == nil {
		s.logger.WithFields(logrus.Fields{"chat_id": chat.ID, "provider_id": providerID, "client_id": clientID}).Info("chat created")
		return &chat, nil
	}

	// 并发创建时唯一索引冲突，回读已存在的记录
	var existing models.Chat
	if err := s.db.WithContext(ctx).
		Where("provider_id = ? AND client_id = ?", providerID, clientID).
		First(&existing).Error; err == nil {
		return &existing, nil
	}
	return nil, fmt.Errorf("create chat: %w", createErr)
}

// GetChat loads a chat by id.
func (s *SessionService) GetChat(ctx context.Context, chatID uint) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: chat %d", ErrNotFound, chatID)
		}
		return nil, fmt.Errorf("load chat: %w", err)
	}
	return &chat, nil
}

// ListChatsForUser returns the chats userID takes part in, most recent activity first.
func (s *SessionService) ListChatsForUser(ctx context.Context, userID uint) ([]models.Chat, error) {
	var chats []models.Chat
	if err := s.db.WithContext(ctx).
		Where("provider_id = ? OR client_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// DeactivateChat marks the chat inactive; chats are never deleted.
func (s *SessionService) DeactivateChat(ctx context.Context, chatID, userID uint) (*models.Chat, error) {
	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: user %d in chat %d", ErrUnauthorized, userID, chatID)
	}
	if !chat.IsActive {
		return chat, nil
	}
	if err := s.db.WithContext(ctx).Model(chat).Update("is_active", false).Error; err != nil {
		return nil, fmt.Errorf("deactivate chat: %w", err)
	}
	chat.IsActive = false
	return chat, nil
}

// CreateSession opens a new session on chatID. If the chat already has a
// scheduled or ongoing session that one is returned unchanged with
// created=false.
func (s *SessionService) CreateSession(ctx context.Context, chatID, requesterID uint, sessionType models.SessionType, scheduledAt *time.Time) (*models.ChatSession, bool, error) {
	if sessionType == "" {
		sessionType = models.SessionTypeChat
	}
	if !sessionType.Valid() {
		return nil, false, fmt.Errorf("%w: unknown session type %q", ErrValidation, sessionType)
	}

	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	if !chat.IsParticipant(requesterID) {
		return nil, false, fmt.Errorf("%w: user %d in chat %d", ErrUnauthorized, requesterID, chatID)
	}

	var existing models.ChatSession
	err = s.db.WithContext(ctx).
		Where("chat_id = ? AND status IN ?", chatID, nonTerminalStatuses).
		Order("id DESC").
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("lookup active session: %w", err)
	}

	if !chat.IsActive {
		return nil, false, fmt.Errorf("%w: chat %d is inactive", ErrInvalidState, chatID)
	}

	sess := &models.ChatSession{
		ChatID:      chat.ID,
		Token:       NewSessionToken(),
		Type:        sessionType,
		Status:      models.SessionScheduled,
		ProviderID:  chat.ProviderID,
		ClientID:    chat.ClientID,
		ScheduledAt: scheduledAt,
		CallStatus:  models.CallNone,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"chat_id":    chat.ID,
		"session_id": sess.Token,
		"type":       sess.Type,
	}).Info("session created")
	return sess, true, nil
}

// GetSession loads a session by its numeric id.
func (s *SessionService) GetSession(ctx context.Context, sessionID uint) (*models.ChatSession, error) {
	return s.load(s.db.WithContext(ctx), sessionID)
}

// GetSessionByToken loads a session by its public token.
func (s *SessionService) GetSessionByToken(ctx context.Context, token string) (*models.ChatSession, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	var sess models.ChatSession
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, token)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// ActiveSessionsForUser returns every scheduled or ongoing session userID
// participates in.
func (s *SessionService) ActiveSessionsForUser(ctx context.Context, userID uint) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("(provider_id = ? OR client_id = ?) AND status IN ?", userID, userID, nonTerminalStatuses).
		Order("id ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// RecordJoin stamps userID's join time and starts a scheduled session.
func (s *SessionService) RecordJoin(ctx context.Context, sessionID, userID uint) (*models.ChatSession, error) {
	return s.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(userID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, userID, sess.Token)
		}
		if sess.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
		}
		now := time.Now()
		changed := markJoined(sess, userID, now)
		if sess.Status == models.SessionScheduled {
			if err := startSession(sess, now); err != nil {
				return err
			}
			changed = true
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
}

// EndSession ends an ongoing session, or cancels one that never started.
func (s *SessionService) EndSession(ctx context.Context, sessionID, userID uint, reason string) (*models.ChatSession, error) {
	return s.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(userID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, userID, sess.Token)
		}
		switch {
		case sess.Status.IsTerminal():
			return fmt.Errorf("%w: session %s already %s", ErrInvalidState, sess.Token, sess.Status)
		case sess.Status == models.SessionScheduled && !sess.HasJoin():
			return cancelSession(sess, userID, time.Now())
		}
		if reason == "" {
			reason = models.EndReasonByUser
		}
		return finishSession(sess, userID, reason, time.Now())
	})
}

// CancelSession cancels a scheduled session before anyone joined.
func (s *SessionService) CancelSession(ctx context.Context, sessionID, userID uint) (*models.ChatSession, error) {
	return s.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(userID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, userID, sess.Token)
		}
		if sess.Status != models.SessionScheduled || sess.HasJoin() {
			return fmt.Errorf("%w: session %s cannot be canceled once started", ErrInvalidState, sess.Token)
		}
		return cancelSession(sess, userID, time.Now())
	})
}

// lockSession serialises every state change of one session.
func (s *SessionService) lockSession(sessionID uint) func() {
	return s.locks.Lock(sessionID)
}

// mutateSession reloads the authoritative session under its lock, applies fn
// and persists the result. Errors returned by fn abort without writing.
func (s *SessionService) mutateSession(ctx context.Context, sessionID uint, fn func(sess *models.ChatSession) error) (*models.ChatSession, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	db := s.db.WithContext(ctx)
	sess, err := s.load(db, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		if errors.Is(err, errNoChange) {
			return sess, nil
		}
		return nil, err
	}
	if err := db.Save(sess).Error; err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

func (s *SessionService) load(db *gorm.DB, sessionID uint) (*models.ChatSession, error) {
	var sess models.ChatSession
	if err := db.First(&sess, sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %d", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

func transition(sess *models.ChatSession, to models.SessionStatus) error {
	if !sess.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: session %s cannot move from %s to %s", ErrInvalidState, sess.Token, sess.Status, to)
	}
	sess.Status = to
	return nil
}

func markJoined(sess *models.ChatSession, userID uint, now time.Time) bool {
	switch userID {
	case sess.ProviderID:
		if sess.ProviderJoinedAt == nil {
			sess.ProviderJoinedAt = &now
			return true
		}
	case sess.ClientID:
		if sess.ClientJoinedAt == nil {
			sess.ClientJoinedAt = &now
			return true
		}
	}
	return false
}

func startSession(sess *models.ChatSession, now time.Time) error {
	if err := transition(sess, models.SessionOngoing); err != nil {
		return err
	}
	if sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	return nil
}

func cancelSession(sess *models.ChatSession, userID uint, now time.Time) error {
	if err := transition(sess, models.SessionCanceled); err != nil {
		return err
	}
	sess.EndedAt = &now
	sess.EndedBy = &userID
	sess.EndReason = models.EndReasonCanceled
	return nil
}

// finishSession moves an ongoing session to ended and accumulates its
// duration. For calls only the connected time counts.
func finishSession(sess *models.ChatSession, endedBy uint, reason string, now time.Time) error {
	if err := transition(sess, models.SessionEnded); err != nil {
		return err
	}
	var from *time.Time
	if sess.Type.IsCall() {
		from = sess.CallStartedAt
	} else {
		from = sess.StartedAt
	}
	if from != nil && now.After(*from) {
		sess.Duration += int64(now.Sub(*from) / time.Second)
	}
	if sess.CallStatus.IsActive() {
		sess.CallStatus = models.CallEnded
		sess.CallEndedAt = &now
	}
	sess.EndedAt = &now
	if endedBy != 0 {
		sess.EndedBy = &endedBy
	}
	sess.EndReason = reason
	return nil
}
