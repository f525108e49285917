package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"liveconsult/internal/metrics"
	"liveconsult/internal/models"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DefaultMissedCallTimeout is how long a call may ring before it is ended as missed.
const DefaultMissedCallTimeout = 30 * time.Second

// CallOffer 发起呼叫的信令结果
type CallOffer struct {
	Session     *models.ChatSession
	Channel     string
	AppID       string
	CallerID    uint
	ReceiverID  uint
	CallerToken *MediaToken
	ICEServers  []webrtc.ICEServer
}

// CallAnswer 接听结果，双方使用同一个 channel
type CallAnswer struct {
	Session       *models.ChatSession
	Channel       string
	AppID         string
	CallerID      uint
	AnswererID    uint
	CallerToken   *MediaToken
	AnswererToken *MediaToken
}

// MissedCallHandler is notified after a ringing call has been ended as missed.
type MissedCallHandler func(ctx context.Context, sess *models.ChatSession)

// CallService 呼叫信令引擎
type CallService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	sessions *SessionService
	relay    MediaRelay
	rtc      *WebRTCService
	tracer   trace.Tracer

	timeout  time.Duration
	mu       sync.Mutex
	timers   map[uint]*time.Timer
	onMissed MissedCallHandler
	closed   bool
}

// NewCallService 创建呼叫服务
func NewCallService(db *gorm.DB, sessions *SessionService, relay MediaRelay, logger *logrus.Logger) *CallService {
	if logger == nil {
		logger = logrus.New()
	}
	return &CallService{
		db:       db,
		logger:   logger,
		sessions: sessions,
		relay:    relay,
		tracer:   otel.Tracer("liveconsult/calls"),
		timeout:  DefaultMissedCallTimeout,
		timers:   make(map[uint]*time.Timer),
	}
}

// SetTimeout overrides the missed-call window; d <= 0 keeps the current value.
func (s *CallService) SetTimeout(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.timeout = d
		s.mu.Unlock()
	}
}

// SetMissedCallHandler 注册未接来电回调（通常由网关推送通知）
func (s *CallService) SetMissedCallHandler(fn MissedCallHandler) {
	s.mu.Lock()
	s.onMissed = fn
	s.mu.Unlock()
}

// SetWebRTC attaches the optional server-side peer service.
func (s *CallService) SetWebRTC(rtc *WebRTCService) {
	s.rtc = rtc
}

// InitiateCall rings the other participant. The caller token is issued before
// any state changes, so a relay failure leaves the session untouched.
func (s *CallService) InitiateCall(ctx context.Context, callerID, sessionID uint, kind models.SessionType) (offer *CallOffer, err error) {
	ctx, span := s.startSpan(ctx, "calls.initiate", sessionID, callerID)
	defer func() { endSpan(span, err) }()

	if !kind.IsCall() {
		return nil, fmt.Errorf("%w: %q is not a call type", ErrValidation, kind)
	}

	var token *MediaToken
	sess, err := s.sessions.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(callerID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, callerID, sess.Token)
		}
		if sess.Type != kind {
			return fmt.Errorf("%w: session %s is a %s session", ErrValidation, sess.Token, sess.Type)
		}
		if sess.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
		}
		if sess.CallStatus != models.CallNone {
			return fmt.Errorf("%w: session %s call is %s", ErrInvalidState, sess.Token, sess.CallStatus)
		}

		channel := ChannelName(sess)
		t, err := s.issue(ctx, channel, callerID)
		if err != nil {
			return err
		}
		token = t

		now := time.Now()
		caller := callerID
		if sess.Status == models.SessionScheduled {
			if err := startSession(sess, now); err != nil {
				return err
			}
		}
		markJoined(sess, callerID, now)
		sess.CallStatus = models.CallRinging
		sess.CallerID = &caller
		sess.CallInitiatedAt = &now
		sess.CallRingingAt = &now
		sess.MediaChannel = channel
		sess.MediaAppID = t.AppID
		sess.CallerToken = t.Token
		sess.CallerTokenExpiresAt = &t.ExpiresAt
		return nil
	})
	if err != nil {
		metrics.IncCall("failed")
		return nil, err
	}

	s.arm(sess.ID, 0)
	metrics.IncCall("initiated")
	s.logger.WithFields(logrus.Fields{
		"session_id": sess.Token,
		"caller_id":  callerID,
		"type":       kind,
	}).Info("call initiated")

	return &CallOffer{
		Session:     sess,
		Channel:     sess.MediaChannel,
		AppID:       token.AppID,
		CallerID:    callerID,
		ReceiverID:  sess.OtherParty(callerID),
		CallerToken: token,
		ICEServers:  s.rtc.ICEServers(),
	}, nil
}

// AnswerCall connects a ringing call. Two concurrent answers are serialised by
// the session lock; the second one sees the call already answered.
func (s *CallService) AnswerCall(ctx context.Context, answererID, sessionID uint) (answer *CallAnswer, err error) {
	ctx, span := s.startSpan(ctx, "calls.answer", sessionID, answererID)
	defer func() { endSpan(span, err) }()

	var token *MediaToken
	sess, err := s.sessions.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(answererID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, answererID, sess.Token)
		}
		if sess.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
		}
		if sess.CallStatus != models.CallRinging || sess.CallerToken == "" {
			return fmt.Errorf("%w: no ringing call in session %s", ErrInvalidState, sess.Token)
		}
		if sess.CallerID != nil && *sess.CallerID == answererID {
			return fmt.Errorf("%w: caller cannot answer own call", ErrInvalidState)
		}

		t, err := s.issue(ctx, sess.MediaChannel, answererID)
		if err != nil {
			return err
		}
		token = t

		now := time.Now()
		markJoined(sess, answererID, now)
		sess.CallStatus = models.CallAnswered
		sess.CallAnsweredAt = &now
		sess.CallStartedAt = &now
		sess.ReceiverToken = t.Token
		sess.ReceiverTokenExpiresAt = &t.ExpiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.disarm(sess.ID)
	metrics.IncCall("answered")

	callerToken := &MediaToken{Channel: sess.MediaChannel, Token: sess.CallerToken, AppID: sess.MediaAppID}
	var callerID uint
	if sess.CallerID != nil {
		callerID = *sess.CallerID
		callerToken.UserID = callerID
	}
	if sess.CallerTokenExpiresAt != nil {
		callerToken.ExpiresAt = *sess.CallerTokenExpiresAt
	}
	return &CallAnswer{
		Session:       sess,
		Channel:       sess.MediaChannel,
		AppID:         token.AppID,
		CallerID:      callerID,
		AnswererID:    answererID,
		CallerToken:   callerToken,
		AnswererToken: token,
	}, nil
}

// DeclineCall ends the session whether or not the call was answered.
func (s *CallService) DeclineCall(ctx context.Context, declinerID, sessionID uint, reason string) (sess *models.ChatSession, err error) {
	ctx, span := s.startSpan(ctx, "calls.decline", sessionID, declinerID)
	defer func() { endSpan(span, err) }()

	if reason == "" {
		reason = models.EndReasonDeclined
	}
	reason = truncate(reason, 64)
	sess, err = s.sessions.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(declinerID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, declinerID, sess.Token)
		}
		if sess.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
		}
		if !sess.CallStatus.IsActive() {
			return fmt.Errorf("%w: no active call in session %s", ErrInvalidState, sess.Token)
		}
		return finishSession(sess, declinerID, reason, time.Now())
	})
	if err != nil {
		return nil, err
	}

	s.afterEnd(ctx, sess)
	metrics.IncCall("declined")
	return sess, nil
}

// EndCall hangs up an existing call. Channel cleanup is best-effort.
func (s *CallService) EndCall(ctx context.Context, enderID, sessionID uint) (sess *models.ChatSession, err error) {
	ctx, span := s.startSpan(ctx, "calls.end", sessionID, enderID)
	defer func() { endSpan(span, err) }()

	sess, err = s.sessions.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if !sess.IsParticipant(enderID) {
			return fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, enderID, sess.Token)
		}
		if sess.Status.IsTerminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
		}
		if !sess.CallStatus.IsActive() {
			return fmt.Errorf("%w: no active call in session %s", ErrInvalidState, sess.Token)
		}
		return finishSession(sess, enderID, models.EndReasonByUser, time.Now())
	})
	if err != nil {
		return nil, err
	}

	s.afterEnd(ctx, sess)
	metrics.IncCall("ended")
	return sess, nil
}

// MarkMissed ends a call that is still ringing. It re-reads the session under
// its lock, so an answer, decline or hang-up that got there first wins and
// this returns false.
func (s *CallService) MarkMissed(ctx context.Context, sessionID uint) (missed bool, err error) {
	ctx, span := s.startSpan(ctx, "calls.missed", sessionID, 0)
	defer func() { endSpan(span, err) }()

	sess, err := s.sessions.mutateSession(ctx, sessionID, func(sess *models.ChatSession) error {
		if sess.Status.IsTerminal() || sess.CallStatus != models.CallRinging || sess.CallAnsweredAt != nil {
			return errNoChange
		}
		missed = true
		return finishSession(sess, 0, models.EndReasonMissed, time.Now())
	})
	if err != nil {
		return false, err
	}
	if !missed {
		s.disarm(sessionID)
		return false, nil
	}

	s.afterEnd(ctx, sess)
	metrics.IncCall("missed")
	s.logger.WithField("session_id", sess.Token).Info("call missed")

	s.mu.Lock()
	handler := s.onMissed
	s.mu.Unlock()
	if handler != nil {
		handler(ctx, sess)
	}
	return true, nil
}

// RecoverRinging picks up calls left ringing by a previous process. Calls whose
// ringing window already elapsed are ended as missed; the rest get a timer for
// the time they have left.
func (s *CallService) RecoverRinging(ctx context.Context) (missed, armed int, err error) {
	var ringing []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("call_status = ? AND status IN ?", models.CallRinging,
			[]models.SessionStatus{models.SessionScheduled, models.SessionOngoing}).
		Order("id").
		Find(&ringing).Error; err != nil {
		return 0, 0, fmt.Errorf("list ringing calls: %w", err)
	}

	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	now := time.Now()
	for i := range ringing {
		sess := &ringing[i]
		var left time.Duration
		if sess.CallInitiatedAt != nil {
			left = timeout - now.Sub(*sess.CallInitiatedAt)
		}
		if left > 0 {
			s.arm(sess.ID, left)
			armed++
			continue
		}
		ok, err := s.MarkMissed(ctx, sess.ID)
		if err != nil {
			s.logger.WithError(err).WithField("session_id", sess.Token).Warn("recover ringing call failed")
			continue
		}
		if ok {
			missed++
		}
	}
	return missed, armed, nil
}

// CallHistory lists call sessions of chatID, newest first.
func (s *CallService) CallHistory(ctx context.Context, chatID, userID uint, limit int) ([]models.ChatSession, error) {
	chat, err := s.sessions.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: user %d in chat %d", ErrUnauthorized, userID, chatID)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var calls []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("chat_id = ? AND type IN ?", chatID, []models.SessionType{models.SessionTypeAudioCall, models.SessionTypeVideoCall}).
		Order("id DESC").
		Limit(limit).
		Find(&calls).Error; err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return calls, nil
}

// ReleaseSessionMedia releases the media channel of an ended call session.
// Used when the session is ended through the generic end-session path.
func (s *CallService) ReleaseSessionMedia(ctx context.Context, sess *models.ChatSession) {
	if sess == nil || sess.MediaChannel == "" {
		return
	}
	s.afterEnd(ctx, sess)
}

// Close stops all pending missed-call timers.
func (s *CallService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// PendingTimers reports armed missed-call timers.
func (s *CallService) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *CallService) issue(ctx context.Context, channel string, userID uint) (*MediaToken, error) {
	if s.relay == nil {
		return nil, fmt.Errorf("%w: media relay not configured", ErrExternalDependency)
	}
	t, err := s.relay.IssueToken(ctx, channel, userID)
	if err != nil {
		if errors.Is(err, ErrExternalDependency) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrExternalDependency, err)
	}
	return t, nil
}

// arm schedules the missed-call check for sessionID after d; d <= 0 uses the
// configured timeout.
func (s *CallService) arm(sessionID uint, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if d <= 0 {
		d = s.timeout
	}
	if prev, ok := s.timers[sessionID]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[sessionID] == t {
			delete(s.timers, sessionID)
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.MarkMissed(ctx, sessionID); err != nil {
			s.logger.WithError(err).WithField("session", sessionID).Warn("missed-call check failed")
		}
	})
	s.timers[sessionID] = t
}

func (s *CallService) disarm(sessionID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

func (s *CallService) afterEnd(ctx context.Context, sess *models.ChatSession) {
	s.disarm(sess.ID)
	if sess.MediaChannel == "" || s.relay == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.relay.ReleaseChannel(rctx, sess.MediaChannel); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sess.Token,
			"channel":    sess.MediaChannel,
		}).Warn("release media channel failed")
	}
}

func (s *CallService) startSpan(ctx context.Context, name string, sessionID, userID uint) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attribute.Int64("session.id", int64(sessionID)))
	if userID != 0 {
		span.SetAttributes(attribute.Int64("user.id", int64(userID)))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
