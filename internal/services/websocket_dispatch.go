package services

import (
	"context"
	"fmt"
	"time"

	"liveconsult/internal/models"

	"github.com/sirupsen/logrus"
)

// dispatch routes one decoded event. It only translates between the wire and
// the services; every rule lives in the services.
func (h *WebSocketHub) dispatch(ctx context.Context, c *WebSocketClient, ev InboundEvent) error {
	switch ev := ev.(type) {
	case *JoinSessionEvent:
		return h.onJoinSession(ctx, c, ev)
	case *LeaveSessionEvent:
		return h.onLeaveSession(ctx, c, ev)
	case *SendMessageEvent:
		return h.onSendMessage(ctx, c, ev)
	case *MarkReadEvent:
		return h.onMarkRead(ctx, c, ev)
	case *TypingEvent:
		return h.onTyping(ctx, c, ev)
	case *EndSessionEvent:
		return h.onEndSession(ctx, c, ev)
	case *InitiateCallEvent:
		return h.onInitiateCall(ctx, c, ev)
	case *AnswerCallEvent:
		return h.onAnswerCall(ctx, c, ev)
	case *DeclineCallEvent:
		return h.onDeclineCall(ctx, c, ev)
	case *EndCallEvent:
		return h.onEndCall(ctx, c, ev)
	case *WebRTCOfferEvent:
		return h.onWebRTCOffer(ctx, c, ev)
	case *WebRTCCandidateEvent:
		return h.onWebRTCCandidate(ctx, c, ev)
	default:
		return fmt.Errorf("%w: unsupported event %s", ErrValidation, ev.Name())
	}
}

// sessionFor resolves a session token and checks membership.
func (h *WebSocketHub) sessionFor(ctx context.Context, userID uint, token string) (*models.ChatSession, error) {
	sess, err := h.sessions.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(userID) {
		return nil, fmt.Errorf("%w: user %d in session %s", ErrUnauthorized, userID, sess.Token)
	}
	return sess, nil
}

func (h *WebSocketHub) onJoinSession(ctx context.Context, c *WebSocketClient, ev *JoinSessionEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	sess, err = h.sessions.RecordJoin(ctx, sess.ID, c.UserID)
	if err != nil {
		return err
	}
	h.registry.Join(c.UserID, sess.ID)

	h.sendToConn(c, WebSocketMessage{
		Type:      EventSessionJoined,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"session":  sess,
			"rejoined": false,
		},
	})
	h.SendToUser(sess.OtherParty(c.UserID), WebSocketMessage{
		Type:      EventParticipantJoined,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"user_id": c.UserID,
			"status":  sess.Status,
		},
	})
	return nil
}

func (h *WebSocketHub) onLeaveSession(ctx context.Context, c *WebSocketClient, ev *LeaveSessionEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	h.registry.Leave(c.UserID, sess.ID)
	return nil
}

func (h *WebSocketHub) onSendMessage(ctx context.Context, c *WebSocketClient, ev *SendMessageEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	// 发送方也需要收到自己的消息回显
	h.registry.Join(c.UserID, sess.ID)

	msg, duplicate, err := h.messages.SendMessage(ctx, SendMessageRequest{
		SessionID:  sess.ID,
		SenderID:   c.UserID,
		Content:    ev.Content,
		Type:       ev.MessageType,
		Attachment: ev.Attachment,
		ExternalID: ev.ClientMessageID,
	})
	if err != nil {
		return err
	}
	h.sendToConn(c, WebSocketMessage{
		Type:      EventMessageAck,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"client_message_id": ev.ClientMessageID,
			"message_id":        msg.ID,
			"status":            msg.Status,
			"duplicate":         duplicate,
		},
	})
	return nil
}

func (h *WebSocketHub) onMarkRead(ctx context.Context, c *WebSocketClient, ev *MarkReadEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	_, err = h.messages.MarkRead(ctx, sess.ID, c.UserID, ev.MessageIDs)
	return err
}

func (h *WebSocketHub) onTyping(ctx context.Context, c *WebSocketClient, ev *TypingEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	if sess.Status != models.SessionOngoing {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.Token, sess.Status)
	}
	h.SendToUser(sess.OtherParty(c.UserID), WebSocketMessage{
		Type:      EventUserTyping,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"user_id":   c.UserID,
			"is_typing": ev.IsTyping,
		},
	})
	return nil
}

func (h *WebSocketHub) onEndSession(ctx context.Context, c *WebSocketClient, ev *EndSessionEvent) error {
	_, err := h.EndSession(ctx, c.UserID, ev.Session(), ev.Reason)
	return err
}

// EndSession ends (or cancels) the session identified by token and announces
// it to both participants. Shared by the gateway and the HTTP API.
func (h *WebSocketHub) EndSession(ctx context.Context, userID uint, token, reason string) (*models.ChatSession, error) {
	sess, err := h.sessionFor(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	sess, err = h.sessions.EndSession(ctx, sess.ID, userID, reason)
	if err != nil {
		return nil, err
	}
	if h.calls != nil {
		// 通话会话经由 end-session 结束时同样释放媒体通道
		h.calls.ReleaseSessionMedia(ctx, sess)
	}
	text := "Session ended"
	if sess.Status == models.SessionCanceled {
		text = "Session canceled"
	}
	h.announceEnded(ctx, sess, text)
	return sess, nil
}

// CancelSession cancels a scheduled session nobody has joined yet.
func (h *WebSocketHub) CancelSession(ctx context.Context, userID uint, token string) (*models.ChatSession, error) {
	sess, err := h.sessionFor(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	sess, err = h.sessions.CancelSession(ctx, sess.ID, userID)
	if err != nil {
		return nil, err
	}
	h.announceEnded(ctx, sess, "Session canceled")
	return sess, nil
}

func (h *WebSocketHub) onInitiateCall(ctx context.Context, c *WebSocketClient, ev *InitiateCallEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	kind := ev.CallType
	if kind == "" {
		kind = sess.Type
	}
	offer, err := h.calls.InitiateCall(ctx, c.UserID, sess.ID, kind)
	if err != nil {
		return err
	}
	sess = offer.Session
	h.registry.Join(c.UserID, sess.ID)
	h.registry.Join(offer.ReceiverID, sess.ID)

	h.sendToConn(c, WebSocketMessage{
		Type:      EventCallInitiated,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"call_type":   sess.Type,
			"channel":     offer.Channel,
			"app_id":      offer.AppID,
			"token":       offer.CallerToken.Token,
			"expires_at":  offer.CallerToken.ExpiresAt,
			"receiver_id": offer.ReceiverID,
			"ice_servers": offer.ICEServers,
		},
	})
	h.SendToUser(offer.ReceiverID, incomingCallEvent(sess, h.rtc))
	return nil
}

func (h *WebSocketHub) onAnswerCall(ctx context.Context, c *WebSocketClient, ev *AnswerCallEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	ans, err := h.calls.AnswerCall(ctx, c.UserID, sess.ID)
	if err != nil {
		return err
	}
	sess = ans.Session
	h.registry.Join(c.UserID, sess.ID)

	h.sendToConn(c, callAnsweredEvent(ans, ans.AnswererToken))
	h.SendToUser(ans.CallerID, callAnsweredEvent(ans, ans.CallerToken))
	return nil
}

func (h *WebSocketHub) onDeclineCall(ctx context.Context, c *WebSocketClient, ev *DeclineCallEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	sess, err = h.calls.DeclineCall(ctx, c.UserID, sess.ID, ev.Reason)
	if err != nil {
		return err
	}
	h.SendToUsers(sess.Participants(), WebSocketMessage{
		Type:      EventCallDeclined,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"declined_by": c.UserID,
			"reason":      sess.EndReason,
		},
	})
	h.announceEnded(ctx, sess, "Call declined")
	return nil
}

func (h *WebSocketHub) onEndCall(ctx context.Context, c *WebSocketClient, ev *EndCallEvent) error {
	sess, err := h.sessionFor(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	sess, err = h.calls.EndCall(ctx, c.UserID, sess.ID)
	if err != nil {
		return err
	}
	h.SendToUsers(sess.Participants(), WebSocketMessage{
		Type:      EventCallEnded,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"ended_by": c.UserID,
			"duration": sess.Duration,
		},
	})
	h.announceEnded(ctx, sess, fmt.Sprintf("Call ended (%s)", formatDuration(sess.Duration)))
	return nil
}

func (h *WebSocketHub) onWebRTCOffer(ctx context.Context, c *WebSocketClient, ev *WebRTCOfferEvent) error {
	sess, err := h.answeredCall(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	answer, err := h.rtc.HandleOffer(sess.MediaChannel, sess.Token, c.UserID, ev.Offer)
	if err != nil {
		return err
	}
	h.sendToConn(c, WebSocketMessage{
		Type:      EventWebRTCAnswer,
		SessionID: sess.Token,
		Data:      map[string]interface{}{"sdp": answer},
	})
	return nil
}

func (h *WebSocketHub) onWebRTCCandidate(ctx context.Context, c *WebSocketClient, ev *WebRTCCandidateEvent) error {
	sess, err := h.answeredCall(ctx, c.UserID, ev.Session())
	if err != nil {
		return err
	}
	return h.rtc.HandleICECandidate(sess.MediaChannel, c.UserID, ev.Candidate)
}

func (h *WebSocketHub) answeredCall(ctx context.Context, userID uint, token string) (*models.ChatSession, error) {
	if h.rtc == nil {
		return nil, fmt.Errorf("%w: server media is disabled", ErrInvalidState)
	}
	sess, err := h.sessionFor(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if sess.CallStatus != models.CallAnswered || sess.MediaChannel == "" {
		return nil, fmt.Errorf("%w: no answered call in session %s", ErrInvalidState, sess.Token)
	}
	return sess, nil
}

// onCallMissed runs on the missed-call timer after the session was ended.
func (h *WebSocketHub) onCallMissed(ctx context.Context, sess *models.ChatSession) {
	var callerID uint
	if sess.CallerID != nil {
		callerID = *sess.CallerID
	}
	h.SendToUsers(sess.Participants(), WebSocketMessage{
		Type:      EventCallMissed,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"caller_id": callerID,
			"call_type": sess.Type,
		},
	})

	text := "Missed audio call"
	if sess.Type == models.SessionTypeVideoCall {
		text = "Missed video call"
	}
	h.announceEnded(ctx, sess, text)

	if err := h.publisher.Publish(ctx, models.LifecycleEvent{
		Type:       models.EventCallMissed,
		SessionID:  sess.Token,
		ChatID:     sess.ChatID,
		UserIDs:    []uint{sess.OtherParty(callerID)},
		Data:       map[string]interface{}{"caller_id": callerID, "call_type": sess.Type},
		OccurredAt: time.Now(),
	}); err != nil {
		h.logger.WithError(err).WithField("session_id", sess.Token).Warn("publish call.missed failed")
	}
}

// announceEnded posts the closing system message, tells both participants and
// then drops the session from the registry.
func (h *WebSocketHub) announceEnded(ctx context.Context, sess *models.ChatSession, text string) {
	if h.messages != nil {
		if _, err := h.messages.SendSystemMessage(ctx, sess.ID, text); err != nil {
			h.logger.WithError(err).WithField("session_id", sess.Token).Warn("system message failed")
		}
	}
	h.enqueue(outbound{
		userIDs:      sess.Participants(),
		sessionID:    sess.ID,
		closeSession: true,
		msg: WebSocketMessage{
			Type:      EventSessionEnded,
			SessionID: sess.Token,
			Data: map[string]interface{}{
				"session":    sess,
				"end_reason": sess.EndReason,
				"duration":   sess.Duration,
			},
		},
	})

	if err := h.publisher.Publish(ctx, models.LifecycleEvent{
		Type:      models.EventSessionEnded,
		SessionID: sess.Token,
		ChatID:    sess.ChatID,
		UserIDs:   sess.Participants(),
		Data: map[string]interface{}{
			"status":     sess.Status,
			"end_reason": sess.EndReason,
			"duration":   sess.Duration,
		},
		OccurredAt: time.Now(),
	}); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"session_id": sess.Token}).Warn("publish session.ended failed")
	}
}

func incomingCallEvent(sess *models.ChatSession, rtc *WebRTCService) WebSocketMessage {
	var callerID uint
	if sess.CallerID != nil {
		callerID = *sess.CallerID
	}
	return WebSocketMessage{
		Type:      EventIncomingCall,
		SessionID: sess.Token,
		Data: map[string]interface{}{
			"caller_id":    callerID,
			"call_type":    sess.Type,
			"channel":      sess.MediaChannel,
			"initiated_at": sess.CallInitiatedAt,
			"ice_servers":  rtc.ICEServers(),
		},
	}
}

func callAnsweredEvent(ans *CallAnswer, own *MediaToken) WebSocketMessage {
	return WebSocketMessage{
		Type:      EventCallAnswered,
		SessionID: ans.Session.Token,
		Data: map[string]interface{}{
			"channel":     ans.Channel,
			"app_id":      ans.AppID,
			"token":       own.Token,
			"expires_at":  own.ExpiresAt,
			"caller_id":   ans.CallerID,
			"answerer_id": ans.AnswererID,
			"answered_at": ans.Session.CallAnsweredAt,
		},
	}
}

func formatDuration(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}
