package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"liveconsult/internal/models"

	"github.com/pion/webrtc/v3"
)

// 客户端上行事件
const (
	EventJoinSession     = "join-session"
	EventLeaveSession    = "leave-session"
	EventSendMessage     = "send-message"
	EventMarkRead        = "mark-read"
	EventTyping          = "typing"
	EventEndSession      = "end-session"
	EventInitiateCall    = "initiate-call"
	EventAnswerCall      = "answer-call"
	EventDeclineCall     = "decline-call"
	EventEndCall         = "end-call"
	EventWebRTCOffer     = "webrtc-offer"
	EventWebRTCCandidate = "webrtc-candidate"
)

// 服务端推送事件
const (
	EventSessionJoined     = "session-joined"
	EventParticipantJoined = "participant-joined"
	EventNewMessage        = "new-message"
	EventMessageAck        = "message-ack"
	EventMessagesRead      = "messages-read"
	EventUserTyping        = "user-typing"
	EventSessionEnded      = "session-ended"
	EventCallInitiated     = "call-initiated"
	EventIncomingCall      = "incoming-call"
	EventCallAnswered      = "call-answered"
	EventCallDeclined      = "call-declined"
	EventCallEnded         = "call-ended"
	EventCallMissed        = "call-missed"
	EventCallError         = "call-error"
	EventError             = "error"
	EventWebRTCAnswer      = "webrtc-answer"
	EventWebRTCStateChange = "webrtc-state-change"
)

// InboundEvent is one decoded client event. The set of implementations is
// closed; the gateway dispatches on the concrete type.
type InboundEvent interface {
	Name() string
	Session() string
	setSession(token string)
}

type sessionRef struct {
	SessionToken string `json:"session_id"`
}

func (r *sessionRef) Session() string         { return r.SessionToken }
func (r *sessionRef) setSession(token string) { r.SessionToken = token }

type JoinSessionEvent struct{ sessionRef }

type LeaveSessionEvent struct{ sessionRef }

type SendMessageEvent struct {
	sessionRef
	Content         string                 `json:"content"`
	MessageType     models.MessageType     `json:"message_type"`
	Attachment      *models.FileAttachment `json:"attachment"`
	ClientMessageID string                 `json:"client_message_id"`
}

type MarkReadEvent struct {
	sessionRef
	MessageIDs []uint `json:"message_ids"`
}

type TypingEvent struct {
	sessionRef
	IsTyping bool `json:"is_typing"`
}

type EndSessionEvent struct {
	sessionRef
	Reason string `json:"reason"`
}

type InitiateCallEvent struct {
	sessionRef
	CallType models.SessionType `json:"call_type"`
}

type AnswerCallEvent struct{ sessionRef }

type DeclineCallEvent struct {
	sessionRef
	Reason string `json:"reason"`
}

type EndCallEvent struct{ sessionRef }

type WebRTCOfferEvent struct {
	sessionRef
	Offer webrtc.SessionDescription `json:"sdp"`
}

type WebRTCCandidateEvent struct {
	sessionRef
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (*JoinSessionEvent) Name() string     { return EventJoinSession }
func (*LeaveSessionEvent) Name() string    { return EventLeaveSession }
func (*SendMessageEvent) Name() string     { return EventSendMessage }
func (*MarkReadEvent) Name() string        { return EventMarkRead }
func (*TypingEvent) Name() string          { return EventTyping }
func (*EndSessionEvent) Name() string      { return EventEndSession }
func (*InitiateCallEvent) Name() string    { return EventInitiateCall }
func (*AnswerCallEvent) Name() string      { return EventAnswerCall }
func (*DeclineCallEvent) Name() string     { return EventDeclineCall }
func (*EndCallEvent) Name() string         { return EventEndCall }
func (*WebRTCOfferEvent) Name() string     { return EventWebRTCOffer }
func (*WebRTCCandidateEvent) Name() string { return EventWebRTCCandidate }

var inboundDecoders = map[string]func() InboundEvent{
	EventJoinSession:     func() InboundEvent { return &JoinSessionEvent{} },
	EventLeaveSession:    func() InboundEvent { return &LeaveSessionEvent{} },
	EventSendMessage:     func() InboundEvent { return &SendMessageEvent{} },
	EventMarkRead:        func() InboundEvent { return &MarkReadEvent{} },
	EventTyping:          func() InboundEvent { return &TypingEvent{} },
	EventEndSession:      func() InboundEvent { return &EndSessionEvent{} },
	EventInitiateCall:    func() InboundEvent { return &InitiateCallEvent{} },
	EventAnswerCall:      func() InboundEvent { return &AnswerCallEvent{} },
	EventDeclineCall:     func() InboundEvent { return &DeclineCallEvent{} },
	EventEndCall:         func() InboundEvent { return &EndCallEvent{} },
	EventWebRTCOffer:     func() InboundEvent { return &WebRTCOfferEvent{} },
	EventWebRTCCandidate: func() InboundEvent { return &WebRTCCandidateEvent{} },
}

// inboundEnvelope 上行消息外层结构，session_id 也可放在 data 内
type inboundEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// DecodeInbound parses a raw websocket frame into its typed event. The returned
// name is set whenever the envelope itself parsed, so callers can report errors
// against it.
func DecodeInbound(raw []byte) (string, InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: invalid message format", ErrValidation)
	}
	name := strings.TrimSpace(env.Type)
	factory, ok := inboundDecoders[name]
	if !ok {
		return name, nil, fmt.Errorf("%w: unknown event %q", ErrValidation, name)
	}

	ev := factory()
	if data := bytes.TrimSpace(env.Data); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, ev); err != nil {
			return name, nil, fmt.Errorf("%w: invalid %s payload", ErrValidation, name)
		}
	}
	if env.SessionID != "" {
		ev.setSession(env.SessionID)
	}
	if ev.Session() == "" {
		return name, nil, fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	return name, ev, nil
}

// IsCallEvent reports whether errors for name are surfaced as call-error.
func IsCallEvent(name string) bool {
	switch name {
	case EventInitiateCall, EventAnswerCall, EventDeclineCall, EventEndCall,
		EventWebRTCOffer, EventWebRTCCandidate:
		return true
	}
	return false
}
