package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionType 会话类型
type SessionType string

const (
	SessionTypeChat      SessionType = "chat"
	SessionTypeAudioCall SessionType = "audio-call"
	SessionTypeVideoCall SessionType = "video-call"
)

// Valid reports whether t is one of the known session kinds.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeChat, SessionTypeAudioCall, SessionTypeVideoCall:
		return true
	}
	return false
}

// IsCall reports whether t is an audio or video call.
func (t SessionType) IsCall() bool {
	return t == SessionTypeAudioCall || t == SessionTypeVideoCall
}

// SessionStatus 会话生命周期状态
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionOngoing   SessionStatus = "ongoing"
	SessionEnded     SessionStatus = "ended"
	SessionCanceled  SessionStatus = "canceled"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionScheduled: {SessionOngoing, SessionCanceled},
	SessionOngoing:   {SessionEnded},
}

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionEnded || s == SessionCanceled
}

// CanTransitionTo reports whether s → to is an edge of the session state machine.
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CallStatus 通话状态（显式存储，优先于时间戳推导）
type CallStatus string

const (
	CallNone     CallStatus = "none"
	CallRinging  CallStatus = "ringing"
	CallAnswered CallStatus = "answered"
	CallEnded    CallStatus = "ended"
)

// IsActive reports whether a call is currently ringing or connected.
func (s CallStatus) IsActive() bool {
	return s == CallRinging || s == CallAnswered
}

// End reasons recorded on a session.
const (
	EndReasonByUser       = "ended_by_user"
	EndReasonDeclined     = "declined"
	EndReasonMissed       = "missed"
	EndReasonCanceled     = "canceled"
	EndReasonSessionEnded = "session_ended"
)

// Chat 服务方与客户之间的持久会话关系
type Chat struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ProviderID    uint       `gorm:"not null;uniqueIndex:ux_chats_provider_client,priority:1" json:"provider_id"`
	ClientID      uint       `gorm:"not null;uniqueIndex:ux_chats_provider_client,priority:2;index" json:"client_id"`
	IsActive      bool       `gorm:"not null;default:true" json:"is_active"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsParticipant reports whether userID is the provider or the client.
func (c *Chat) IsParticipant(userID uint) bool {
	return userID != 0 && (c.ProviderID == userID || c.ClientID == userID)
}

// ChatSession 一次聊天/语音/视频交互
type ChatSession struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	ChatID      uint          `gorm:"not null;index:idx_chat_sessions_chat_status,priority:1" json:"chat_id"`
	Token       string        `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	Type        SessionType   `gorm:"type:varchar(16);not null" json:"type"`
	Status      SessionStatus `gorm:"type:varchar(16);not null;default:'scheduled';index:idx_chat_sessions_chat_status,priority:2" json:"status"`
	ProviderID  uint          `gorm:"not null;index" json:"provider_id"`
	ClientID    uint          `gorm:"not null;index" json:"client_id"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Duration    int64         `gorm:"not null;default:0" json:"duration"` // seconds

	ProviderJoinedAt *time.Time `json:"provider_joined_at,omitempty"`
	ClientJoinedAt   *time.Time `json:"client_joined_at,omitempty"`

	CallStatus      CallStatus `gorm:"type:varchar(16);not null;default:'none'" json:"call_status"`
	CallerID        *uint      `json:"caller_id,omitempty"`
	CallInitiatedAt *time.Time `json:"call_initiated_at,omitempty"`
	CallRingingAt   *time.Time `json:"call_ringing_at,omitempty"`
	CallAnsweredAt  *time.Time `json:"call_answered_at,omitempty"`
	CallStartedAt   *time.Time `json:"call_started_at,omitempty"`
	CallEndedAt     *time.Time `json:"call_ended_at,omitempty"`
	EndedBy         *uint      `json:"ended_by,omitempty"`
	EndReason       string     `gorm:"type:varchar(64)" json:"end_reason,omitempty"`

	MediaChannel           string     `gorm:"type:varchar(128)" json:"media_channel,omitempty"`
	MediaAppID             string     `gorm:"type:varchar(128)" json:"-"`
	CallerToken            string     `gorm:"type:text" json:"-"`
	CallerTokenExpiresAt   *time.Time `json:"-"`
	ReceiverToken          string     `gorm:"type:text" json:"-"`
	ReceiverTokenExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsParticipant reports whether userID is one of the two session parties.
func (s *ChatSession) IsParticipant(userID uint) bool {
	return userID != 0 && (s.ProviderID == userID || s.ClientID == userID)
}

// OtherParty returns the counterpart of userID, or 0 if userID is not a participant.
func (s *ChatSession) OtherParty(userID uint) uint {
	switch userID {
	case s.ProviderID:
		return s.ClientID
	case s.ClientID:
		return s.ProviderID
	}
	return 0
}

// HasJoin reports whether any participant join has been recorded.
func (s *ChatSession) HasJoin() bool {
	return s.ProviderJoinedAt != nil || s.ClientJoinedAt != nil
}

// Participants returns provider and client ids.
func (s *ChatSession) Participants() []uint {
	return []uint{s.ProviderID, s.ClientID}
}

// MessageStatus 消息投递状态
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

var messageRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// CanTransitionTo enforces monotonic delivery progress; failed is terminal and
// only reachable before delivery.
func (s MessageStatus) CanTransitionTo(to MessageStatus) bool {
	if s == MessageFailed {
		return false
	}
	if to == MessageFailed {
		return s == MessagePending || s == MessageSent
	}
	from, ok := messageRank[s]
	if !ok {
		return false
	}
	next, ok := messageRank[to]
	return ok && next == from+1
}

// MessageDirection 消息方向
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
	DirectionSystem   MessageDirection = "system"
)

// MessageType 消息类型
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// FileAttachment is stored as JSON alongside the message; the file itself lives
// in external upload storage.
type FileAttachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChatMessage 会话内消息
type ChatMessage struct {
	ID            uint                                `gorm:"primaryKey" json:"id"`
	SessionID     uint                                `gorm:"not null;index;uniqueIndex:ux_chat_messages_session_external,priority:1" json:"-"`
	ChatID        uint                                `gorm:"not null;index" json:"chat_id"`
	SenderID      *uint                               `gorm:"index" json:"sender_id,omitempty"`
	ReceiverID    *uint                               `json:"receiver_id,omitempty"`
	Direction     MessageDirection                    `gorm:"type:varchar(16);not null" json:"direction"`
	Type          MessageType                         `gorm:"type:varchar(16);not null;default:'text'" json:"type"`
	Content       string                              `gorm:"type:text" json:"content"`
	Attachment    *datatypes.JSONType[FileAttachment] `json:"attachment,omitempty"`
	ExternalID    *string                             `gorm:"type:varchar(128);uniqueIndex:ux_chat_messages_session_external,priority:2" json:"client_message_id,omitempty"`
	Status        MessageStatus                       `gorm:"type:varchar(16);not null;index" json:"status"`
	SentAt        *time.Time                          `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time                          `json:"delivered_at,omitempty"`
	ReadAt        *time.Time                          `json:"read_at,omitempty"`
	FailedAt      *time.Time                          `json:"failed_at,omitempty"`
	FailureReason string                              `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	CreatedAt     time.Time                           `json:"created_at"`
}

// LifecycleEvent is handed to the external notification pipeline.
type LifecycleEvent struct {
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session_id,omitempty"`
	ChatID     uint                   `json:"chat_id,omitempty"`
	UserIDs    []uint                 `json:"user_ids,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Lifecycle event types.
const (
	EventSessionEnded   = "session.ended"
	EventCallMissed     = "call.missed"
	EventMessageOffline = "message.offline"
)
