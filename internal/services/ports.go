package services

import (
	"context"

	"liveconsult/internal/models"
)

// SessionBroadcaster pushes server events to live transports. WebSocketHub is
// the production implementation; calls must not block on the network.
type SessionBroadcaster interface {
	BroadcastToSession(sessionID uint, msg WebSocketMessage)
	SendToUser(userID uint, msg WebSocketMessage)
	IsOnline(userID uint) bool
}

// PresenceStore mirrors who is connected for other processes.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID uint, connID string) error
	SetOffline(ctx context.Context, userID uint, connID string) error
	Refresh(ctx context.Context, userID uint, connID string) error
	IsOnline(ctx context.Context, userID uint) (bool, error)
}

// EventPublisher forwards lifecycle events to the notification pipeline.
type EventPublisher interface {
	Publish(ctx context.Context, event models.LifecycleEvent) error
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastToSession(uint, WebSocketMessage) {}
func (noopBroadcaster) SendToUser(uint, WebSocketMessage)         {}
func (noopBroadcaster) IsOnline(uint) bool                        { return false }

// NoopPresence is used when redis is disabled.
type NoopPresence struct{}

func (NoopPresence) SetOnline(context.Context, uint, string) error  { return nil }
func (NoopPresence) SetOffline(context.Context, uint, string) error { return nil }
func (NoopPresence) Refresh(context.Context, uint, string) error    { return nil }
func (NoopPresence) IsOnline(context.Context, uint) (bool, error)   { return false, nil }

// NoopPublisher is used when rabbitmq is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.LifecycleEvent) error { return nil }
