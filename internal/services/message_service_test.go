package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"liveconsult/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage_DeliveredWithOrderedTimestamps(t *testing.T) {
	env := newTestEnv(t)
	b := newRecordingBroadcaster()
	b.online[testProvider] = true
	pub := &recordingPublisher{}
	env.messages.SetBroadcaster(b)
	env.messages.SetPublisher(pub)
	sess := env.ongoingChat(t)

	msg, dup, err := env.messages.SendMessage(context.Background(), SendMessageRequest{
		SessionID: sess.ID,
		SenderID:  testClient,
		Content:   "hello doctor",
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, models.MessageDelivered, msg.Status)
	assert.Equal(t, models.DirectionInbound, msg.Direction)
	assert.Equal(t, models.MessageTypeText, msg.Type)
	require.NotNil(t, msg.SentAt)
	require.NotNil(t, msg.DeliveredAt)
	assert.False(t, msg.DeliveredAt.Before(*msg.SentAt))
	require.NotNil(t, msg.ReceiverID)
	assert.Equal(t, testProvider, *msg.ReceiverID)

	events := b.sessionEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventNewMessage, events[0].Type)
	assert.Equal(t, sess.Token, events[0].SessionID)
	assert.Empty(t, pub.types(), "receiver online, no offline notification")

	chat, err := env.sessions.GetChat(context.Background(), sess.ChatID)
	require.NoError(t, err)
	assert.NotNil(t, chat.LastMessageAt)
}

func TestSendMessage_ProviderIsOutboundAndOfflineNotified(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}
	env.messages.SetBroadcaster(newRecordingBroadcaster())
	env.messages.SetPublisher(pub)
	sess := env.ongoingChat(t)

	msg, _, err := env.messages.SendMessage(context.Background(), SendMessageRequest{
		SessionID: sess.ID,
		SenderID:  testProvider,
		Content:   "take two a day",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	assert.Equal(t, []string{models.EventMessageOffline}, pub.types())
}

func TestSendMessage_DuplicateClientMessageID(t *testing.T) {
	env := newTestEnv(t)
	b := newRecordingBroadcaster()
	env.messages.SetBroadcaster(b)
	sess := env.ongoingChat(t)
	ctx := context.Background()

	req := SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: "once", ExternalID: "c-1"}
	first, dup, err := env.messages.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := env.messages.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, b.sessionEvents(), 1, "duplicates are not broadcast again")

	var n int64
	env.db.Model(&models.ChatMessage{}).Where("session_id = ?", sess.ID).Count(&n)
	assert.EqualValues(t, 1, n)
}

func TestSendMessage_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.ongoingChat(t)
	scheduled := func() *models.ChatSession {
		chat, err := env.sessions.GetOrCreateChat(ctx, testProvider, 30)
		require.NoError(t, err)
		s, _, err := env.sessions.CreateSession(ctx, chat.ID, testProvider, models.SessionTypeChat, nil)
		require.NoError(t, err)
		return s
	}()

	tests := []struct {
		name string
		req  SendMessageRequest
		want error
	}{
		{"empty text", SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: "   "}, ErrValidation},
		{"image without url", SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Type: models.MessageTypeImage}, ErrValidation},
		{"system type", SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Type: models.MessageTypeSystem, Content: "x"}, ErrValidation},
		{"too long", SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: strings.Repeat("字", 4001)}, ErrValidation},
		{"outsider", SendMessageRequest{SessionID: sess.ID, SenderID: testOutsider, Content: "hi"}, ErrUnauthorized},
		{"unknown session", SendMessageRequest{SessionID: 9999, SenderID: testClient, Content: "hi"}, ErrNotFound},
		{"not started", SendMessageRequest{SessionID: scheduled.ID, SenderID: testProvider, Content: "hi"}, ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.messages.SendMessage(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := env.sessions.EndSession(ctx, sess.ID, testClient, "")
	require.NoError(t, err)
	_, _, err = env.messages.SendMessage(ctx, SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: "late"})
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestSendMessage_Attachment(t *testing.T) {
	env := newTestEnv(t)
	sess := env.ongoingChat(t)

	msg, _, err := env.messages.SendMessage(context.Background(), SendMessageRequest{
		SessionID: sess.ID,
		SenderID:  testClient,
		Type:      models.MessageTypeFile,
		Attachment: &models.FileAttachment{
			URL:      "https://files.example.com/report.pdf",
			Name:     "report.pdf",
			MimeType: "application/pdf",
		},
	})
	require.NoError(t, err)

	var stored models.ChatMessage
	require.NoError(t, env.db.First(&stored, msg.ID).Error)
	require.NotNil(t, stored.Attachment)
	assert.Equal(t, "report.pdf", stored.Attachment.Data().Name)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	b := newRecordingBroadcaster()
	env.messages.SetBroadcaster(b)
	sess := env.ongoingChat(t)
	ctx := context.Background()

	var ids []uint
	for _, text := range []string{"one", "two"} {
		msg, _, err := env.messages.SendMessage(ctx, SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: text})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	own, _, err := env.messages.SendMessage(ctx, SendMessageRequest{SessionID: sess.ID, SenderID: testProvider, Content: "reply"})
	require.NoError(t, err)

	unread, err := env.messages.UnreadCount(ctx, sess.ChatID, testProvider)
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread)

	// own messages are never marked read by their sender
	n, err := env.messages.MarkRead(ctx, sess.ID, testProvider, []uint{own.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = env.messages.MarkRead(ctx, sess.ID, testProvider, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var stored models.ChatMessage
	require.NoError(t, env.db.First(&stored, ids[0]).Error)
	assert.Equal(t, models.MessageRead, stored.Status)
	require.NotNil(t, stored.ReadAt)
	assert.False(t, stored.ReadAt.Before(*stored.DeliveredAt))

	// nothing left to mark
	n, err = env.messages.MarkRead(ctx, sess.ID, testProvider, ids)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	last := b.sessionEvents()[len(b.sessionEvents())-1]
	assert.Equal(t, EventMessagesRead, last.Type)

	_, err = env.messages.MarkRead(ctx, sess.ID, testOutsider, nil)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestSendSystemMessage_AfterEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.ongoingChat(t)
	_, err := env.sessions.EndSession(ctx, sess.ID, testClient, "")
	require.NoError(t, err)

	msg, err := env.messages.SendSystemMessage(ctx, sess.ID, "Session ended")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSystem, msg.Direction)
	assert.Equal(t, models.MessageTypeSystem, msg.Type)
	assert.Equal(t, models.MessageDelivered, msg.Status)
	assert.Nil(t, msg.SenderID)

	_, err = env.messages.SendSystemMessage(ctx, sess.ID, "")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestMarkFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.ongoingChat(t)

	pending := &models.ChatMessage{
		SessionID: sess.ID,
		ChatID:    sess.ChatID,
		Direction: models.DirectionInbound,
		Type:      models.MessageTypeText,
		Content:   "stuck",
		Status:    models.MessageSent,
	}
	require.NoError(t, env.db.Create(pending).Error)

	failed, err := env.messages.MarkFailed(ctx, pending.ID, "push gateway timeout")
	require.NoError(t, err)
	assert.Equal(t, models.MessageFailed, failed.Status)
	assert.Equal(t, "push gateway timeout", failed.FailureReason)
	assert.NotNil(t, failed.FailedAt)

	_, err = env.messages.MarkFailed(ctx, pending.ID, "again")
	assert.True(t, errors.Is(err, ErrInvalidState), "failed is terminal")

	delivered, _, err := env.messages.SendMessage(ctx, SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: "ok"})
	require.NoError(t, err)
	_, err = env.messages.MarkFailed(ctx, delivered.ID, "late")
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, err = env.messages.MarkFailed(ctx, 424242, "x")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListMessages_Paging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.ongoingChat(t)

	var ids []uint
	for i := 0; i < 5; i++ {
		msg, _, err := env.messages.SendMessage(ctx, SendMessageRequest{SessionID: sess.ID, SenderID: testClient, Content: "m"})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	page, err := env.messages.ListMessages(ctx, sess.ID, testProvider, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	older, err := env.messages.ListMessages(ctx, sess.ID, testProvider, 10, page[0].ID)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, ids[0], older[0].ID)

	_, err = env.messages.ListMessages(ctx, sess.ID, testOutsider, 10, 0)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestMessageStatus_Monotonic(t *testing.T) {
	assert.True(t, models.MessagePending.CanTransitionTo(models.MessageSent))
	assert.True(t, models.MessageSent.CanTransitionTo(models.MessageDelivered))
	assert.True(t, models.MessageDelivered.CanTransitionTo(models.MessageRead))
	assert.True(t, models.MessageSent.CanTransitionTo(models.MessageFailed))

	assert.False(t, models.MessagePending.CanTransitionTo(models.MessageDelivered))
	assert.False(t, models.MessageRead.CanTransitionTo(models.MessageDelivered))
	assert.False(t, models.MessageDelivered.CanTransitionTo(models.MessageFailed))
	assert.False(t, models.MessageFailed.CanTransitionTo(models.MessageSent))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	// é is two bytes and must not be split
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "aé", truncate("aé", 3))
	long := strings.Repeat("ü", 200)
	got := truncate(long, 255)
	assert.Len(t, got, 254)
	assert.Equal(t, strings.Repeat("ü", 127), got)
}
