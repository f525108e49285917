package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"liveconsult/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chat, err := env.sessions.GetOrCreateChat(ctx, testProvider, testClient)
	require.NoError(t, err)
	assert.True(t, chat.IsActive)

	again, err := env.sessions.GetOrCreateChat(ctx, testProvider, testClient)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, again.ID)

	_, err = env.sessions.GetOrCreateChat(ctx, testProvider, testProvider)
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = env.sessions.GetOrCreateChat(ctx, 0, testClient)
	assert.True(t, errors.Is(err, ErrValidation))

	chats, err := env.sessions.ListChatsForUser(ctx, testClient)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestCreateSession_ReturnsExistingActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat, err := env.sessions.GetOrCreateChat(ctx, testProvider, testClient)
	require.NoError(t, err)

	first, created, err := env.sessions.CreateSession(ctx, chat.ID, testClient, models.SessionTypeChat, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.SessionScheduled, first.Status)
	assert.Len(t, first.Token, 26)
	assert.Equal(t, models.CallNone, first.CallStatus)

	second, created, err := env.sessions.CreateSession(ctx, chat.ID, testProvider, models.SessionTypeVideoCall, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.SessionTypeChat, second.Type)
}

func TestCreateSession_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat, err := env.sessions.GetOrCreateChat(ctx, testProvider, testClient)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := env.sessions.CreateSession(ctx, chat.ID, testClient, models.SessionTypeChat, nil)
			if err == nil {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var n int64
	env.db.Model(&models.ChatSession{}).Where("chat_id = ?", chat.ID).Count(&n)
	assert.EqualValues(t, 1, n)
}

func TestCreateSession_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chat, err := env.sessions.GetOrCreateChat(ctx, testProvider, testClient)
	require.NoError(t, err)

	_, _, err = env.sessions.CreateSession(ctx, chat.ID, testOutsider, models.SessionTypeChat, nil)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	_, _, err = env.sessions.CreateSession(ctx, chat.ID, testClient, "screen-share", nil)
	assert.True(t, errors.Is(err, ErrValidation))

	_, _, err = env.sessions.CreateSession(ctx, 12345, testClient, models.SessionTypeChat, nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = env.sessions.DeactivateChat(ctx, chat.ID, testProvider)
	require.NoError(t, err)
	_, _, err = env.sessions.CreateSession(ctx, chat.ID, testClient, models.SessionTypeChat, nil)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestRecordJoin_StartsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.newSession(t, models.SessionTypeChat)

	joined, err := env.sessions.RecordJoin(ctx, sess.ID, testClient)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOngoing, joined.Status)
	require.NotNil(t, joined.StartedAt)
	require.NotNil(t, joined.ClientJoinedAt)
	assert.Nil(t, joined.ProviderJoinedAt)

	// joining twice keeps the first join time
	again, err := env.sessions.RecordJoin(ctx, sess.ID, testClient)
	require.NoError(t, err)
	assert.True(t, joined.ClientJoinedAt.Equal(*again.ClientJoinedAt))

	_, err = env.sessions.RecordJoin(ctx, sess.ID, testOutsider)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.ongoingChat(t)

	ended, err := env.sessions.EndSession(ctx, sess.ID, testProvider, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, ended.Status)
	assert.Equal(t, models.EndReasonByUser, ended.EndReason)
	require.NotNil(t, ended.EndedBy)
	assert.Equal(t, testProvider, *ended.EndedBy)
	require.NotNil(t, ended.EndedAt)
	assert.False(t, ended.EndedAt.Before(*ended.StartedAt))
	assert.GreaterOrEqual(t, ended.Duration, int64(0))

	_, err = env.sessions.EndSession(ctx, sess.ID, testProvider, "")
	assert.True(t, errors.Is(err, ErrInvalidState), "terminal sessions stay terminal")
	_, err = env.sessions.RecordJoin(ctx, sess.ID, testClient)
	assert.True(t, errors.Is(err, ErrInvalidState))

	// a new session may be opened once the previous one ended
	next, created, err := env.sessions.CreateSession(ctx, sess.ChatID, testClient, models.SessionTypeChat, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, sess.ID, next.ID)
}

func TestEndSession_BeforeJoinCancels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.newSession(t, models.SessionTypeChat)

	canceled, err := env.sessions.EndSession(ctx, sess.ID, testClient, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCanceled, canceled.Status)
	assert.Equal(t, models.EndReasonCanceled, canceled.EndReason)
	assert.Nil(t, canceled.StartedAt)
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.newSession(t, models.SessionTypeChat)
	_, err := env.sessions.CancelSession(ctx, sess.ID, testOutsider)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	canceled, err := env.sessions.CancelSession(ctx, sess.ID, testProvider)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCanceled, canceled.Status)

	started := env.ongoingChat(t)
	_, err = env.sessions.CancelSession(ctx, started.ID, testProvider)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestActiveSessionsForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.ongoingChat(t)

	active, err := env.sessions.ActiveSessionsForUser(ctx, testClient)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, sess.ID, active[0].ID)

	_, err = env.sessions.EndSession(ctx, sess.ID, testClient, "")
	require.NoError(t, err)
	active, err = env.sessions.ActiveSessionsForUser(ctx, testClient)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestGetSessionByToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.newSession(t, models.SessionTypeChat)

	got, err := env.sessions.GetSessionByToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = env.sessions.GetSessionByToken(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = env.sessions.GetSessionByToken(ctx, "")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestSessionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to models.SessionStatus
		ok       bool
	}{
		{models.SessionScheduled, models.SessionOngoing, true},
		{models.SessionScheduled, models.SessionCanceled, true},
		{models.SessionScheduled, models.SessionEnded, false},
		{models.SessionOngoing, models.SessionEnded, true},
		{models.SessionOngoing, models.SessionCanceled, false},
		{models.SessionEnded, models.SessionOngoing, false},
		{models.SessionCanceled, models.SessionScheduled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
