package services

import (
	"context"
	"testing"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/push"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifySessionInvite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ccA, ccB := env.pair(t)
	require.NoError(t, env.users.UpdatePushToken(ctx, ccB.UserID, "device-b", models.PushPlatformIOS))

	s, _, err := env.sessions.CreateOrGetSession(ctx, ccA, models.ActivityGame, "truth-or-dare")
	require.NoError(t, err)

	inbox, err := env.bus.Subscribe(ctx, realtime.NotificationTopic(ccB.UserID), nil)
	require.NoError(t, err)
	defer inbox.Close()

	n, created, err := env.notifications.NotifySessionInvite(ctx, ccA, s.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ccB.UserID, n.RecipientUserID)
	assert.Equal(t, models.NotificationSessionInvite, n.Type)
	assert.Equal(t, map[string]string{
		"session_id":    s.ID,
		"activity_type": "game",
		"activity_id":   "truth-or-dare",
		"mode":          "remote",
		"link":          "wesal://game/truth-or-dare?mode=remote",
	}, n.Data)

	event := nextEvent(t, inbox)
	assert.Equal(t, n.ID, event.Change.Columns["id"])
	assert.Equal(t, 1, env.pusher.count())

	again, created, err := env.notifications.NotifySessionInvite(ctx, ccA, s.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, n.ID, again.ID)
	assert.Equal(t, 1, env.pusher.count())

	items, err := env.notifications.List(ctx, ccB.UserID, 0, false)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestNotifySessionInviteOnlyByCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ccA, ccB := env.pair(t)

	s, _, err := env.sessions.CreateOrGetSession(ctx, ccA, models.ActivityGame, "truth-or-dare")
	require.NoError(t, err)

	_, _, err = env.notifications.NotifySessionInvite(ctx, ccB, s.ID)
	assert.ErrorIs(t, err, models.ErrNotSessionCreator)

	_, _, err = env.notifications.NotifySessionInvite(ctx, ccA, "missing")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = env.sessions.CloseSession(ctx, ccA, s.ID, models.CloseFinished)
	require.NoError(t, err)
	_, _, err = env.notifications.NotifySessionInvite(ctx, ccA, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionClosed)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ccA, ccB := env.pair(t)

	s, _, err := env.sessions.CreateOrGetSession(ctx, ccA, models.ActivityJourney, "first-date")
	require.NoError(t, err)
	n, _, err := env.notifications.NotifySessionInvite(ctx, ccA, s.ID)
	require.NoError(t, err)

	err = env.notifications.MarkRead(ctx, ccA.UserID, n.ID)
	assert.ErrorIs(t, err, models.ErrNotificationNotFound)

	require.NoError(t, env.notifications.MarkRead(ctx, ccB.UserID, n.ID))

	unread, err := env.notifications.List(ctx, ccB.UserID, 10, true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := env.notifications.List(ctx, ccB.UserID, 10, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsRead)
	assert.NotNil(t, all[0].ReadAt)
}

func TestInvalidPushTokenIsCleared(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ccA, ccB := env.pair(t)
	require.NoError(t, env.users.UpdatePushToken(ctx, ccB.UserID, "stale", models.PushPlatformAndroid))
	env.pusher.err = push.ErrInvalidToken

	s, _, err := env.sessions.CreateOrGetSession(ctx, ccA, models.ActivityGame, "truth-or-dare")
	require.NoError(t, err)
	_, _, err = env.notifications.NotifySessionInvite(ctx, ccA, s.ID)
	require.NoError(t, err)

	user, err := env.users.GetUser(ctx, ccB.UserID)
	require.NoError(t, err)
	assert.Nil(t, user.PushToken)
}
