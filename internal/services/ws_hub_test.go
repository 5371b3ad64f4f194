package services

import (
	"context"
	"testing"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeTopic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ccA, ccB := env.pair(t)
	ccX, _ := env.pair(t)
	hub := NewWSHub(env.bus, env.pairing, env.sessions)

	s, _, err := env.sessions.CreateOrGetSession(ctx, ccA, models.ActivityGame, "truth-or-dare")
	require.NoError(t, err)

	tests := []struct {
		name    string
		userID  string
		topic   string
		publish bool
		wantErr error
	}{
		{"own inbox", ccA.UserID, realtime.NotificationTopic(ccA.UserID), false, nil},
		{"partner inbox", ccA.UserID, realtime.NotificationTopic(ccB.UserID), false, models.ErrTopicForbidden},
		{"publish to inbox", ccA.UserID, realtime.NotificationTopic(ccA.UserID), true, models.ErrTopicForbidden},
		{"own sessions", ccB.UserID, realtime.SessionTopic(ccB.CoupleID), false, nil},
		{"publish on couple", ccB.UserID, realtime.CoupleTopic(ccB.CoupleID), true, nil},
		{"other couple", ccX.UserID, realtime.CoupleTopic(ccA.CoupleID), false, models.ErrTopicForbidden},
		{"session chat", ccB.UserID, realtime.ChatTopic(s.ID), false, nil},
		{"publish on chat", ccB.UserID, realtime.ChatTopic(s.ID), true, models.ErrTopicForbidden},
		{"other couple chat", ccX.UserID, realtime.ChatTopic(s.ID), false, models.ErrNotMember},
		{"unknown chat", ccA.UserID, realtime.ChatTopic("missing"), false, models.ErrTopicForbidden},
		{"unknown prefix", ccA.UserID, "presence:" + ccA.CoupleID, false, models.ErrTopicForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hub.AuthorizeTopic(ctx, tt.userID, tt.topic, tt.publish)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthorizeTopicRequiresPairing(t *testing.T) {
	env := newTestEnv(t)
	hub := NewWSHub(env.bus, env.pairing, env.sessions)
	user := env.newUser(t, "Solo")

	err := hub.AuthorizeTopic(context.Background(), user.ID, realtime.CoupleTopic("c1"), false)
	assert.ErrorIs(t, err, models.ErrNotPaired)
}
