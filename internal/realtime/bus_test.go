package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFilterMatches(t *testing.T) {
	change := Event{Kind: KindChange, Change: &Change{Columns: map[string]string{"id": "s1", "couple_id": "c1"}}}

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty filter", nil, change, true},
		{"matching column", Filter{"id": "s1"}, change, true},
		{"all columns", Filter{"id": "s1", "couple_id": "c1"}, change, true},
		{"different value", Filter{"id": "s2"}, change, false},
		{"missing column", Filter{"activity_id": "x"}, change, false},
		{"broadcast", Filter{"id": "s2"}, Event{Kind: KindBroadcast}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.event))
		})
	}
}

func TestEmitChangeRespectsFilter(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	all, err := bus.Subscribe(ctx, SessionTopic("c1"), nil)
	require.NoError(t, err)
	defer all.Close()
	one, err := bus.Subscribe(ctx, SessionTopic("c1"), Filter{"id": "s2"})
	require.NoError(t, err)
	defer one.Close()

	n := bus.EmitChange(SessionTopic("c1"), Change{Table: "sessions", Type: ChangeInsert, Columns: map[string]string{"id": "s1"}})
	assert.Equal(t, 1, n)
	n = bus.EmitChange(SessionTopic("c1"), Change{Table: "sessions", Type: ChangeUpdate, Columns: map[string]string{"id": "s2"}})
	assert.Equal(t, 2, n)

	assert.Equal(t, "s1", receive(t, all).Change.Columns["id"])
	assert.Equal(t, "s2", receive(t, all).Change.Columns["id"])
	e := receive(t, one)
	assert.Equal(t, ChangeUpdate, e.Change.Type)
	assert.Equal(t, SessionTopic("c1"), e.Topic)
}

func TestPublishBroadcast(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe(context.Background(), CoupleTopic("c1"), nil)
	require.NoError(t, err)
	defer sub.Close()

	n, err := bus.Publish(CoupleTopic("c1"), "u1", map[string]string{"type": "hug"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = bus.Publish(CoupleTopic("c2"), "u1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Zero(t, n)

	e := receive(t, sub)
	assert.Equal(t, KindBroadcast, e.Kind)
	assert.Equal(t, "u1", e.Sender)
	assert.JSONEq(t, `{"type":"hug"}`, string(e.Payload))
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus(WithBufferSize(2))
	ctx := context.Background()

	slow, err := bus.Subscribe(ctx, CoupleTopic("c1"), nil)
	require.NoError(t, err)
	fast, err := bus.Subscribe(ctx, CoupleTopic("c1"), nil)
	require.NoError(t, err)
	defer fast.Close()

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(CoupleTopic("c1"), "u1", i)
		require.NoError(t, err)
		receive(t, fast)
	}

	// The two buffered events are still readable before the channel closes.
	receive(t, slow)
	receive(t, slow)
	_, ok := <-slow.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, slow.Err(), models.ErrSubscriptionDropped)
	assert.Equal(t, 1, bus.SubscriberCount(CoupleTopic("c1")))
}

func TestSubscriptionReleasedWithContext(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx, ChatTopic("s1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount(ChatTopic("s1")))

	cancel()
	assert.Eventually(t, func() bool {
		return bus.SubscriberCount(ChatTopic("s1")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, sub.Err())

	_, err = bus.Subscribe(ctx, ChatTopic("s1"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe(context.Background(), NotificationTopic("u1"), nil)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Zero(t, bus.SubscriberCount(NotificationTopic("u1")))
	assert.Zero(t, bus.EmitChange(NotificationTopic("u1"), Change{Type: ChangeInsert}))
}

func TestShutdownDropsEveryone(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	a, err := bus.Subscribe(ctx, CoupleTopic("c1"), nil)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx, SessionTopic("c2"), nil)
	require.NoError(t, err)

	bus.Shutdown()

	assert.ErrorIs(t, a.Err(), models.ErrSubscriptionDropped)
	assert.ErrorIs(t, b.Err(), models.ErrSubscriptionDropped)
	_, err = bus.Subscribe(ctx, "", nil)
	assert.Error(t, err)
}
