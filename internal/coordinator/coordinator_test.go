package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository/sqlite"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fixture struct {
	bus           *realtime.Bus
	sessions      *services.SessionService
	notifications *services.NotificationService
	backend       *LocalBackend
	ccA, ccB      models.CoupleContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "wesal.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	bus := realtime.NewBus()
	users := services.NewUserService(store, "test-secret")
	pairing := services.NewPairingService(store, bus, 24*time.Hour)
	sessions := services.NewSessionService(store, bus, nil)
	notifications := services.NewNotificationService(store, bus, nil)

	a, err := users.CreateUser(ctx, "Amal")
	require.NoError(t, err)
	b, err := users.CreateUser(ctx, "Badr")
	require.NoError(t, err)
	code, err := pairing.GenerateCode(ctx, a.ID)
	require.NoError(t, err)
	_, err = pairing.AcceptCode(ctx, b.ID, code.Code)
	require.NoError(t, err)
	ccA, err := pairing.CoupleContext(ctx, a.ID)
	require.NoError(t, err)
	ccB, err := pairing.CoupleContext(ctx, b.ID)
	require.NoError(t, err)

	return &fixture{
		bus:           bus,
		sessions:      sessions,
		notifications: notifications,
		backend:       &LocalBackend{Sessions: sessions, Notifications: notifications, Bus: bus},
		ccA:           ccA,
		ccB:           ccB,
	}
}

func fastRetry() Option {
	return WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) })
}

func (f *fixture) open(t *testing.T, backend Backend, cc models.CoupleContext, mode Mode) *Coordinator {
	t.Helper()
	c := New(backend, cc, models.ActivityGame, "truth-or-dare", fastRetry())
	t.Cleanup(c.Leave)
	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.InitSession(context.Background(), mode))
	return c
}

func eventually(t *testing.T, c *Coordinator, cond func(Snapshot) bool) {
	t.Helper()
	assert.Eventually(t, func() bool { return cond(c.Snapshot()) }, waitFor, 5*time.Millisecond)
}

func TestLocalMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var seen []Phase
	c := New(f.backend, f.ccA, models.ActivityJourney, "first-date", WithOnChange(func(s Snapshot) {
		seen = append(seen, s.Phase)
	}))
	defer c.Leave()

	assert.ErrorIs(t, c.UpdateState(ctx, models.State{"x": 1}), ErrInvalidPhase)
	require.NoError(t, c.Open(ctx))
	assert.ErrorIs(t, c.Open(ctx), ErrInvalidPhase)
	assert.ErrorIs(t, c.InitSession(ctx, "split-screen"), ErrInvalidMode)
	require.NoError(t, c.InitSession(ctx, ModeLocal))

	require.NoError(t, c.UpdateState(ctx, models.State{"stepIndex": 1}))
	require.NoError(t, c.SendChat(ctx, "hi"))
	assert.ErrorIs(t, c.Reject(ctx), ErrInvalidPhase)
	require.NoError(t, c.Finish(ctx))

	snap := c.Snapshot()
	assert.Equal(t, PhaseFinished, snap.Phase)
	assert.Equal(t, ModeLocal, snap.Mode)
	assert.Empty(t, snap.SessionID)
	assert.Equal(t, float64(1), snap.State["stepIndex"])
	assert.Len(t, snap.Chat, 1)
	assert.Equal(t, []Phase{PhaseModeSelection, PhaseLocal, PhaseLocal, PhaseLocal, PhaseFinished}, seen)
}

func TestRemoteJoinAndSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.open(t, f.backend, f.ccA, ModeRemote)
	snapA := a.Snapshot()
	assert.Equal(t, PhaseRemoteWaiting, snapA.Phase)
	assert.True(t, snapA.IsCreator)

	inbox, err := f.notifications.List(ctx, f.ccB.UserID, 10, false)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, snapA.SessionID, inbox[0].Data["session_id"])

	b := f.open(t, f.backend, f.ccB, ModeRemote)
	snapB := b.Snapshot()
	assert.Equal(t, snapA.SessionID, snapB.SessionID)
	assert.False(t, snapB.IsCreator)

	require.NoError(t, b.UpdateState(ctx, models.State{"question": "q1"}))
	eventually(t, a, func(s Snapshot) bool {
		return s.Phase == PhaseRemoteActive && s.State["question"] == "q1"
	})

	require.NoError(t, a.UpdateState(ctx, models.State{"answer": "yes"}))
	eventually(t, b, func(s Snapshot) bool { return s.Phase == PhaseRemoteActive })
	require.NoError(t, b.SendChat(ctx, "nice"))

	// Both devices converge on the same row.
	eventually(t, a, func(s Snapshot) bool { return s.Version == b.Snapshot().Version && len(s.Chat) == 1 })
	assert.Equal(t, a.Snapshot().State, b.Snapshot().State)
	assert.Equal(t, models.State{"question": "q1", "answer": "yes"}, b.Snapshot().State)

	// Only one invite, even though the partner joined too.
	inbox, err = f.notifications.List(ctx, f.ccB.UserID, 10, false)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestPartnerFinishEndsBothDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.backend, f.ccA, ModeRemote)
	b := f.open(t, f.backend, f.ccB, ModeRemote)

	require.NoError(t, b.Finish(ctx))
	assert.Equal(t, PhaseFinished, b.Snapshot().Phase)
	eventually(t, a, func(s Snapshot) bool {
		return s.Phase == PhaseFinished && s.CloseReason == models.CloseFinished
	})

	assert.ErrorIs(t, a.UpdateState(ctx, models.State{"x": 1}), ErrInvalidPhase)
	assert.ErrorIs(t, a.Finish(ctx), ErrInvalidPhase)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.backend, f.ccA, ModeRemote)
	b := f.open(t, f.backend, f.ccB, ModeRemote)

	assert.ErrorIs(t, a.Reject(ctx), models.ErrCannotReject)
	require.NoError(t, b.Reject(ctx))

	eventually(t, a, func(s Snapshot) bool {
		return s.Phase == PhaseFinished && s.CloseReason == models.CloseRejected
	})
}

func TestLeaveKeepsSessionOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.backend, f.ccA, ModeRemote)
	sessionID := a.Snapshot().SessionID

	a.Leave()
	a.Leave()
	assert.Zero(t, f.bus.SubscriberCount(realtime.SessionTopic(f.ccA.CoupleID)))
	assert.ErrorIs(t, a.UpdateState(ctx, models.State{"x": 1}), ErrLeft)

	session, err := f.sessions.GetSession(ctx, f.ccA, sessionID)
	require.NoError(t, err)
	assert.True(t, session.IsLive())

	// Coming back later resumes the same session.
	again := f.open(t, f.backend, f.ccA, ModeRemote)
	assert.Equal(t, sessionID, again.Snapshot().SessionID)
}

func TestRememberedModeInitializesOnOpen(t *testing.T) {
	f := newFixture(t)
	prefs := NewMemoryPreferences()

	first := f.open(t, f.backend, f.ccA, ModeRemote)
	first.Leave()

	c := New(f.backend, f.ccA, models.ActivityGame, "truth-or-dare", WithPreferences(prefs), fastRetry())
	defer c.Leave()
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, PhaseModeSelection, c.Snapshot().Phase)

	prefs.Remember(models.ActivityGame, ModeRemote)
	d := New(f.backend, f.ccA, models.ActivityGame, "truth-or-dare", WithPreferences(prefs), fastRetry())
	defer d.Leave()
	require.NoError(t, d.Open(context.Background()))
	assert.Equal(t, PhaseRemoteWaiting, d.Snapshot().Phase)
	assert.Equal(t, first.Snapshot().SessionID, d.Snapshot().SessionID)
}

func TestReconnectRefetchesMissedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.backend, f.ccA, ModeRemote)
	sessionID := a.Snapshot().SessionID
	topic := realtime.SessionTopic(f.ccA.CoupleID)

	f.bus.DropTopic(topic)
	// Written while the subscription may be down; only a re-read can see it.
	_, err := f.sessions.UpdateState(ctx, f.ccB, sessionID, models.State{"stepIndex": float64(7)})
	require.NoError(t, err)

	eventually(t, a, func(s Snapshot) bool {
		return !s.Reconnecting && s.State["stepIndex"] == float64(7)
	})
	assert.Equal(t, 1, f.bus.SubscriberCount(topic))
	assert.NoError(t, a.Snapshot().Err)

	_, err = f.sessions.UpdateState(ctx, f.ccB, sessionID, models.State{"stepIndex": float64(8)})
	require.NoError(t, err)
	eventually(t, a, func(s Snapshot) bool { return s.State["stepIndex"] == float64(8) })
}

type flakyBackend struct {
	*LocalBackend
	createErr   error
	createCalls atomic.Int32
	updateErr   error
}

func (b *flakyBackend) CreateOrGetSession(ctx context.Context, cc models.CoupleContext, activityType models.ActivityType, activityID string) (*models.Session, bool, error) {
	b.createCalls.Add(1)
	if b.createErr != nil {
		return nil, false, b.createErr
	}
	return b.LocalBackend.CreateOrGetSession(ctx, cc, activityType, activityID)
}

func (b *flakyBackend) UpdateState(ctx context.Context, cc models.CoupleContext, sessionID string, patch models.State) (*models.Session, error) {
	if b.updateErr != nil {
		return nil, b.updateErr
	}
	return b.LocalBackend.UpdateState(ctx, cc, sessionID, patch)
}

func TestCreateFailureStaysInModeSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	backend := &flakyBackend{LocalBackend: f.backend, createErr: errors.New("connection reset")}
	c := New(backend, f.ccA, models.ActivityGame, "truth-or-dare", fastRetry(), WithMaxTries(3))
	defer c.Leave()
	require.NoError(t, c.Open(ctx))

	err := c.InitSession(ctx, ModeRemote)
	assert.ErrorIs(t, err, models.ErrSessionCreateFailed)
	assert.Equal(t, int32(3), backend.createCalls.Load())
	snap := c.Snapshot()
	assert.Equal(t, PhaseModeSelection, snap.Phase)
	assert.ErrorIs(t, snap.Err, models.ErrSessionCreateFailed)

	backend.createErr = models.ErrNotPaired
	backend.createCalls.Store(0)
	err = c.InitSession(ctx, ModeRemote)
	assert.ErrorIs(t, err, models.ErrNotPaired)
	assert.Equal(t, int32(1), backend.createCalls.Load())

	// The user may pick again once the backend recovers.
	backend.createErr = nil
	require.NoError(t, c.InitSession(ctx, ModeRemote))
	assert.Equal(t, PhaseRemoteWaiting, c.Snapshot().Phase)
}

func TestFailedUpdateRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	backend := &flakyBackend{LocalBackend: f.backend}
	a := f.open(t, backend, f.ccA, ModeRemote)
	require.NoError(t, a.UpdateState(ctx, models.State{"stepIndex": 1}))
	before := a.Snapshot()

	backend.updateErr = models.ErrStaleWrite
	err := a.UpdateState(ctx, models.State{"stepIndex": 2})
	assert.ErrorIs(t, err, models.ErrStaleWrite)

	snap := a.Snapshot()
	assert.Equal(t, before.State, snap.State)
	assert.Equal(t, before.Version, snap.Version)
	assert.ErrorIs(t, snap.Err, models.ErrStaleWrite)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(models.ErrSessionClosed))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(errors.New("io timeout")))
	assert.True(t, isTransient(temporary(true)))
	assert.False(t, isTransient(temporary(false)))
}

type slowBackend struct {
	*LocalBackend
	delay time.Duration
}

func (b *slowBackend) CreateOrGetSession(ctx context.Context, cc models.CoupleContext, activityType models.ActivityType, activityID string) (*models.Session, bool, error) {
	time.Sleep(b.delay)
	return b.LocalBackend.CreateOrGetSession(ctx, cc, activityType, activityID)
}

func TestConcurrentInitSessionStartsOneWatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic := realtime.SessionTopic(f.ccA.CoupleID)

	backend := &slowBackend{LocalBackend: f.backend, delay: 50 * time.Millisecond}
	c := New(backend, f.ccA, models.ActivityGame, "truth-or-dare", fastRetry())
	require.NoError(t, c.Open(ctx))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.InitSession(ctx, ModeRemote)
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidPhase):
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, PhaseRemoteWaiting, c.Snapshot().Phase)
	assert.Equal(t, 1, f.bus.SubscriberCount(topic))

	done := make(chan struct{})
	go func() {
		c.Leave()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Leave did not return")
	}
	assert.Zero(t, f.bus.SubscriberCount(topic))
}

// gatedBackend holds session events back until release is closed
type gatedBackend struct {
	*LocalBackend
	release chan struct{}
}

type gatedStream struct {
	realtime.Stream
	events chan realtime.Event
}

func (s *gatedStream) Events() <-chan realtime.Event { return s.events }

func (b *gatedBackend) Subscribe(ctx context.Context, topic string, filter realtime.Filter) (realtime.Stream, error) {
	inner, err := b.LocalBackend.Subscribe(ctx, topic, filter)
	if err != nil {
		return nil, err
	}
	gated := &gatedStream{Stream: inner, events: make(chan realtime.Event, 64)}
	go func() {
		defer close(gated.events)
		select {
		case <-b.release:
		case <-ctx.Done():
			return
		}
		for event := range inner.Events() {
			select {
			case gated.events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return gated, nil
}

func TestStalePartnerEventActivatesWaitingDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	backend := &gatedBackend{LocalBackend: f.backend, release: make(chan struct{})}
	a := f.open(t, backend, f.ccA, ModeRemote)
	sessionID := a.Snapshot().SessionID

	_, err := f.sessions.UpdateState(ctx, f.ccB, sessionID, models.State{"question": "partner"})
	require.NoError(t, err)
	require.NoError(t, a.UpdateState(ctx, models.State{"answer": "mine"}))

	// A's own write is newer than B's, which A has not seen yet.
	snap := a.Snapshot()
	assert.Equal(t, PhaseRemoteWaiting, snap.Phase)
	assert.Equal(t, int64(2), snap.Version)

	close(backend.release)
	eventually(t, a, func(s Snapshot) bool { return s.Phase == PhaseRemoteActive })

	snap = a.Snapshot()
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, models.State{"question": "partner", "answer": "mine"}, snap.State)
}

func TestSendChatValidatesBeforeWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, f.backend, f.ccA, ModeRemote)
	before := a.Snapshot()

	assert.ErrorIs(t, a.SendChat(ctx, "   "), models.ErrInvalidMessage)
	assert.ErrorIs(t, a.SendChat(ctx, strings.Repeat("a", models.MaxChatLength+1)), models.ErrInvalidMessage)

	snap := a.Snapshot()
	assert.Empty(t, snap.Chat)
	assert.Equal(t, before.Version, snap.Version)
	assert.NoError(t, snap.Err)

	session, err := f.sessions.GetSession(ctx, f.ccA, before.SessionID)
	require.NoError(t, err)
	assert.Empty(t, session.ChatHistory)
	assert.Equal(t, before.Version, session.Version)

	require.NoError(t, a.SendChat(ctx, "  hello  "))
	snap = a.Snapshot()
	require.Len(t, snap.Chat, 1)
	assert.Equal(t, "hello", snap.Chat[0].Content)

	local := f.open(t, f.backend, f.ccB, ModeLocal)
	assert.ErrorIs(t, local.SendChat(ctx, ""), models.ErrInvalidMessage)
	require.NoError(t, local.SendChat(ctx, " hi "))
	assert.Equal(t, "hi", local.Snapshot().Chat[0].Content)
}

type temporary bool

func (t temporary) Error() string   { return "temporary" }
func (t temporary) Temporary() bool { return bool(t) }
