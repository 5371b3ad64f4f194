package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository/sqlite"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store         *sqlite.Store
	bus           *realtime.Bus
	clock         *testClock
	users         *UserService
	pairing       *PairingService
	sessions      *SessionService
	notifications *NotificationService
	whispers      *WhisperService
	archiver      *recordingArchiver
	pusher        *recordingPusher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "wesal.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	clock := newTestClock()
	bus := realtime.NewBus(realtime.WithClock(clock.Now))
	archiver := &recordingArchiver{}
	pusher := &recordingPusher{}
	opt := WithClock(clock.Now)

	notifications := NewNotificationService(store, bus, pusher, opt)
	return &testEnv{
		store:         store,
		bus:           bus,
		clock:         clock,
		users:         NewUserService(store, "test-secret", opt),
		pairing:       NewPairingService(store, bus, 24*time.Hour, opt),
		sessions:      NewSessionService(store, bus, archiver, opt),
		notifications: notifications,
		whispers:      NewWhisperService(bus, notifications, nil, opt),
		archiver:      archiver,
		pusher:        pusher,
	}
}

func (e *testEnv) newUser(t *testing.T, name string) *models.User {
	t.Helper()
	user, err := e.users.CreateUser(context.Background(), name)
	require.NoError(t, err)
	return user
}

// pair creates two users and pairs them, returning both couple contexts
func (e *testEnv) pair(t *testing.T) (models.CoupleContext, models.CoupleContext) {
	t.Helper()
	ctx := context.Background()

	a := e.newUser(t, "Amal")
	b := e.newUser(t, "Badr")

	code, err := e.pairing.GenerateCode(ctx, a.ID)
	require.NoError(t, err)
	_, err = e.pairing.AcceptCode(ctx, b.ID, code.Code)
	require.NoError(t, err)

	ccA, err := e.pairing.CoupleContext(ctx, a.ID)
	require.NoError(t, err)
	ccB, err := e.pairing.CoupleContext(ctx, b.ID)
	require.NoError(t, err)
	return ccA, ccB
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []*models.Session
}

func (a *recordingArchiver) Archive(_ context.Context, session *models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, session)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived)
}

type recordingPusher struct {
	mu     sync.Mutex
	pushed []*models.Notification
	err    error
}

func (p *recordingPusher) Push(_ context.Context, _ *models.User, n *models.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, n)
	return p.err
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

// nextEvent waits for one event on sub
func nextEvent(t *testing.T, sub *realtime.Subscription) realtime.Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}
