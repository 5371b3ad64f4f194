// Package coordinator runs the per-device state machine of one shared
// activity: mode choice, joining the couple's session, mirroring remote
// changes and pushing local ones.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Phase is the coordinator state
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseModeSelection Phase = "MODE_SELECTION"
	PhaseLocal         Phase = "LOCAL"
	PhaseRemoteWaiting Phase = "REMOTE_WAITING"
	PhaseRemoteActive  Phase = "REMOTE_ACTIVE"
	PhaseFinished      Phase = "FINISHED"
)

// Mode is how the activity is played
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

var (
	ErrInvalidPhase = errors.New("operation is not valid in the current phase")
	ErrInvalidMode  = errors.New("unknown mode")
	ErrLeft         = errors.New("activity has been left")
)

const defaultMaxTries = 4

// Snapshot is what observers see after every change
type Snapshot struct {
	Phase        Phase
	Mode         Mode
	SessionID    string
	State        models.State
	Chat         []models.ChatMessage
	Version      int64
	IsCreator    bool
	Reconnecting bool
	Err          error
	CloseReason  string
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithPreferences remembers the chosen mode per activity type
func WithPreferences(p Preferences) Option {
	return func(c *Coordinator) { c.prefs = p }
}

// WithOnChange registers the observer. It runs on the coordinator's
// goroutines and must not call back into the coordinator synchronously.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// WithBackOff sets the retry schedule used for backend calls and reconnects
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Coordinator) { c.newBackOff = newBackOff }
}

// WithMaxTries bounds the attempts of a single retried call
func WithMaxTries(n uint) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// Coordinator drives one activity on one device. All methods are safe for
// concurrent use.
type Coordinator struct {
	backend      Backend
	cc           models.CoupleContext
	activityType models.ActivityType
	activityID   string

	prefs      Preferences
	onChange   func(Snapshot)
	newBackOff func() backoff.BackOff
	maxTries   uint

	notifyMu sync.Mutex
	wg       sync.WaitGroup

	mu           sync.Mutex
	phase        Phase
	mode         Mode
	sessionID    string
	state        models.State
	chat         []models.ChatMessage
	version      int64
	isCreator    bool
	notified     bool
	reconnecting bool
	err          error
	closeReason  string
	left         bool
	initializing bool
	stopWatch    context.CancelFunc
}

// New creates a coordinator for one activity of the couple
func New(backend Backend, cc models.CoupleContext, activityType models.ActivityType, activityID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:      backend,
		cc:           cc,
		activityType: activityType,
		activityID:   activityID,
		newBackOff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxTries:     defaultMaxTries,
		phase:        PhaseUninitialized,
		state:        models.State{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns a copy of the current view
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	chat := make([]models.ChatMessage, len(c.chat))
	copy(chat, c.chat)
	return Snapshot{
		Phase:        c.phase,
		Mode:         c.mode,
		SessionID:    c.sessionID,
		State:        c.state.Clone(),
		Chat:         chat,
		Version:      c.version,
		IsCreator:    c.isCreator,
		Reconnecting: c.reconnecting,
		Err:          c.err,
		CloseReason:  c.closeReason,
	}
}

func (c *Coordinator) notify() {
	if c.onChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onChange(c.Snapshot())
}

// Open enters mode selection. With a remembered preference the session is
// initialized right away.
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return ErrLeft
	}
	if c.phase != PhaseUninitialized {
		c.mu.Unlock()
		return ErrInvalidPhase
	}
	c.phase = PhaseModeSelection
	c.mu.Unlock()
	c.notify()

	if c.prefs != nil {
		if mode, ok := c.prefs.Preferred(c.activityType); ok {
			return c.InitSession(ctx, mode)
		}
	}
	return nil
}

// InitSession leaves mode selection. Remote mode creates or joins the
// couple's session; on failure the coordinator stays in mode selection.
func (c *Coordinator) InitSession(ctx context.Context, mode Mode) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return ErrLeft
	}
	if c.phase != PhaseModeSelection || c.initializing {
		c.mu.Unlock()
		return ErrInvalidPhase
	}
	switch mode {
	case ModeLocal:
		c.phase = PhaseLocal
		c.mode = ModeLocal
		c.err = nil
		c.mu.Unlock()
		c.remember(mode)
		c.notify()
		return nil
	case ModeRemote:
		c.err = nil
		c.initializing = true
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		return ErrInvalidMode
	}

	err := c.initRemote(ctx)
	c.mu.Lock()
	c.initializing = false
	c.mu.Unlock()
	if err != nil {
		if models.ErrorCode(err) == "" && !errors.Is(err, ErrLeft) {
			err = fmt.Errorf("%w: %v", models.ErrSessionCreateFailed, err)
		}
		c.setErr(err)
		return err
	}
	c.remember(mode)
	return nil
}

func (c *Coordinator) initRemote(ctx context.Context) error {
	type created struct {
		session *models.Session
		created bool
	}
	res, err := retry(ctx, c, func() (created, error) {
		s, ok, err := c.backend.CreateOrGetSession(ctx, c.cc, c.activityType, c.activityID)
		return created{s, ok}, err
	})
	if err != nil {
		return err
	}
	session := res.session

	watchCtx, stop := context.WithCancel(context.Background())
	sub, err := retry(ctx, c, func() (realtime.Stream, error) {
		return c.backend.Subscribe(watchCtx, realtime.SessionTopic(session.CoupleID), sessionFilter(session.ID))
	})
	if err != nil {
		stop()
		return err
	}

	// Changes made between create and subscribe are only visible by re-reading.
	if latest, err := c.backend.GetSession(ctx, c.cc, session.ID); err == nil {
		session = latest
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		stop()
		sub.Close()
		return ErrLeft
	}
	c.phase = PhaseRemoteWaiting
	c.mode = ModeRemote
	c.sessionID = session.ID
	c.isCreator = session.CreatedBy == c.cc.UserID
	c.version = -1
	c.stopWatch = stop
	c.apply(session, false)
	invite := c.isCreator && !c.notified && c.phase != PhaseFinished
	if invite {
		c.notified = true
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.watch(watchCtx, sub, session.ID)

	log.Debug().
		Str("session_id", session.ID).
		Bool("created", res.created).
		Bool("creator", c.isCreator).
		Msg("Joined shared session")
	c.notify()

	if invite {
		c.invitePartner(ctx, session.ID)
	}
	return nil
}

func (c *Coordinator) invitePartner(ctx context.Context, sessionID string) {
	_, err := retry(ctx, c, func() (*models.Notification, error) {
		n, _, err := c.backend.NotifySessionInvite(ctx, c.cc, sessionID)
		return n, err
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to invite partner")
	}
}

// UpdateState merges patch into the shared state. Remote modes apply it
// optimistically, then persist it; the echo from the bus is absorbed.
func (c *Coordinator) UpdateState(ctx context.Context, patch models.State) error {
	c.mu.Lock()
	if err := c.checkPlayableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase == PhaseLocal {
		c.state = c.state.Merge(patch)
		c.mu.Unlock()
		c.notify()
		return nil
	}
	sessionID, baseVersion, prev := c.sessionID, c.version, c.state
	c.state = c.state.Merge(patch)
	c.mu.Unlock()
	c.notify()

	session, err := retry(ctx, c, func() (*models.Session, error) {
		return c.backend.UpdateState(ctx, c.cc, sessionID, patch)
	})
	if err != nil {
		c.mu.Lock()
		if c.version == baseVersion {
			c.state = prev
		}
		c.mu.Unlock()
		return c.writeFailed(ctx, sessionID, err)
	}

	c.applyAndNotify(session, false)
	return nil
}

// SendChat appends a chat message to the session transcript
func (c *Coordinator) SendChat(ctx context.Context, content string) error {
	content, err := models.NormalizeChat(content)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.checkPlayableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	pending := models.ChatMessage{
		ID:        uuid.New().String(),
		SenderID:  c.cc.UserID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if c.phase == PhaseLocal {
		c.chat = append(c.chat, pending)
		c.mu.Unlock()
		c.notify()
		return nil
	}
	sessionID, baseVersion := c.sessionID, c.version
	prev := make([]models.ChatMessage, len(c.chat))
	copy(prev, c.chat)
	c.chat = append(c.chat, pending)
	c.mu.Unlock()
	c.notify()

	// Not retried: a lost response would append the message twice.
	session, _, err := c.backend.AppendChatMessage(ctx, c.cc, sessionID, content)
	if err != nil {
		c.mu.Lock()
		if c.version == baseVersion {
			c.chat = prev
		}
		c.mu.Unlock()
		return c.writeFailed(ctx, sessionID, err)
	}

	c.applyAndNotify(session, false)
	return nil
}

// Finish ends the activity. Remote sessions are closed for both partners.
func (c *Coordinator) Finish(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkPlayableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase == PhaseLocal {
		c.phase = PhaseFinished
		c.closeReason = models.CloseFinished
		c.mu.Unlock()
		c.notify()
		return nil
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	return c.close(ctx, sessionID, models.CloseFinished)
}

// Reject declines the partner's invitation. Only the invited partner may reject.
func (c *Coordinator) Reject(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkPlayableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase == PhaseLocal {
		c.mu.Unlock()
		return ErrInvalidPhase
	}
	if c.isCreator {
		c.mu.Unlock()
		return models.ErrCannotReject
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	return c.close(ctx, sessionID, models.CloseRejected)
}

func (c *Coordinator) close(ctx context.Context, sessionID, reason string) error {
	session, err := retry(ctx, c, func() (*models.Session, error) {
		return c.backend.CloseSession(ctx, c.cc, sessionID, reason)
	})
	if errors.Is(err, models.ErrSessionClosed) {
		// Already closed by the partner; adopt their outcome.
		return c.refresh(ctx, sessionID)
	}
	if err != nil {
		c.setErr(err)
		return err
	}
	c.applyAndNotify(session, false)
	return nil
}

// Leave stops listening to the session without closing it. It is safe to
// call on every exit path and more than once.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	c.stopWatchLocked()
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Coordinator) checkPlayableLocked() error {
	if c.left {
		return ErrLeft
	}
	switch c.phase {
	case PhaseLocal, PhaseRemoteWaiting, PhaseRemoteActive:
		return nil
	}
	return ErrInvalidPhase
}

func (c *Coordinator) writeFailed(ctx context.Context, sessionID string, err error) error {
	c.setErr(err)
	if errors.Is(err, models.ErrSessionClosed) {
		if refreshErr := c.refresh(ctx, sessionID); refreshErr != nil {
			log.Warn().Err(refreshErr).Str("session_id", sessionID).Msg("Failed to refresh closed session")
		}
	}
	return err
}

// refresh re-reads the authoritative session and applies it wholesale
func (c *Coordinator) refresh(ctx context.Context, sessionID string) error {
	session, err := retry(ctx, c, func() (*models.Session, error) {
		return c.backend.GetSession(ctx, c.cc, sessionID)
	})
	if err != nil {
		c.setErr(err)
		return err
	}
	c.applyAndNotify(session, true)
	return nil
}

func (c *Coordinator) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) applyAndNotify(session *models.Session, observed bool) {
	c.mu.Lock()
	changed := c.apply(session, observed)
	if changed {
		c.err = nil
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// apply replaces the local view with session when it is newer. observed
// marks rows that arrived from outside this device's own calls. Callers hold mu.
func (c *Coordinator) apply(session *models.Session, observed bool) bool {
	if session == nil || session.ID != c.sessionID || c.phase == PhaseFinished {
		return false
	}
	// Any partner-authored row proves the partner joined, even one that
	// loses the version race against a newer local write.
	activated := false
	if observed && c.phase == PhaseRemoteWaiting && session.UpdatedBy != "" && session.UpdatedBy != c.cc.UserID {
		c.phase = PhaseRemoteActive
		activated = true
	}
	closing := session.ClosedAt != nil
	if !closing && session.Version <= c.version {
		return activated
	}

	c.version = session.Version
	c.state = session.State.Clone()
	c.chat = make([]models.ChatMessage, len(session.ChatHistory))
	copy(c.chat, session.ChatHistory)

	if closing {
		c.phase = PhaseFinished
		c.closeReason = session.CloseReason
		c.stopWatchLocked()
	}
	return true
}

func (c *Coordinator) stopWatchLocked() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

func (c *Coordinator) remember(mode Mode) {
	if c.prefs != nil {
		c.prefs.Remember(c.activityType, mode)
	}
}

// watch mirrors bus events into the local view and reconnects after drops
func (c *Coordinator) watch(ctx context.Context, sub realtime.Stream, sessionID string) {
	defer c.wg.Done()
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(sub.Err()).Str("session_id", sessionID).Msg("Session subscription lost")
				next := c.reconnect(ctx, sessionID)
				if next == nil {
					return
				}
				sub = next
				continue
			}
			c.handleEvent(event)
		}
	}
}

func (c *Coordinator) handleEvent(event realtime.Event) {
	if event.Kind != realtime.KindChange || event.Change == nil || len(event.Change.Record) == 0 {
		return
	}
	var session models.Session
	if err := json.Unmarshal(event.Change.Record, &session); err != nil {
		log.Warn().Err(err).Str("topic", event.Topic).Msg("Failed to decode session change")
		return
	}
	c.applyAndNotify(&session, true)
}

// reconnect resubscribes with backoff and reconciles with the store. It
// keeps trying until ctx is done or the failure is permanent; after each
// exhausted round the error is surfaced in the snapshot.
func (c *Coordinator) reconnect(ctx context.Context, sessionID string) realtime.Stream {
	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	c.notify()

	for {
		sub, err := backoff.Retry(ctx, func() (realtime.Stream, error) {
			sub, err := c.backend.Subscribe(ctx, realtime.SessionTopic(c.cc.CoupleID), sessionFilter(sessionID))
			if err != nil {
				return nil, classify(err)
			}
			session, err := c.backend.GetSession(ctx, c.cc, sessionID)
			if err != nil {
				sub.Close()
				return nil, classify(err)
			}

			c.mu.Lock()
			c.apply(session, true)
			c.reconnecting = false
			c.err = nil
			c.mu.Unlock()
			return sub, nil
		}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))

		if err == nil {
			log.Info().Str("session_id", sessionID).Msg("Session subscription restored")
			c.notify()
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}

		c.mu.Lock()
		c.err = err
		if !isTransient(err) {
			c.reconnecting = false
		}
		c.mu.Unlock()
		c.notify()

		if !isTransient(err) {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Giving up on session subscription")
			return nil
		}
	}
}

func sessionFilter(sessionID string) realtime.Filter {
	return realtime.Filter{"id": sessionID}
}

func classify(err error) error {
	if isTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// retry runs op with the coordinator's backoff, retrying transient errors only
func retry[T any](ctx context.Context, c *Coordinator, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil {
			return v, classify(err)
		}
		return v, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
}
