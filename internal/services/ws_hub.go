package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket frame types
const (
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
	FramePublish       = "publish"
	FramePing          = "ping"
	FramePong          = "pong"
	FrameSubscribed    = "subscribed"
	FrameUnsubscribed  = "unsubscribed"
	FrameEvent         = "event"
	FrameError         = "error"
	FrameDropped       = "dropped"
	FramePairStatus    = "pair_status"
	FramePartnerStatus = "partner_status"
)

const writeWait = 10 * time.Second

// WSMessage is a frame on the realtime WebSocket, in either direction
type WSMessage struct {
	Type    string            `json:"type"`
	Ref     string            `json:"ref,omitempty"`
	Topic   string            `json:"topic,omitempty"`
	Filter  realtime.Filter   `json:"filter,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Event   *realtime.Event   `json:"event,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Online  *bool             `json:"online,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// PresenceEvent is broadcast on the couple topic when a user comes online or goes offline
type PresenceEvent struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// WSConn is one registered WebSocket connection. Writes are serialized.
type WSConn struct {
	UserID string

	conn     *websocket.Conn
	coupleID string
	writeMu  sync.Mutex
}

// Send writes a frame to the connection
func (c *WSConn) Send(message WSMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Ping writes a control ping
func (c *WSConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close closes the underlying connection
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// WSHub tracks live WebSocket connections, publishes presence and decides
// which topics a user may use.
type WSHub struct {
	mu          sync.RWMutex
	connections map[string]map[*WSConn]struct{}

	bus      EventBus
	pairing  *PairingService
	sessions *SessionService
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(bus EventBus, pairing *PairingService, sessions *SessionService) *WSHub {
	return &WSHub{
		connections: make(map[string]map[*WSConn]struct{}),
		bus:         bus,
		pairing:     pairing,
		sessions:    sessions,
	}
}

// Register adds a connection for the user. The first connection of a paired
// user announces them online to the couple.
func (h *WSHub) Register(userID, coupleID string, conn *websocket.Conn) *WSConn {
	c := &WSConn{UserID: userID, conn: conn, coupleID: coupleID}

	h.mu.Lock()
	conns, ok := h.connections[userID]
	if !ok {
		conns = make(map[*WSConn]struct{})
		h.connections[userID] = conns
	}
	conns[c] = struct{}{}
	first := len(conns) == 1
	h.mu.Unlock()

	log.Info().Str("user_id", userID).Msg("WebSocket connection registered")

	if first {
		h.publishPresence(userID, coupleID, true)
	}
	return c
}

// Unregister removes and closes a connection. The last connection going
// away announces the user offline.
func (h *WSHub) Unregister(c *WSConn) {
	h.mu.Lock()
	conns, ok := h.connections[c.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := conns[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	last := len(conns) == 0
	if last {
		delete(h.connections, c.UserID)
	}
	h.mu.Unlock()

	c.Close()
	log.Info().Str("user_id", c.UserID).Msg("WebSocket connection unregistered")

	if last {
		h.publishPresence(c.UserID, c.coupleID, false)
	}
}

// IsOnline checks if a user has at least one live connection
func (h *WSHub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID]) > 0
}

// CloseAll closes every connection, used on shutdown
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	var all []*WSConn
	for _, conns := range h.connections {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.connections = make(map[string]map[*WSConn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.Close()
	}
}

func (h *WSHub) publishPresence(userID, coupleID string, online bool) {
	if coupleID == "" {
		return
	}
	_, err := h.bus.Publish(realtime.CoupleTopic(coupleID), userID, PresenceEvent{
		Type:   FramePartnerStatus,
		UserID: userID,
		Online: online,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to publish presence")
	}
}

// AuthorizeTopic checks that the user may use topic. publish reports whether
// the caller wants to broadcast rather than listen.
func (h *WSHub) AuthorizeTopic(ctx context.Context, userID, topic string, publish bool) error {
	switch {
	case strings.HasPrefix(topic, realtime.NotificationTopicPrefix):
		if publish || strings.TrimPrefix(topic, realtime.NotificationTopicPrefix) != userID {
			return models.ErrTopicForbidden
		}
		return nil

	case strings.HasPrefix(topic, realtime.SessionTopicPrefix),
		strings.HasPrefix(topic, realtime.CoupleTopicPrefix):
		cc, err := h.pairing.CoupleContext(ctx, userID)
		if err != nil {
			return err
		}
		if !cc.IsPaired() {
			return models.ErrNotPaired
		}
		if topic != realtime.SessionTopic(cc.CoupleID) && topic != realtime.CoupleTopic(cc.CoupleID) {
			return models.ErrTopicForbidden
		}
		return nil

	case strings.HasPrefix(topic, realtime.ChatTopicPrefix):
		if publish {
			return models.ErrTopicForbidden
		}
		cc, err := h.pairing.CoupleContext(ctx, userID)
		if err != nil {
			return err
		}
		_, err = h.sessions.GetSession(ctx, cc, strings.TrimPrefix(topic, realtime.ChatTopicPrefix))
		if errors.Is(err, models.ErrSessionNotFound) {
			return models.ErrTopicForbidden
		}
		return err
	}
	return models.ErrTopicForbidden
}
