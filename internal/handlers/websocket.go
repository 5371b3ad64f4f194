package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // mobile clients send no Origin
	},
}

// WebSocketHandler serves the realtime bus over WebSocket
type WebSocketHandler struct {
	hub         *services.WSHub
	bus         *realtime.Bus
	userService *services.UserService
	pairing     *services.PairingService
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *services.WSHub,
	bus *realtime.Bus,
	userService *services.UserService,
	pairing *services.PairingService,
) *WebSocketHandler {
	return &WebSocketHandler{
		hub:         hub,
		bus:         bus,
		userService: userService,
		pairing:     pairing,
	}
}

// wsSession is the per-connection state
type wsSession struct {
	userID string
	conn   *services.WSConn
	ctx    context.Context

	mu   sync.Mutex
	subs map[string]*realtime.Subscription
}

// HandleWebSocket handles GET /ws?token=
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, "token required", CodeUnauthorized, http.StatusUnauthorized)
		return
	}

	userID, err := h.userService.ValidateJWT(token)
	if err != nil {
		respondError(w, "invalid token", CodeUnauthorized, http.StatusUnauthorized)
		return
	}

	status, err := h.pairing.GetStatus(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to resolve couple")
		return
	}
	cc := models.ContextFromStatus(userID, status)

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	conn := h.hub.Register(userID, cc.CoupleID, raw)
	defer h.hub.Unregister(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &wsSession{
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		subs:   make(map[string]*realtime.Subscription),
	}
	defer s.closeAll()

	pairStatus := services.WSMessage{
		Type: services.FramePairStatus,
		Data: map[string]string{"is_paired": "false"},
	}
	if cc.IsPaired() {
		online := h.hub.IsOnline(cc.PartnerID)
		pairStatus.Data = map[string]string{"is_paired": "true", "couple_id": cc.CoupleID, "partner_id": cc.PartnerID}
		pairStatus.Online = &online
	}
	if err := conn.Send(pairStatus); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to send pair_status message")
		return
	}

	go h.pingLoop(ctx, conn)

	raw.SetReadLimit(maxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))

		var msg services.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError("", CodeBadRequest, "invalid message format")
			continue
		}
		h.handleMessage(r.Context(), s, msg)
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *services.WSConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one client frame
func (h *WebSocketHandler) handleMessage(ctx context.Context, s *wsSession, msg services.WSMessage) {
	switch msg.Type {
	case services.FramePing:
		_ = s.conn.Send(services.WSMessage{Type: services.FramePong, Ref: msg.Ref})
	case services.FrameSubscribe:
		h.handleSubscribe(ctx, s, msg)
	case services.FrameUnsubscribe:
		s.unsubscribe(msg.Topic)
		_ = s.conn.Send(services.WSMessage{Type: services.FrameUnsubscribed, Ref: msg.Ref, Topic: msg.Topic})
	case services.FramePublish:
		h.handlePublish(ctx, s, msg)
	default:
		s.sendError(msg.Ref, CodeBadRequest, "unknown message type")
	}
}

func (h *WebSocketHandler) handleSubscribe(ctx context.Context, s *wsSession, msg services.WSMessage) {
	if err := h.hub.AuthorizeTopic(ctx, s.userID, msg.Topic, false); err != nil {
		s.sendDomainError(msg.Ref, err)
		return
	}

	s.mu.Lock()
	if _, exists := s.subs[msg.Topic]; exists {
		s.mu.Unlock()
		_ = s.conn.Send(services.WSMessage{Type: services.FrameSubscribed, Ref: msg.Ref, Topic: msg.Topic})
		return
	}
	sub, err := h.bus.Subscribe(s.ctx, msg.Topic, msg.Filter)
	if err != nil {
		s.mu.Unlock()
		s.sendError(msg.Ref, CodeBadRequest, err.Error())
		return
	}
	s.subs[msg.Topic] = sub
	s.mu.Unlock()

	if err := s.conn.Send(services.WSMessage{Type: services.FrameSubscribed, Ref: msg.Ref, Topic: msg.Topic}); err != nil {
		sub.Close()
		return
	}

	go s.forward(sub)
}

func (h *WebSocketHandler) handlePublish(ctx context.Context, s *wsSession, msg services.WSMessage) {
	if err := h.hub.AuthorizeTopic(ctx, s.userID, msg.Topic, true); err != nil {
		s.sendDomainError(msg.Ref, err)
		return
	}
	if len(msg.Payload) == 0 || !json.Valid(msg.Payload) {
		s.sendError(msg.Ref, CodeBadRequest, "payload must be JSON")
		return
	}
	if _, err := h.bus.Publish(msg.Topic, s.userID, msg.Payload); err != nil {
		s.sendError(msg.Ref, CodeInternal, "failed to publish")
	}
}

// forward relays bus events to the socket until the subscription ends
func (s *wsSession) forward(sub *realtime.Subscription) {
	for event := range sub.Events() {
		event := event
		if err := s.conn.Send(services.WSMessage{Type: services.FrameEvent, Topic: event.Topic, Event: &event}); err != nil {
			sub.Close()
			return
		}
	}

	s.mu.Lock()
	if s.subs[sub.Topic()] == sub {
		delete(s.subs, sub.Topic())
	}
	s.mu.Unlock()

	if err := sub.Err(); err != nil {
		_ = s.conn.Send(services.WSMessage{
			Type:    services.FrameDropped,
			Topic:   sub.Topic(),
			Code:    models.ErrorCode(err),
			Message: err.Error(),
		})
	}
}

func (s *wsSession) unsubscribe(topic string) {
	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (s *wsSession) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*realtime.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *wsSession) sendDomainError(ref string, err error) {
	code := models.ErrorCode(err)
	if code == "" {
		log.Error().Err(err).Str("user_id", s.userID).Msg("Failed to authorize topic")
		s.sendError(ref, CodeInternal, "internal server error")
		return
	}
	s.sendError(ref, code, err.Error())
}

func (s *wsSession) sendError(ref, code, message string) {
	if err := s.conn.Send(services.WSMessage{Type: services.FrameError, Ref: ref, Code: code, Message: message}); err != nil {
		log.Debug().Err(err).Str("user_id", s.userID).Msg("Failed to send error frame")
	}
}
