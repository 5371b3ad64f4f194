package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const eventBuffer = 64

// Subscription is a topic subscription over its own WebSocket connection
type Subscription struct {
	topic  string
	conn   *websocket.Conn
	events chan realtime.Event

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

// Subscribe opens a WebSocket and subscribes to topic. It implements
// coordinator.Backend. The subscription ends when ctx is done.
func (c *Client) Subscribe(ctx context.Context, topic string, filter realtime.Filter) (realtime.Stream, error) {
	wsURL := *c.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/ws"
	wsURL.RawQuery = url.Values{"token": {c.token}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	s := &Subscription{
		topic:  topic,
		conn:   conn,
		events: make(chan realtime.Event, eventBuffer),
	}

	if err := s.write(services.WSMessage{Type: services.FrameSubscribe, Ref: "1", Topic: topic, Filter: filter}); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultTimeout))
	if err := s.awaitSubscribed(); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() { s.Close() })
	go func() {
		defer stop()
		s.readLoop()
	}()
	return s, nil
}

func (s *Subscription) awaitSubscribed() error {
	for {
		var msg services.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read subscribe reply: %w", err)
		}
		switch msg.Type {
		case services.FrameSubscribed:
			return nil
		case services.FrameError:
			if sentinel := models.ErrorFromCode(msg.Code); sentinel != nil {
				return sentinel
			}
			return fmt.Errorf("subscribe %s: %s", s.topic, msg.Message)
		}
		// pair_status and other greetings precede the reply
	}
}

func (s *Subscription) readLoop() {
	defer close(s.events)

	for {
		var msg services.WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.fail(models.ErrSubscriptionDropped)
			return
		}

		switch msg.Type {
		case services.FrameEvent:
			if msg.Event == nil {
				continue
			}
			select {
			case s.events <- *msg.Event:
			default:
				log.Warn().Str("topic", s.topic).Msg("Subscriber fell behind, dropping")
				s.fail(models.ErrSubscriptionDropped)
				s.conn.Close()
				return
			}
		case services.FrameDropped:
			s.fail(models.ErrSubscriptionDropped)
			s.conn.Close()
			return
		case services.FramePing:
			_ = s.write(services.WSMessage{Type: services.FramePong, Ref: msg.Ref})
		}
	}
}

func (s *Subscription) write(msg services.WSMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// fail records err unless the subscription was closed by the caller
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.err == nil {
		s.err = err
	}
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Events returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan realtime.Event { return s.events }

// Err returns ErrSubscriptionDropped when the connection was lost
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
