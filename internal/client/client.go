// Package client is a Go client for the wesal HTTP and WebSocket API. It
// implements coordinator.Backend so a device can run the session
// coordinator against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/gorilla/websocket"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-domain error returned by the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to one server as one user
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the server at baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
		dialer:     &websocket.Dialer{HandshakeTimeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the bearer token in use
func (c *Client) Token() string { return c.token }

// Register creates an anonymous user and adopts its token
func (c *Client) Register(ctx context.Context, displayName string) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodPost, "/api/v1/users", map[string]string{"display_name": displayName}, &user); err != nil {
		return nil, err
	}
	c.token = user.Token
	return &user, nil
}

// RegisterPushToken registers the device token for platform ios or android
func (c *Client) RegisterPushToken(ctx context.Context, token, platform string) error {
	return c.do(ctx, http.MethodPut, "/api/v1/users/me/push-token", map[string]string{"token": token, "platform": platform}, nil)
}

// GenerateCode issues a pairing code
func (c *Client) GenerateCode(ctx context.Context) (*models.PairingCode, error) {
	var code models.PairingCode
	if err := c.do(ctx, http.MethodPost, "/api/v1/pairing/codes", nil, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// AcceptCode redeems a partner's pairing code
func (c *Client) AcceptCode(ctx context.Context, code string) (*services.AcceptResult, error) {
	var result services.AcceptResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/pairing/accept", map[string]string{"code": code}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStatus returns the caller's pairing status
func (c *Client) GetStatus(ctx context.Context) (*models.PairingStatus, error) {
	var status models.PairingStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/pairing/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CoupleContext resolves the caller's couple context from the server
func (c *Client) CoupleContext(ctx context.Context, userID string) (models.CoupleContext, error) {
	status, err := c.GetStatus(ctx)
	if err != nil {
		return models.CoupleContext{}, err
	}
	return models.ContextFromStatus(userID, status), nil
}

// Unpair dissolves the couple
func (c *Client) Unpair(ctx context.Context, coupleID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/couples/"+url.PathEscape(coupleID), nil, nil)
}

// CreateOrGetSession implements coordinator.Backend. The couple context is
// resolved by the server from the token.
func (c *Client) CreateOrGetSession(ctx context.Context, _ models.CoupleContext, activityType models.ActivityType, activityID string) (*models.Session, bool, error) {
	var session models.Session
	status, err := c.doStatus(ctx, http.MethodPost, "/api/v1/sessions", map[string]string{
		"activity_type": string(activityType),
		"activity_id":   activityID,
	}, &session)
	if err != nil {
		return nil, false, err
	}
	return &session, status == http.StatusCreated, nil
}

// GetSession implements coordinator.Backend
func (c *Client) GetSession(ctx context.Context, _ models.CoupleContext, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateState implements coordinator.Backend
func (c *Client) UpdateState(ctx context.Context, _ models.CoupleContext, sessionID string, patch models.State) (*models.Session, error) {
	var session models.Session
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/state"
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"patch": patch}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// AppendChatMessage implements coordinator.Backend
func (c *Client) AppendChatMessage(ctx context.Context, _ models.CoupleContext, sessionID, content string) (*models.Session, *models.ChatMessage, error) {
	var resp struct {
		Message *models.ChatMessage `json:"message"`
		Session *models.Session     `json:"session"`
	}
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"content": content}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Session, resp.Message, nil
}

// CloseSession implements coordinator.Backend
func (c *Client) CloseSession(ctx context.Context, _ models.CoupleContext, sessionID, reason string) (*models.Session, error) {
	var session models.Session
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "?reason=" + url.QueryEscape(reason)
	if err := c.do(ctx, http.MethodDelete, path, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// NotifySessionInvite implements coordinator.Backend
func (c *Client) NotifySessionInvite(ctx context.Context, _ models.CoupleContext, sessionID string) (*models.Notification, bool, error) {
	var resp struct {
		Notification *models.Notification `json:"notification"`
		Created      bool                 `json:"created"`
	}
	path := "/api/v1/sessions/" + url.PathEscape(sessionID) + "/invite"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Notification, resp.Created, nil
}

// Notifications lists the caller's inbox
func (c *Client) Notifications(ctx context.Context, limit int, unreadOnly bool) ([]*models.Notification, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if unreadOnly {
		q.Set("unread", "true")
	}
	path := "/api/v1/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Notifications []*models.Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// MarkRead marks a notification read
func (c *Client) MarkRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
}

// Whisper sends a signal to the partner
func (c *Client) Whisper(ctx context.Context, signal services.Signal) (*services.WhisperResult, error) {
	var result services.WhisperResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/whispers", signal, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// decodeError maps an error body back to the domain sentinel when the code is known
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)

	if sentinel := models.ErrorFromCode(body.Code); sentinel != nil {
		return sentinel
	}
	return &APIError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error}
}

// IsTemporary reports whether err is worth retrying
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return models.ErrorCode(err) == ""
}
