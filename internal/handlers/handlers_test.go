package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository/sqlite"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiTest struct {
	t       *testing.T
	handler http.Handler
	users   *services.UserService
	pairing *services.PairingService
}

func newAPITest(t *testing.T) *apiTest {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "wesal.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	bus := realtime.NewBus()
	users := services.NewUserService(store, "test-secret")
	pairing := services.NewPairingService(store, bus, 24*time.Hour)
	sessions := services.NewSessionService(store, bus, nil)
	notifications := services.NewNotificationService(store, bus, nil)

	return &apiTest{
		t: t,
		handler: NewRouter(Deps{
			Bus:           bus,
			Hub:           services.NewWSHub(bus, pairing, sessions),
			Users:         users,
			Pairing:       pairing,
			Sessions:      sessions,
			Notifications: notifications,
			Whispers:      services.NewWhisperService(bus, notifications, nil),
		}),
		users:   users,
		pairing: pairing,
	}
}

func (a *apiTest) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

// couple returns the tokens of two freshly paired users
func (a *apiTest) couple() (string, string) {
	a.t.Helper()
	ctx := context.Background()
	ua, err := a.users.CreateUser(ctx, "Amal")
	require.NoError(a.t, err)
	ub, err := a.users.CreateUser(ctx, "Badr")
	require.NoError(a.t, err)
	code, err := a.pairing.GenerateCode(ctx, ua.ID)
	require.NoError(a.t, err)
	_, err = a.pairing.AcceptCode(ctx, ub.ID, code.Code)
	require.NoError(a.t, err)
	return ua.Token, ub.Token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *models.Error
		want int
	}{
		{models.ErrInvalidCode, http.StatusBadRequest},
		{models.ErrInvalidMessage, http.StatusBadRequest},
		{models.ErrNotMember, http.StatusForbidden},
		{models.ErrCannotReject, http.StatusForbidden},
		{models.ErrSessionNotFound, http.StatusNotFound},
		{models.ErrAlreadyPaired, http.StatusConflict},
		{models.ErrStaleWrite, http.StatusConflict},
		{models.ErrQuotaExceeded, http.StatusTooManyRequests},
		{models.ErrSessionCreateFailed, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestRespondServiceErrorHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	respondServiceError(rec, req, errors.New("pq: connection refused"), "boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CodeInternal, body.Code)
	assert.NotContains(t, body.Error, "connection refused")

	rec = httptest.NewRecorder()
	respondServiceError(rec, req, fmt.Errorf("wrapped: %w", models.ErrSessionClosed), "boom")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session_closed", decodeError(t, rec).Code)
}

func TestHealthzAndCORS(t *testing.T) {
	api := newAPITest(t)

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/healthz", "", nil).Code)

	rec := api.do(http.MethodOptions, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCreateUserAndMe(t *testing.T) {
	api := newAPITest(t)

	rec := api.do(http.MethodPost, "/api/v1/users", "", map[string]string{"display_name": "Amal"})
	require.Equal(t, http.StatusOK, rec.Code)
	var user models.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&user))
	assert.NotEmpty(t, user.Token)

	rec = api.do(http.MethodGet, "/api/v1/users/me", user.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me models.User
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&me))
	assert.Equal(t, user.ID, me.ID)
	assert.Equal(t, "Amal", me.DisplayName)

	rec = api.do(http.MethodPut, "/api/v1/users/me/push-token", user.Token, map[string]string{"token": "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodPut, "/api/v1/users/me/push-token", user.Token, map[string]string{"token": "abc", "platform": "ios"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newAPITest(t)

	rec := api.do(http.MethodGet, "/api/v1/pairing/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = api.do(http.MethodGet, "/api/v1/pairing/status", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	api := newAPITest(t)
	tokenA, tokenB := api.couple()

	body := map[string]string{"activity_type": "game", "activity_id": "truth-or-dare"}
	rec := api.do(http.MethodPost, "/api/v1/sessions", tokenA, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var session models.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&session))

	rec = api.do(http.MethodPost, "/api/v1/sessions", tokenB, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/v1/sessions", tokenA, map[string]string{"activity_type": "quiz", "activity_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path := "/api/v1/sessions/" + session.ID
	rec = api.do(http.MethodPatch, path+"/state", tokenB, map[string]any{"patch": map[string]any{"stepIndex": 1}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, path+"/messages", tokenB, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodPost, path+"/invite", tokenA, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = api.do(http.MethodPost, path+"/invite", tokenA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodDelete, path+"?reason=expired", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodDelete, path+"?reason=rejected", tokenA, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "cannot_reject", decodeError(t, rec).Code)
	rec = api.do(http.MethodDelete, path, tokenA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPatch, path+"/state", tokenB, map[string]any{"patch": map[string]any{"stepIndex": 2}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/sessions/missing", tokenA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPairingQRCode(t *testing.T) {
	api := newAPITest(t)
	ctx := context.Background()
	user, err := api.users.CreateUser(ctx, "Amal")
	require.NoError(t, err)
	code, err := api.pairing.GenerateCode(ctx, user.ID)
	require.NoError(t, err)

	rec := api.do(http.MethodGet, "/api/v1/pairing/codes/"+code.Code+"/qr?size=128", user.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}

func TestNotificationEndpoints(t *testing.T) {
	api := newAPITest(t)
	tokenA, tokenB := api.couple()

	rec := api.do(http.MethodPost, "/api/v1/whispers", tokenA, map[string]string{"kind": "wave"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(http.MethodPost, "/api/v1/whispers", tokenA, map[string]string{"kind": "hug"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(http.MethodGet, "/api/v1/notifications?unread=true", tokenB, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Notifications []models.Notification `json:"notifications"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Notifications, 1)

	id := list.Notifications[0].ID
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/api/v1/notifications/"+id+"/read", tokenA, nil).Code)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/api/v1/notifications/"+id+"/read", tokenB, nil).Code)

	rec = api.do(http.MethodGet, "/api/v1/notifications", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())
}
