package handlers

import (
	"net/http"

	"github.com/wesalappx/wesal-app-sub001/internal/middleware"
	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/go-chi/chi/v5"
)

// SessionHandler handles shared session HTTP requests
type SessionHandler struct {
	pairing       *services.PairingService
	sessions      *services.SessionService
	notifications *services.NotificationService
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(pairing *services.PairingService, sessions *services.SessionService, notifications *services.NotificationService) *SessionHandler {
	return &SessionHandler{
		pairing:       pairing,
		sessions:      sessions,
		notifications: notifications,
	}
}

// CreateSessionRequest is the body of POST /api/v1/sessions
type CreateSessionRequest struct {
	ActivityType models.ActivityType `json:"activity_type" validate:"required,oneof=game journey"`
	ActivityID   string              `json:"activity_id" validate:"required,max=128"`
}

// UpdateStateRequest is the body of PATCH /api/v1/sessions/{session_id}/state
type UpdateStateRequest struct {
	Patch models.State `json:"patch" validate:"required"`
}

// SendMessageRequest is the body of POST /api/v1/sessions/{session_id}/messages
type SendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// SendMessageResponse carries the stored message and the resulting session
type SendMessageResponse struct {
	Message *models.ChatMessage `json:"message"`
	Session *models.Session     `json:"session"`
}

// InviteResponse carries the invite notification
type InviteResponse struct {
	Notification *models.Notification `json:"notification"`
	Created      bool                 `json:"created"`
}

func (h *SessionHandler) coupleContext(w http.ResponseWriter, r *http.Request) (models.CoupleContext, bool) {
	cc, err := h.pairing.CoupleContext(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondServiceError(w, r, err, "Failed to resolve couple")
		return cc, false
	}
	return cc, true
}

// CreateOrGet handles POST /api/v1/sessions
func (h *SessionHandler) CreateOrGet(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
		return
	}
	cc, ok := h.coupleContext(w, r)
	if !ok {
		return
	}

	session, created, err := h.sessions.CreateOrGetSession(r.Context(), cc, req.ActivityType, req.ActivityID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to create session")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, session)
}

// Get handles GET /api/v1/sessions/{session_id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	cc, ok := h.coupleContext(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.GetSession(r.Context(), cc, chi.URLParam(r, "session_id"))
	if err != nil {
		respondServiceError(w, r, err, "Failed to get session")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// UpdateState handles PATCH /api/v1/sessions/{session_id}/state
func (h *SessionHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	var req UpdateStateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
		return
	}
	cc, ok := h.coupleContext(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.UpdateState(r.Context(), cc, chi.URLParam(r, "session_id"), req.Patch)
	if err != nil {
		respondServiceError(w, r, err, "Failed to update session state")
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// SendMessage handles POST /api/v1/sessions/{session_id}/messages
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
		return
	}
	cc, ok := h.coupleContext(w, r)
	if !ok {
		return
	}

	session, message, err := h.sessions.AppendChatMessage(r.Context(), cc, chi.URLParam(r, "session_id"), req.Content)
	if err != nil {
		respondServiceError(w, r, err, "Failed to send chat message")
		return
	}
	respondJSON(w, http.StatusCreated, SendMessageResponse{Message: message, Session: session})
}

// Invite handles POST /api/v1/sessions/{session_id}/invite
func (h *SessionHandler) Invite(w http.ResponseWriter, r *http.Request) {
	cc, ok := h.coupleContext(w, r)
	if !ok {
		return
	}

	notification, created, err := h.notifications.NotifySessionInvite(r.Context(), cc, chi.URLParam(r, "session_id"))
	if err != nil {
		respondServiceError(w, r, err, "Failed to invite partner")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, InviteResponse{Notification: notification, Created: created})
}

// Close handles DELETE /api/v1/sessions/{session_id}?reason=finished|rejected
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason != "" && reason != models.CloseFinished && reason != models.CloseRejected {
		respondError(w, "reason must be finished or rejected", CodeBadRequest, http.StatusBadRequest)
		return
	}
	cc, ok := h.coupleContext(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.CloseSession(r.Context(), cc, chi.URLParam(r, "session_id"), reason)
	if err != nil {
		respondServiceError(w, r, err, "Failed to close session")
		return
	}
	respondJSON(w, http.StatusOK, session)
}
