package handlers

import (
	"net/http"
	"strconv"

	"github.com/wesalappx/wesal-app-sub001/internal/middleware"
	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/go-chi/chi/v5"
)

// NotificationHandler handles inbox and whisper HTTP requests
type NotificationHandler struct {
	pairing       *services.PairingService
	notifications *services.NotificationService
	whispers      *services.WhisperService
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(pairing *services.PairingService, notifications *services.NotificationService, whispers *services.WhisperService) *NotificationHandler {
	return &NotificationHandler{
		pairing:       pairing,
		notifications: notifications,
		whispers:      whispers,
	}
}

// List handles GET /api/v1/notifications?limit=&unread=true
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	items, err := h.notifications.List(ctx, userID, limit, unreadOnly)
	if err != nil {
		respondServiceError(w, r, err, "Failed to list notifications")
		return
	}
	if items == nil {
		items = []*models.Notification{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

// MarkRead handles POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.notifications.MarkRead(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, r, err, "Failed to mark notification read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Whisper handles POST /api/v1/whispers
func (h *NotificationHandler) Whisper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var signal services.Signal
	if err := decodeBody(r, &signal); err != nil {
		respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
		return
	}

	cc, err := h.pairing.CoupleContext(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respondServiceError(w, r, err, "Failed to resolve couple")
		return
	}

	result, err := h.whispers.Send(ctx, cc, signal)
	if err != nil {
		respondServiceError(w, r, err, "Failed to send whisper")
		return
	}
	respondJSON(w, http.StatusCreated, result)
}
