package handlers

import (
	"net/http"

	"github.com/wesalappx/wesal-app-sub001/internal/middleware"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/rs/zerolog/log"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	userService *services.UserService
}

// NewUserHandler creates a new user handler
func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
	}
}

// CreateUserRequest is the body of POST /api/v1/users
type CreateUserRequest struct {
	DisplayName string `json:"display_name" validate:"max=64"`
}

// PushTokenRequest is the body of PUT /api/v1/users/me/push-token. An empty
// token unregisters the device.
type PushTokenRequest struct {
	Token    string `json:"token" validate:"max=4096"`
	Platform string `json:"platform" validate:"omitempty,oneof=ios android"`
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
			return
		}
	}

	user, err := h.userService.CreateUser(ctx, req.DisplayName)
	if err != nil {
		respondServiceError(w, r, err, "Failed to create user")
		return
	}

	log.Info().Str("user_id", user.ID).Msg("User created")

	respondJSON(w, http.StatusOK, user)
}

// UpdatePushToken handles PUT /api/v1/users/me/push-token
func (h *UserHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req PushTokenRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
		return
	}
	if req.Token != "" && req.Platform == "" {
		respondError(w, "platform is required with a token", CodeBadRequest, http.StatusBadRequest)
		return
	}

	if err := h.userService.UpdatePushToken(ctx, userID, req.Token, req.Platform); err != nil {
		respondServiceError(w, r, err, "Failed to update push token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"registered": req.Token != ""})
}

// Me handles GET /api/v1/users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.userService.GetUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondServiceError(w, r, err, "Failed to get user")
		return
	}
	respondJSON(w, http.StatusOK, user)
}
