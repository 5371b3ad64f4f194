package handlers

import (
	"net/http"
	"strconv"

	"github.com/wesalappx/wesal-app-sub001/internal/middleware"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// PairHandler handles pairing HTTP requests
type PairHandler struct {
	pairing *services.PairingService
}

// NewPairHandler creates a new pair handler
func NewPairHandler(pairing *services.PairingService) *PairHandler {
	return &PairHandler{
		pairing: pairing,
	}
}

// AcceptCodeRequest is the body of POST /api/v1/pairing/accept
type AcceptCodeRequest struct {
	Code string `json:"code" validate:"required"`
}

// GenerateCode handles POST /api/v1/pairing/codes
func (h *PairHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	code, err := h.pairing.GenerateCode(ctx, userID)
	if err != nil {
		respondServiceError(w, r, err, "Failed to generate pairing code")
		return
	}

	respondJSON(w, http.StatusCreated, code)
}

// CodeQR handles GET /api/v1/pairing/codes/{code}/qr
func (h *PairHandler) CodeQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	size := 256
	if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
		if parsed, err := strconv.Atoi(sizeStr); err == nil && parsed >= 64 && parsed <= 1024 {
			size = parsed
		}
	}

	png, err := h.pairing.CodeQR(ctx, userID, chi.URLParam(r, "code"), size)
	if err != nil {
		respondServiceError(w, r, err, "Failed to render pairing code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// AcceptCode handles POST /api/v1/pairing/accept
func (h *PairHandler) AcceptCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req AcceptCodeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err.Error(), CodeBadRequest, http.StatusBadRequest)
		return
	}

	result, err := h.pairing.AcceptCode(ctx, userID, req.Code)
	if err != nil {
		respondServiceError(w, r, err, "Failed to accept pairing code")
		return
	}

	log.Info().
		Str("user_id", userID).
		Str("couple_id", result.CoupleID).
		Msg("Pairing code accepted")

	respondJSON(w, http.StatusCreated, result)
}

// GetStatus handles GET /api/v1/pairing/status
func (h *PairHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := h.pairing.GetStatus(ctx, middleware.GetUserID(ctx))
	if err != nil {
		respondServiceError(w, r, err, "Failed to get pairing status")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// Unpair handles DELETE /api/v1/couples/{couple_id}
func (h *PairHandler) Unpair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	coupleID := chi.URLParam(r, "couple_id")

	if err := h.pairing.Unpair(ctx, coupleID, userID); err != nil {
		respondServiceError(w, r, err, "Failed to unpair")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
