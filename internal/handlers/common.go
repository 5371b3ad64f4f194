package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// Codes for errors that are not domain errors
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

var validate = validator.New()

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message, code string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// respondServiceError translates a service error into an HTTP response.
// Domain errors keep their message and code; anything else is a 500.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var domainErr *models.Error
	if errors.As(err, &domainErr) {
		status := statusFor(domainErr)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
		} else {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg(msg)
		}
		respondError(w, domainErr.Message, domainErr.Code, status)
		return
	}

	log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
	respondError(w, "internal server error", CodeInternal, http.StatusInternalServerError)
}

func statusFor(err *models.Error) int {
	switch err {
	case models.ErrInvalidCode, models.ErrExpiredCode, models.ErrSelfPairing,
		models.ErrInvalidActivity, models.ErrInvalidMessage, models.ErrInvalidSignal:
		return http.StatusBadRequest
	case models.ErrNotMember, models.ErrNotSessionCreator, models.ErrCannotReject, models.ErrTopicForbidden:
		return http.StatusForbidden
	case models.ErrSessionNotFound, models.ErrCoupleNotFound, models.ErrUserNotFound, models.ErrNotificationNotFound:
		return http.StatusNotFound
	case models.ErrAlreadyPaired, models.ErrAlreadyConsumed, models.ErrNotPaired,
		models.ErrSessionClosed, models.ErrStaleWrite:
		return http.StatusConflict
	case models.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case models.ErrSessionCreateFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeBody decodes and validates a JSON request body into dst
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}
