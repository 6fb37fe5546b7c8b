package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	internalerrors "github.com/rcourtman/appgrant/internal/errors"
	"github.com/rcourtman/appgrant/internal/logging"
	"github.com/rs/zerolog/log"
)

// APIError represents a structured API error response
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// requestContext assigns a request id, recovers panics and logs failed
// requests.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctx, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctx)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-ID", requestID)
		start := time.Now()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")
				writeErrorResponse(ww, r, http.StatusInternalServerError, "internal_error",
					"An unexpected error occurred", nil)
			}
		}()

		next.ServeHTTP(ww, r)

		if ww.Status() >= 400 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// adminKey requires a valid admin key in X-Admin-Key or a bearer token.
func adminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
			if got == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
				}
			}

			if got == "" || key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeErrorResponse(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeErrorResponse writes a consistent error response
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details map[string]string) {
	render.Status(r, statusCode)
	render.JSON(w, r, APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    logging.RequestID(r.Context()),
		Details:      details,
	})
}

// writeError maps engine errors to HTTP statuses. Internal details are
// logged and never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		writeErrorResponse(w, r, apiErr.StatusCode, apiErr.Code, apiErr.ErrorMessage, apiErr.Details)
	case errors.Is(err, internalerrors.ErrInvalidInput), errors.Is(err, internalerrors.ErrInvalidCycle):
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, internalerrors.ErrNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, internalerrors.ErrIllegalTransition):
		writeErrorResponse(w, r, http.StatusConflict, "illegal_transition", err.Error(), nil)
	case errors.Is(err, internalerrors.ErrConcurrentModification):
		writeErrorResponse(w, r, http.StatusConflict, "conflict", "record was modified concurrently, retry", nil)
	case errors.Is(err, internalerrors.ErrExternalRevokeFailure):
		log.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg("Revocation endpoint failed")
		writeErrorResponse(w, r, http.StatusBadGateway, "revoke_failed", "licence revoked locally, remote revocation will be retried", nil)
	case errors.Is(err, internalerrors.ErrStorageUnavailable):
		log.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg("Storage unavailable")
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable", nil)
	default:
		log.Error().Err(err).Str("request_id", logging.RequestID(r.Context())).Msg("Request failed")
		writeErrorResponse(w, r, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
