package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/delivery"
	"mailer-service/internal/ratelimit"
	"mailer-service/internal/service"
	"mailer-service/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success    bool        `json:"success"`
	StatusCode int         `json:"status_code"`
	Message    string      `json:"message,omitempty"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// responder carries the JSON helpers shared by all handlers.
type responder struct {
	logger *zap.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, resp Response) {
	resp.StatusCode = statusCode
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h responder) respondOK(w http.ResponseWriter, statusCode int, data interface{}, message string) {
	h.respondWithJSON(w, statusCode, Response{Success: true, Data: data, Message: message})
}

func (h responder) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.respondWithErrorData(w, statusCode, err, message, nil)
}

func (h responder) respondWithErrorData(w http.ResponseWriter, statusCode int, err error, message string, data interface{}) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		h.logger.Debug("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	h.respondWithJSON(w, statusCode, Response{Success: false, Error: err.Error(), Message: message, Data: data})
}

func (h responder) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrEmailNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrResumeMissing),
		errors.Is(err, service.ErrOAuthState), errors.Is(err, delivery.ErrInvalidRun):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserAlreadyExists), errors.Is(err, service.ErrAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrGmailNotAuthorized),
		errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongKind):
		return http.StatusUnauthorized
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrSearchDisabled), errors.Is(err, delivery.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func callerID(r *http.Request) int64 {
	uid, _ := auth.UserIDFromContext(r.Context())
	return uid
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
