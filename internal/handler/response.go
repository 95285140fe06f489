package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"admission-service/internal/service"
	"admission-service/internal/util"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse carries a stable machine code in Error so clients never
// have to parse messages.
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   errorCode(err),
		Message: message,
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondWithError(w http.ResponseWriter, err error, message string) {
	statusCode := getStatusCode(err)
	if statusCode >= http.StatusInternalServerError {
		util.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		util.Debug("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrAlreadyBlocked), errors.Is(err, service.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotRegistered), errors.Is(err, service.ErrNotIssued):
		return http.StatusNotFound
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrMismatch), errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDispatchFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, service.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, service.ErrTooManyAttempts):
		return "otp_too_many_attempts"
	case errors.Is(err, service.ErrAlreadyBlocked):
		return "ip_already_blocked"
	case errors.Is(err, service.ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, service.ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, service.ErrNotIssued):
		return "otp_not_issued"
	case errors.Is(err, service.ErrExpired):
		return "otp_expired"
	case errors.Is(err, service.ErrMismatch):
		return "otp_mismatch"
	case errors.Is(err, errUnauthorized):
		return "unauthorized"
	case errors.Is(err, errForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrDispatchFailed):
		return "otp_dispatch_failed"
	case errors.Is(err, service.ErrUnavailable):
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

// decodeJSON reads at most 64KiB and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	return nil
}
