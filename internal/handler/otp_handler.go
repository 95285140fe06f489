package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"admission-service/internal/service"
	"admission-service/internal/util"
)

const sessionHeader = "X-Session-ID"

// OTPHandler exposes OTP issue and verify.
type OTPHandler struct {
	otp *service.OTPService
}

func NewOTPHandler(otp *service.OTPService) *OTPHandler {
	return &OTPHandler{otp: otp}
}

type issueOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	Purpose     string `json:"purpose"`
	DisplayName string `json:"display_name"`
}

type verifyOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.Issue)
		r.Post("/verify", h.Verify)
	})
}

// Issue handles POST /otp/issue
func (h *OTPHandler) Issue(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req issueOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	res, err := h.otp.Issue(r.Context(), service.IssueRequest{
		SessionID:   strings.TrimSpace(r.Header.Get(sessionHeader)),
		PhoneNumber: req.PhoneNumber,
		Purpose:     req.Purpose,
		DisplayName: req.DisplayName,
		ClientIP:    ClientIP(r),
	})
	if err != nil {
		var rlErr *service.RateLimitError
		if errors.As(err, &rlErr) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rlErr.RetryAfter)))
		}
		respondWithError(w, err, "Failed to issue verification code")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(res, "Verification code sent"))
	util.Debug("OTP issued via HTTP",
		util.String("masked_phone", res.MaskedPhone),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Verify handles POST /otp/verify
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	res, err := h.otp.Verify(r.Context(), strings.TrimSpace(r.Header.Get(sessionHeader)), req.PhoneNumber, req.Code)
	if err != nil {
		respondWithError(w, err, "Verification failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(res, "Phone number verified"))
}
