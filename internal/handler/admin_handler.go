package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"admission-service/internal/audit"
	"admission-service/internal/config"
	"admission-service/internal/metrics"
	"admission-service/internal/models"
	"admission-service/internal/service"
	"admission-service/internal/util"
)

// AdminHandler serves the operator API for the block registry, rate-limit
// windows and counters.
type AdminHandler struct {
	registry *service.IPBlockRegistry
	limiter  *service.RateLimiter
	otp      *service.OTPService
	metrics  *metrics.Metrics
	cfg      *config.Config

	phones   phoneUnsealer
	recorder *audit.Recorder
}

// phoneUnsealer opens the phone envelopes carried by security events.
type phoneUnsealer interface {
	DecryptString(ctx context.Context, envelope, keyPurpose string) (string, error)
}

func NewAdminHandler(cfg *config.Config, registry *service.IPBlockRegistry, limiter *service.RateLimiter, otp *service.OTPService, m *metrics.Metrics) *AdminHandler {
	return &AdminHandler{
		registry: registry,
		limiter:  limiter,
		otp:      otp,
		metrics:  m,
		cfg:      cfg,
	}
}

// WithPhoneReveal mounts POST /security-events/reveal-phone. Every reveal is
// recorded as a security event of its own.
func (h *AdminHandler) WithPhoneReveal(phones phoneUnsealer, recorder *audit.Recorder) *AdminHandler {
	h.phones = phones
	h.recorder = recorder
	return h
}

const maxTTLHours = int(service.MaxBlockTTL / time.Hour)

type blockIPRequest struct {
	IPAddress string `json:"ip_address"`
	Reason    string `json:"reason"`
	// TTLHours omitted means a permanent block.
	TTLHours *int `json:"ttl_hours,omitempty"`
}

type unblockIPsRequest struct {
	IPAddresses []string `json:"ip_addresses"`
}

type revealPhoneRequest struct {
	PhoneEncrypted string `json:"phone_encrypted"`
	EventID        string `json:"event_id"`
	Reason         string `json:"reason"`
}

type revealPhoneResult struct {
	PhoneNumber string `json:"phone_number"`
}

type countResult struct {
	Count int64 `json:"count"`
}

func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/ip-blocks", func(r chi.Router) {
		r.Get("/", h.ListBlocks)
		r.Post("/", h.BlockIP)
		r.Get("/search", h.SearchBlocks)
		r.Get("/stats", h.BlockStatistics)
		r.Post("/unblock", h.UnblockIPs)
		r.Post("/reconcile", h.Reconcile)
		r.Delete("/{ip}", h.UnblockIP)
	})
	router.Route("/rate-limits/{scope}/{identifier}", func(r chi.Router) {
		r.Get("/", h.RateLimitWindow)
		r.Delete("/", h.ResetRateLimit)
	})
	router.Get("/metrics", h.Metrics)
	if h.phones != nil {
		router.Post("/security-events/reveal-phone", h.RevealPhone)
	}
}

func operatorID(r *http.Request) string {
	if op, ok := OperatorFromContext(r.Context()); ok {
		return op.ID
	}
	return ""
}

// BlockIP handles POST /admin/ip-blocks
func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req blockIPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	blockReq := service.BlockRequest{
		IP:        req.IPAddress,
		Reason:    req.Reason,
		BlockedBy: operatorID(r),
	}
	if req.TTLHours != nil {
		if *req.TTLHours < 1 || *req.TTLHours > maxTTLHours {
			respondWithError(w, fmt.Errorf("%w: ttl_hours must be between 1 and %d", service.ErrInvalidInput, maxTTLHours), "Invalid block duration")
			return
		}
		ttl := time.Duration(*req.TTLHours) * time.Hour
		blockReq.TTL = &ttl
	}

	block, err := h.registry.Block(r.Context(), blockReq)
	if err != nil {
		respondWithError(w, err, "Failed to block IP address")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(block, "IP address blocked"))
}

// UnblockIP handles DELETE /admin/ip-blocks/{ip}. Unblocking an address
// with no active block succeeds with count 0.
func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.Unblock(r.Context(), chi.URLParam(r, "ip"), operatorID(r))
	if err != nil {
		respondWithError(w, err, "Failed to unblock IP address")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(countResult{Count: int64(n)}, "IP address unblocked"))
}

// UnblockIPs handles POST /admin/ip-blocks/unblock
func (h *AdminHandler) UnblockIPs(w http.ResponseWriter, r *http.Request) {
	var req unblockIPsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	n, err := h.registry.UnblockMany(r.Context(), req.IPAddresses, operatorID(r))
	if err != nil {
		respondWithError(w, err, "Failed to unblock IP addresses")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(countResult{Count: int64(n)}, "IP addresses unblocked"))
}

// ListBlocks handles GET /admin/ip-blocks?limit=&offset=
func (h *AdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		respondWithError(w, err, "Invalid pagination")
		return
	}
	blocks, err := h.registry.ListActive(r.Context(), limit, offset)
	if err != nil {
		respondWithError(w, err, "Failed to list IP blocks")
		return
	}
	// Total is the tenant's active block count, not the page size.
	stats, err := h.registry.Statistics(r.Context())
	if err != nil {
		respondWithError(w, err, "Failed to count IP blocks")
		return
	}
	resp := successResponse(blocks, "")
	resp.Meta = &Meta{Total: int(stats.Active), Limit: limit, Offset: offset}
	respondWithJSON(w, http.StatusOK, resp)
}

// SearchBlocks handles GET /admin/ip-blocks/search?q=
func (h *AdminHandler) SearchBlocks(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pageParams(r)
	if err != nil {
		respondWithError(w, err, "Invalid pagination")
		return
	}
	blocks, err := h.registry.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		respondWithError(w, err, "Failed to search IP blocks")
		return
	}
	resp := successResponse(blocks, "")
	resp.Meta = &Meta{Total: len(blocks), Limit: limit}
	respondWithJSON(w, http.StatusOK, resp)
}

// BlockStatistics handles GET /admin/ip-blocks/stats
func (h *AdminHandler) BlockStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Statistics(r.Context())
	if err != nil {
		respondWithError(w, err, "Failed to get block statistics")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(stats, ""))
}

// Reconcile handles POST /admin/ip-blocks/reconcile
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	n, err := h.registry.ReconcileExpired(r.Context())
	if err != nil {
		respondWithError(w, err, "Failed to reconcile expired blocks")
		return
	}
	util.Info("Manual reconcile of expired blocks",
		util.String("operator", operatorID(r)),
		util.Int("expired", n))
	respondWithJSON(w, http.StatusOK, successResponse(countResult{Count: int64(n)}, "Expired blocks reconciled"))
}

// RateLimitWindow handles GET /admin/rate-limits/{scope}/{identifier}
func (h *AdminHandler) RateLimitWindow(w http.ResponseWriter, r *http.Request) {
	scope, identifier, limit, window, err := h.windowParams(r)
	if err != nil {
		respondWithError(w, err, "Invalid rate limit window")
		return
	}
	d, err := h.limiter.Peek(r.Context(), scope, identifier, limit, window)
	if err != nil {
		respondWithError(w, err, "Failed to read rate limit window")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(models.RateLimitWindow{
		Scope:       scope,
		Identifier:  identifier,
		WindowStart: d.ResetAt.Add(-window),
		Count:       int64(limit - d.Remaining),
		Limit:       limit,
		ResetAt:     d.ResetAt,
	}, ""))
}

// ResetRateLimit handles DELETE /admin/rate-limits/{scope}/{identifier}
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	scope, identifier, _, window, err := h.windowParams(r)
	if err != nil {
		respondWithError(w, err, "Invalid rate limit window")
		return
	}
	if err := h.limiter.Reset(r.Context(), scope, identifier, window); err != nil {
		respondWithError(w, err, "Failed to reset rate limit window")
		return
	}
	util.Info("Rate limit window reset",
		util.String("operator", operatorID(r)),
		util.String("scope", scope),
		util.String("identifier", identifier))
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Rate limit window reset"))
}

// windowParams resolves the limit and window configured for a scope. OTP
// issue windows are keyed by the normalized phone number.
func (h *AdminHandler) windowParams(r *http.Request) (scope, identifier string, limit int, window time.Duration, err error) {
	scope = chi.URLParam(r, "scope")
	identifier = chi.URLParam(r, "identifier")
	switch scope {
	case service.ScopeRequest:
		return scope, identifier, h.cfg.RateLimit.RequestLimit, h.cfg.RateLimit.RequestWindow, nil
	case service.ScopeOTPIssue:
		phone, err := h.otp.NormalizePhone(identifier)
		if err != nil {
			return "", "", 0, 0, err
		}
		return scope, phone, h.cfg.OTP.IssueLimit, h.cfg.OTP.IssueWindow, nil
	default:
		return "", "", 0, 0, fmt.Errorf("%w: unknown scope %q", service.ErrInvalidInput, scope)
	}
}

// Metrics handles GET /admin/metrics
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, successResponse(h.metrics.Snapshot(), ""))
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = intParam(q.Get("limit")); err != nil {
		return 0, 0, err
	}
	if offset, err = intParam(q.Get("offset")); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", service.ErrInvalidInput, raw)
	}
	return n, nil
}

// RevealPhone handles POST /admin/security-events/reveal-phone
func (h *AdminHandler) RevealPhone(w http.ResponseWriter, r *http.Request) {
	var req revealPhoneRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" || len(reason) > 200 || util.ContainsSuspicious(reason) {
		respondWithError(w, fmt.Errorf("%w: a reason of at most 200 characters is required", service.ErrInvalidInput), "Invalid reveal request")
		return
	}

	phone, err := h.phones.DecryptString(r.Context(), req.PhoneEncrypted, audit.PhonePurpose)
	if err != nil {
		util.Warn("Phone reveal failed", util.String("operator", operatorID(r)), util.ErrorField(err))
		respondWithError(w, errors.Join(service.ErrInvalidInput, err), "Envelope could not be opened")
		return
	}

	ev := audit.NewEvent(audit.EventPhoneRevealed, audit.OutcomeSuccess)
	ev.Subject = operatorID(r)
	ev.Reason = reason
	ev.PhoneMasked = util.MaskPhone(phone)
	ev.IPAddress = ClientIP(r)
	if req.EventID != "" {
		ev.Details = map[string]string{"event_id": req.EventID}
	}
	h.recorder.Record(r.Context(), ev)

	respondWithJSON(w, http.StatusOK, successResponse(revealPhoneResult{PhoneNumber: phone}, ""))
}
