package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"admission-service/internal/audit"
	"admission-service/internal/clock"
	"admission-service/internal/service"
	"admission-service/internal/util"
)

const blockCheckStage = "block_check"

// Stage is one named step of the admission pipeline.
type Stage struct {
	Name string
	Wrap func(http.Handler) http.Handler
}

// Chain composes stages so the first stage sees the request first.
func Chain(stages ...Stage) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		h := final
		for i := len(stages) - 1; i >= 0; i-- {
			h = stages[i].Wrap(h)
		}
		return h
	}
}

type requestLimiter interface {
	CheckAndIncrement(ctx context.Context, scope, identifier string, limit int, window time.Duration) (service.Decision, error)
}

type blockChecker interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// clientIdentity keys the request limit by operator for admin calls and by
// address otherwise.
func clientIdentity(r *http.Request) string {
	if op, ok := OperatorFromContext(r.Context()); ok {
		return "sub:" + op.ID
	}
	return "ip:" + ClientIP(r)
}

// RateLimitStage counts every request against the per-identity window.
func RateLimitStage(limiter requestLimiter, limit int, window time.Duration, clk clock.Clock, recorder *audit.Recorder) Stage {
	if clk == nil {
		clk = clock.System()
	}
	return Stage{
		Name: "rate_limit",
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				identity := clientIdentity(r)
				d, err := limiter.CheckAndIncrement(r.Context(), service.ScopeRequest, identity, limit, window)
				if err != nil {
					respondWithError(w, err, "Invalid client identity")
					return
				}

				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

				if !d.Allowed {
					retry := d.RetryAfter(clk.Now())
					h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(retry)))

					ev := audit.NewEvent(audit.EventRateLimited, audit.OutcomeDenied)
					ev.IPAddress = ClientIP(r)
					ev.Subject = identity
					ev.Details = map[string]string{
						"path":     r.URL.Path,
						"degraded": strconv.FormatBool(d.Degraded),
					}
					recorder.Record(r.Context(), ev)

					respondWithError(w, &service.RateLimitError{
						Scope:      service.ScopeRequest,
						Limit:      d.Limit,
						RetryAfter: retry,
						ResetAt:    d.ResetAt,
					}, "Too many requests")
					return
				}
				next.ServeHTTP(w, r)
			})
		},
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// BlockCheckStage rejects requests from blocked addresses with 403.
func BlockCheckStage(registry blockChecker, recorder *audit.Recorder) Stage {
	return Stage{
		Name: blockCheckStage,
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ip := ClientIP(r)
				blocked, err := registry.IsBlocked(r.Context(), ip)
				if err != nil {
					// RemoteAddr chi could not resolve to an address; nothing to match.
					util.Debug("Skipping block check", util.String("remote_addr", r.RemoteAddr), util.ErrorField(err))
					next.ServeHTTP(w, r)
					return
				}
				if blocked {
					ev := audit.NewEvent(audit.EventBlockedRequest, audit.OutcomeDenied)
					ev.IPAddress = ip
					ev.Details = map[string]string{"path": r.URL.Path, "method": r.Method}
					recorder.Record(r.Context(), ev)

					respondWithError(w, errForbidden, "Access denied")
					return
				}
				next.ServeHTTP(w, r)
			})
		},
	}
}

// AuditStage records one http_request event per admitted request.
func AuditStage(recorder *audit.Recorder) Stage {
	return Stage{
		Name: "audit",
		Wrap: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				next.ServeHTTP(ww, r)

				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				outcome := audit.OutcomeSuccess
				switch {
				case status >= http.StatusInternalServerError:
					outcome = audit.OutcomeFailure
				case status >= http.StatusBadRequest:
					outcome = audit.OutcomeDenied
				}

				ev := audit.NewEvent(audit.EventHTTPRequest, outcome)
				ev.IPAddress = ClientIP(r)
				ev.SessionID = r.Header.Get(sessionHeader)
				if op, ok := OperatorFromContext(r.Context()); ok {
					ev.Subject = op.ID
				}
				ev.Details = map[string]string{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      strconv.Itoa(status),
					"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
					"request_id":  middleware.GetReqID(r.Context()),
				}
				recorder.Record(r.Context(), ev)
			})
		},
	}
}
