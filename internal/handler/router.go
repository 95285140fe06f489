package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

// HealthChecker reports whether the process's backends are reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Routes is everything the router mounts.
type Routes struct {
	Config *config.Config
	OTP    *OTPHandler
	Admin  *AdminHandler
	// Stages run in order in front of every API route.
	Stages []Stage
	Health HealthChecker
	Logger *zap.Logger
}

// requireHTTPS rejects any request that wasn’t made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"success":false,"error":"https_required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(routes Routes) chi.Router {
	cfg := routes.Config
	logger := routes.Logger
	if logger == nil {
		logger = util.Get()
	}

	trusted, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		util.Warn("Ignoring invalid trusted proxy list; forwarding headers will not be honoured", util.ErrorField(err))
		trusted = nil
	}

	router := chi.NewRouter()

	if cfg.Server.EnableTLS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(TrustedRealIP(trusted))
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", sessionHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if routes.Health != nil {
			if err := routes.Health.HealthCheck(r.Context()); err != nil {
				util.Warn("Health check failed", util.ErrorField(err))
				respondWithJSON(w, http.StatusServiceUnavailable, Response{Success: false, Error: "unhealthy", Message: err.Error()})
				return
			}
		}
		respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
			"status":  "healthy",
			"service": "admission-service",
		}, ""))
	})

	pipeline := Chain(routes.Stages...)

	router.Route("/api/v1", func(r chi.Router) {
		if routes.OTP != nil {
			r.Group(func(r chi.Router) {
				r.Use(pipeline)
				routes.OTP.RegisterRoutes(r)
			})
		}
		if routes.Admin != nil {
			preAuth, postAuth := partitionStages(routes.Stages, blockCheckStage)
			r.Route("/admin", func(r chi.Router) {
				// Blocked addresses never reach token validation. The remaining
				// stages run after auth so the request limit is keyed by operator.
				r.Use(Chain(preAuth...))
				r.Use(AdminAuth(cfg.Admin))
				r.Use(Chain(postAuth...))
				routes.Admin.RegisterRoutes(r)
			})
		}
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Success: false, Error: "not_found", Message: "endpoint not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Error: "method_not_allowed", Message: "method not allowed"})
	})

	return router
}

// partitionStages splits stages into the named ones and the rest, keeping order.
func partitionStages(stages []Stage, names ...string) (named, rest []Stage) {
	for _, st := range stages {
		matched := false
		for _, n := range names {
			if st.Name == n {
				matched = true
				break
			}
		}
		if matched {
			named = append(named, st)
		} else {
			rest = append(rest, st)
		}
	}
	return named, rest
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
