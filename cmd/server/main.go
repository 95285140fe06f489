package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"admission-service/internal/config"
	"admission-service/internal/factory"
	"admission-service/internal/handler"
	"admission-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f, err := factory.NewFactory(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := run(ctx, f); err != nil {
		util.Error("Server exited with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

// run serves HTTP and runs the block reconciler until ctx is cancelled or
// either of them fails.
func run(ctx context.Context, f *factory.Factory) error {
	cfg := f.Config()
	router := setupRouter(f)

	servers := buildServers(f, cfg, router)

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			util.Info("Starting server",
				util.String("environment", cfg.Environment),
				util.String("address", srv.Addr),
				util.Bool("tls", srv.TLSConfig != nil),
			)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return f.Reconciler().Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	recorder := f.Recorder()

	limiter := services.RateLimiter()
	registry := services.IPBlockRegistry()
	otp := services.OTPService()

	return handler.NewRouter(handler.Routes{
		Config: cfg,
		OTP:    handler.NewOTPHandler(otp),
		Admin:  handler.NewAdminHandler(cfg, registry, limiter, otp, services.Metrics()).WithPhoneReveal(f.Encryption(), recorder),
		Stages: []handler.Stage{
			handler.RateLimitStage(limiter, cfg.RateLimit.RequestLimit, cfg.RateLimit.RequestWindow, nil, recorder),
			handler.BlockCheckStage(registry, recorder),
			handler.AuditStage(recorder),
		},
		Health: f,
		Logger: util.Get(),
	})
}

// buildServers returns the plain HTTP server and, with TLS enabled, the HTTPS
// server. With TLS the plain port only answers ACME challenges and redirects.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) []*http.Server {
	newServer := func(addr string, h http.Handler) *http.Server {
		return &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		}
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled", util.String("environment", cfg.Environment))
		return []*http.Server{newServer(cfg.GetServerAddress(), router)}
	}

	tlsManager := f.TLSManager()
	httpsServer := newServer(fmt.Sprintf(":%d", cfg.Server.TLSPort), router)
	httpsServer.TLSConfig = tlsManager.TLSConfig()

	httpServer := newServer(cfg.GetServerAddress(), tlsManager.HTTPHandler(redirectToHTTPS(cfg)))
	return []*http.Server{httpsServer, httpServer}
}

func redirectToHTTPS(cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := fmt.Sprintf("https://%s:%d%s", cfg.Server.Domain, cfg.Server.TLSPort, r.URL.RequestURI())
		if cfg.Server.TLSPort == 443 {
			target = "https://" + cfg.Server.Domain + r.URL.RequestURI()
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}
