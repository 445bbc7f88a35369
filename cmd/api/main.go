package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onkernel/sharedblock/cmd/api/api"
	"github.com/onkernel/sharedblock/cmd/api/config"
	mw "github.com/onkernel/sharedblock/lib/middleware"
	"github.com/onkernel/sharedblock/lib/otel"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	// Load config early for OTel initialization
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otel.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		ServiceName: cfg.OtelServiceName,
		HostUUID:    cfg.HostUUID,
		Version:     cfg.Version,
		Env:         cfg.Env,
	})
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	// Set before wiring so the agent logger picks it up
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otel.SetGlobalLogHandler(otelProvider.LogHandler)
	}

	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.Logger
	if cfg.OtelEnabled {
		logger.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}
	if app.Config.JwtSecret == "" {
		logger.Warn("JWT_SECRET not configured - every command will be rejected")
	}

	timeout, err := app.Config.Timeout()
	if err != nil {
		return err
	}

	var httpMetrics *mw.HTTPMetrics
	var accessLogHandler slog.Handler
	if otelProvider != nil {
		accessLogHandler = otelProvider.LogHandler
		if httpMetrics, err = mw.NewHTTPMetrics(otelProvider.MeterFor("http")); err != nil {
			logger.Warn("failed to create HTTP metrics", "error", err)
			httpMetrics = nil
		}
	}

	r := newRouter(app.ApiService, routerOptions{
		Logger:       logger,
		AccessLogger: mw.NewAccessLogger(accessLogHandler),
		JwtSecret:    app.Config.JwtSecret,
		Timeout:      timeout,
		Tracing:      cfg.OtelEnabled,
		ServiceName:  cfg.OtelServiceName,
		Metrics:      httpMetrics,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", app.Config.Port),
		Handler: r,
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		logger.Info("starting sharedblock agent", "port", app.Config.Port, "host_uuid", app.Config.HostUUID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Commands in flight hold LV activations; give them the full
		// command timeout to release them.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return err
		}
		logger.Info("http server shutdown complete")
		return nil
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}

type routerOptions struct {
	Logger       *slog.Logger
	AccessLogger *slog.Logger
	JwtSecret    string
	Timeout      time.Duration
	Tracing      bool
	ServiceName  string
	// Metrics may be nil.
	Metrics *mw.HTTPMetrics
}

// newRouter mounts the agent commands under /sharedblock behind JWT auth
// and the command timeout. /health is unauthenticated.
func newRouter(svc *api.ApiService, opts routerOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", svc.GetHealth)

	r.Route("/sharedblock", func(r chi.Router) {
		// Tracing first so the access log carries the span context
		if opts.Tracing {
			r.Use(otelchi.Middleware(opts.ServiceName, otelchi.WithChiRoutes(r)))
		}
		r.Use(mw.InjectLogger(opts.Logger))
		r.Use(mw.AccessLogger(opts.AccessLogger))
		if opts.Metrics != nil {
			r.Use(opts.Metrics.Middleware)
		}
		r.Use(mw.JwtAuth(opts.JwtSecret))
		r.Use(middleware.Timeout(opts.Timeout))

		svc.Routes(r)
	})
	return r
}
