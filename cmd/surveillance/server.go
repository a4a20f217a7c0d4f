package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/phl-surveillance/platform/internal/adapters/vectorfeed"
	"github.com/phl-surveillance/platform/internal/analytics"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/report"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/metrics"
	secmiddleware "github.com/phl-surveillance/platform/internal/shared/middleware"
	"github.com/phl-surveillance/platform/internal/syncengine"
)

const maxRequestBody = 1 << 20

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, bootstrapOptions{migrate: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().
			Int("port", a.cfg.Server.Port).
			Str("env", a.cfg.Server.Env).
			Bool("kurrentdb", a.bus != nil).
			Bool("redis", a.redis != nil).
			Msg("surveillance API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.cfg.Kafka.Enabled {
		consumer := vectorfeed.New(a.cfg.Kafka, a.ingestVectors, a.log)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("server stopped with error")
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// ingestVectors adapts the sync engine to the vector feed consumer.
func (a *app) ingestVectors(ctx context.Context, sourceID string, records []canonical.RawVectorRecord) error {
	ctx = auth.WithIdentity(ctx, auth.SystemIdentity("vector-feed"))
	_, err := a.engine.IngestVectorRecords(ctx, sourceID, records)
	return err
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(a.log))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.MaxBodySize(maxRequestBody))

	// Unauthenticated probes.
	r.Get("/health", a.healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	limiter := secmiddleware.NewCallerRateLimiter(a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(a.cfg.Identity.Secret))
		r.Use(limiter.Middleware)

		r.Mount("/sync", syncengine.NewHandler(a.engine).Routes())
		r.Mount("/analytics", analytics.NewHandler(a.analytics).Routes())
		r.Mount("/reports", report.NewHandler(a.reports).Routes())
	})

	return r
}

func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{
		"database":  probe(a.db.Health(ctx)),
		"kurrentdb": "not configured",
		"redis":     "not configured",
	}
	if a.bus != nil {
		checks["kurrentdb"] = probe(a.bus.Health(ctx))
	}
	if a.redis != nil {
		checks["redis"] = probe(a.redis.Ping(ctx).Err())
	}

	allReady := true
	for _, status := range checks {
		if status != "ready" && status != "not configured" {
			allReady = false
			break
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
		"checks": checks,
	})
}

func probe(err error) string {
	if err != nil {
		return "not ready: " + err.Error()
	}
	return "ready"
}
