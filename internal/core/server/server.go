// Package server wires the HTTP router and runs the listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tileproxy/overpass-tile-cache/internal/core/config"
	"github.com/tileproxy/overpass-tile-cache/internal/core/health"
	"github.com/tileproxy/overpass-tile-cache/internal/core/middleware"
	"github.com/tileproxy/overpass-tile-cache/internal/httpapi"
	"github.com/tileproxy/overpass-tile-cache/internal/passthrough"
)

// Run builds the spec.md §6.1 HTTP surface and serves it until ctx is
// cancelled.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger, api *httpapi.Handler, pt *passthrough.Handler) error {
	r := chi.NewRouter()
	r.Use(middleware.Recover(log))
	r.Use(middleware.Logging(log))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/interpreter", api.Interpreter)
		r.Post("/interpreter", api.Interpreter)
		r.Get("/status", pt.ServeHTTP)
		r.Get("/timestamp", pt.ServeHTTP)
		r.Get("/timestamp/*", pt.ServeHTTP)
		r.Post("/kill_my_queries", pt.ServeHTTP)
		r.HandleFunc("/*", pt.ServeHTTP)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      125 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
