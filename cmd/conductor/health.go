package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/middleware"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

type healthDeps struct {
	queue    messagequeue.Queue
	breaker  *resilience.Breaker
	registry *service.AgentRegistry
	engine   *service.WorkflowEngine
	store    eventstore.Store
	driver   string
}

type healthStatus struct {
	Status     string `json:"status"`
	Storage    string `json:"storage"`
	NATS       string `json:"nats"`
	Dispatch   string `json:"dispatch_breaker"`
	Agents     int    `json:"agents"`
	Workflows  int    `json:"workflows"`
	Executions int    `json:"executions"`
	Messages   int    `json:"messages"`
}

func newHealthServer(cfg *config.Config, deps healthDeps) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", healthHandler(deps))

	return &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// healthHandler reports 503 while NATS is disconnected or the dispatch
// breaker is open.
func healthHandler(deps healthDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:     "ok",
			Storage:    deps.driver,
			NATS:       "connected",
			Dispatch:   deps.breaker.State(),
			Agents:     len(deps.registry.List()),
			Workflows:  len(deps.engine.Definitions()),
			Executions: len(deps.engine.Executions()),
			Messages:   deps.store.Count(r.Context(), eventstore.Filter{}),
		}
		code := http.StatusOK
		if !deps.queue.IsConnected() {
			status.NATS = "disconnected"
		}
		if status.NATS != "connected" || status.Dispatch == "open" {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting health server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
