// Package app wires the daemon's config, orchestrator engine, and HTTP
// transport into a single runnable unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/polunzh/aiva/internal/orchestrator"
	"github.com/polunzh/aiva/internal/server/config"
)

// App owns the HTTP listener and the orchestrator engine's shutdown
// sequence.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	engine       orchestrator.Engine
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.ServerConfig, logger *slog.Logger, engine orchestrator.Engine, mux http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("app: logger must not be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("app: orchestrator engine must not be nil")
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	httpServer := &http.Server{
		Addr:         cfg.APIListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // log-follow and event-stream responses run open-ended
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		engine:       engine,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run starts the HTTP server, blocking until ctx is canceled, then drains
// in-flight requests and shuts the orchestrator engine down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		if err := a.engine.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("engine shutdown", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
