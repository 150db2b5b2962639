// Package bot wires the HTTP server and the task scheduler together and
// manages their lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yupoline/yupoline/internal/config"
)

// Bot represents the main application and manages its components' lifecycle.
type Bot struct {
	logger     *slog.Logger
	cfg        *config.Config
	server     *http.Server
	scheduler  *Scheduler
	background *sync.WaitGroup
}

// NewBot creates the orchestrator. handler serves the webhook and admin
// API; background tracks detached work started by the handlers.
func NewBot(
	logger *slog.Logger,
	cfg *config.Config,
	handler http.Handler,
	scheduler *Scheduler,
	background *sync.WaitGroup,
) *Bot {
	return &Bot{
		logger: logger.With("component", "bot_orchestrator"),
		cfg:    cfg,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
		scheduler:  scheduler,
		background: background,
	}
}

// Run starts the HTTP server and the scheduler and blocks until ctx is
// cancelled or a component fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting HTTP server", "addr", b.server.Addr)
		if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		b.logger.Info("HTTP server stopped.")
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("Error shutting down HTTP server", "error", err)
		}
		b.waitBackground(shutdownCtx)
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting scheduler...")
		if err := b.scheduler.Start(); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler...")

		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}

		return nil
	})

	b.logger.Info("Bot orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}

// waitBackground waits for detached handler work until ctx expires.
func (b *Bot) waitBackground(ctx context.Context) {
	if b.background == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		b.background.Wait()
		close(done)
	}()

	start := time.Now()
	select {
	case <-done:
		b.logger.Debug("Background work finished", "waited", time.Since(start))
	case <-ctx.Done():
		b.logger.Warn("Gave up waiting for background work", "waited", time.Since(start))
	}
}
