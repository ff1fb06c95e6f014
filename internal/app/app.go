// Package app provides the top-level application lifecycle management for the
// marketplace server. It wires together all dependencies (stores, bus, cache,
// pinning, settlement session, notifications), builds the service layer, and
// runs the HTTP server and WebSocket hub until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"chainmarket/internal/config"
	"chainmarket/internal/market"
	"chainmarket/internal/server"
	"chainmarket/internal/server/handler"
	"chainmarket/internal/server/ws"
)

// shutdownGrace bounds how long in-flight HTTP requests get on shutdown.
const shutdownGrace = 10 * time.Second

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, builds the service
// layer, starts the WebSocket hub and HTTP server, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("storage", a.cfg.Storage),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	defer a.Close()

	// Service layer.
	listingSvc := market.NewListingService(
		deps.ListingStore, deps.BidStore, deps.Cache, deps.Bus, a.logger,
	)
	ledger := market.NewBidLedger(
		deps.ListingStore, deps.BidStore, deps.Cache, deps.Bus, a.logger,
	)
	coordinator := market.NewCreationCoordinator(market.CoordinatorOptions{
		Pinner:         deps.Pinner,
		Mirror:         deps.Mirror,
		Listings:       deps.ListingStore,
		Cache:          deps.Cache,
		Bus:            deps.Bus,
		Session:        deps.Session,
		Notifier:       deps.Notifier,
		Logger:         a.logger,
		ConfirmTimeout: a.cfg.Settlement.ConfirmTimeout.Duration,
	})
	a.closers = append(a.closers, coordinator.Close)

	// WebSocket hub.
	hub := ws.NewHub(deps.Bus, listingSvc, a.cfg.Server.CORSOrigins, a.logger)

	// HTTP server.
	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimit:       a.cfg.Server.RateLimit,
			RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(a.logger),
			Listings: handler.NewListingHandler(listingSvc, ledger, coordinator, a.logger),
			Session:  handler.NewSessionHandler(deps.Session, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("app: hub: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
