// SPDX-License-Identifier: MIT

// Package app is the composition root. It owns the long-lived service
// objects (store, transport, presence tracker, HTTP server) and their
// lifecycle: built once at startup, torn down in reverse order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fitsync/liveworkout/internal/api"
	"github.com/fitsync/liveworkout/internal/config"
	"github.com/fitsync/liveworkout/internal/live/clientstate"
	"github.com/fitsync/liveworkout/internal/live/manager"
	"github.com/fitsync/liveworkout/internal/live/presence"
	"github.com/fitsync/liveworkout/internal/live/store"
	"github.com/fitsync/liveworkout/internal/live/transport"
	"github.com/fitsync/liveworkout/internal/log"
	"github.com/fitsync/liveworkout/internal/telemetry"
	"github.com/fitsync/liveworkout/internal/version"
)

// App owns the service lifecycle.
type App struct {
	logger    zerolog.Logger
	holder    *config.Holder
	store     *store.SqliteStore
	transport *transport.Redis
	tracker   *presence.Tracker
	telemetry *telemetry.Provider
	server    *http.Server
}

// New builds the full dependency graph from configuration. Nothing is
// serving yet; call Run.
func New(ctx context.Context, holder *config.Holder) (*App, error) {
	cfg := holder.Get()
	logger := log.WithComponent("app")

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "liveworkoutd",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}

	tr, err := transport.New(transport.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("app: transport: %w", err)
	}

	st, err := store.NewSqliteStore(cfg.Store.Path, tr)
	if err != nil {
		_ = tr.Close()
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("app: store: %w", err)
	}

	apiServer := api.New(api.Config{
		Sessions:           st,
		Notifications:      st,
		Transport:          tr,
		ServiceName:        "liveworkoutd",
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	})

	return &App{
		logger:    logger,
		holder:    holder,
		store:     st,
		transport: tr,
		tracker:   presence.NewTracker(tr),
		telemetry: tp,
		server: &http.Server{
			Addr:         cfg.Server.Listen,
			Handler:      apiServer.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}, nil
}

// NewSessionManager constructs the per-user session coordinator against the
// app-owned services. Called after a user authenticates; closed on
// sign-out.
func (a *App) NewSessionManager(userID, username, statePath string, cbs manager.Callbacks) *manager.Manager {
	cfg := a.holder.Get()
	var cs *clientstate.Store
	if statePath != "" {
		cs = clientstate.NewStore(statePath)
	}
	return manager.New(manager.Config{
		SelfID:          userID,
		Username:        username,
		Store:           a.store,
		Notifications:   a.store,
		Transport:       a.transport,
		Tracker:         a.tracker,
		ClientState:     cs,
		Callbacks:       cbs,
		HeartbeatEvery:  cfg.Live.HeartbeatEvery,
		ScanEvery:       cfg.Live.ScanEvery,
		EvictAfter:      cfg.Live.EvictAfter,
		BroadcastMinGap: cfg.Live.BroadcastMinGap,
	})
}

// Tracker exposes the global presence tracker.
func (a *App) Tracker() *presence.Tracker { return a.tracker }

// Run serves until ctx is cancelled or a subsystem fails, then shuts down
// gracefully.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	cfg := a.holder.Get()

	g.Go(func() error {
		a.logger.Info().Str("listen", a.server.Addr).Str("version", version.Version).Msg("http server starting")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	// Config file watcher is best effort; a broken watcher must not take
	// the service down.
	g.Go(func() error {
		if err := a.holder.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("config watcher unavailable")
		}
		return nil
	})

	// SIGHUP triggers a manual reload.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				a.logger.Info().Msg("reload signal received")
				if err := a.holder.Reload(ctx); err != nil {
					a.logger.Warn().Err(err).Msg("config reload failed")
				}
			}
		}
	})

	err := g.Wait()
	a.close()
	return err
}

// close tears the service objects down in reverse construction order.
func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.tracker.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("presence tracker close failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close failed")
	}
	if err := a.transport.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("transport close failed")
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	a.logger.Info().Msg("shutdown complete")
}
