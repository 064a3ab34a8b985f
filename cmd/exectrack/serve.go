package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soochol/exectrack/internal/api"
	"github.com/soochol/exectrack/internal/services"
	"github.com/soochol/exectrack/internal/signal"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, signal inbox and maintenance jobs",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	channel := signal.NewChannel()
	registry := services.NewExecutionRegistry(ctx, store, registryOptions(cfg))
	tracker := services.NewExecutionTracker(ctx, store, trackerOptions(cfg))
	services.NewSignalBridge(registry).Attach(channel)
	tracker.Attach(channel)

	maint, err := services.NewMaintenance(registry, tracker, services.MaintenanceOptions{
		FlushCron:   cfg.Maintenance.FlushCron,
		RegistryTTL: cfg.Registry.HistoryTTL.Std(),
		TrackerTTL:  cfg.Tracker.HistoryTTL.Std(),
	})
	if err != nil {
		return err
	}

	var inbox *signal.Inbox
	if cfg.Signals.InboxDir != "" {
		inbox, err = signal.NewInbox(cfg.Signals.InboxDir, channel, cfg.Signals.InboxDebounce.Std())
		if err != nil {
			return err
		}
	}

	srv := api.NewServer(registry, tracker, channel)
	srv.SetSignalSecret(cfg.Signals.Secret)
	srv.SetCORSOrigins(cfg.Server.CORSOrigins)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	maint.Start()
	if inbox != nil {
		inbox.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting exectrack server", "addr", httpServer.Addr, "storage", cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	slog.Info("shutting down")
	if inbox != nil {
		inbox.Stop()
	}
	maint.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Storage.WriteTimeout.Std()+5*time.Second)
	defer cancel()
	registry.Dispose(flushCtx)
	if ferr := tracker.Flush(flushCtx); ferr != nil {
		slog.Warn("final tracker flush failed", "err", ferr)
	}
	channel.DisposeAll()
	return err
}
