package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fieldsync/internal/api"
	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and background sync",
		Long: `Serve the local REST API and WebSocket feed for the UI, probe the
backend for reachability, and drain queued actions whenever it is
reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions) error {
	cfg := opts.cfg

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logging.Warn("Trace exporter shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := api.NewHub()
	defer hub.Close()

	unsubQueue := a.Queue.Subscribe(hub.HandleQueueEvent)
	defer unsubQueue()
	unsubSnap := a.Cache.Subscribe(hub.HandleSnapshot)
	defer unsubSnap()
	defer a.Monitor.OnBecameReachable(func() { hub.HandleReachability(true) })()
	defer a.Monitor.OnBecameUnreachable(func() { hub.HandleReachability(false) })()

	var status api.StatusSource
	var errs api.ErrorSource
	if a.Engine != nil {
		a.Engine.SetEventHandler(func(ev syncpkg.Event) {
			a.Scheduler.HandleEngineEvent(ev)
			hub.HandleEngineEvent(ev)
		})
		status, errs = a.Scheduler, a.Engine
	} else {
		logging.Warn("No backend configured, actions stay queued", nil)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewHandler(a.Orders, status, errs, hub).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("API listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.Scheduler != nil {
		g.Go(func() error {
			a.Scheduler.Start(gctx)
			<-gctx.Done()
			a.Scheduler.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logging.Info("Shut down", nil)
	return err
}
