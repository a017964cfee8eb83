package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"schedflow/internal/api"
	"schedflow/internal/config"
	"schedflow/internal/dispatch"
	"schedflow/internal/lifecycle"
	"schedflow/internal/logging"
	"schedflow/internal/scheduler"
	"schedflow/internal/store"
	"schedflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $SCHEDFLOW_CONFIG or ./schedflow.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "schedflow:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	lg, logCloser := logging.Setup(cfg.Log, os.Stdout)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	configured := 0
	for p, u := range cfg.Dispatch.Platforms {
		if u == "" {
			lg.Warn().Str("platform", p).Msg("no handler URL configured; tasks for this platform will fail")
			continue
		}
		configured++
	}

	disp := dispatch.New(repo, dispatch.Options{
		BaseURLs:         cfg.Dispatch.Platforms,
		ServiceToken:     cfg.OutboundToken(),
		Timeout:          cfg.Dispatch.Timeout,
		MaxResponseBytes: cfg.Dispatch.MaxResponseBytes,
		Logger:           &lg,
	})
	pool := worker.NewPool(worker.ExecutorFunc(func(ctx context.Context, f scheduler.Fire) {
		disp.Execute(ctx, f)
	}), worker.Options{
		Workers:    cfg.Dispatch.Workers,
		QueueSize:  cfg.Dispatch.QueueSize,
		RatePerSec: cfg.Dispatch.RatePerSec,
		Burst:      cfg.Dispatch.Burst,
		Logger:     &lg,
	})
	engine := scheduler.NewEngine(repo, scheduler.Options{MisfireGrace: cfg.Trigger.MisfireGrace, Logger: &lg})
	mgr := lifecycle.New(repo, engine, pool, lifecycle.Options{Logger: &lg})

	rep, err := mgr.Start(ctx)
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	lg.Info().Int("recovered", rep.Recovered).Int("registered", rep.Registered).
		Int("platforms", configured).Msg("scheduler ready")

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(mgr, api.Options{Token: cfg.Auth.Token, EnableDebug: cfg.Debug.Pprof, Logger: &lg}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	srvErr := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", cfg.HTTP.Addr).Bool("pprof", cfg.Debug.Pprof).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn().Err(err).Msg("sd_notify READY failed")
	} else if ok {
		lg.Debug().Msg("notified systemd: ready")
	}

	var runErr error
	select {
	case <-ctx.Done():
		lg.Info().Msg("shutting down")
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
		lg.Error().Err(err).Msg("http server failed; shutting down")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("http shutdown")
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("scheduler shutdown")
	}
	lg.Info().Msg("stopped")
	return runErr
}
