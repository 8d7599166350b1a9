package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"c19x.org/internal/audit"
	"c19x.org/internal/auth"
	"c19x.org/internal/config"
	"c19x.org/internal/control"
	"c19x.org/internal/httpapi"
	"c19x.org/internal/logging"
	"c19x.org/internal/obs"
	"c19x.org/internal/publish"
	"c19x.org/internal/registry"
	"c19x.org/internal/scheduler"
	"c19x.org/internal/store"
	"c19x.org/internal/store/etcd"
	"c19x.org/internal/store/pg"
)

const serverWriteTimeout = 15 * time.Second

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "c19x-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := logging.NewSlogLogger(obs.NewLogger(os.Stdout, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := registry.New(ctx, st,
		registry.WithHorizon(cfg.Horizon),
		registry.WithLogger(log.With("component", "registry")))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	params := config.NewHolder(config.DefaultParameters())
	watcher := config.NewFileWatcher(cfg.ParametersFile, config.DefaultWatchInterval, log)
	config.LoadParameters(ctx, watcher, params)

	pub, err := publish.New(reg, params,
		publish.WithEncoding(cfg.SnapshotEncoding),
		publish.WithBitmapRange(cfg.BitmapRange),
		publish.WithLogger(log.With("component", "publisher")))
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}

	trail, err := audit.Open(cfg.AuditFile, audit.WithLogger(log.With("component", "audit")))
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer trail.Close()

	authority := auth.New(cfg.UsersFile,
		auth.WithIdleTimeout(cfg.SessionIdle),
		auth.WithBackoff(auth.DefaultBackoffBase, cfg.BackoffMax),
		auth.WithAuditor(trail),
		auth.WithLogger(log.With("component", "auth")))

	plane := control.New(authority, reg, pub, trail, log.With("component", "control"))

	sched := scheduler.New(reg, pub, params, log.With("component", "scheduler"))

	api := httpapi.New(httpapi.Deps{
		Registry:      reg,
		Snapshots:     pub,
		Parameters:    params,
		Sessions:      authority,
		Control:       plane,
		Ready:         st,
		Log:           log,
		Version:       version,
		RateBurst:     cfg.RateBurst,
		RatePerSecond: cfg.RatePerSecond,

		SessionWriteTimeout: cfg.BackoffMax + serverWriteTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sched.Start(gctx)
	g.Go(func() error {
		config.WatchParameters(gctx, watcher, params, func(p config.Parameters) {
			sched.Reconfigure(p.Update)
		})
		return nil
	})
	g.Go(func() error {
		log.Info(gctx, "starting c19x-server", "version", version, "addr", srv.Addr,
			"store", cfg.StoreBackend, "encoding", cfg.SnapshotEncoding)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	sched.Wait()
	log.Info(context.Background(), "stopped")
	return err
}

func openStore(cfg *config.Server) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		s, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	case "etcd":
		s, err := etcd.Open(cfg.EtcdEndpoints)
		if err != nil {
			return nil, fmt.Errorf("etcd: %w", err)
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}
