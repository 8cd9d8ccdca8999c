package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"plume/internal/auth"
	"plume/internal/cadence"
	"plume/internal/observability"
	"plume/internal/rollup"
	httpserver "plume/internal/server/http"
	"plume/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: workers, scheduler, scanner, roll-up and the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	pub, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	gov := newGovernor(cfg)
	scan := newScanner(cfg, store)
	planner := newPlanner(cfg, store)
	authSvc := auth.NewService(auth.NewPostgresStore(pool), componentLogger("auth"))

	workers := worker.New(store, gen, pub, gov, workerConfig(cfg), componentLogger("worker"))

	metrics, err := observability.NewMetricsCollector(cfg.Server.MetricsEnabled, gov)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	workers.SetMetrics(metrics)
	scan.SetMetrics(metrics)

	loop, err := cadence.NewLoop(planner, time.Duration(cfg.Scheduler.TickIntervalS)*time.Second, componentLogger("cadence"))
	if err != nil {
		return fmt.Errorf("init scheduler loop: %w", err)
	}
	roll := rollup.New(store, 0, componentLogger("rollup"))
	roll.SetMetrics(metrics)

	srv := httpserver.New(httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsEnabled: cfg.Server.MetricsEnabled,
		WorkerCount:    cfg.Workers.Count,
	}, httpserver.Deps{
		Store:     store,
		Auth:      authSvc,
		Scanner:   scan,
		Governor:  gov,
		Scheduler: loop,
		Rollup:    roll,
		Metrics:   metrics.Handler(),
	}, componentLogger("server"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return scanLoop(gctx, cfg, scan, store) })

	loop.Start()
	if err := roll.Start(time.Hour); err != nil {
		return fmt.Errorf("start roll-up: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Println(green("plume engine running"), gray(fmt.Sprintf("(api %s:%d, %d workers)",
		cfg.Server.Host, cfg.Server.Port, cfg.Workers.Count)))

	<-gctx.Done()
	fmt.Println(yellow("shutting down..."))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		componentLogger("server").Warn("shutdown: %v", err)
	}
	loop.Stop()
	roll.Stop()
	if err := g.Wait(); err != nil && err != context.Canceled {
		componentLogger("engine").Warn("engine stopped: %v", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		componentLogger("engine").Warn("metrics shutdown: %v", err)
	}
	fmt.Println(green("stopped"))
	return nil
}
