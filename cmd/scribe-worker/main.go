// Command scribe-worker consumes the scribe broker queue and runs
// transcription jobs. It shares the registry database with the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/scribe/app"
	"github.com/hazyhaar/scribe/config"
	"github.com/hazyhaar/scribe/execution/broker"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/registry"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("SCRIBE_CONFIG"), "path to the YAML config file")
	name := flag.String("name", "", "worker name used as claim owner (default host-pid)")
	concurrency := flag.Int("concurrency", 1, "jobs run in parallel")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	if *name == "" {
		host, _ := os.Hostname()
		*name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if *concurrency < 1 {
		slog.Error("concurrency must be >= 1")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *name, *concurrency, logger); err != nil {
		slog.Error("scribe-worker", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, name string, concurrency int, logger *slog.Logger) error {
	dbs, err := app.OpenDatabases(cfg)
	if err != nil {
		return err
	}
	defer dbs.Close()

	reg := registry.New(dbs.Main)
	if err := reg.Init(ctx); err != nil {
		return err
	}
	executor, err := app.NewExecutor(cfg, logger)
	if err != nil {
		return err
	}
	tr, closeTr, err := app.NewTransport(ctx, cfg, dbs.Main)
	if err != nil {
		return err
	}
	defer closeTr()

	w := broker.NewWorker(tr, reg, executor, app.WorkerConfig(cfg, name, concurrency),
		broker.WithWorkerLogger(logger))

	heartbeat := observability.NewHeartbeatWriter(dbs.Obs, name, "worker",
		cfg.HeartbeatInterval.D(), w.Active, logger)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	return w.Run(ctx)
}
