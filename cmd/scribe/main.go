// Command scribe is the transcription job server: chunked uploads, the
// job registry, the orchestrator and the HTTP, SSE and MCP surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/scribe/api"
	"github.com/hazyhaar/scribe/app"
	"github.com/hazyhaar/scribe/chunkstore"
	"github.com/hazyhaar/scribe/config"
	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/execution/broker"
	"github.com/hazyhaar/scribe/execution/pool"
	"github.com/hazyhaar/scribe/idgen"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/orchestrator"
	"github.com/hazyhaar/scribe/progress"
	"github.com/hazyhaar/scribe/registry"
	"github.com/hazyhaar/scribe/upload"
	"github.com/hazyhaar/scribe/watch"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", os.Getenv("SCRIBE_CONFIG"), "path to the YAML config file (defaults and SCRIBE_* variables when empty)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("scribe", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dbs, err := app.OpenDatabases(cfg)
	if err != nil {
		return err
	}
	defer dbs.Close()

	// Observability.
	events := observability.NewEventLogger(dbs.Obs, "scribe",
		observability.WithEventIDGenerator(idgen.Prefixed("evt_", idgen.Default)),
		observability.WithEventLogger(logger))
	metrics := observability.NewMetricsManager(dbs.Obs, 100, 5*time.Second, logger)
	defer metrics.Close()
	reqlog := observability.NewRequestLog(dbs.Obs, logger)

	// Registry, settings, uploads.
	reg := registry.New(dbs.Main)
	if err := reg.Init(ctx); err != nil {
		return err
	}
	settings := config.NewSettings(dbs.Main)
	if err := settings.Init(ctx); err != nil {
		return err
	}
	chunks, err := chunkstore.New(cfg.ChunksDir())
	if err != nil {
		return err
	}
	uploads := upload.New(dbs.Main, chunks, cfg.ArtifactsDir(),
		upload.WithMaxChunkBytes(cfg.MaxChunkBytes()),
		upload.WithLogger(logger),
		upload.WithEvents(events),
		upload.WithMetrics(metrics))
	if err := uploads.Init(ctx); err != nil {
		return err
	}
	if n, err := uploads.RecoverStale(ctx); err != nil {
		logger.Warn("upload recovery", "error", err)
	} else if n > 0 {
		logger.Info("upload recovery", "sessions", n)
	}

	// Runtime values stored by a previous run win over the file.
	rt, err := settings.Runtime(ctx, cfg.Runtime())
	if err != nil {
		return err
	}

	executor, err := app.NewExecutor(cfg, logger)
	if err != nil {
		return err
	}
	backend, closeBackend, err := newBackend(ctx, cfg, rt.Concurrency, reg, executor, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	bus := progress.New(progress.WithExists(reg.Exists), progress.WithLogger(logger))
	orch := orchestrator.New(reg, backend, bus, orchestrator.Config{
		Timeout:           rt.JobTimeout,
		CancelGrace:       cfg.CancelGrace.D(),
		PollInterval:      cfg.PollInterval.D(),
		AdmissionInterval: cfg.AdmissionInterval.D(),
		RecoveryInterval:  cfg.RecoveryInterval.D(),
	},
		orchestrator.WithUploads(uploads),
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(events),
		orchestrator.WithMetrics(metrics))
	if err := orch.Start(ctx); err != nil {
		return err
	}

	heartbeat := observability.NewHeartbeatWriter(dbs.Obs, "scribe", "server",
		cfg.HeartbeatInterval.D(), orch.InFlight, logger)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	watcher := watch.New(settings.Revision, watch.Options{Interval: cfg.SettingsPoll.D(), Logger: logger})
	go watcher.Run(ctx, watch.ApplySettings(settings, cfg.Runtime(), orch, logger))

	go janitor(ctx, uploads, dbs, cfg, logger)

	srv := api.New(orch,
		api.WithUploads(uploads),
		api.WithSettings(settings),
		api.WithArtifactsDir(cfg.ArtifactsDir()),
		api.WithMaxChunkBytes(cfg.MaxChunkBytes()),
		api.WithLogger(logger),
		api.WithRequestLog(reqlog),
		api.WithHealthCheck(func(ctx context.Context) error { return dbs.Main.PingContext(ctx) }),
		api.WithVersion(version))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("scribe listening", "addr", cfg.Listen, "backend", cfg.Backend,
			"concurrency", rt.Concurrency, "version", version)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			orch.Stop(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("scribe shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.CancelGrace.D()+5*time.Second)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return orch.Stop(shutdownCtx)
}

// newBackend builds the execution backend. Embedded broker workers run
// until ctx ends or the returned close func is called.
func newBackend(ctx context.Context, cfg *config.Config, limit int, reg *registry.Registry, runner execution.Runner, logger *slog.Logger) (execution.Backend, func() error, error) {
	if cfg.Backend == config.BackendPool {
		p := pool.New(runner, limit, pool.WithLogger(logger))
		return p, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace.D())
			defer cancel()
			return p.Close(ctx)
		}, nil
	}

	tr, closeTr, err := app.NewTransport(ctx, cfg, reg.DB())
	if err != nil {
		return nil, nil, err
	}
	b := broker.New(tr, reg, limit, broker.WithLogger(logger))
	n := cfg.Broker.EmbeddedWorkers
	if n <= 0 {
		return b, closeTr, nil
	}

	host, _ := os.Hostname()
	w := broker.NewWorker(tr, reg, runner, app.WorkerConfig(cfg, fmt.Sprintf("%s-embedded-%d", host, os.Getpid()), n),
		broker.WithWorkerLogger(logger))
	wctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(wctx); err != nil {
			logger.Error("embedded worker", "error", err)
		}
	}()
	return b, func() error {
		stop()
		<-done
		return closeTr()
	}, nil
}

// janitor purges expired upload sessions and old observability rows.
func janitor(ctx context.Context, uploads *upload.Assembler, dbs *app.Databases, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Upload.PurgeInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		purged, err := uploads.Purge(ctx, cfg.Upload.TTL.D())
		if err != nil {
			logger.Warn("upload purge", "error", err)
		} else if len(purged) > 0 {
			logger.Info("upload purge", "sessions", len(purged))
		}
		err = observability.Cleanup(ctx, dbs.Obs, observability.RetentionConfig{
			EventLogsDays:  30,
			HTTPLogsDays:   7,
			HeartbeatsDays: 3,
			MetricsDays:    30,
		})
		if err != nil {
			logger.Warn("observability cleanup", "error", err)
		}
	}
}

