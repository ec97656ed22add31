// Package app assembles scribe components from a config.Config. Both
// binaries build their databases, engine and broker transport here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/scribe/config"
	"github.com/hazyhaar/scribe/dbopen"
	"github.com/hazyhaar/scribe/engine"
	"github.com/hazyhaar/scribe/execution"
	"github.com/hazyhaar/scribe/execution/broker"
	"github.com/hazyhaar/scribe/observability"
	"github.com/hazyhaar/scribe/vtq"
)

// Databases are the two SQLite handles a scribe process uses. The
// observability database is separate to keep log writes off the registry.
type Databases struct {
	Main *sql.DB
	Obs  *sql.DB
}

// OpenDatabases opens both databases, creating parent directories, and
// installs the observability schema.
func OpenDatabases(cfg *config.Config) (*Databases, error) {
	db, err := dbopen.Open(cfg.DatabasePath(), dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("app: open %s: %w", cfg.DatabasePath(), err)
	}
	obs, err := dbopen.Open(cfg.ObservabilityPath(), dbopen.WithMkdirAll())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("app: open %s: %w", cfg.ObservabilityPath(), err)
	}
	if err := observability.Init(obs); err != nil {
		db.Close()
		obs.Close()
		return nil, err
	}
	return &Databases{Main: db, Obs: obs}, nil
}

func (d *Databases) Close() error {
	err := d.Obs.Close()
	if mErr := d.Main.Close(); mErr != nil {
		err = mErr
	}
	return err
}

// NewEngine returns the configured engine, wrapped so jobs without a
// model or language get the configured ones, and the enricher when one
// is configured.
func NewEngine(cfg *config.Config) (engine.Engine, engine.Enricher, error) {
	var e engine.Engine
	switch cfg.Engine.Kind {
	case config.EngineCommand:
		c, err := engine.NewCommand(cfg.Engine.Command)
		if err != nil {
			return nil, nil, err
		}
		e = c
	case config.EngineHTTP:
		h := engine.NewHTTP(cfg.Engine.URL, cfg.Engine.Token)
		if cfg.Engine.MaxRetries > 0 {
			h.MaxRetries = cfg.Engine.MaxRetries
		}
		e = h
	default:
		return nil, nil, fmt.Errorf("app: unsupported engine kind %q", cfg.Engine.Kind)
	}
	e = engine.WithDefaults(e, engine.Params{Model: cfg.Engine.Model, Language: cfg.Engine.Language})

	var enr engine.Enricher
	if cfg.Enrich.URL != "" {
		enr = engine.NewHTTPEnricher(cfg.Enrich.URL, cfg.Enrich.Token)
	}
	return e, enr, nil
}

// NewExecutor returns the runner shared by the pool and broker workers.
// The timeout is left to the orchestrator, which can change it at runtime.
func NewExecutor(cfg *config.Config, logger *slog.Logger) (*execution.Executor, error) {
	e, enr, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ResultsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("app: results dir: %w", err)
	}
	return &execution.Executor{
		Engine:     e,
		Enricher:   enr,
		ResultsDir: cfg.ResultsDir(),
		Logger:     logger,
	}, nil
}

// NewTransport opens the broker queue. The returned close func releases
// the Redis client; it is a no-op for the SQLite queue.
func NewTransport(ctx context.Context, cfg *config.Config, db *sql.DB) (broker.Transport, func() error, error) {
	bc := cfg.Broker
	switch bc.Transport {
	case config.TransportSQLite:
		q := vtq.New(db, vtq.Options{Queue: bc.Queue, Visibility: bc.Visibility.D()})
		if err := q.EnsureTable(ctx); err != nil {
			return nil, nil, fmt.Errorf("app: vtq table: %w", err)
		}
		return q, func() error { return nil }, nil
	case config.TransportRedis:
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{bc.RedisAddr},
			Password: bc.RedisPassword,
			DB:       bc.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("app: redis %s: %w", bc.RedisAddr, err)
		}
		return broker.NewRedisQueue(rdb, bc.Queue, bc.Visibility.D()), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unsupported broker transport %q", bc.Transport)
	}
}

// WorkerConfig maps the broker settings onto a worker named name.
func WorkerConfig(cfg *config.Config, name string, concurrency int) broker.WorkerConfig {
	return broker.WorkerConfig{
		Name:         name,
		Concurrency:  concurrency,
		Lease:        cfg.Broker.Lease.D(),
		Heartbeat:    cfg.Broker.Heartbeat.D(),
		PollInterval: cfg.Broker.PollInterval.D(),
	}
}
