package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/scribe/dbopen"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.MaxChunkBytes() != 16<<20 {
		t.Errorf("MaxChunkBytes = %d", cfg.MaxChunkBytes())
	}
	if got := cfg.DatabasePath(); got != filepath.Join("data", "scribe.db") {
		t.Errorf("DatabasePath = %q", got)
	}
}

func TestLoad(t *testing.T) {
	yaml := `
listen: ":9090"
data_dir: "/srv/scribe"
db_path: "/var/lib/scribe/jobs.db"
backend: broker
concurrency: 4
job_timeout: 45m
upload:
  max_chunk_mb: 8
  ttl: 6h
broker:
  transport: redis
  redis_addr: "localhost:6379"
  visibility: 2m
  lease: 2m
  heartbeat: 20s
engine:
  kind: http
  url: "http://asr.internal/v1/transcribe"
`
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.JobTimeout.D() != 45*time.Minute {
		t.Errorf("JobTimeout = %s", cfg.JobTimeout)
	}
	if cfg.Upload.TTL.D() != 6*time.Hour {
		t.Errorf("Upload.TTL = %s", cfg.Upload.TTL)
	}
	if cfg.Upload.PurgeInterval.D() != 10*time.Minute {
		t.Errorf("PurgeInterval default lost: %s", cfg.Upload.PurgeInterval)
	}
	if cfg.Broker.Heartbeat.D() != 20*time.Second {
		t.Errorf("Broker.Heartbeat = %s", cfg.Broker.Heartbeat)
	}
	if cfg.DatabasePath() != "/var/lib/scribe/jobs.db" {
		t.Errorf("absolute db_path rewritten: %q", cfg.DatabasePath())
	}
	if cfg.ArtifactsDir() != "/srv/scribe/artifacts" {
		t.Errorf("ArtifactsDir = %q", cfg.ArtifactsDir())
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	if err := os.WriteFile(path, []byte("job_timeout: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error for job_timeout: soon")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCRIBE_CONCURRENCY":    "7",
		"SCRIBE_JOB_TIMEOUT":    "90s",
		"SCRIBE_BACKEND":        "broker",
		"SCRIBE_ENGINE_COMMAND": "asr --json {audio}",
	}
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Concurrency != 7 || cfg.JobTimeout.D() != 90*time.Second || cfg.Backend != BackendBroker {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Engine.Command) != 3 || cfg.Engine.Command[2] != "{audio}" {
		t.Fatalf("Engine.Command = %q", cfg.Engine.Command)
	}

	bad := DefaultConfig()
	err = bad.ApplyEnv(func(k string) (string, bool) {
		if k == "SCRIBE_CONCURRENCY" {
			return "many", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected an error for SCRIBE_CONCURRENCY=many")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"unknown backend", func(c *Config) { c.Backend = "k8s" }},
		{"redis without addr", func(c *Config) { c.Backend = BackendBroker; c.Broker.Transport = TransportRedis }},
		{"heartbeat too long", func(c *Config) { c.Backend = BackendBroker; c.Broker.Heartbeat = c.Broker.Lease }},
		{"http engine without url", func(c *Config) { c.Engine.Kind = EngineHTTP }},
		{"empty command", func(c *Config) { c.Engine.Command = nil }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func newSettings(t *testing.T) *Settings {
	t.Helper()
	s := NewSettings(dbopen.OpenMemory(t))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSettings(t *testing.T) {
	s := newSettings(t)
	ctx := context.Background()

	if rev, _ := s.Revision(ctx); rev != 0 {
		t.Fatalf("empty revision = %d", rev)
	}
	if _, ok, err := s.Get(ctx, KeyConcurrency); err != nil || ok {
		t.Fatalf("Get unset = %v, %v", ok, err)
	}

	if err := s.Set(ctx, KeyConcurrency, "3"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, KeyJobTimeout, "10m"); err != nil {
		t.Fatal(err)
	}
	rev1, _ := s.Revision(ctx)
	if err := s.Set(ctx, KeyConcurrency, "5"); err != nil {
		t.Fatal(err)
	}
	rev2, _ := s.Revision(ctx)
	if rev2 <= rev1 {
		t.Fatalf("revision did not advance: %d -> %d", rev1, rev2)
	}

	v, ok, err := s.Get(ctx, KeyConcurrency)
	if err != nil || !ok || v != "5" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	all, err := s.All(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("All = %v, %v", all, err)
	}

	rt, err := s.Runtime(ctx, Runtime{Concurrency: 1, JobTimeout: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if rt.Concurrency != 5 || rt.JobTimeout != 10*time.Minute {
		t.Fatalf("Runtime = %+v", rt)
	}
}

func TestSettingsRejects(t *testing.T) {
	s := newSettings(t)
	ctx := context.Background()

	if err := s.Set(ctx, "color", "blue"); !errors.Is(err, ErrUnknownSetting) {
		t.Fatalf("unknown key: %v", err)
	}
	if err := s.Set(ctx, KeyConcurrency, "0"); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("concurrency 0: %v", err)
	}
	if err := s.Set(ctx, KeyJobTimeout, "-1s"); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("negative timeout: %v", err)
	}
	if _, _, err := s.Get(ctx, "color"); !errors.Is(err, ErrUnknownSetting) {
		t.Fatalf("Get unknown: %v", err)
	}
	if rev, _ := s.Revision(ctx); rev != 0 {
		t.Fatalf("rejected writes bumped revision to %d", rev)
	}
}
