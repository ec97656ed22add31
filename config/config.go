// Package config loads the scribe configuration and stores the settings
// that can change while the service runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendPool   = "pool"
	BackendBroker = "broker"
)

// Broker transports accepted in BrokerConfig.Transport.
const (
	TransportSQLite = "sqlite"
	TransportRedis  = "redis"
)

// Engine kinds accepted in EngineConfig.Kind.
const (
	EngineCommand = "command"
	EngineHTTP    = "http"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Config holds the full scribe configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	DBPath    string `yaml:"db_path"`     // relative paths resolve under data_dir
	ObsDBPath string `yaml:"obs_db_path"` // observability database
	LogLevel  string `yaml:"log_level"`

	Backend           string   `yaml:"backend"` // pool | broker
	Concurrency       int      `yaml:"concurrency"`
	JobTimeout        Duration `yaml:"job_timeout"` // 0 disables
	CancelGrace       Duration `yaml:"cancel_grace"`
	PollInterval      Duration `yaml:"poll_interval"`
	AdmissionInterval Duration `yaml:"admission_interval"`
	RecoveryInterval  Duration `yaml:"recovery_interval"`
	SettingsPoll      Duration `yaml:"settings_poll"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	Upload UploadConfig `yaml:"upload"`
	Broker BrokerConfig `yaml:"broker"`
	Engine EngineConfig `yaml:"engine"`
	Enrich EnrichConfig `yaml:"enrich"`
}

// UploadConfig bounds chunked uploads.
type UploadConfig struct {
	MaxChunkMB    int      `yaml:"max_chunk_mb"`
	TTL           Duration `yaml:"ttl"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

// BrokerConfig configures the durable queue backend.
type BrokerConfig struct {
	Transport       string   `yaml:"transport"` // sqlite | redis
	Queue           string   `yaml:"queue"`
	Visibility      Duration `yaml:"visibility"`
	Lease           Duration `yaml:"lease"`
	Heartbeat       Duration `yaml:"heartbeat"`
	PollInterval    Duration `yaml:"poll_interval"`
	RedisAddr       string   `yaml:"redis_addr"`
	RedisPassword   string   `yaml:"redis_password"`
	RedisDB         int      `yaml:"redis_db"`
	EmbeddedWorkers int      `yaml:"embedded_workers"` // worker slots run inside the server
}

// EngineConfig selects the transcription engine.
type EngineConfig struct {
	Kind       string   `yaml:"kind"`    // command | http
	Command    []string `yaml:"command"` // argv with {audio} {model} {language}
	URL        string   `yaml:"url"`
	Token      string   `yaml:"token"`
	MaxRetries int      `yaml:"max_retries"`
	Model      string   `yaml:"model"`    // default when a job names none
	Language   string   `yaml:"language"` // default when a job names none
}

// EnrichConfig configures the optional enrichment step. An empty URL
// disables it.
type EnrichConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":8090",
		DataDir:           "data",
		DBPath:            "scribe.db",
		ObsDBPath:         "scribe_obs.db",
		LogLevel:          "info",
		Backend:           BackendPool,
		Concurrency:       2,
		JobTimeout:        Duration(2 * time.Hour),
		CancelGrace:       Duration(30 * time.Second),
		PollInterval:      Duration(500 * time.Millisecond),
		AdmissionInterval: Duration(2 * time.Second),
		RecoveryInterval:  Duration(5 * time.Minute),
		SettingsPoll:      Duration(2 * time.Second),
		HeartbeatInterval: Duration(15 * time.Second),
		Upload: UploadConfig{
			MaxChunkMB:    16,
			TTL:           Duration(24 * time.Hour),
			PurgeInterval: Duration(10 * time.Minute),
		},
		Broker: BrokerConfig{
			Transport:    TransportSQLite,
			Queue:        "transcribe",
			Visibility:   Duration(time.Minute),
			Lease:        Duration(time.Minute),
			Heartbeat:    Duration(15 * time.Second),
			PollInterval: Duration(time.Second),
		},
		Engine: EngineConfig{
			Kind:       EngineCommand,
			Command:    []string{"whisper-json", "--model", "{model}", "--language", "{language}", "{audio}"},
			MaxRetries: 3,
			Model:      "base",
		},
	}
}

// Load reads the YAML file at path over DefaultConfig, applies SCRIBE_*
// environment overrides and validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from SCRIBE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SCRIBE_LISTEN":           &c.Listen,
		"SCRIBE_DATA_DIR":         &c.DataDir,
		"SCRIBE_DB_PATH":          &c.DBPath,
		"SCRIBE_OBS_DB_PATH":      &c.ObsDBPath,
		"SCRIBE_LOG_LEVEL":        &c.LogLevel,
		"SCRIBE_BACKEND":          &c.Backend,
		"SCRIBE_BROKER_TRANSPORT": &c.Broker.Transport,
		"SCRIBE_REDIS_ADDR":       &c.Broker.RedisAddr,
		"SCRIBE_REDIS_PASSWORD":   &c.Broker.RedisPassword,
		"SCRIBE_ENGINE_KIND":      &c.Engine.Kind,
		"SCRIBE_ENGINE_URL":       &c.Engine.URL,
		"SCRIBE_ENGINE_TOKEN":     &c.Engine.Token,
		"SCRIBE_ENRICH_URL":       &c.Enrich.URL,
		"SCRIBE_ENRICH_TOKEN":     &c.Enrich.Token,
	}
	for k, p := range str {
		if v, ok := lookup(k); ok {
			*p = v
		}
	}
	if v, ok := lookup("SCRIBE_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SCRIBE_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v, ok := lookup("SCRIBE_JOB_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: SCRIBE_JOB_TIMEOUT: %w", err)
		}
		c.JobTimeout = Duration(d)
	}
	if v, ok := lookup("SCRIBE_ENGINE_COMMAND"); ok {
		c.Engine.Command = strings.Fields(v)
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unsupported log_level %q", c.LogLevel)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1")
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("config: job_timeout must be >= 0")
	}
	if c.Upload.MaxChunkMB <= 0 {
		return fmt.Errorf("config: upload.max_chunk_mb must be > 0")
	}
	if c.Upload.PurgeInterval <= 0 {
		return fmt.Errorf("config: upload.purge_interval must be > 0")
	}
	switch c.Backend {
	case BackendPool:
	case BackendBroker:
		switch c.Broker.Transport {
		case TransportSQLite:
		case TransportRedis:
			if c.Broker.RedisAddr == "" {
				return fmt.Errorf("config: broker.redis_addr is required for the redis transport")
			}
		default:
			return fmt.Errorf("config: unsupported broker.transport %q (use sqlite or redis)", c.Broker.Transport)
		}
		if c.Broker.Queue == "" {
			return fmt.Errorf("config: broker.queue is required")
		}
		if c.Broker.Heartbeat >= c.Broker.Visibility || c.Broker.Heartbeat >= c.Broker.Lease {
			return fmt.Errorf("config: broker.heartbeat must be shorter than visibility and lease")
		}
	default:
		return fmt.Errorf("config: unsupported backend %q (use pool or broker)", c.Backend)
	}
	switch c.Engine.Kind {
	case EngineCommand:
		if len(c.Engine.Command) == 0 {
			return fmt.Errorf("config: engine.command is required for the command engine")
		}
	case EngineHTTP:
		if c.Engine.URL == "" {
			return fmt.Errorf("config: engine.url is required for the http engine")
		}
	default:
		return fmt.Errorf("config: unsupported engine.kind %q (use command or http)", c.Engine.Kind)
	}
	return nil
}

func (c *Config) resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// DatabasePath is the registry database file.
func (c *Config) DatabasePath() string { return c.resolve(c.DBPath) }

// ObservabilityPath is the observability database file.
func (c *Config) ObservabilityPath() string { return c.resolve(c.ObsDBPath) }

func (c *Config) ChunksDir() string    { return filepath.Join(c.DataDir, "chunks") }
func (c *Config) ArtifactsDir() string { return filepath.Join(c.DataDir, "artifacts") }
func (c *Config) ResultsDir() string   { return filepath.Join(c.DataDir, "results") }

// MaxChunkBytes returns the chunk size limit in bytes.
func (c *Config) MaxChunkBytes() int64 { return int64(c.Upload.MaxChunkMB) << 20 }
