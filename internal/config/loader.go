package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "conductor.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path is CONDUCTOR_CONFIG when set, DefaultConfigFile otherwise.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("CONDUCTOR_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	return load(yamlPath, CLIFlags{})
}

// LoadWithCLI applies the full hierarchy including CLI flags and returns
// the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if v := os.Getenv("CONDUCTOR_CONFIG"); v != "" {
		path = v
	}
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}
	cfg, err := load(path, flags)
	return cfg, path, err
}

func load(yamlPath string, flags CLIFlags) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONDUCTOR_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "CONDUCTOR_SHUTDOWN_TIMEOUT")
	setString(&cfg.Storage.Driver, "CONDUCTOR_STORAGE_DRIVER")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONDUCTOR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONDUCTOR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONDUCTOR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONDUCTOR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONDUCTOR_PG_HEALTH_CHECK")
	setString(&cfg.SQLite.Path, "CONDUCTOR_SQLITE_PATH")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "CONDUCTOR_NATS_STREAM")
	setString(&cfg.NATS.InboundSubject, "CONDUCTOR_NATS_INBOUND")
	setList(&cfg.NATS.RelayTypes, "CONDUCTOR_NATS_RELAY_TYPES")

	// Cache
	setBool(&cfg.Cache.Enabled, "CONDUCTOR_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONDUCTOR_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "CONDUCTOR_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "CONDUCTOR_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "CONDUCTOR_CACHE_L2_TTL")

	setString(&cfg.Logging.Level, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUCTOR_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONDUCTOR_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "CONDUCTOR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONDUCTOR_BREAKER_TIMEOUT")
	setDuration(&cfg.Breaker.Interval, "CONDUCTOR_BREAKER_INTERVAL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "CONDUCTOR_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "CONDUCTOR_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "CONDUCTOR_OTEL_SAMPLE_RATE")

	setInt(&cfg.EventStore.SubscriberBuffer, "CONDUCTOR_SUBSCRIBER_BUFFER")
	setDuration(&cfg.Registry.HeartbeatTimeout, "CONDUCTOR_HEARTBEAT_TIMEOUT")
	setString(&cfg.Registry.SweepSchedule, "CONDUCTOR_SWEEP_SCHEDULE")

	// Workflow
	setString(&cfg.Workflow.DefinitionsDir, "CONDUCTOR_WORKFLOW_DIR")
	setBool(&cfg.Workflow.Watch, "CONDUCTOR_WORKFLOW_WATCH")
	setInt(&cfg.Workflow.MaxReworkCycles, "CONDUCTOR_MAX_REWORK_CYCLES")
	setInt(&cfg.Workflow.EscalateAfter, "CONDUCTOR_ESCALATE_AFTER")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite.path is required")
		}
	default:
		return fmt.Errorf("storage.driver %q must be memory, postgres or sqlite", cfg.Storage.Driver)
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.EventStore.SubscriberBuffer < 1 {
		return errors.New("event_store.subscriber_buffer must be >= 1")
	}
	if cfg.Registry.HeartbeatTimeout <= 0 {
		return errors.New("registry.heartbeat_timeout must be > 0")
	}
	if cfg.Workflow.MaxReworkCycles < 0 || cfg.Workflow.EscalateAfter < 0 {
		return errors.New("workflow rework limits must be >= 0")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	return nil
}

// CLIFlags holds command-line overrides. Nil means not set.
type CLIFlags struct {
	ConfigPath    *string
	Port          *string
	LogLevel      *string
	StorageDriver *string
	DSN           *string
	NatsURL       *string
	WorkflowDir   *string
}

// ParseFlags parses command-line arguments into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("conductor", flag.ContinueOnError)

	var (
		configPath, port, logLevel, driver, dsn, natsURL, wfDir string
	)
	fs.StringVar(&configPath, "config", "", "path to YAML config")
	fs.StringVar(&configPath, "c", "", "path to YAML config (shorthand)")
	fs.StringVar(&port, "port", "", "health server port")
	fs.StringVar(&port, "p", "", "health server port (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "log level")
	fs.StringVar(&driver, "storage", "", "storage driver: memory, postgres or sqlite")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN")
	fs.StringVar(&natsURL, "nats-url", "", "NATS URL")
	fs.StringVar(&wfDir, "workflows", "", "workflow definitions directory")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}

	var flags CLIFlags
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = &v
		case "port", "p":
			flags.Port = &v
		case "log-level":
			flags.LogLevel = &v
		case "storage":
			flags.StorageDriver = &v
		case "dsn":
			flags.DSN = &v
		case "nats-url":
			flags.NatsURL = &v
		case "workflows":
			flags.WorkflowDir = &v
		}
	})
	return flags, nil
}

// applyCLI overlays set flags onto cfg.
func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.StorageDriver != nil {
		cfg.Storage.Driver = *f.StorageDriver
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
	if f.WorkflowDir != nil {
		cfg.Workflow.DefinitionsDir = *f.WorkflowDir
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
