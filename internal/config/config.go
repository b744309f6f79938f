// Package config loads the process-wide CoreConfig: every configurable
// threshold named in the component design is a field here, loaded once at
// startup. Precedence is environment variables > an optional YAML overlay >
// the defaults below; there are no command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the ingress HTTP API listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"GRACE_PORT"`
}

// LoggingConfig controls process-wide structured logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// DatabaseConfig controls the optional Postgres-backed stores. When DSN is
// empty the platform runs entirely on in-memory stores.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// HealthConfig carries the Health Monitor's state-machine thresholds (§4.4).
type HealthConfig struct {
	StartingToHealthy   int           `json:"starting_to_healthy" yaml:"starting_to_healthy" env:"HEALTH_K_STARTING"`
	ErrorRateT1Percent  float64       `json:"error_rate_t1_percent" yaml:"error_rate_t1_percent" env:"HEALTH_T1_PERCENT"`
	ErrorRateT2Percent  float64       `json:"error_rate_t2_percent" yaml:"error_rate_t2_percent" env:"HEALTH_T2_PERCENT"`
	ConsecutiveFailures int           `json:"consecutive_failures" yaml:"consecutive_failures" env:"HEALTH_N_FAILURES"`
	ProbeTimeout        time.Duration `json:"probe_timeout" yaml:"probe_timeout" env:"HEALTH_PROBE_TIMEOUT"`
	DomainInterval      time.Duration `json:"domain_interval" yaml:"domain_interval" env:"HEALTH_DOMAIN_INTERVAL"`
	KernelInterval      time.Duration `json:"kernel_interval" yaml:"kernel_interval" env:"HEALTH_KERNEL_INTERVAL"`
	ExternalInterval    time.Duration `json:"external_interval" yaml:"external_interval" env:"HEALTH_EXTERNAL_INTERVAL"`
}

// CircuitConfig carries the API Gateway's circuit breaker thresholds (§4.3):
// window W, failure-ratio F, minimum samples M, cooldown C, half-open
// successes-to-close K.
type CircuitConfig struct {
	Window            int           `json:"window" yaml:"window" env:"CIRCUIT_W"`
	FailureRatio      float64       `json:"failure_ratio_percent" yaml:"failure_ratio_percent" env:"CIRCUIT_F"`
	MinSamples        int           `json:"min_samples" yaml:"min_samples" env:"CIRCUIT_M"`
	Cooldown          time.Duration `json:"cooldown" yaml:"cooldown" env:"CIRCUIT_C"`
	HalfOpenSuccesses int           `json:"half_open_successes" yaml:"half_open_successes" env:"CIRCUIT_K"`
}

// RetryConfig carries the Gateway's retry-with-jitter policy.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay" env:"RETRY_BASE_DELAY"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay" env:"RETRY_MAX_DELAY"`
	MinRPCLatency time.Duration `json:"min_rpc_latency" yaml:"min_rpc_latency" env:"RETRY_MIN_RPC_LATENCY"`
}

// RateLimitConfig carries the Gateway's default token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `json:"burst" yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// SnapshotConfig carries the Snapshot Manager's retention policy.
type SnapshotConfig struct {
	RetentionWindow time.Duration `json:"retention_window" yaml:"retention_window" env:"SNAPSHOT_RETENTION"`
}

// ActionConfig carries the Action Gateway's idempotency and backpressure
// watermarks.
type ActionConfig struct {
	IdempotencyWindow        time.Duration `json:"idempotency_window" yaml:"idempotency_window" env:"ACTION_IDEMPOTENCY_WINDOW"`
	PendingApprovalWatermark int           `json:"pending_approval_watermark" yaml:"pending_approval_watermark" env:"ACTION_APPROVAL_WATERMARK"`
	DefaultApprovalExpiry    time.Duration `json:"default_approval_expiry" yaml:"default_approval_expiry" env:"ACTION_APPROVAL_EXPIRY"`
}

// EventBusConfig carries the Event Bus's buffering policy.
type EventBusConfig struct {
	BufferSize       int `json:"buffer_size" yaml:"buffer_size" env:"EVENTBUS_BUFFER_SIZE"`
	BacklogWatermark int `json:"backlog_watermark" yaml:"backlog_watermark" env:"EVENTBUS_BACKLOG_WATERMARK"`
}

// DiscoveryConfig carries the Service Registry's background discovery sweep.
type DiscoveryConfig struct {
	SweepInterval        time.Duration `json:"sweep_interval" yaml:"sweep_interval" env:"DISCOVERY_SWEEP_INTERVAL"`
	FailuresBeforeDemote int           `json:"failures_before_demote" yaml:"failures_before_demote" env:"DISCOVERY_FAILURES_BEFORE_DEMOTE"`
}

// CoreConfig is the top-level, once-loaded configuration structure. No hot
// reload in v1, matching the design note that every threshold is an
// explicit field rather than discovered via reflection.
type CoreConfig struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Health    HealthConfig    `json:"health" yaml:"health"`
	Circuit   CircuitConfig   `json:"circuit" yaml:"circuit"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot"`
	Action    ActionConfig    `json:"action" yaml:"action"`
	EventBus  EventBusConfig  `json:"event_bus" yaml:"event_bus"`
	Discovery DiscoveryConfig `json:"discovery" yaml:"discovery"`

	OfflineMode    bool   `json:"offline_mode" yaml:"offline_mode" env:"OFFLINE_MODE"`
	DryRun         bool   `json:"dry_run" yaml:"dry_run" env:"DRY_RUN"`
	CIMode         bool   `json:"ci_mode" yaml:"ci_mode" env:"CI_MODE"`
	SearchProvider string `json:"search_provider" yaml:"search_provider" env:"SEARCH_PROVIDER"`
}

// Default returns a CoreConfig populated with the thresholds named in §4 of
// the component design, before any environment or file overrides apply.
func Default() *CoreConfig {
	return &CoreConfig{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8000},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "aegiscore"},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Health: HealthConfig{
			StartingToHealthy:   2,
			ErrorRateT1Percent:  10,
			ErrorRateT2Percent:  50,
			ConsecutiveFailures: 3,
			ProbeTimeout:        2 * time.Second,
			DomainInterval:      15 * time.Second,
			KernelInterval:      30 * time.Second,
			ExternalInterval:    60 * time.Second,
		},
		Circuit: CircuitConfig{
			Window:            20,
			FailureRatio:      50,
			MinSamples:        5,
			Cooldown:          30 * time.Second,
			HalfOpenSuccesses: 3,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			MinRPCLatency: 50 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		Snapshot:  SnapshotConfig{RetentionWindow: 24 * time.Hour},
		Action: ActionConfig{
			IdempotencyWindow:        10 * time.Minute,
			PendingApprovalWatermark: 50,
			DefaultApprovalExpiry:    30 * time.Minute,
		},
		EventBus:  EventBusConfig{BufferSize: 1024, BacklogWatermark: 512},
		Discovery: DiscoveryConfig{SweepInterval: 30 * time.Second, FailuresBeforeDemote: 3},
	}
}

// Load loads a CoreConfig from an optional CONFIG_FILE YAML overlay and
// environment variables, which override the overlay. An optional .env file
// is loaded into the environment first (never replacing variables already
// set), so its values also override the YAML overlay.
func Load() (*CoreConfig, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if cfg.CIMode {
		cfg.OfflineMode = true
		cfg.DryRun = true
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *CoreConfig) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Truthy reports whether raw, after trimming whitespace, parses as true
// under strconv.ParseBool; anything unparseable counts as false.
func Truthy(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
