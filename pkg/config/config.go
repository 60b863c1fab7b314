// Package config loads decision gate settings from the environment or a
// YAML file.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/artifacts"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/evidence"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/logic"
	"github.com/DaRealYungBidness/decision-gate-sub003/pkg/observability"
)

// StoreType selects the run state backend.
type StoreType string

const (
	StoreMemory   StoreType = "memory"
	StoreSQLite   StoreType = "sqlite"
	StorePostgres StoreType = "postgres"
)

// Config holds decision gate configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" | "json"

	StoreType   StoreType `yaml:"store_type"`
	DatabaseURL string    `yaml:"database_url"`
	SQLitePath  string    `yaml:"sqlite_path"`

	Artifacts artifacts.Config `yaml:"artifacts"`

	// RedisAddr enables the Redis run lock when set.
	RedisAddr      string        `yaml:"redis_addr"`
	RedisLockTTL   time.Duration `yaml:"redis_lock_ttl"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix"`

	ProviderTimeout   time.Duration `yaml:"provider_timeout"`
	ProviderRateLimit float64       `yaml:"provider_rate_limit"`
	ProviderBurst     int           `yaml:"provider_burst"`
	CELCostLimit      uint64        `yaml:"cel_cost_limit"`

	Logic            string            `yaml:"logic"`
	MinTrustLane     string            `yaml:"min_trust_lane"`
	RequireSignature bool              `yaml:"require_signature"`
	TrustKeys        map[string]string `yaml:"trust_keys"` // key id -> base64 Ed25519 public key
	DiscloseEvidence bool              `yaml:"disclose_evidence"`

	Limits logic.Limits `yaml:"limits"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
}

// Default returns the configuration used when nothing is set: in-memory
// state, filesystem artifacts, Kleene logic, verified evidence only.
func Default() *Config {
	return &Config{
		LogLevel:        "INFO",
		LogFormat:       "text",
		StoreType:       StoreMemory,
		SQLitePath:      "data/decision-gate.db",
		DatabaseURL:     "postgres://decision_gate@localhost:5432/decision_gate?sslmode=disable",
		Artifacts:       artifacts.Config{Type: artifacts.StoreTypeFS, DataDir: "data"},
		RedisLockTTL:    30 * time.Second,
		RedisKeyPrefix:  "decision-gate:runlock:",
		ProviderTimeout: evidence.DefaultProviderTimeout,
		Logic:           "kleene",
		MinTrustLane:    string(evidence.LaneVerified),
		Limits:          logic.DefaultLimits(),
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Environment:  "development",
		},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() *Config {
	cfg := Default()
	env := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	env("LOG_LEVEL", &cfg.LogLevel)
	env("LOG_FORMAT", &cfg.LogFormat)
	env("DATABASE_URL", &cfg.DatabaseURL)
	env("SQLITE_PATH", &cfg.SQLitePath)
	env("REDIS_ADDR", &cfg.RedisAddr)
	env("DG_LOGIC", &cfg.Logic)
	env("DG_MIN_TRUST_LANE", &cfg.MinTrustLane)
	env("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	if v := os.Getenv("DG_STORE_TYPE"); v != "" {
		cfg.StoreType = StoreType(v)
	}

	if v, err := time.ParseDuration(os.Getenv("DG_PROVIDER_TIMEOUT")); err == nil && v > 0 {
		cfg.ProviderTimeout = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("DG_PROVIDER_RATE_LIMIT"), 64); err == nil {
		cfg.ProviderRateLimit = v
	}
	if v, err := strconv.Atoi(os.Getenv("DG_PROVIDER_BURST")); err == nil {
		cfg.ProviderBurst = v
	}
	if v, err := strconv.Atoi(os.Getenv("DG_MAX_DEPTH")); err == nil {
		cfg.Limits.MaxDepth = v
	}
	if v, err := strconv.Atoi(os.Getenv("DG_MAX_NODES")); err == nil {
		cfg.Limits.MaxNodes = v
	}
	cfg.DiscloseEvidence = os.Getenv("DG_DISCLOSE_EVIDENCE") == "true"
	cfg.RequireSignature = os.Getenv("DG_REQUIRE_SIGNATURE") == "true"
	cfg.Telemetry.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	cfg.Telemetry.Insecure = os.Getenv("OTEL_INSECURE") == "true"

	envArtifacts := artifacts.ConfigFromEnv()
	if envArtifacts.Type != "" {
		cfg.Artifacts.Type = envArtifacts.Type
	}
	if envArtifacts.DataDir != "" {
		cfg.Artifacts.DataDir = envArtifacts.DataDir
	}
	cfg.Artifacts.S3Bucket = envArtifacts.S3Bucket
	cfg.Artifacts.S3Region = envArtifacts.S3Region
	cfg.Artifacts.S3Endpoint = envArtifacts.S3Endpoint
	cfg.Artifacts.S3Prefix = envArtifacts.S3Prefix
	cfg.Artifacts.GCSBucket = envArtifacts.GCSBucket
	cfg.Artifacts.GCSPrefix = envArtifacts.GCSPrefix

	return cfg
}

// LoadFile reads a YAML file and overlays it on the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.StoreType {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("config: unknown store_type %q", c.StoreType)
	}
	if _, err := c.LogicMode(); err != nil {
		return err
	}
	if _, err := evidence.ParseTrustLane(c.MinTrustLane); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.TrustPolicy(); err != nil {
		return err
	}
	if c.ProviderTimeout < 0 {
		return fmt.Errorf("config: provider_timeout must not be negative")
	}
	return nil
}

// LogicMode returns the configured tri-state logic.
func (c *Config) LogicMode() (logic.Logic, error) {
	l, err := logic.ParseLogic(c.Logic)
	if err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	return l, nil
}

// TrustRequirement returns the global minimum lane.
func (c *Config) TrustRequirement() (evidence.TrustRequirement, error) {
	lane, err := evidence.ParseTrustLane(c.MinTrustLane)
	if err != nil {
		return evidence.TrustRequirement{}, fmt.Errorf("config: %w", err)
	}
	return evidence.TrustRequirement{MinLane: lane}, nil
}

// TrustPolicy decodes the accepted signing keys.
func (c *Config) TrustPolicy() (evidence.TrustPolicy, error) {
	p := evidence.TrustPolicy{RequireSignature: c.RequireSignature}
	if len(c.TrustKeys) == 0 {
		if c.RequireSignature {
			return p, fmt.Errorf("config: require_signature needs at least one trust key")
		}
		return p, nil
	}
	p.AcceptedKeys = make(map[string]ed25519.PublicKey, len(c.TrustKeys))
	for id, enc := range c.TrustKeys {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return p, fmt.Errorf("config: trust key %q is not a base64 Ed25519 public key", id)
		}
		p.AcceptedKeys[id] = ed25519.PublicKey(raw)
	}
	return p, nil
}

// ObservabilityConfig maps telemetry settings onto the provider config.
func (c *Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	oc.Insecure = c.Telemetry.Insecure
	oc.SampleRate = c.Telemetry.SampleRate
	oc.Environment = c.Telemetry.Environment
	return oc
}

// NewLogger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
