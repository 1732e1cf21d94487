// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// AnalyticsConfig tunes the event pipeline.
type AnalyticsConfig struct {
	BatchSize        int    `yaml:"batchSize"`
	SDKLogsURL       string `yaml:"sdkLogsUrl"`
	FailureThreshold uint   `yaml:"failureThreshold"`
	DrainSchedule    string `yaml:"drainSchedule"`
	FlushOnShutdown  *bool  `yaml:"flushOnShutdown"`
	ClientToken      string `yaml:"clientToken"`
	Workers          int    `yaml:"workers"`
	QueueDepth       int    `yaml:"queueDepth"`
	MaxConcurrency   int    `yaml:"maxConcurrency"`
}

// ShouldFlushOnShutdown reports whether the queue is flushed before exit.
// It defaults to true.
func (c AnalyticsConfig) ShouldFlushOnShutdown() bool {
	return c.FlushOnShutdown == nil || *c.FlushOnShutdown
}

func (c *AnalyticsConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 300
	}
	c.SDKLogsURL = strings.TrimSpace(c.SDKLogsURL)
	if c.SDKLogsURL == "" {
		c.SDKLogsURL = "https://analytics.production.data.primer.io/sdk-logs"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	c.DrainSchedule = strings.TrimSpace(c.DrainSchedule)
	c.ClientToken = strings.TrimSpace(c.ClientToken)
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
}

func (c AnalyticsConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be >0")
	}
	if c.FailureThreshold == 0 {
		return fmt.Errorf("failureThreshold must be >0")
	}
	parsed, err := url.Parse(c.SDKLogsURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("sdkLogsUrl must be an absolute URL")
	}
	if c.DrainSchedule != "" {
		if _, err := cron.ParseStandard(c.DrainSchedule); err != nil {
			return fmt.Errorf("drainSchedule: %w", err)
		}
	}
	return nil
}

// StorageBackend names where the queue is persisted.
type StorageBackend string

const (
	// BackendFile keeps the queue in an encrypted local file.
	BackendFile StorageBackend = "file"
	// BackendPostgres keeps the queue in a PostgreSQL row.
	BackendPostgres StorageBackend = "postgres"
)

// StorageConfig selects and configures the queue backend.
type StorageConfig struct {
	Backend   StorageBackend `yaml:"backend"`
	Path      string         `yaml:"path"`
	SecretEnv string         `yaml:"secretEnv"`
	Salt      string         `yaml:"salt"`
	QueueName string         `yaml:"queueName"`
	Database  DatabaseConfig `yaml:"database"`
}

// Secret returns the encryption secret read from SecretEnv.
func (c StorageConfig) Secret() (string, error) {
	secret := strings.TrimSpace(os.Getenv(c.SecretEnv))
	if secret == "" {
		return "", fmt.Errorf("storage secret: environment variable %s is empty", c.SecretEnv)
	}
	return secret, nil
}

func (c *StorageConfig) applyDefaults() {
	c.Backend = StorageBackend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if c.Backend == "" {
		c.Backend = BackendFile
	}
	if path := strings.TrimSpace(c.Path); path != "" {
		c.Path = filepath.Clean(path)
	}
	c.SecretEnv = strings.TrimSpace(c.SecretEnv)
	if c.SecretEnv == "" {
		c.SecretEnv = "BEACON_STORAGE_SECRET"
	}
	c.Salt = strings.TrimSpace(c.Salt)
	if c.Salt == "" {
		c.Salt = "beacon"
	}
	c.QueueName = strings.TrimSpace(c.QueueName)
	if c.QueueName == "" {
		c.QueueName = "default"
	}
	c.Database.applyDefaults()
}

func (c StorageConfig) validate() error {
	switch c.Backend {
	case BackendFile:
	case BackendPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("backend must be one of file, postgres")
	}
	if c.SecretEnv == "" {
		return fmt.Errorf("secretEnv required")
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/beacon"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// TransportConfig tunes delivery to collectors.
type TransportConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
	RateLimit   float64       `yaml:"rateLimit"`
	Burst       int           `yaml:"burst"`
	UserAgent   string        `yaml:"userAgent"`
}

func (c *TransportConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	c.UserAgent = strings.TrimSpace(c.UserAgent)
}

// APIServerConfig configures the agent's HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified Beacon agent configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Debug       bool            `yaml:"debug"`
	Analytics   AnalyticsConfig `yaml:"analytics"`
	Storage     StorageConfig   `yaml:"storage"`
	Transport   TransportConfig `yaml:"transport"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Analytics:   AnalyticsConfig{DrainSchedule: "@every 30s"},
		APIServer:   APIServerConfig{Addr: "127.0.0.1:8790"},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{
		Analytics: AnalyticsConfig{DrainSchedule: "@every 30s"},
		APIServer: APIServerConfig{Addr: "127.0.0.1:8790"},
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to DefaultAppConfig when the
// path is empty or the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultAppConfig(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "beacon"
	}

	c.Analytics.applyDefaults()
	c.Storage.applyDefaults()
	c.Transport.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Analytics.validate(); err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport timeout must be >0")
	}
	if c.Transport.MaxAttempts <= 0 {
		return fmt.Errorf("transport maxAttempts must be >0")
	}
	if c.Transport.Burst <= 0 {
		return fmt.Errorf("transport burst must be >0")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
