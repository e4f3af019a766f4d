// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/vantage/internal/app/marketdata"
	"github.com/coachpo/vantage/internal/app/worker"
	"github.com/coachpo/vantage/internal/infra/bus/eventbus"
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SubscriptionConfig tunes how market data subscriptions are batched, retried and abandoned.
type SubscriptionConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	RetryAfter    time.Duration `yaml:"retryAfter"`
	AbandonAfter  time.Duration `yaml:"abandonAfter"`
	MonitorPeriod time.Duration `yaml:"monitorPeriod"`
	CallAttempts  uint          `yaml:"callAttempts"`
	CallBackoff   time.Duration `yaml:"callBackoff"`
	RequestRate   float64       `yaml:"requestRate"`
	RequestBurst  int           `yaml:"requestBurst"`
}

// Manager converts the section to the subscription manager's settings.
func (c SubscriptionConfig) Manager() marketdata.Config {
	return marketdata.Config{
		BatchSize:     c.BatchSize,
		RetryAfter:    c.RetryAfter,
		AbandonAfter:  c.AbandonAfter,
		MonitorPeriod: c.MonitorPeriod,
		CallAttempts:  c.CallAttempts,
		CallBackoff:   c.CallBackoff,
		RequestRate:   c.RequestRate,
		RequestBurst:  c.RequestBurst,
	}
}

// WorkerConfig sizes the worker pool and selects the recompilation policy.
type WorkerConfig struct {
	PoolSize                 int           `yaml:"poolSize"`
	MarketDataTimeout        time.Duration `yaml:"marketDataTimeout"`
	Policy                   string        `yaml:"policy"`
	MaxSuccessiveDeltaCycles int           `yaml:"maxSuccessiveDeltaCycles"`
	Manipulation             string        `yaml:"manipulation"`
}

// RecompilationPolicy parses Policy.
func (c WorkerConfig) RecompilationPolicy() (worker.Policy, error) {
	return worker.ParsePolicy(c.Policy)
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	EnableMetrics  bool          `yaml:"enableMetrics"`
	ExportInterval time.Duration `yaml:"exportInterval"`
}

// AppConfig is the unified view processor configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment            `yaml:"environment"`
	Logging       LoggingConfig          `yaml:"logging"`
	Subscriptions SubscriptionConfig     `yaml:"subscriptions"`
	Worker        WorkerConfig           `yaml:"worker"`
	Partition     worker.PartitionConfig `yaml:"partition"`
	Events        eventbus.MemoryConfig  `yaml:"events"`
	Telemetry     TelemetryConfig        `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	md := marketdata.DefaultConfig()
	cfg := AppConfig{
		Environment: EnvDev,
		Logging:     LoggingConfig{Level: "info", Format: FormatConsole},
		Subscriptions: SubscriptionConfig{
			BatchSize:     md.BatchSize,
			RetryAfter:    md.RetryAfter,
			AbandonAfter:  md.AbandonAfter,
			MonitorPeriod: md.MonitorPeriod,
			CallAttempts:  md.CallAttempts,
			CallBackoff:   md.CallBackoff,
		},
		Worker: WorkerConfig{
			PoolSize:          16,
			MarketDataTimeout: worker.DefaultMarketDataTimeout,
			Policy:            worker.PolicyParallel.String(),
		},
		Partition: worker.DefaultPartitionConfig(),
		Events:    eventbus.DefaultMemoryConfig(),
		Telemetry: TelemetryConfig{ServiceName: "vantage", ExportInterval: 15 * time.Second},
	}
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file. Fields
// the file leaves out keep their defaults.
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

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = FormatConsole
	}

	c.Worker.Policy = strings.ToLower(strings.TrimSpace(c.Worker.Policy))
	c.Worker.Manipulation = strings.TrimSpace(c.Worker.Manipulation)
	if c.Worker.MarketDataTimeout <= 0 {
		c.Worker.MarketDataTimeout = worker.DefaultMarketDataTimeout
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ExportInterval <= 0 {
		c.Telemetry.ExportInterval = 15 * time.Second
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("logging format must be console or json")
	}

	if c.Subscriptions.BatchSize <= 0 {
		return fmt.Errorf("subscriptions batchSize must be >0")
	}
	if c.Subscriptions.RetryAfter <= 0 {
		return fmt.Errorf("subscriptions retryAfter must be >0")
	}
	if c.Subscriptions.AbandonAfter < c.Subscriptions.RetryAfter {
		return fmt.Errorf("subscriptions abandonAfter must be >= retryAfter")
	}
	if c.Subscriptions.MonitorPeriod <= 0 {
		return fmt.Errorf("subscriptions monitorPeriod must be >0")
	}
	if c.Subscriptions.RequestRate < 0 {
		return fmt.Errorf("subscriptions requestRate must be >=0")
	}
	if c.Subscriptions.RequestBurst < 0 {
		return fmt.Errorf("subscriptions requestBurst must be >=0")
	}

	if _, err := c.Worker.RecompilationPolicy(); err != nil {
		return fmt.Errorf("worker policy: %w", err)
	}
	if c.Worker.MaxSuccessiveDeltaCycles < 0 {
		return fmt.Errorf("worker maxSuccessiveDeltaCycles must be >=0")
	}

	if c.Partition.Saturation <= 0 {
		return fmt.Errorf("partition saturation must be >0")
	}
	if c.Partition.MinBatch <= 0 || c.Partition.MaxBatch < c.Partition.MinBatch {
		return fmt.Errorf("partition batch bounds must satisfy 0 < minBatch <= maxBatch")
	}
	// Each partition may hold a primary and a secondary loop, and respawns
	// its successor before the finishing loop returns its goroutine.
	if c.Worker.PoolSize <= 2*c.Partition.Saturation {
		return fmt.Errorf("worker poolSize must be > 2 x partition saturation")
	}

	if c.Events.BufferSize <= 0 || c.Events.FanoutWorkers <= 0 {
		return fmt.Errorf("events bufferSize and fanoutWorkers must be >0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
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
