package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/t77yq/waterwatch/internal/alertguard"
	"github.com/t77yq/waterwatch/internal/dedup"
	"github.com/t77yq/waterwatch/internal/devicestate"
	"github.com/t77yq/waterwatch/internal/ingest"
	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/notify"
	"github.com/t77yq/waterwatch/internal/threshold"
	"github.com/t77yq/waterwatch/internal/transport"
)

// EnvPrefix prefixes environment overrides, e.g. WATERWATCH_STORAGE_DRIVER
const EnvPrefix = "WATERWATCH"

var (
	// ErrInvalidConfig wraps every validation failure other than band errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Notification backends
const (
	BackendSMTP = "smtp"
	BackendNATS = "nats"
	BackendLog  = "log"
)

// Config is the full service configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Device     DeviceConfig     `mapstructure:"device"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type NATSConfig struct {
	URLs           []string               `mapstructure:"urls"`
	MaxReconnects  int                    `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration          `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration          `mapstructure:"connect_timeout"`
	ConnectRetries int                    `mapstructure:"connect_retries"`
	Source         transport.SourceConfig `mapstructure:"source"`
}

type StorageConfig struct {
	Driver     string        `mapstructure:"driver"`
	DSN        string        `mapstructure:"dsn"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type PipelineConfig struct {
	Workers         int           `mapstructure:"workers"`
	InboundCapacity int           `mapstructure:"inbound_capacity"`
	ClockSkew       time.Duration `mapstructure:"clock_skew"`
}

type DeviceConfig struct {
	Throttle       time.Duration `mapstructure:"throttle"`
	OfflineTimeout time.Duration `mapstructure:"offline_timeout"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	Shards         int           `mapstructure:"shards"`
}

type DedupConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	MaxEntries    int           `mapstructure:"max_entries"`
	Shards        int           `mapstructure:"shards"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
}

// ThresholdsConfig holds bands keyed by parameter name. Keys are matched
// case-insensitively since viper lowercases them.
type ThresholdsConfig struct {
	AdvisoryMargin float64                        `mapstructure:"advisory_margin"`
	Bands          map[string]model.ThresholdBand `mapstructure:"bands"`
}

type NotifyConfig struct {
	Backends      []string             `mapstructure:"backends"`
	Recipients    []string             `mapstructure:"recipients"`
	QueueCapacity int                  `mapstructure:"queue_capacity"`
	Workers       int                  `mapstructure:"workers"`
	MaxAttempts   int                  `mapstructure:"max_attempts"`
	BaseDelay     time.Duration        `mapstructure:"base_delay"`
	Factor        float64              `mapstructure:"factor"`
	MaxDelay      time.Duration        `mapstructure:"max_delay"`
	SendTimeout   time.Duration        `mapstructure:"send_timeout"`
	DrainGrace    time.Duration        `mapstructure:"drain_grace"`
	DeadLetter    bool                 `mapstructure:"dead_letter"`
	Breaker       notify.BreakerConfig `mapstructure:"breaker"`
	SMTP          notify.SMTPConfig    `mapstructure:"smtp"`
	Subject       string               `mapstructure:"subject"`
	Template      string               `mapstructure:"template"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "waterwatch")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	src := transport.DefaultSourceConfig()
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.source.ack_wait", src.AckWait)
	v.SetDefault("nats.source.max_deliver", src.MaxDeliver)
	v.SetDefault("nats.source.backpressure_delay", src.BackpressureDelay)
	v.SetDefault("nats.source.max_age", src.MaxAge)

	guard := alertguard.DefaultConfig()
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.dsn", "waterwatch.db")
	v.SetDefault("storage.timeout", guard.StoreTimeout)
	v.SetDefault("storage.retries", guard.MaxAttempts)
	v.SetDefault("storage.retry_delay", guard.RetryDelay)

	pipeline := ingest.DefaultConfig()
	v.SetDefault("pipeline.workers", pipeline.Workers)
	v.SetDefault("pipeline.inbound_capacity", pipeline.InboundCapacity)
	v.SetDefault("pipeline.clock_skew", 5*time.Minute)

	device := devicestate.DefaultConfig()
	v.SetDefault("device.throttle", device.Throttle)
	v.SetDefault("device.offline_timeout", device.OfflineTimeout)
	v.SetDefault("device.sweep_schedule", "@every 30s")
	v.SetDefault("device.shards", device.Shards)

	cache := dedup.DefaultConfig()
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.cooldown", cache.Cooldown)
	v.SetDefault("dedup.max_entries", cache.MaxEntries)
	v.SetDefault("dedup.shards", cache.Shards)
	v.SetDefault("dedup.purge_schedule", "@every 1m")

	v.SetDefault("thresholds.advisory_margin", 0.0)
	for p, b := range threshold.DefaultBands {
		key := "thresholds.bands." + strings.ToLower(string(p))
		v.SetDefault(key+".warning_min", b.WarningMin)
		v.SetDefault(key+".warning_max", b.WarningMax)
		v.SetDefault(key+".critical_min", b.CriticalMin)
		v.SetDefault(key+".critical_max", b.CriticalMax)
	}

	dispatcher := notify.DefaultConfig()
	v.SetDefault("notify.backends", []string{BackendLog})
	v.SetDefault("notify.recipients", []string{})
	v.SetDefault("notify.queue_capacity", dispatcher.QueueCapacity)
	v.SetDefault("notify.workers", dispatcher.Workers)
	v.SetDefault("notify.max_attempts", dispatcher.MaxAttempts)
	v.SetDefault("notify.base_delay", dispatcher.BaseDelay)
	v.SetDefault("notify.factor", dispatcher.Factor)
	v.SetDefault("notify.max_delay", dispatcher.MaxDelay)
	v.SetDefault("notify.send_timeout", dispatcher.SendTimeout)
	v.SetDefault("notify.drain_grace", dispatcher.DrainGrace)
	v.SetDefault("notify.dead_letter", true)
	v.SetDefault("notify.breaker.window", dispatcher.Breaker.Window)
	v.SetDefault("notify.breaker.min_samples", dispatcher.Breaker.MinSamples)
	v.SetDefault("notify.breaker.threshold", dispatcher.Breaker.Threshold)
	v.SetDefault("notify.breaker.cooldown", dispatcher.Breaker.Cooldown)
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.subject", "")
	v.SetDefault("notify.template", "")

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.status_interval", time.Minute)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or config.yaml from ./config or the working directory when path is
// empty. A missing default file is not an error; every key has a default. Environment
// variables, including those from a .env file in the working directory, override the
// file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and the threshold bands
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Storage.Driver != DriverMemory && c.Storage.DSN == "" {
		return fmt.Errorf("%w: storage.dsn is required for %s", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Pipeline.Workers <= 0 || c.Pipeline.InboundCapacity <= 0 {
		return fmt.Errorf("%w: pipeline workers and inbound_capacity must be positive", ErrInvalidConfig)
	}
	if c.Notify.Workers <= 0 || c.Notify.QueueCapacity <= 0 || c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("%w: notify workers, queue_capacity and max_attempts must be positive", ErrInvalidConfig)
	}
	if len(c.Notify.Backends) == 0 {
		return fmt.Errorf("%w: at least one notify backend is required", ErrInvalidConfig)
	}
	for _, b := range c.Notify.Backends {
		switch b {
		case BackendSMTP, BackendNATS, BackendLog:
		default:
			return fmt.Errorf("%w: unknown notify backend %q", ErrInvalidConfig, b)
		}
	}
	if _, err := c.Thresholds.Set(); err != nil {
		return err
	}
	if c.Thresholds.AdvisoryMargin < 0 || c.Thresholds.AdvisoryMargin > 0.5 {
		return fmt.Errorf("%w: advisory_margin %v outside [0, 0.5]", ErrInvalidConfig, c.Thresholds.AdvisoryMargin)
	}
	return nil
}

// HasBackend reports whether name is among the configured notify backends
func (c *Config) HasBackend(name string) bool {
	for _, b := range c.Notify.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// Set converts the configured bands into a validated ThresholdSet. Errors from
// inconsistent bands wrap model.ErrInvalidBand.
func (t ThresholdsConfig) Set() (model.ThresholdSet, error) {
	set := make(model.ThresholdSet, len(t.Bands))
	for name, band := range t.Bands {
		p, ok := model.ParseParameter(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown threshold parameter %q", ErrInvalidConfig, name)
		}
		set[p] = band
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

// TrackerConfig maps the device and storage sections onto the tracker
func (c *Config) TrackerConfig() devicestate.Config {
	return devicestate.Config{
		Throttle:       c.Device.Throttle,
		OfflineTimeout: c.Device.OfflineTimeout,
		Shards:         c.Device.Shards,
		StoreTimeout:   c.Storage.Timeout,
		StoreRetries:   c.Storage.Retries,
		RetryDelay:     c.Storage.RetryDelay,
	}
}

// GuardConfig maps the storage section onto the alert guard
func (c *Config) GuardConfig() alertguard.Config {
	return alertguard.Config{
		StoreTimeout: c.Storage.Timeout,
		MaxAttempts:  c.Storage.Retries,
		RetryDelay:   c.Storage.RetryDelay,
	}
}

// CacheConfig maps the dedup section onto the cache
func (c *Config) CacheConfig() dedup.Config {
	return dedup.Config{
		Cooldown:   c.Dedup.Cooldown,
		MaxEntries: c.Dedup.MaxEntries,
		Shards:     c.Dedup.Shards,
	}
}

// CoordinatorConfig maps the pipeline section onto the coordinator
func (c *Config) CoordinatorConfig() ingest.Config {
	return ingest.Config{
		Workers:         c.Pipeline.Workers,
		InboundCapacity: c.Pipeline.InboundCapacity,
	}
}

// DispatcherConfig maps the notify section onto the dispatcher
func (c *Config) DispatcherConfig() notify.Config {
	return notify.Config{
		QueueCapacity: c.Notify.QueueCapacity,
		Workers:       c.Notify.Workers,
		MaxAttempts:   c.Notify.MaxAttempts,
		BaseDelay:     c.Notify.BaseDelay,
		Factor:        c.Notify.Factor,
		MaxDelay:      c.Notify.MaxDelay,
		SendTimeout:   c.Notify.SendTimeout,
		DrainGrace:    c.Notify.DrainGrace,
		Recipients:    c.Notify.Recipients,
		Breaker:       c.Notify.Breaker,
	}
}
