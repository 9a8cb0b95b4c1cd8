// Package config loads the typed service configuration from defaults, an
// optional YAML file, a .env file and YIELD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/yieldvault/distribution-engine/internal/distribution"
	"github.com/yieldvault/distribution-engine/internal/settlement"
)

// HTTP configures the API listener.
type HTTP struct {
	Addr               string        `mapstructure:"addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// Database selects the PostgreSQL ledger and batch store.
type Database struct {
	URL string `mapstructure:"url"` // empty selects the in-memory store
}

// Redis backs the product cache and the day lease. Empty URL keeps both in process.
type Redis struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// AMQP is the RabbitMQ target for distribution events. Empty URL logs events instead.
type AMQP struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// Outbox tunes the relay that publishes payout events.
type Outbox struct {
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// Distribution holds the batch schedule and execution limits. LeaseTTL bounds
// one chunk; the lease is extended between chunks.
type Distribution struct {
	Schedule   string        `mapstructure:"schedule"`
	Timezone   string        `mapstructure:"timezone"`
	ChunkSize  int           `mapstructure:"chunk_size"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
}

// Settlement configures the simulated transfer network. Amounts are decimal strings.
type Settlement struct {
	MinLatency     time.Duration `mapstructure:"min_latency"`
	MaxLatency     time.Duration `mapstructure:"max_latency"`
	Timeout        time.Duration `mapstructure:"timeout"`
	FailureRate    float64       `mapstructure:"failure_rate"`
	InitialReserve string        `mapstructure:"initial_reserve"`
	TransferFee    string        `mapstructure:"transfer_fee"`
	MinFeeReserve  string        `mapstructure:"min_fee_reserve"`
}

// Health sets the pre-batch gate timeout and the background monitor interval.
type Health struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
}

// Config is the complete service configuration.
type Config struct {
	HTTP         HTTP         `mapstructure:"http"`
	Database     Database     `mapstructure:"database"`
	Redis        Redis        `mapstructure:"redis"`
	AMQP         AMQP         `mapstructure:"amqp"`
	Outbox       Outbox       `mapstructure:"outbox"`
	Distribution Distribution `mapstructure:"distribution"`
	Settlement   Settlement   `mapstructure:"settlement"`
	Health       Health       `mapstructure:"health"`
}

var defaults = map[string]any{
	"http.addr":                 ":8080",
	"http.read_timeout":         "10s",
	"http.write_timeout":        "15m",
	"http.cors_allowed_origins": []string{"*"},

	"database.url": "",

	"redis.url":       "",
	"redis.cache_ttl": "30s",

	"amqp.url":   "",
	"amqp.queue": "yield.events",

	"outbox.relay_interval": "5s",
	"outbox.batch_size":     100,

	"distribution.schedule":    "0 0 * * *",
	"distribution.timezone":    "Asia/Shanghai",
	"distribution.chunk_size":  100,
	"distribution.chunk_delay": "2s",
	"distribution.max_retries": 3,
	"distribution.retry_delay": "5m",
	"distribution.lease_ttl":   "10m",

	"settlement.min_latency":     "1s",
	"settlement.max_latency":     "3s",
	"settlement.timeout":         "30s",
	"settlement.failure_rate":    0.0,
	"settlement.initial_reserve": "1000",
	"settlement.transfer_fee":    "0.01",
	"settlement.min_fee_reserve": "10",

	"health.monitor_interval": "1m",
	"health.check_timeout":    "10s",
}

// Load reads the configuration. path may be empty; a missing .env is fine.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("YIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names kept for existing deployments.
	v.BindEnv("database.url", "YIELD_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("redis.url", "YIELD_REDIS_URL", "REDIS_URL")
	v.BindEnv("amqp.url", "YIELD_AMQP_URL", "AMQP_URL")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and formats.
func (c *Config) Validate() error {
	var errs []error
	d := c.Distribution
	if d.ChunkSize <= 0 {
		errs = append(errs, errors.New("distribution.chunk_size must be positive"))
	}
	if d.MaxRetries <= 0 {
		errs = append(errs, errors.New("distribution.max_retries must be positive"))
	}
	if d.ChunkDelay < 0 || d.RetryDelay < 0 {
		errs = append(errs, errors.New("distribution delays must not be negative"))
	}
	if d.LeaseTTL <= 0 {
		errs = append(errs, errors.New("distribution.lease_ttl must be positive"))
	}
	if c.Outbox.RelayInterval <= 0 || c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox relay interval and batch size must be positive"))
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("distribution.timezone: %w", err))
	}

	s := c.Settlement
	if s.MinLatency < 0 || s.MaxLatency < s.MinLatency {
		errs = append(errs, errors.New("settlement latency range is invalid"))
	}
	if s.FailureRate < 0 || s.FailureRate > 1 {
		errs = append(errs, errors.New("settlement.failure_rate must be within [0, 1]"))
	}
	for name, val := range map[string]string{
		"initial_reserve": s.InitialReserve,
		"transfer_fee":    s.TransferFee,
		"min_fee_reserve": s.MinFeeReserve,
	} {
		amt, err := decimal.NewFromString(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("settlement.%s: %w", name, err))
		} else if amt.IsNegative() {
			errs = append(errs, fmt.Errorf("settlement.%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Location returns the distribution timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Distribution.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DistributionConfig converts to orchestrator settings.
func (c *Config) DistributionConfig() distribution.Config {
	return distribution.Config{
		ChunkSize:  c.Distribution.ChunkSize,
		ChunkDelay: c.Distribution.ChunkDelay,
		MaxRetries: c.Distribution.MaxRetries,
		RetryDelay: c.Distribution.RetryDelay,
		LeaseTTL:   c.Distribution.LeaseTTL,
		Location:   c.Location(),
	}
}

// SettlementConfig converts to simulated network settings. Amounts were
// checked by Validate.
func (c *Config) SettlementConfig() settlement.Config {
	return settlement.Config{
		MinLatency:     c.Settlement.MinLatency,
		MaxLatency:     c.Settlement.MaxLatency,
		Timeout:        c.Settlement.Timeout,
		FailureRate:    c.Settlement.FailureRate,
		InitialReserve: decimal.RequireFromString(c.Settlement.InitialReserve),
		TransferFee:    decimal.RequireFromString(c.Settlement.TransferFee),
	}
}

// MinFeeReserve is the reserve the health gate requires.
func (c *Config) MinFeeReserve() decimal.Decimal {
	return decimal.RequireFromString(c.Settlement.MinFeeReserve)
}
