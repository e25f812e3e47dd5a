package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"alert-relay/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Sources      []SourceConfig     `mapstructure:"sources"`
	MarketData   MarketDataConfig   `mapstructure:"market_data"`
	Evaluation   EvaluationConfig   `mapstructure:"evaluation"`
	Notification NotificationConfig `mapstructure:"notification"`
	DeadLetter   DeadLetterConfig   `mapstructure:"dead_letter"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	API          APIConfig          `mapstructure:"api"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the poll cycle cadence and its resource bounds.
type SchedulerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	CycleDeadline     time.Duration `mapstructure:"cycle_deadline"`
	SourceConcurrency int           `mapstructure:"source_concurrency"`
	UnhealthyBackoff  time.Duration `mapstructure:"unhealthy_backoff"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
}

// SourceConfig identifies one tracked feed source.
type SourceConfig struct {
	ID             string        `mapstructure:"id"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
}

// MarketDataConfig covers the enrichment collaborator.
type MarketDataConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProviderConfig describes one scoring provider of the evaluation panel.
type ProviderConfig struct {
	Name           string        `mapstructure:"name"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Weight         float64       `mapstructure:"weight"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes a provider circuit breaker.
type BreakerConfig struct {
	MaxFailures       int           `mapstructure:"max_failures"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	HalfOpenSuccesses int           `mapstructure:"half_open_successes"`
}

// ThresholdConfig maps consensus scores to recommendations.
type ThresholdConfig struct {
	StrongBuy float64 `mapstructure:"strong_buy"`
	Buy       float64 `mapstructure:"buy"`
	Hold      float64 `mapstructure:"hold"`
}

// EvaluationConfig drives the consensus engine.
type EvaluationConfig struct {
	Providers  []ProviderConfig `mapstructure:"providers"`
	Thresholds ThresholdConfig  `mapstructure:"thresholds"`
}

// RateLimitConfig bounds outbound notification volume.
type RateLimitConfig struct {
	MaxPerWindow int           `mapstructure:"max_per_window"`
	Window       time.Duration `mapstructure:"window"`
}

// TelegramConfig configures the Telegram delivery channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// AMQPConfig configures the AMQP delivery channel.
type AMQPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
}

// NotificationConfig governs qualification and dispatch.
type NotificationConfig struct {
	MinScore        float64         `mapstructure:"min_score"`
	Recommendations []string        `mapstructure:"recommendations"`
	MaxRetries      int             `mapstructure:"max_retries"`
	BackoffBase     time.Duration   `mapstructure:"backoff_base"`
	BackoffCap      time.Duration   `mapstructure:"backoff_cap"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Telegram        TelegramConfig  `mapstructure:"telegram"`
	AMQP            AMQPConfig      `mapstructure:"amqp"`
}

// DeadLetterConfig tunes dead-letter retry behaviour.
type DeadLetterConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	RetryBatch  int           `mapstructure:"retry_batch"`
	Retention   time.Duration `mapstructure:"retention"`
}

// MaintenanceConfig holds cron specs for the housekeeping jobs.
type MaintenanceConfig struct {
	WindowSweep     string        `mapstructure:"window_sweep"`
	ClaimSweep      string        `mapstructure:"claim_sweep"`
	DeadLetterPurge string        `mapstructure:"dead_letter_purge"`
	StaleClaimAge   time.Duration `mapstructure:"stale_claim_age"`
}

// APIConfig controls the embedded ops HTTP server.
type APIConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ListenAddr     string  `mapstructure:"listen_addr"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
	Burst          int     `mapstructure:"burst"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALERTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alertrelay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cycle_deadline", "4m")
	v.SetDefault("scheduler.source_concurrency", 5)
	v.SetDefault("scheduler.unhealthy_backoff", "15m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x616C7274))

	v.SetDefault("market_data.request_timeout", "10s")

	v.SetDefault("evaluation.thresholds.strong_buy", 85.0)
	v.SetDefault("evaluation.thresholds.buy", 70.0)
	v.SetDefault("evaluation.thresholds.hold", 50.0)

	v.SetDefault("notification.min_score", 80.0)
	v.SetDefault("notification.recommendations", []string{"buy", "strong_buy"})
	v.SetDefault("notification.max_retries", 3)
	v.SetDefault("notification.backoff_base", "1m")
	v.SetDefault("notification.backoff_cap", "30m")
	v.SetDefault("notification.rate_limit.max_per_window", 10)
	v.SetDefault("notification.rate_limit.window", "1h")
	v.SetDefault("notification.telegram.enabled", false)
	v.SetDefault("notification.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notification.amqp.enabled", false)
	v.SetDefault("notification.amqp.queue", "alertrelay.notifications")

	v.SetDefault("dead_letter.max_retries", 3)
	v.SetDefault("dead_letter.backoff_base", "2m")
	v.SetDefault("dead_letter.backoff_cap", "1h")
	v.SetDefault("dead_letter.retry_batch", 10)
	v.SetDefault("dead_letter.retention", "720h")

	v.SetDefault("maintenance.window_sweep", "@every 1m")
	v.SetDefault("maintenance.claim_sweep", "@every 5m")
	v.SetDefault("maintenance.dead_letter_purge", "@daily")
	v.SetDefault("maintenance.stale_claim_age", "10m")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.requests_per_sec", 10.0)
	v.SetDefault("api.burst", 20)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.CycleDeadline <= 0 || c.Scheduler.CycleDeadline > c.Scheduler.Interval {
		return fmt.Errorf("scheduler.cycle_deadline must be positive and at most scheduler.interval")
	}
	if c.Scheduler.SourceConcurrency <= 0 {
		return fmt.Errorf("scheduler.source_concurrency must be greater than zero")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[].id must not be empty")
		}
		if _, dup := seen[src.ID]; dup {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = struct{}{}
	}
	for _, p := range c.Evaluation.Providers {
		if p.Name == "" {
			return fmt.Errorf("evaluation.providers[].name must not be empty")
		}
		if p.Weight <= 0 {
			return fmt.Errorf("evaluation provider %q weight must be greater than zero", p.Name)
		}
	}
	th := c.Evaluation.Thresholds
	if !(th.StrongBuy > th.Buy && th.Buy > th.Hold && th.Hold > 0) {
		return fmt.Errorf("evaluation.thresholds must be strictly ordered strong_buy > buy > hold > 0")
	}
	if c.Notification.MinScore < 0 || c.Notification.MinScore > 100 {
		return fmt.Errorf("notification.min_score must be within [0,100]")
	}
	if c.Notification.MaxRetries < 0 {
		return fmt.Errorf("notification.max_retries cannot be negative")
	}
	if c.Notification.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("notification.rate_limit.max_per_window must be greater than zero")
	}
	if c.Notification.RateLimit.Window <= 0 {
		return fmt.Errorf("notification.rate_limit.window must be greater than zero")
	}
	if c.Notification.Telegram.Enabled {
		if c.Notification.Telegram.BotToken == "" {
			return fmt.Errorf("notification.telegram.bot_token is required when telegram is enabled")
		}
		if c.Notification.Telegram.ChatID == "" {
			return fmt.Errorf("notification.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Notification.AMQP.Enabled && c.Notification.AMQP.URL == "" {
		return fmt.Errorf("notification.amqp.url is required when amqp is enabled")
	}
	if c.DeadLetter.MaxRetries < 0 {
		return fmt.Errorf("dead_letter.max_retries cannot be negative")
	}
	if c.DeadLetter.RetryBatch <= 0 {
		return fmt.Errorf("dead_letter.retry_batch must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Source returns the configuration for one source id, if present.
func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}
