package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"satbridge/internal/logging"
	"satbridge/internal/storage"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig          `mapstructure:"app"`
	Logging   logging.Config     `mapstructure:"logging"`
	Database  storage.PoolConfig `mapstructure:"database"`
	Venues    VenuesConfig       `mapstructure:"venues"`
	Breaker   BreakerConfig      `mapstructure:"breaker"`
	RateLimit RateLimitConfig    `mapstructure:"ratelimit"`
	Failover  FailoverConfig     `mapstructure:"failover"`
	Oracle    OracleConfig       `mapstructure:"oracle"`
	Reconcile ReconcileConfig    `mapstructure:"reconcile"`
	Recovery  RecoveryConfig     `mapstructure:"recovery"`
	Refunds   RefundsConfig      `mapstructure:"refunds"`
	Notify    NotifyConfig       `mapstructure:"notify"`
	Export    ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// VenueConfig is one exchange venue's credentials and placement.
type VenueConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	WithdrawalKey  string        `mapstructure:"withdrawal_key"`
	Priority       int           `mapstructure:"priority"`
	FeeRate        float64       `mapstructure:"fee_rate"`
	MinWithdrawal  float64       `mapstructure:"min_withdrawal"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// VenuesConfig holds the supported venues plus the dry-run stub.
type VenuesConfig struct {
	Kraken     VenueConfig `mapstructure:"kraken"`
	BTCMarkets VenueConfig `mapstructure:"btcmarkets"`
	Mock       MockConfig  `mapstructure:"mock"`
}

// MockConfig enables the in-process venue for dry runs.
type MockConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	Price    float64 `mapstructure:"price"`
	Priority int     `mapstructure:"priority"`
}

// BreakerConfig tunes per-venue circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RateLimitConfig overrides per-class request budgets (requests/minute).
type RateLimitConfig struct {
	MarketData int `mapstructure:"market_data"`
	Account    int `mapstructure:"account"`
	Trading    int `mapstructure:"trading"`
	Withdrawal int `mapstructure:"withdrawal"`
}

// FailoverConfig governs venue selection and price validation.
type FailoverConfig struct {
	MaxPriceDeviationPct float64       `mapstructure:"max_price_deviation_pct"`
	PriceQueryTimeout    time.Duration `mapstructure:"price_query_timeout"`
	ReferenceCurrency    string        `mapstructure:"reference_currency"`
	HealthProbeInterval  time.Duration `mapstructure:"health_probe_interval"`
}

// OracleConfig covers the on-chain reference price feed.
type OracleConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	FeedAddress    string        `mapstructure:"feed_address"`
	FeedDecimals   int           `mapstructure:"feed_decimals"`
	MaxStaleness   time.Duration `mapstructure:"max_staleness"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ReconcileConfig governs the reconciliation cadence and tolerances.
type ReconcileConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	Window                 time.Duration `mapstructure:"window"`
	MaxTimeDifference      time.Duration `mapstructure:"max_time_difference"`
	MaxAmountDifferencePct float64       `mapstructure:"max_amount_difference_pct"`
	GracePeriod            time.Duration `mapstructure:"grace_period"`
	CriticalOrphanAge      time.Duration `mapstructure:"critical_orphan_age"`
	Tenants                []string      `mapstructure:"tenants"`
	AdvisoryLockKey        int64         `mapstructure:"advisory_lock_key"`
}

// RecoveryConfig governs the retry queue.
type RecoveryConfig struct {
	Interval        time.Duration   `mapstructure:"interval"`
	MaxAttempts     int             `mapstructure:"max_attempts"`
	BackoffSchedule []time.Duration `mapstructure:"backoff_schedule"`
}

// RefundsConfig points at the payment processor's refund endpoint.
type RefundsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// KafkaConfig is the event stream sink.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// TelegramConfig is the operator alert sink.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// NotifyConfig routes recovery lifecycle events.
type NotifyConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	OutputDir     string `mapstructure:"output_dir"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SATBRIDGE")
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
	v.SetDefault("app.name", "satbridge")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("venues.kraken.enabled", false)
	v.SetDefault("venues.kraken.base_url", "https://api.kraken.com")
	v.SetDefault("venues.kraken.priority", 1)
	v.SetDefault("venues.kraken.fee_rate", 0.0026)
	v.SetDefault("venues.kraken.min_withdrawal", 0.0005)
	v.SetDefault("venues.kraken.request_timeout", "20s")
	v.SetDefault("venues.btcmarkets.enabled", false)
	v.SetDefault("venues.btcmarkets.base_url", "https://api.btcmarkets.net")
	v.SetDefault("venues.btcmarkets.priority", 2)
	v.SetDefault("venues.btcmarkets.fee_rate", 0.0085)
	v.SetDefault("venues.btcmarkets.min_withdrawal", 0.001)
	v.SetDefault("venues.btcmarkets.request_timeout", "20s")
	v.SetDefault("venues.mock.enabled", false)
	v.SetDefault("venues.mock.price", 100000.0)
	v.SetDefault("venues.mock.priority", 99)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.monitoring_window", "1m")
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.success_threshold", 2)

	v.SetDefault("ratelimit.market_data", 60)
	v.SetDefault("ratelimit.account", 30)
	v.SetDefault("ratelimit.trading", 20)
	v.SetDefault("ratelimit.withdrawal", 10)

	v.SetDefault("failover.max_price_deviation_pct", 5.0)
	v.SetDefault("failover.price_query_timeout", "10s")
	v.SetDefault("failover.reference_currency", "USD")
	v.SetDefault("failover.health_probe_interval", "30s")

	v.SetDefault("oracle.enabled", false)
	v.SetDefault("oracle.feed_decimals", 8)
	v.SetDefault("oracle.max_staleness", "1h")
	v.SetDefault("oracle.request_timeout", "10s")

	v.SetDefault("reconcile.interval", "5m")
	v.SetDefault("reconcile.window", "24h")
	v.SetDefault("reconcile.max_time_difference", "15m")
	v.SetDefault("reconcile.max_amount_difference_pct", 1.0)
	v.SetDefault("reconcile.grace_period", "5m")
	v.SetDefault("reconcile.critical_orphan_age", "1h")
	v.SetDefault("reconcile.advisory_lock_key", int64(0x73627264))

	v.SetDefault("recovery.interval", "1m")
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.backoff_schedule", []string{"1m", "5m", "30m"})

	v.SetDefault("refunds.request_timeout", "15s")

	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.topic", "satbridge.recovery.events")
	v.SetDefault("notify.kafka.write_timeout", "10s")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.output_dir", ".")
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
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be greater than zero")
	}
	if c.Recovery.Interval <= 0 {
		return fmt.Errorf("recovery.interval must be greater than zero")
	}
	if c.Recovery.MaxAttempts <= 0 {
		return fmt.Errorf("recovery.max_attempts must be greater than zero")
	}
	if c.Failover.MaxPriceDeviationPct <= 0 {
		return fmt.Errorf("failover.max_price_deviation_pct must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Venues.Kraken.Enabled {
		if c.Venues.Kraken.APIKey == "" || c.Venues.Kraken.APISecret == "" {
			return fmt.Errorf("venues.kraken requires api_key and api_secret")
		}
	}
	if c.Venues.BTCMarkets.Enabled {
		if c.Venues.BTCMarkets.APIKey == "" || c.Venues.BTCMarkets.APISecret == "" {
			return fmt.Errorf("venues.btcmarkets requires api_key and api_secret")
		}
	}
	if !c.Venues.Kraken.Enabled && !c.Venues.BTCMarkets.Enabled && !c.Venues.Mock.Enabled {
		return fmt.Errorf("at least one venue must be enabled")
	}
	if c.Oracle.Enabled {
		if c.Oracle.RPCURL == "" || c.Oracle.FeedAddress == "" {
			return fmt.Errorf("oracle requires rpc_url and feed_address")
		}
	}
	if c.Notify.Kafka.Enabled && len(c.Notify.Kafka.Brokers) == 0 {
		return fmt.Errorf("notify.kafka.brokers must not be empty")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token is required")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id is required")
		}
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
