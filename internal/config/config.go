package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the usage engine.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Usage         UsageConfig         `mapstructure:"usage"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Rollover      RolloverConfig      `mapstructure:"rollover"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Metrics       MetricsServerConfig `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// UsageConfig controls the ingestion and calculation sides of the engine.
type UsageConfig struct {
	DefaultTimezone   string        `mapstructure:"default_timezone"`
	DefaultMarkupRate float64       `mapstructure:"default_markup_rate"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RecordMaxAttempts int           `mapstructure:"record_max_attempts"`
	RecordBackoff     time.Duration `mapstructure:"record_backoff"`
	CalcCacheTTL      time.Duration `mapstructure:"calc_cache_ttl"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
}

// PricingConfig controls the OpenRouter pricing cache stack.
type PricingConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PoolTimeout      time.Duration `mapstructure:"pool_timeout"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerRecovery  time.Duration `mapstructure:"breaker_recovery"`
	L1TTL            time.Duration `mapstructure:"l1_ttl"`
	L2TTL            time.Duration `mapstructure:"l2_ttl"`
	RefreshAhead     time.Duration `mapstructure:"refresh_ahead"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	WarmModels       []string      `mapstructure:"warm_models"`
}

type RolloverConfig struct {
	Schedule        string `mapstructure:"schedule"`
	CatchupSchedule string `mapstructure:"catchup_schedule"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type MetricsServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else {
		if cfg := os.Getenv("USAGE_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("usaged")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("USAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes defaults.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "USAGE_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "USAGE_REDIS_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	tz := strings.TrimSpace(c.Usage.DefaultTimezone)
	if tz == "" {
		tz = "Europe/Warsaw"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid usage.default_timezone: %w", err)
	}
	c.Usage.DefaultTimezone = tz

	if c.Usage.DefaultMarkupRate < 1 {
		return fmt.Errorf("usage.default_markup_rate must be >= 1")
	}
	if c.Usage.RetentionDays <= 0 {
		c.Usage.RetentionDays = 90
	}
	if c.Usage.RecordMaxAttempts <= 0 {
		c.Usage.RecordMaxAttempts = 3
	}
	if c.Usage.RecordBackoff <= 0 {
		c.Usage.RecordBackoff = 100 * time.Millisecond
	}
	if c.Usage.CalcCacheTTL <= 0 {
		c.Usage.CalcCacheTTL = 5 * time.Minute
	}
	if c.Usage.QueryTimeout <= 0 {
		c.Usage.QueryTimeout = 10 * time.Second
	}

	if strings.TrimSpace(c.Pricing.BaseURL) == "" {
		return fmt.Errorf("pricing.base_url must be provided")
	}
	if c.Pricing.RequestTimeout <= 0 {
		c.Pricing.RequestTimeout = 30 * time.Second
	}
	if c.Pricing.PoolTimeout <= 0 {
		c.Pricing.PoolTimeout = 5 * time.Second
	}
	if c.Pricing.MaxIdleConns <= 0 {
		c.Pricing.MaxIdleConns = 10
	}
	if c.Pricing.MaxRetries <= 0 {
		c.Pricing.MaxRetries = 3
	}
	if c.Pricing.RetryMaxDelay <= 0 {
		c.Pricing.RetryMaxDelay = 10 * time.Second
	}
	if c.Pricing.BreakerFailures == 0 {
		c.Pricing.BreakerFailures = 3
	}
	if c.Pricing.BreakerRecovery <= 0 {
		c.Pricing.BreakerRecovery = time.Minute
	}
	if c.Pricing.L1TTL <= 0 {
		c.Pricing.L1TTL = time.Minute
	}
	if c.Pricing.L2TTL <= 0 {
		c.Pricing.L2TTL = time.Hour
	}
	if c.Pricing.RefreshAhead <= 0 {
		c.Pricing.RefreshAhead = 5 * time.Minute
	}
	if c.Pricing.RefreshInterval <= 0 {
		c.Pricing.RefreshInterval = 55 * time.Minute
	}
	c.Pricing.WarmModels = normalizeStringSlice(c.Pricing.WarmModels)

	if strings.TrimSpace(c.Rollover.Schedule) == "" {
		c.Rollover.Schedule = "5 0 * * *"
	}
	if strings.TrimSpace(c.Rollover.CatchupSchedule) == "" {
		c.Rollover.CatchupSchedule = "@hourly"
	}
	if strings.TrimSpace(c.Metrics.ListenAddr) == "" {
		c.Metrics.ListenAddr = ":9090"
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys with viper so AutomaticEnv can bind
	// them even when no config file provides a value.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("pricing.api_key", "")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("usage.default_timezone", "Europe/Warsaw")
	v.SetDefault("usage.default_markup_rate", 1.3)
	v.SetDefault("usage.retention_days", 90)
	v.SetDefault("usage.record_max_attempts", 3)
	v.SetDefault("usage.record_backoff", "100ms")
	v.SetDefault("usage.calc_cache_ttl", "5m")
	v.SetDefault("usage.query_timeout", "10s")

	v.SetDefault("pricing.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("pricing.request_timeout", "30s")
	v.SetDefault("pricing.pool_timeout", "5s")
	v.SetDefault("pricing.max_idle_conns", 10)
	v.SetDefault("pricing.max_retries", 3)
	v.SetDefault("pricing.retry_max_delay", "10s")
	v.SetDefault("pricing.breaker_failures", 3)
	v.SetDefault("pricing.breaker_recovery", "60s")
	v.SetDefault("pricing.l1_ttl", "1m")
	v.SetDefault("pricing.l2_ttl", "60m")
	v.SetDefault("pricing.refresh_ahead", "5m")
	v.SetDefault("pricing.refresh_interval", "55m")
	v.SetDefault("pricing.warm_models", []string{
		"openai/gpt-4o",
		"openai/gpt-4o-mini",
		"anthropic/claude-3.5-sonnet",
		"google/gemini-flash-1.5",
	})

	v.SetDefault("rollover.schedule", "5 0 * * *")
	v.SetDefault("rollover.catchup_schedule", "@hourly")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("metrics.listen_addr", ":9090")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
