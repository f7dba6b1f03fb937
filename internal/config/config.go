// File: internal/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Chain         ChainConfig        `mapstructure:"chain"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Yield         YieldConfig        `mapstructure:"yield"`
	Tracker       TrackerConfig      `mapstructure:"tracker"`
	Cache         CacheConfig        `mapstructure:"cache"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ChainConfig contains Arbitrum RPC and contract configuration
type ChainConfig struct {
	Network        string        `mapstructure:"network"` // mainnet, sepolia
	RPCURL         string        `mapstructure:"rpc_url"`
	BackupNodes    []string      `mapstructure:"backup_nodes"`
	USDsAddress    string        `mapstructure:"usds_address"`
	VaultAddress   string        `mapstructure:"vault_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// MonitorConfig contains rebase monitoring configuration
type MonitorConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	LookbackBlocks      uint64        `mapstructure:"lookback_blocks"`
	BackfillConcurrency int           `mapstructure:"backfill_concurrency"`
	EnableSubscription  bool          `mapstructure:"enable_subscription"`
}

// YieldConfig contains APY calculation parameters
type YieldConfig struct {
	PeriodsPerYear float64 `mapstructure:"periods_per_year"`
	FallbackAPY    float64 `mapstructure:"fallback_apy"`
}

// TrackerConfig contains orchestrator scheduling configuration
type TrackerConfig struct {
	SnapshotSchedule string        `mapstructure:"snapshot_schedule"`
	SnapshotTimeout  time.Duration `mapstructure:"snapshot_timeout"`
}

// CacheConfig contains read-through cache configuration
type CacheConfig struct {
	Type     string        `mapstructure:"type"` // memory, redis, none
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NotificationConfig contains rebase webhook configuration
type NotificationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Webhooks      []string      `mapstructure:"webhooks"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableCORS    bool          `mapstructure:"enable_cors"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("YIELD_TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variables understood by the original deployment scripts
	v.BindEnv("chain.rpc_url", "YIELD_TRACKER_CHAIN_RPC_URL", "ARBITRUM_RPC_URL")
	v.BindEnv("chain.network", "YIELD_TRACKER_CHAIN_NETWORK", "NETWORK")
	v.BindEnv("server.port", "YIELD_TRACKER_SERVER_PORT", "PORT")
	v.BindEnv("storage.connection_string", "YIELD_TRACKER_STORAGE_CONNECTION_STRING", "DB_PATH", "DATABASE_URL")
	v.BindEnv("monitor.poll_interval", "YIELD_TRACKER_MONITOR_POLL_INTERVAL", "POLL_INTERVAL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			pollIntervalHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// pollIntervalHookFunc accepts bare integers as milliseconds, matching the
// POLL_INTERVAL convention, before the regular duration hook runs.
func pollIntervalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		s, ok := data.(string)
		if !ok || s == "" || strings.ContainsAny(s, "hmsnuµ") {
			return data, nil
		}
		var ms int64
		if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
			return data, nil
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "usds-yield-tracker")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("chain.network", NetworkMainnet)
	v.SetDefault("chain.rpc_url", "https://arb1.arbitrum.io/rpc")
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.retry_delay", "5s")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./yield-tracker.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")

	// ~1 day of Arbitrum blocks
	v.SetDefault("monitor.poll_interval", "60s")
	v.SetDefault("monitor.lookback_blocks", 50000)
	v.SetDefault("monitor.backfill_concurrency", 8)
	v.SetDefault("monitor.enable_subscription", true)

	v.SetDefault("yield.periods_per_year", 365)
	v.SetDefault("yield.fallback_apy", 8.5)

	v.SetDefault("tracker.snapshot_schedule", "@every 6h")
	v.SetDefault("tracker.snapshot_timeout", "10m")

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "60s")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.retry_delay", "2s")

	v.SetDefault("server.port", 3003)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_cors", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required")
	}
	if _, ok := networks[c.Chain.Network]; !ok {
		return fmt.Errorf("unsupported network %q (expected mainnet or sepolia)", c.Chain.Network)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	switch strings.ToLower(c.Storage.Type) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive")
	}
	if c.Monitor.BackfillConcurrency <= 0 {
		return fmt.Errorf("monitor backfill concurrency must be positive")
	}
	if c.Yield.PeriodsPerYear <= 0 {
		return fmt.Errorf("yield periods per year must be positive")
	}
	if c.Yield.FallbackAPY < 0 {
		return fmt.Errorf("yield fallback APY cannot be negative")
	}
	if c.Tracker.SnapshotSchedule == "" {
		return fmt.Errorf("tracker snapshot schedule is required")
	}
	switch c.Cache.Type {
	case "memory", "none", "":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache redis_url is required for redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache type %q", c.Cache.Type)
	}
	if c.Notifications.Enabled && len(c.Notifications.Webhooks) == 0 {
		return fmt.Errorf("notifications enabled but no webhooks configured")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	return nil
}
