package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Incoming  ChannelConfig   `mapstructure:"incoming"`
	Outgoing  ChannelConfig   `mapstructure:"outgoing"`
	Watermark WatermarkConfig `mapstructure:"watermark"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	NodeID string `mapstructure:"node_id"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type OutboxConfig struct {
	Driver           string        `mapstructure:"driver"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	BatchSize        int           `mapstructure:"batch_size"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	IdempotencyTTL   time.Duration `mapstructure:"idempotency_ttl"`
}

type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	RelayChannel string `mapstructure:"relay_channel"`
}

type CreditsConfig struct {
	Capacity        int     `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

type ChannelConfig struct {
	Capacity    int    `mapstructure:"capacity"`
	Mode        string `mapstructure:"mode"`
	Parallelism int    `mapstructure:"parallelism"`
	DropPolicy  string `mapstructure:"drop_policy"`
}

type WatermarkConfig struct {
	Backend    string `mapstructure:"backend"`
	MaxEntries int    `mapstructure:"max_entries"`
}

type DeliveryConfig struct {
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	HeavyThreshold int           `mapstructure:"heavy_threshold"`
	HeavyLimit     int           `mapstructure:"heavy_limit"`
}

type CleanupConfig struct {
	Fraction    float64       `mapstructure:"fraction"`
	Threshold   int           `mapstructure:"threshold"`
	Interval    time.Duration `mapstructure:"interval"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path (YAML, TOML or JSON by extension) and applies GATEWAY_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("gateway")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.node_id", "gateway-1")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("sqlite.path", "gateway.db")

	v.SetDefault("outbox.driver", "sqlite")
	v.SetDefault("outbox.lease_duration", "30s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.dispatch_interval", "1s")
	v.SetDefault("outbox.idempotency_ttl", "10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.relay_channel", "gateway-relay")

	v.SetDefault("credits.capacity", 50)
	v.SetDefault("credits.refill_per_second", 10.0)

	for _, ch := range []string{"incoming", "outgoing"} {
		v.SetDefault(ch+".capacity", 4096)
		v.SetDefault(ch+".mode", "sequential")
		v.SetDefault(ch+".parallelism", 0)
		v.SetDefault(ch+".drop_policy", "drop_oldest")
	}

	v.SetDefault("watermark.backend", "memory")
	v.SetDefault("watermark.max_entries", 10000)

	v.SetDefault("delivery.grace_period", "5m")
	v.SetDefault("delivery.purge_interval", "30s")
	v.SetDefault("delivery.heavy_threshold", 500)
	v.SetDefault("delivery.heavy_limit", 10)

	v.SetDefault("cleanup.fraction", 0.33)
	v.SetDefault("cleanup.threshold", 20)
	v.SetDefault("cleanup.interval", "15s")
	v.SetDefault("cleanup.idle_timeout", "2m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.NodeID == "" {
		errs = append(errs, errors.New("server.node_id is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Outbox.Driver {
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required when outbox.driver=postgres"))
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required when outbox.driver=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("outbox.driver %q is not one of postgres, sqlite", c.Outbox.Driver))
	}
	switch c.Watermark.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required when watermark.backend=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("watermark.backend %q is not one of memory, redis", c.Watermark.Backend))
	}
	if c.Credits.Capacity < 1 {
		errs = append(errs, errors.New("credits.capacity must be at least 1"))
	}
	if c.Credits.RefillPerSecond <= 0 {
		errs = append(errs, errors.New("credits.refill_per_second must be positive"))
	}
	if c.Outbox.LeaseDuration <= 0 {
		errs = append(errs, errors.New("outbox.lease_duration must be positive"))
	}
	if c.Delivery.GracePeriod <= 0 {
		errs = append(errs, errors.New("delivery.grace_period must be positive"))
	}
	if c.Cleanup.Fraction <= 0 || c.Cleanup.Fraction > 1 {
		errs = append(errs, errors.New("cleanup.fraction must be in (0, 1]"))
	}
	return errors.Join(errs...)
}
