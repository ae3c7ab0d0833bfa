package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Auth      AuthConfig      `mapstructure:"auth"`
	KeyLock   KeyLockConfig   `mapstructure:"key_lock"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Events    EventsConfig    `mapstructure:"events"`
	Lock      LockConfig      `mapstructure:"lock"`
	Rollover  RolloverConfig  `mapstructure:"rollover"`
	Arbiter   ArbiterConfig   `mapstructure:"arbiter"`
	Resource  ResourceConfig  `mapstructure:"resource"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	Type            string        `mapstructure:"type"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type KeyLockConfig struct {
	Type       string        `mapstructure:"type"` // local, redis
	Prefix     string        `mapstructure:"prefix"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	Redis      RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type GatewayConfig struct {
	Timeout       time.Duration   `mapstructure:"timeout"`
	RatePerSecond float64         `mapstructure:"rate_per_second"`
	Burst         int             `mapstructure:"burst"`
	Simulator     SimulatorConfig `mapstructure:"simulator"`
}

type SimulatorConfig struct {
	MinLatency       time.Duration `mapstructure:"min_latency"`
	MaxLatency       time.Duration `mapstructure:"max_latency"`
	SuccessRate      float64       `mapstructure:"success_rate"`
	LiquidityFactor  float64       `mapstructure:"liquidity_factor"`
	CommissionPerLot float64       `mapstructure:"commission_per_lot"`
}

type ContractsConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type LockConfig struct {
	SweepSpec       string `mapstructure:"sweep_spec"`
	ExecutorWorkers int    `mapstructure:"executor_workers"`
	QueueSize       int    `mapstructure:"queue_size"`
}

type RolloverConfig struct {
	MonitorSpec  string        `mapstructure:"monitor_spec"`
	CloseDaySpec string        `mapstructure:"close_day_spec"`
	MaxRetries   int           `mapstructure:"max_retries"`
	MinBackoff   time.Duration `mapstructure:"min_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

type ArbiterConfig struct {
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
	ProcessSpec    string        `mapstructure:"process_spec"`
}

type ResourceConfig struct {
	SnapshotSpec string `mapstructure:"snapshot_spec"`
}

// Load reads path (optional) and POLAR_* environment overrides. A .env file
// in the working directory is merged into the environment first.
func Load(path string) (Config, error) {
	// Missing .env is fine; variables already set win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("POLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("db.type", "sqlite")
	v.SetDefault("db.dsn", "polar.db")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 2)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.log_level", "silent")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "polar-secret-key")
	v.SetDefault("auth.api_key", "test-api-key")
	v.SetDefault("auth.api_secret", "test-api-secret")
	v.SetDefault("auth.token_ttl", "24h")

	v.SetDefault("key_lock.type", "local")
	v.SetDefault("key_lock.prefix", "polar:lock:")
	v.SetDefault("key_lock.default_ttl", "30s")
	v.SetDefault("key_lock.redis.addr", "localhost:6379")
	v.SetDefault("key_lock.redis.pool_size", 10)

	v.SetDefault("gateway.timeout", "5s")
	v.SetDefault("gateway.rate_per_second", 20)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("gateway.simulator.min_latency", "5ms")
	v.SetDefault("gateway.simulator.max_latency", "40ms")
	v.SetDefault("gateway.simulator.success_rate", 0.97)
	v.SetDefault("gateway.simulator.liquidity_factor", 0.9)
	v.SetDefault("gateway.simulator.commission_per_lot", 3.0)

	v.SetDefault("contracts.catalog_path", "contracts.yaml")
	v.SetDefault("events.buffer_size", 1000)

	v.SetDefault("lock.sweep_spec", "@every 30s")
	v.SetDefault("lock.executor_workers", 2)
	v.SetDefault("lock.queue_size", 256)

	v.SetDefault("rollover.monitor_spec", "@every 5m")
	v.SetDefault("rollover.close_day_spec", "0 5 0 * * *")
	v.SetDefault("rollover.max_retries", 3)
	v.SetDefault("rollover.min_backoff", "200ms")
	v.SetDefault("rollover.max_backoff", "5s")

	v.SetDefault("arbiter.snapshot_max_age", "30s")
	v.SetDefault("arbiter.process_spec", "@every 10s")

	v.SetDefault("resource.snapshot_spec", "@every 1m")
}

// Validate checks values the engines cannot run without.
func (c Config) Validate() error {
	switch c.DB.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("unsupported db.type %q", c.DB.Type)
	}
	switch c.KeyLock.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("unsupported key_lock.type %q", c.KeyLock.Type)
	}
	if c.Gateway.Timeout <= 0 {
		return errors.New("gateway.timeout must be positive")
	}
	if c.Rollover.MaxRetries < 0 {
		return errors.New("rollover.max_retries must not be negative")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}
