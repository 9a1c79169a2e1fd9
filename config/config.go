package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/logging"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment      string                 `mapstructure:"environment"`
	Server           ServerConfig           `mapstructure:"server"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Postgres         PostgresConfig         `mapstructure:"postgres"`
	Kafka            KafkaConfig            `mapstructure:"kafka"`
	JWT              JWTConfig              `mapstructure:"jwt"`
	Logging          logging.Config         `mapstructure:"logging"`
	Progressive      ProgressiveConfig      `mapstructure:"progressive"`
	ExternalServices ExternalServicesConfig `mapstructure:"external_services"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// PostgresConfig holds the ledger database configuration
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string          `mapstructure:"brokers"`
	ConsumerGroup string            `mapstructure:"consumer_group"`
	Topics        map[string]string `mapstructure:"topics"`
}

// Topic returns the configured topic name, falling back to the key itself.
func (k KafkaConfig) Topic(name string) string {
	if t, ok := k.Topics[name]; ok && t != "" {
		return t
	}
	return name
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// ProgressiveConfig holds progressive core tuning
type ProgressiveConfig struct {
	ClaimTimeout      time.Duration `mapstructure:"claim_timeout"`
	CommitTimeout     time.Duration `mapstructure:"commit_timeout"`
	UpdateTimeout     time.Duration `mapstructure:"update_timeout"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	MinRTP            string        `mapstructure:"min_rtp"`
	MaxRTP            string        `mapstructure:"max_rtp"`
	AutoAwardSap      bool          `mapstructure:"auto_award_sap"`
	AllowIdleHits     bool          `mapstructure:"allow_idle_hits"`
	ManifestDir       string        `mapstructure:"manifest_dir"`
	Store             string        `mapstructure:"store"`
	Ledger            string        `mapstructure:"ledger"`
	NodeID            int64         `mapstructure:"node_id"`
	PayoutRetry       time.Duration `mapstructure:"payout_retry"`
	// StoreLeaseTTL bounds how long a crashed node keeps the redis store.
	StoreLeaseTTL     time.Duration `mapstructure:"store_lease_ttl"`
}

// ExternalServicesConfig holds external service configurations
type ExternalServicesConfig struct {
	PayoutService ServiceConfig `mapstructure:"payout_service"`
}

// ServiceConfig holds external service configuration
type ServiceConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Load loads configuration from YAML file using Viper
func Load(filename string) (*Config, error) {
	cfg, _, err := LoadWithViper(filename)
	return cfg, err
}

// LoadWithViper loads configuration and returns the viper instance for custom usage
func LoadWithViper(filename string) (*Config, *viper.Viper, error) {
	v := viper.New()

	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.setDefaults()

	return &config, v, nil
}

// Default returns a configuration populated only with defaults, used when
// running without a config file (memory store, no brokers).
func Default() *Config {
	var c Config
	c.setDefaults()
	return &c
}

// setDefaults sets default values for missing configuration
func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "progressive"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Progressive.ClaimTimeout == 0 {
		c.Progressive.ClaimTimeout = 30 * time.Second
	}
	if c.Progressive.CommitTimeout == 0 {
		c.Progressive.CommitTimeout = 60 * time.Second
	}
	if c.Progressive.UpdateTimeout == 0 {
		c.Progressive.UpdateTimeout = 10 * time.Second
	}
	if c.Progressive.BroadcastInterval == 0 {
		c.Progressive.BroadcastInterval = 2 * time.Second
	}
	if c.Progressive.SweepSchedule == "" {
		c.Progressive.SweepSchedule = "@every 5s"
	}
	if c.Progressive.MinRTP == "" {
		c.Progressive.MinRTP = "75"
	}
	if c.Progressive.MaxRTP == "" {
		c.Progressive.MaxRTP = "99.99"
	}
	if c.Progressive.PayoutRetry == 0 {
		c.Progressive.PayoutRetry = 5 * time.Second
	}
	if c.Progressive.StoreLeaseTTL == 0 {
		c.Progressive.StoreLeaseTTL = 15 * time.Second
	}
	if c.Progressive.Store == "" {
		c.Progressive.Store = "memory"
	}
	if c.Progressive.Ledger == "" {
		c.Progressive.Ledger = "memory"
	}
	if c.ExternalServices.PayoutService.Timeout == 0 {
		c.ExternalServices.PayoutService.Timeout = 10 * time.Second
	}
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
