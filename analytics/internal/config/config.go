package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/nimbus-baas/nimbus-stack/common/config"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

type Config struct {
	Server      config.ServerConfig  `mapstructure:"server" yaml:"server"`
	Broker      config.BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Redis       config.RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Database    DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Logging     config.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Aggregation AggregationConfig    `mapstructure:"aggregation" yaml:"aggregation"`
	Usage       UsageConfig          `mapstructure:"usage" yaml:"usage"`
}

type DatabaseConfig struct {
	Postgres       config.PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	MigrationsPath string                `mapstructure:"migrations_path" yaml:"migrations_path"`
}

// AggregationConfig drives the scheduled rollup runs.
type AggregationConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Retention is how long raw events are kept after receipt.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	// BootDelay postpones the first hourly run after startup.
	BootDelay time.Duration `mapstructure:"boot_delay" yaml:"boot_delay"`
	// LateArrival widens each run's window backwards so events stamped
	// before the previous window but received after it still get counted.
	LateArrival   time.Duration `mapstructure:"late_arrival" yaml:"late_arrival"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" yaml:"purge_interval"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// UsageConfig lists the peers asked for stats by the usage report.
type UsageConfig struct {
	PeerStatsKeys []string      `mapstructure:"peer_stats_keys" yaml:"peer_stats_keys"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	config.SetSharedDefaults(v)
	v.SetDefault("server.port", 8091)
	v.SetDefault("database.postgres.database", "nimbus_analytics")
	v.SetDefault("database.migrations_path", "file://migrations")
	v.SetDefault("aggregation.enabled", true)
	v.SetDefault("aggregation.retention", "720h")
	v.SetDefault("aggregation.boot_delay", "1m")
	v.SetDefault("aggregation.late_arrival", "0s")
	v.SetDefault("aggregation.purge_interval", "1h")
	v.SetDefault("aggregation.lock_ttl", "10m")
	v.SetDefault("usage.peer_stats_keys", []string{messaging.RPCRealtimeStats, messaging.RPCStorageStats})
	v.SetDefault("usage.timeout", "5s")

	// Environment variables override (ANALYTICS_SERVER_PORT, etc.)
	var cfg Config
	if err := config.Read(v, configPath, "ANALYTICS", &cfg, "/etc/nimbus/analytics"); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if c.Aggregation.Retention <= 0 {
		return errors.New("aggregation.retention must be positive")
	}
	if c.Aggregation.BootDelay < 0 || c.Aggregation.LateArrival < 0 {
		return errors.New("aggregation delays must not be negative")
	}
	if c.Aggregation.PurgeInterval <= 0 {
		return errors.New("aggregation.purge_interval must be positive")
	}
	for _, key := range c.Usage.PeerStatsKeys {
		if err := messaging.ValidateRoutingKey(key); err != nil {
			return fmt.Errorf("usage.peer_stats_keys: %w", err)
		}
	}
	return nil
}
