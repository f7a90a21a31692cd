// Package config loads nimbus CLI settings: which broker to talk to and
// where the realtime ingress lives.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/nimbus-baas/nimbus-stack/common/config"
)

type Config struct {
	Broker   config.BrokerConfig   `mapstructure:"broker" yaml:"broker"`
	Realtime config.RealtimeConfig `mapstructure:"realtime" yaml:"realtime"`
	Logging  config.LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Seeder   SeederConfig          `mapstructure:"seeder" yaml:"seeder"`
}

// SeederConfig holds defaults for `nimbus seed`.
type SeederConfig struct {
	Count      int           `mapstructure:"count" yaml:"count"`
	TimeSpread time.Duration `mapstructure:"time_spread" yaml:"time_spread"`
	Owners     int           `mapstructure:"owners" yaml:"owners"`
	Apps       int           `mapstructure:"apps" yaml:"apps"`
	Users      int           `mapstructure:"users" yaml:"users"`
	EventTypes []string      `mapstructure:"event_types" yaml:"event_types"`
}

// Dir returns ~/.nimbus, or "" when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nimbus")
}

func newViper() *viper.Viper {
	v := viper.New()
	config.SetSharedDefaults(v)
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
	v.SetDefault("seeder.count", 100)
	v.SetDefault("seeder.time_spread", "0s")
	v.SetDefault("seeder.owners", 2)
	v.SetDefault("seeder.apps", 3)
	v.SetDefault("seeder.users", 20)
	v.SetDefault("seeder.event_types", []string{"api", "database", "realtime", "storage", "auth"})
	return v
}

// Default returns the configuration with no file and no environment applied.
func Default() *Config {
	var cfg Config
	// Unmarshalling defaults into a plain struct cannot fail.
	_ = newViper().Unmarshal(&cfg)
	return &cfg
}

// Load reads cfgFile, or config.yaml from . and ~/.nimbus when empty.
// NIMBUS_* environment variables override file values.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	var dirs []string
	if d := Dir(); d != "" {
		dirs = append(dirs, d)
	}

	var cfg Config
	if err := config.Read(v, cfgFile, "NIMBUS", &cfg, dirs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}
