package config

import (
	"errors"

	"github.com/spf13/viper"

	"github.com/nimbus-baas/nimbus-stack/common/config"
)

type Config struct {
	Server    config.ServerConfig  `mapstructure:"server" yaml:"server"`
	Broker    config.BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Logging   config.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Ingress   IngressConfig        `mapstructure:"ingress" yaml:"ingress"`
	WebSocket WebSocketConfig      `mapstructure:"websocket" yaml:"websocket"`
}

// IngressConfig guards the cross-service push endpoint.
type IngressConfig struct {
	// Token is the pre-shared x-internal-token value.
	Token        string `mapstructure:"token" yaml:"-"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type WebSocketConfig struct {
	// AllowedOrigins restricts the Origin header on upgrade; empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	SendBuffer     int      `mapstructure:"send_buffer" yaml:"send_buffer"`
	ReadLimit      int64    `mapstructure:"read_limit" yaml:"read_limit"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	config.SetSharedDefaults(v)
	v.SetDefault("server.port", 8092)
	// Websocket connections are long-lived.
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("ingress.token", "")
	v.SetDefault("ingress.max_body_bytes", 1<<20)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.read_limit", 4096)

	// Environment variables override (REALTIME_INGRESS_TOKEN, etc.)
	var cfg Config
	if err := config.Read(v, configPath, "REALTIME", &cfg, "/etc/nimbus/realtime"); err != nil {
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
	if c.Ingress.Token == "" {
		return errors.New("ingress.token is required")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("websocket.send_buffer must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return errors.New("websocket.read_limit must be positive")
	}
	return nil
}
