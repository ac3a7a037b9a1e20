// Package config loads service configuration from YAML files and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level service configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Activity  ActivityConfig  `mapstructure:"activity"`
}

// ServerConfig identifies the upstream trading server.
type ServerConfig struct {
	URL string `mapstructure:"url"`
}

// TransportConfig controls the reconnect state machine and heartbeats.
type TransportConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

// DatabaseConfig configures the persistence collaborator.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ActivityConfig configures the activity recorder.
type ActivityConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// LoadConfig reads configuration from config.yaml (working directory or
// ./configs) with TRADESYNC_* environment overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("TRADESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("server.url", "wss://localhost:8443/ws")
	v.SetDefault("transport.base_delay", time.Second)
	v.SetDefault("transport.max_attempts", 5)
	v.SetDefault("transport.heartbeat_interval", 30*time.Second)
	v.SetDefault("transport.write_timeout", 10*time.Second)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("database.dsn", "tradesync.db")
	v.SetDefault("activity.capacity", 50)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Transport.MaxAttempts < 0 {
		return nil, fmt.Errorf("transport.max_attempts must not be negative")
	}

	return &cfg, nil
}
