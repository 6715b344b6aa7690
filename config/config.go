package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config carries everything the relay needs at startup. Values come from
// defaults, an optional YAML file, and CASTRELAY_* environment variables,
// in that order of precedence.
type Config struct {
	APIListenAddr string `mapstructure:"api_listen_addr"`
	WSListenAddr  string `mapstructure:"ws_listen_addr"`
	LogLevel      string `mapstructure:"log_level"`
	ReadLimit     int64  `mapstructure:"read_limit"`
	SendBuffer    int    `mapstructure:"send_buffer"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("log_level", "debug")
	v.SetDefault("read_limit", 9000)
	v.SetDefault("send_buffer", 16)

	v.SetEnvPrefix("castrelay")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
