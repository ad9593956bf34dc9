package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	ShardSecret      string        `mapstructure:"shard_secret"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 9001)
	v.SetDefault("shard_secret", "")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("send_queue_size", 64)

	v.SetEnvPrefix("relay")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
