package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", ":4838")
	v.SetDefault("server.auth.keySecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.keyTTL", "720h")
	v.SetDefault("server.connectionLimit.maxPerIdentity", 1)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("transport.readTimeout", "300s")
	v.SetDefault("transport.writeTimeout", "30s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("rooms.defaultMode", "Conversational")
	v.SetDefault("think.sweepInterval", "5s")
	v.SetDefault("think.probability", 0.3)
	v.SetDefault("think.minDeadline", "15s")
	v.SetDefault("think.maxDeadline", "60s")
	v.SetDefault("lifecycle.sweepInterval", "200ms")
	v.SetDefault("lifecycle.grace", "500ms")
	v.SetDefault("lifecycle.reconnectAttempts", 3)
	v.SetDefault("lifecycle.reconnectInterval", "1s")
	v.SetDefault("context.pageSize", 50)
	v.SetDefault("context.pageDelay", "100ms")
	v.SetDefault("stream.volumeBytesPerSec", 262144)
	v.SetDefault("stream.volumeBurst", 1048576)
	v.SetDefault("log.level", "info")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STNA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("config file not found, relying on defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
