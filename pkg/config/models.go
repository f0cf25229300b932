package config

import "time"

type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Transport TransportConfig       `mapstructure:"transport"`
	Rooms     RoomsConfig           `mapstructure:"rooms"`
	Think     ThinkConfig           `mapstructure:"think"`
	Lifecycle LifecycleConfig       `mapstructure:"lifecycle"`
	Context   ContextDeliveryConfig `mapstructure:"context"`
	Stream    StreamConfig          `mapstructure:"stream"`
	Log       LogConfig             `mapstructure:"log"`
}

type ServerConfig struct {
	Address         string                `mapstructure:"address"`
	Auth            AuthConfig            `mapstructure:"auth"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	KeySecret string        `mapstructure:"keySecret"`
	KeyTTL    time.Duration `mapstructure:"keyTTL"`
}

type ConnectionLimitConfig struct {
	MaxPerIdentity int    `mapstructure:"maxPerIdentity"`
	Mode           string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type RoomsConfig struct {
	DefaultMode string `mapstructure:"defaultMode"`
}

// ThinkConfig tunes the Conversational background trigger.
type ThinkConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	Probability   float64       `mapstructure:"probability"`
	MinDeadline   time.Duration `mapstructure:"minDeadline"`
	MaxDeadline   time.Duration `mapstructure:"maxDeadline"`
}

// LifecycleConfig tunes disconnect bookkeeping.
type LifecycleConfig struct {
	SweepInterval     time.Duration `mapstructure:"sweepInterval"`
	Grace             time.Duration `mapstructure:"grace"`
	ReconnectAttempts int           `mapstructure:"reconnectAttempts"`
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`
}

// ContextDeliveryConfig tunes paginated context broadcasts.
type ContextDeliveryConfig struct {
	PageSize  int           `mapstructure:"pageSize"`
	PageDelay time.Duration `mapstructure:"pageDelay"`
}

// StreamConfig tunes the log-only stream volume flagger.
type StreamConfig struct {
	VolumeBytesPerSec int `mapstructure:"volumeBytesPerSec"`
	VolumeBurst       int `mapstructure:"volumeBurst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
