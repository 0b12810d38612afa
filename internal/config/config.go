package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/imhypeboy/haksamate-live/internal/presence"
	"github.com/imhypeboy/haksamate-live/internal/registry"
	pkgconfig "github.com/imhypeboy/haksamate-live/pkg/config"
	"github.com/imhypeboy/haksamate-live/pkg/database"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Database  database.Config
	Redis     RedisConfig
	Presence  presence.Config
	Auth      AuthConfig
	Log       log.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type RedisConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	registry.CacheConfig `mapstructure:",squash"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "haksamate.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "haksamate:rooms")
	v.SetDefault("redis.ttl", "5m")
	v.SetDefault("presence.stale_after", "2m")
	v.SetDefault("presence.sweep_interval", "30s")
	v.SetDefault("presence.position_epsilon", 0.0001)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "haksamate")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "haksamate-live")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Redis.TTL = parseDuration(v, "redis.ttl", 5*time.Minute)
	cfg.Presence.StaleAfter = parseDuration(v, "presence.stale_after", 2*time.Minute)
	cfg.Presence.SweepInterval = parseDuration(v, "presence.sweep_interval", 30*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
