// Package config loads the chat server configuration. Values are layered:
// built-in defaults first, then environment variables, and the result is
// checked with struct validation before anything is started.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Bus      BusConfig      `koanf:"bus"`
	Redis    RedisConfig    `koanf:"redis"`
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Typing   TypingConfig   `koanf:"typing"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ServerConfig tunes the websocket server.
type ServerConfig struct {
	ListenAddr     string        `koanf:"listen_addr" validate:"required"`
	SocketPath     string        `koanf:"socket_path" validate:"required,startswith=/"`
	WorkerPoolSize int           `koanf:"worker_pool_size" validate:"min=1"`
	MaxConnections int           `koanf:"max_connections" validate:"min=1"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gt=0"`
	PingInterval   time.Duration `koanf:"ping_interval" validate:"gt=0"`
	PingTimeout    time.Duration `koanf:"ping_timeout" validate:"gt=0"`
	MaxPayload     int64         `koanf:"max_payload" validate:"min=1"`
	Environment    string        `koanf:"environment" validate:"oneof=development test production"`
	Name           string        `koanf:"name"`
}

// BusConfig selects the fan-out and shared state drivers.
type BusConfig struct {
	Driver         string `koanf:"driver" validate:"oneof=local redis nats"`
	Prefix         string `koanf:"prefix"`
	PresenceDriver string `koanf:"presence_driver" validate:"oneof=local redis"`
	TypingDriver   string `koanf:"typing_driver" validate:"oneof=memory redis"`
}

// RedisConfig is used by every driver set to redis, the session store and
// the rate limiter.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

// NATSConfig is used by the nats bus driver.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// DatabaseConfig points at the message store. An empty URL keeps messages
// in memory.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// AuthConfig configures session token verification.
type AuthConfig struct {
	Secret string `koanf:"secret"`
	Cookie string `koanf:"cookie" validate:"required"`
}

// TypingConfig tunes typing indicator expiry.
type TypingConfig struct {
	Timeout  time.Duration `koanf:"timeout" validate:"gt=0"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

// LoggingConfig is passed to logging.Init.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the configuration used when no environment overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":3001",
			SocketPath:     "/socket.io/",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			PingInterval:   25 * time.Second,
			PingTimeout:    20 * time.Second,
			MaxPayload:     1000000,
			Environment:    "development",
		},
		Bus: BusConfig{
			Driver:         "local",
			Prefix:         "socket-chat:",
			PresenceDriver: "local",
			TypingDriver:   "memory",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Auth: AuthConfig{
			Cookie: "session-token",
		},
		Typing: TypingConfig{
			Timeout:  time.Second,
			Interval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// envMappings maps environment variables (lower-cased) to config paths.
// Variables not listed are ignored.
var envMappings = map[string]string{
	"listen_addr":      "server.listen_addr",
	"socket_path":      "server.socket_path",
	"worker_pool_size": "server.worker_pool_size",
	"max_connections":  "server.max_connections",
	"read_timeout":     "server.read_timeout",
	"write_timeout":    "server.write_timeout",
	"ping_interval":    "server.ping_interval",
	"ping_timeout":     "server.ping_timeout",
	"max_payload":      "server.max_payload",
	"environment":      "server.environment",
	"server_name":      "server.name",

	"bus_driver":      "bus.driver",
	"bus_prefix":      "bus.prefix",
	"presence_driver": "bus.presence_driver",
	"typing_driver":   "bus.typing_driver",

	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"nats_url":      "nats.url",
	"nats_embedded": "nats.embedded",

	"database_url": "database.url",

	"auth_secret": "auth.secret",
	"auth_cookie": "auth.cookie",

	"typing_timeout":  "typing.timeout",
	"typing_interval": "typing.interval",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"metrics_addr": "metrics.addr",
}

func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Load builds the configuration from defaults and the process environment.
func Load() (*Config, error) {
	return load(env.Provider("", ".", envTransform))
}

func load(overrides koanf.Provider) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(overrides, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field requirements of the
// selected drivers.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	usesRedis := c.Bus.Driver == "redis" || c.Bus.PresenceDriver == "redis" || c.Bus.TypingDriver == "redis"
	if usesRedis && c.Redis.Addr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required when a redis driver is selected")
	}
	if c.Bus.Driver == "nats" && c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("config: NATS_URL is required for the nats bus driver")
	}
	if c.Server.Environment == "production" && len(c.Auth.Secret) < 32 {
		return fmt.Errorf("config: AUTH_SECRET of at least 32 bytes is required in production")
	}
	if c.Bus.Driver != "local" && c.Bus.PresenceDriver == "local" {
		return fmt.Errorf("config: presence must be shared when the bus is distributed; set PRESENCE_DRIVER=redis")
	}
	if c.Bus.Driver != "local" && c.Bus.TypingDriver == "memory" {
		return fmt.Errorf("config: typing state must be shared when the bus is distributed; set TYPING_DRIVER=redis")
	}
	return nil
}

// Distributed reports whether broadcasts leave this process.
func (c *Config) Distributed() bool {
	return c.Bus.Driver != "local"
}
