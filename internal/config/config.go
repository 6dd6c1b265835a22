// Package config loads server settings from defaults, an optional YAML
// file, LOBBYMESH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/mcoot/lobbymesh/internal/api"
	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/factory"
	natsbus "github.com/mcoot/lobbymesh/internal/storage/nats"
	redisstorage "github.com/mcoot/lobbymesh/internal/storage/redis"
	"github.com/mcoot/lobbymesh/internal/transport/ws"
)

// EnvPrefix prefixes every environment variable, e.g. LOBBYMESH_SERVER_PORT
const EnvPrefix = "LOBBYMESH"

// DefaultFile is read from the working directory when no file is given
const DefaultFile = "lobbymesh.yaml"

// Config holds every server setting
type Config struct {
	// Instance must be unique across the fleet. Defaults to hostname plus a
	// random suffix.
	Instance  string          `mapstructure:"instance" yaml:"instance"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Lobby     LobbyConfig     `mapstructure:"lobby" yaml:"lobby"`
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host" yaml:"host"`
	Port              int           `mapstructure:"port" yaml:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	RoomTTL      time.Duration `mapstructure:"room_ttl" yaml:"room_ttl"`
}

// BusConfig selects the message bus. An empty type uses the storage
// backend's own pub/sub.
type BusConfig struct {
	Type string     `mapstructure:"type" yaml:"type"`
	NATS NATSConfig `mapstructure:"nats" yaml:"nats"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// LobbyConfig holds player and room behaviour
type LobbyConfig struct {
	PlayerTTL          time.Duration `mapstructure:"player_ttl" yaml:"player_ttl"`
	RenewThreshold     time.Duration `mapstructure:"renew_threshold" yaml:"renew_threshold"`
	WrongPasswordDelay time.Duration `mapstructure:"wrong_password_delay" yaml:"wrong_password_delay"`
	ReapInterval       time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	MaxCodeAttempts    int           `mapstructure:"max_code_attempts" yaml:"max_code_attempts"`
	PasswordCost       int           `mapstructure:"password_cost" yaml:"password_cost"`
}

type WebSocketConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadLimit      int64         `mapstructure:"read_limit" yaml:"read_limit"`
	OriginPatterns []string      `mapstructure:"origin_patterns" yaml:"origin_patterns"`
}

// Default returns configuration with reasonable starter defaults
func Default() Config {
	server := api.DefaultServerConfig()
	redis := redisstorage.DefaultConfig()
	nats := natsbus.DefaultConfig()
	coord := coordinator.DefaultConfig()
	socket := ws.DefaultConfig()

	return Config{
		Instance: defaultInstance(),
		Log:      LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Host:              server.Host,
			Port:              server.Port,
			ReadHeaderTimeout: server.ReadHeaderTimeout,
			ShutdownTimeout:   server.ShutdownTimeout,
		},
		Storage: StorageConfig{
			Type: factory.StorageTypeMemory,
			Redis: RedisConfig{
				URL:          redis.URL,
				PoolSize:     redis.PoolSize,
				MinIdleConns: redis.MinIdleConns,
				RoomTTL:      redis.RoomTTL,
			},
		},
		Bus: BusConfig{
			NATS: NATSConfig{
				URL:           nats.URL,
				MaxReconnects: nats.MaxReconnects,
				ReconnectWait: nats.ReconnectWait,
				PingInterval:  nats.PingInterval,
			},
		},
		Lobby: LobbyConfig{
			PlayerTTL:          coord.PlayerTTL,
			RenewThreshold:     coord.RenewThreshold,
			WrongPasswordDelay: coord.WrongPasswordDelay,
			ReapInterval:       coord.ReapInterval,
			MaxCodeAttempts:    coord.MaxCodeAttempts,
			PasswordCost:       coord.PasswordCost,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:   socket.SendBuffer,
			WriteTimeout: socket.WriteTimeout,
			PingInterval: socket.PingInterval,
			ReadLimit:    socket.ReadLimit,
		},
	}
}

func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lobbymesh"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NewViper returns a viper instance primed with every default and bound to
// the environment. Flags can be bound to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	defaults := map[string]any{
		"instance":                     d.Instance,
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
		"server.host":                  d.Server.Host,
		"server.port":                  d.Server.Port,
		"server.read_header_timeout":   d.Server.ReadHeaderTimeout,
		"server.shutdown_timeout":      d.Server.ShutdownTimeout,
		"storage.type":                 d.Storage.Type,
		"storage.redis.url":            d.Storage.Redis.URL,
		"storage.redis.pool_size":      d.Storage.Redis.PoolSize,
		"storage.redis.min_idle_conns": d.Storage.Redis.MinIdleConns,
		"storage.redis.room_ttl":       d.Storage.Redis.RoomTTL,
		"bus.type":                     d.Bus.Type,
		"bus.nats.url":                 d.Bus.NATS.URL,
		"bus.nats.max_reconnects":      d.Bus.NATS.MaxReconnects,
		"bus.nats.reconnect_wait":      d.Bus.NATS.ReconnectWait,
		"bus.nats.ping_interval":       d.Bus.NATS.PingInterval,
		"lobby.player_ttl":             d.Lobby.PlayerTTL,
		"lobby.renew_threshold":        d.Lobby.RenewThreshold,
		"lobby.wrong_password_delay":   d.Lobby.WrongPasswordDelay,
		"lobby.reap_interval":          d.Lobby.ReapInterval,
		"lobby.max_code_attempts":      d.Lobby.MaxCodeAttempts,
		"lobby.password_cost":          d.Lobby.PasswordCost,
		"websocket.send_buffer":        d.WebSocket.SendBuffer,
		"websocket.write_timeout":      d.WebSocket.WriteTimeout,
		"websocket.ping_interval":      d.WebSocket.PingInterval,
		"websocket.read_limit":         d.WebSocket.ReadLimit,
		"websocket.origin_patterns":    d.WebSocket.OriginPatterns,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Load resolves the configuration. An explicit path must exist; without
// one, DefaultFile is read if present.
func Load(v *viper.Viper, path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c Config) Validate() error {
	var errs []error
	if c.Instance == "" {
		errs = append(errs, errors.New("instance must not be empty"))
	}
	switch c.Storage.Type {
	case factory.StorageTypeMemory, factory.StorageTypeRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.type %q: must be memory or redis", c.Storage.Type))
	}
	switch c.Bus.Type {
	case "", factory.BusTypeMemory, factory.BusTypeRedis, factory.BusTypeNATS:
	default:
		errs = append(errs, fmt.Errorf("bus.type %q: must be memory, redis or nats", c.Bus.Type))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Lobby.RenewThreshold >= c.Lobby.PlayerTTL {
		errs = append(errs, errors.New("lobby.renew_threshold must be shorter than lobby.player_ttl"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Factory converts the configuration into factory settings
func (c Config) Factory(logger *slog.Logger) factory.Config {
	redis := redisstorage.DefaultConfig()
	redis.URL = c.Storage.Redis.URL
	redis.PoolSize = c.Storage.Redis.PoolSize
	redis.MinIdleConns = c.Storage.Redis.MinIdleConns
	redis.RoomTTL = c.Storage.Redis.RoomTTL
	redis.PlayerTTL = c.Lobby.PlayerTTL

	nats := natsbus.Config{
		URL:           c.Bus.NATS.URL,
		MaxReconnects: c.Bus.NATS.MaxReconnects,
		ReconnectWait: c.Bus.NATS.ReconnectWait,
		PingInterval:  c.Bus.NATS.PingInterval,
	}

	return factory.Config{
		Logger:      logger,
		StorageType: c.Storage.Type,
		RedisConfig: &redis,
		BusType:     c.Bus.Type,
		NATSConfig:  &nats,
		Coordinator: coordinator.Config{
			Instance:           c.Instance,
			PlayerTTL:          c.Lobby.PlayerTTL,
			RenewThreshold:     c.Lobby.RenewThreshold,
			WrongPasswordDelay: c.Lobby.WrongPasswordDelay,
			ReapInterval:       c.Lobby.ReapInterval,
			MaxCodeAttempts:    c.Lobby.MaxCodeAttempts,
			PasswordCost:       c.Lobby.PasswordCost,
		},
	}
}

// ServerConfig converts the HTTP settings
func (c Config) ServerConfig() api.ServerConfig {
	return api.ServerConfig{
		Host:              c.Server.Host,
		Port:              c.Server.Port,
		ReadHeaderTimeout: c.Server.ReadHeaderTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
	}
}

// WebSocketConfig converts the websocket settings
func (c Config) WebSocketConfig() ws.Config {
	return ws.Config{
		SendBuffer:     c.WebSocket.SendBuffer,
		WriteTimeout:   c.WebSocket.WriteTimeout,
		PingInterval:   c.WebSocket.PingInterval,
		ReadLimit:      c.WebSocket.ReadLimit,
		OriginPatterns: c.WebSocket.OriginPatterns,
	}
}

// NewLogger builds the process logger
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
