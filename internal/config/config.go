package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds settings for the TCP server runtime.
type ServerConfig struct {
	ListenAddr     string
	MetricsAddr    string
	Database       DatabaseConfig
	History        HistoryConfig
	JWT            JWTConfig
	Log            LogConfig
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int
	RoomTimeout    time.Duration
	ReaperInterval time.Duration
	Admins         []string
	BcryptCost     int
}

// ClientConfig holds settings for protocol clients.
type ClientConfig struct {
	ServerAddr    string
	DialTimeout   time.Duration
	MaxFrameBytes int
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string
}

// HistoryConfig selects where room chat history is kept.
type HistoryConfig struct {
	Backend     string // sqlite or redis
	RedisAddr   string
	RedisPrefix string
	Limit       int // newest lines kept per room by the redis backend, 0 keeps all
}

// JWTConfig defines token issuance parameters.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string // console or json
}

const (
	HistoryBackendSQLite = "sqlite"
	HistoryBackendRedis  = "redis"
)

// LoadServerConfig builds the server configuration from environment variables with sensible defaults.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:  envOrDefault("ROOMCAST_LISTEN_ADDR", ":3169"),
		MetricsAddr: envOrDefault("ROOMCAST_METRICS_ADDR", ""),
		Database:    DatabaseConfig{Path: envOrDefault("ROOMCAST_DB_PATH", "roomcast.db")},
		History: HistoryConfig{
			Backend:     strings.ToLower(envOrDefault("ROOMCAST_HISTORY_BACKEND", HistoryBackendSQLite)),
			RedisAddr:   envOrDefault("ROOMCAST_REDIS_ADDR", "localhost:6379"),
			RedisPrefix: envOrDefault("ROOMCAST_REDIS_PREFIX", "roomcast:"),
			Limit:       envInt("ROOMCAST_HISTORY_LIMIT", 0),
		},
		JWT: loadJWTConfig(),
		Log: LogConfig{
			Level:  envOrDefault("ROOMCAST_LOG_LEVEL", "info"),
			Format: envOrDefault("ROOMCAST_LOG_FORMAT", "console"),
		},
		ReadTimeout:    envDuration("ROOMCAST_READ_TIMEOUT", time.Second),
		WriteTimeout:   envDuration("ROOMCAST_WRITE_TIMEOUT", 5*time.Second),
		MaxFrameBytes:  envInt("ROOMCAST_MAX_FRAME_BYTES", 64<<10),
		RoomTimeout:    envDuration("ROOMCAST_ROOM_TIMEOUT", 30*time.Second),
		ReaperInterval: envDuration("ROOMCAST_REAPER_INTERVAL", 5*time.Second),
		Admins:         envList("ROOMCAST_ADMINS", []string{"admin"}),
		BcryptCost:     envInt("ROOMCAST_BCRYPT_COST", 10),
	}
}

// LoadClientConfig builds the client configuration from environment variables.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		ServerAddr:    envOrDefault("ROOMCAST_SERVER_ADDR", "localhost:3169"),
		DialTimeout:   envDuration("ROOMCAST_DIAL_TIMEOUT", 5*time.Second),
		MaxFrameBytes: envInt("ROOMCAST_MAX_FRAME_BYTES", 64<<10),
	}
}

// Validate reports the first setting that would keep the server from running.
func (c ServerConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ListenAddr) == "":
		return errors.New("listen address required")
	case c.ReadTimeout <= 0:
		return errors.New("read timeout must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("write timeout must be positive")
	case c.RoomTimeout <= 0:
		return errors.New("room timeout must be positive")
	case c.ReaperInterval <= 0:
		return errors.New("reaper interval must be positive")
	case c.MaxFrameBytes <= 0:
		return errors.New("max frame bytes must be positive")
	}
	switch c.History.Backend {
	case HistoryBackendSQLite, HistoryBackendRedis:
	default:
		return errors.New("unknown history backend " + strconv.Quote(c.History.Backend))
	}
	return nil
}

// IsAdmin reports whether username is configured as a room administrator.
func (c ServerConfig) IsAdmin(username string) bool {
	for _, admin := range c.Admins {
		if admin == username {
			return true
		}
	}
	return false
}

func loadJWTConfig() JWTConfig {
	expiration := envDuration("ROOMCAST_JWT_EXPIRATION", 24*time.Hour)
	return JWTConfig{
		Secret:     envOrDefault("ROOMCAST_JWT_SECRET", "replace-me"),
		Issuer:     envOrDefault("ROOMCAST_JWT_ISSUER", "roomcast"),
		Expiration: expiration,
	}
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return value
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(key string, def int) int {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return def
}

func envList(key string, def []string) []string {
	env, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(env, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
