package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	SQLitePath     string
	MongoURI       string
	MongoDatabase  string
	RedisAddr      string
	RedisChannel   string
	SigningKey     []byte
	TokenTTL       time.Duration
	AllowedOrigins []string
	EchoToSender   bool
	AuthTimeout    time.Duration
	EventsPerSec   float64
	EventBurst     int
}

type Option func(*Config)

func WithSQLitePath(path string) Option {
	return func(c *Config) {
		c.SQLitePath = path
	}
}

func WithMongo(uri, database string) Option {
	return func(c *Config) {
		c.MongoURI = uri
		if database != "" {
			c.MongoDatabase = database
		}
	}
}

func WithRedis(addr, channel string) Option {
	return func(c *Config) {
		c.RedisAddr = addr
		if channel != "" {
			c.RedisChannel = channel
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TokenTTL = ttl
	}
}

func WithEchoToSender(echo bool) Option {
	return func(c *Config) {
		c.EchoToSender = echo
	}
}

func WithAuthTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AuthTimeout = d
	}
}

// WithEventRate limits each connection to perSec events with the given burst.
func WithEventRate(perSec float64, burst int) Option {
	return func(c *Config) {
		c.EventsPerSec = perSec
		c.EventBurst = burst
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret decodes to an empty key")
	}
	return key, nil
}

func NewConfig(serverAddr, store, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:     serverAddr,
		Store:          store,
		DatabaseDSN:    databaseDSN,
		SQLitePath:     "chatline.db",
		MongoDatabase:  "chatline",
		RedisChannel:   "chatline:deliveries",
		SigningKey:     signingKey,
		TokenTTL:       24 * time.Hour,
		AllowedOrigins: allowedOrigins,
		AuthTimeout:    10 * time.Second,
		EventsPerSec:   20,
		EventBurst:     40,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	if cfg.AuthTimeout <= 0 {
		return nil, fmt.Errorf("auth timeout must be positive")
	}
	if cfg.EventsPerSec <= 0 || cfg.EventBurst <= 0 {
		return nil, fmt.Errorf("event rate and burst must be positive")
	}

	return cfg, nil
}

// Env returns the value of the environment variable key, or fallback if unset.
func Env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func EnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(Env(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func EnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(Env(key, ""))
	if err != nil {
		return fallback
	}
	return d
}

func EnvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(Env(key, ""), 64)
	if err != nil {
		return fallback
	}
	return f
}

func EnvInt(key string, fallback int) int {
	i, err := strconv.Atoi(Env(key, ""))
	if err != nil {
		return fallback
	}
	return i
}
