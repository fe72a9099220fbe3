package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Port    string `toml:"port"`
	GinMode string `toml:"gin_mode"`
}

// StoreConfig picks the entity store: "sqlite" or "memgraph".
type StoreConfig struct {
	Backend string `toml:"backend"`
}

type MemgraphConfig struct {
	URI      string `toml:"uri"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// PushConfig selects the broker ("local" or "redis") feeding the hub.
type PushConfig struct {
	Broker     string `toml:"broker"`
	SendBuffer int    `toml:"send_buffer"`
}

type AuthConfig struct {
	Secret   string   `toml:"secret"`
	Issuer   string   `toml:"issuer"`
	TokenTTL Duration `toml:"token_ttl"`
}

type CacheConfig struct {
	GraphEntries int `toml:"graph_entries"`
}

type BreakerConfig struct {
	MinRequests  uint32   `toml:"min_requests"`
	FailureRatio float64  `toml:"failure_ratio"`
	Timeout      Duration `toml:"timeout"`
}

// ClientConfig is read by clients of the desk.
type ClientConfig struct {
	BaseURL string        `toml:"base_url"`
	PushURL string        `toml:"push_url"`
	Cache   CacheConfig   `toml:"cache"`
	Breaker BreakerConfig `toml:"breaker"`
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Memgraph MemgraphConfig `toml:"memgraph"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	Push     PushConfig     `toml:"push"`
	Auth     AuthConfig     `toml:"auth"`
	Client   ClientConfig   `toml:"client"`
}

// Duration reads TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", GinMode: "release"},
		Store:    StoreConfig{Backend: "sqlite"},
		Memgraph: MemgraphConfig{URI: "bolt://localhost:7687"},
		SQLite:   SQLiteConfig{Path: "verity.db"},
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "verity:"},
		Push:     PushConfig{Broker: "local", SendBuffer: 64},
		Auth:     AuthConfig{Issuer: "verity", TokenTTL: Duration{24 * time.Hour}},
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			PushURL: "ws://localhost:8080/push",
			Cache:   CacheConfig{GraphEntries: 256},
			Breaker: BreakerConfig{MinRequests: 5, FailureRatio: 0.5, Timeout: Duration{10 * time.Second}},
		},
	}
}

// Load reads the TOML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv() error {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Server.GinMode, "GIN_MODE")
	set(&c.Store.Backend, "VERITY_STORE")
	set(&c.SQLite.Path, "VERITY_SQLITE_PATH")
	set(&c.Memgraph.URI, "MEMGRAPH_URI")
	set(&c.Memgraph.User, "MEMGRAPH_USER")
	set(&c.Memgraph.Password, "MEMGRAPH_PASSWORD")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Push.Broker, "VERITY_PUSH_BROKER")
	set(&c.Auth.Secret, "VERITY_AUTH_SECRET")
	set(&c.Client.BaseURL, "VERITY_BASE_URL")
	set(&c.Client.PushURL, "VERITY_PUSH_URL")

	if v := os.Getenv("VERITY_TOKEN_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VERITY_TOKEN_TTL: %w", err)
		}
		c.Auth.TokenTTL = Duration{ttl}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memgraph":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Push.Broker {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown push broker %q", c.Push.Broker)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (set VERITY_AUTH_SECRET)")
	}
	return nil
}
