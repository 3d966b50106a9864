// Package config loads server settings from the environment, optionally
// seeded from a .env or config.env file. Environment variables win.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App   AppConfig
	HTTP  HTTPConfig
	Store StoreConfig
	Redis RedisConfig
	Audit AuditConfig

	// StreamPageSize is the number of events read per page when folding a stream.
	StreamPageSize int
}

type AppConfig struct {
	Env      string // development, staging, production
	Name     string
	LogLevel string
}

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

// RedisConfig enables the distributed batch lock and the event publisher
// when Address is set.
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	LockTTL       time.Duration
	EventsChannel string
}

func (c RedisConfig) Enabled() bool { return c.Address != "" }

type AuditConfig struct {
	Interval time.Duration
	Orgs     []string // empty disables scheduled audits
}

// Load reads the configuration. Files are optional; a missing file is not
// an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		App: AppConfig{
			Env:      getString(v, "APP_ENV", "development"),
			Name:     getString(v, "APP_NAME", "nursery-ledger"),
			LogLevel: getString(v, "LOG_LEVEL", "info"),
		},
		HTTP: HTTPConfig{
			Host: getString(v, "HTTP_HOST", "0.0.0.0"),
			Port: getInt(v, "HTTP_PORT", 8080),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getString(v, "STORE_DRIVER", DriverSQLite)),
			SQLitePath:  getString(v, "SQLITE_PATH", "./nursery.db"),
			DatabaseURL: getString(v, "DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Address:       getString(v, "REDIS_ADDRESS", ""),
			Password:      getString(v, "REDIS_PASSWORD", ""),
			DB:            getInt(v, "REDIS_DB", 0),
			LockTTL:       time.Duration(getInt(v, "REDIS_LOCK_TTL_SECONDS", 30)) * time.Second,
			EventsChannel: getString(v, "REDIS_EVENTS_CHANNEL", "nursery:batch-events"),
		},
		Audit: AuditConfig{
			Interval: time.Duration(getInt(v, "AUDIT_INTERVAL_MINUTES", 60)) * time.Minute,
			Orgs:     splitList(getString(v, "AUDIT_ORGS", "")),
		},
		StreamPageSize: getInt(v, "STREAM_PAGE_SIZE", 500),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: HTTP_PORT %d out of range", c.HTTP.Port)
	}
	if c.StreamPageSize <= 0 {
		return fmt.Errorf("config: STREAM_PAGE_SIZE must be positive")
	}
	if c.Redis.LockTTL <= 0 {
		return fmt.Errorf("config: REDIS_LOCK_TTL_SECONDS must be positive")
	}
	if c.Audit.Interval <= 0 {
		return fmt.Errorf("config: AUDIT_INTERVAL_MINUTES must be positive")
	}
	return nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if !v.IsSet(key) {
		return def
	}
	switch v.Get(key).(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return def
		}
		return n
	default:
		return v.GetInt(key)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
