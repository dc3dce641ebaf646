package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Cache backends selectable with CACHE_BACKEND.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Reconcile ReconcileConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings and the keys of the cache
// structures kept in it.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`

	GeoKey          string `mapstructure:"REDIS_GEO_KEY"`
	NotAvailableKey string `mapstructure:"REDIS_NOT_AVAILABLE_KEY"`
	LastUpdateKey   string `mapstructure:"REDIS_LAST_UPDATE_KEY"`
}

// CacheConfig selects where the geo index and availability set live.
type CacheConfig struct {
	Backend string `mapstructure:"CACHE_BACKEND"`
	// GeoPrecision is the geohash length of the in-memory index buckets.
	GeoPrecision uint `mapstructure:"GEO_PRECISION"`
}

// ReconcileConfig controls the startup and periodic reconciliation passes.
type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ScanCount    int           `mapstructure:"RECONCILE_SCAN_COUNT"`
	PruneOrphans bool          `mapstructure:"RECONCILE_PRUNE_ORPHANS"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	setDefaults(v)

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = v.ReadInConfig()

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	// ── Defaults ────────────────────────────────────────
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "5s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_USER", "apitaxi")
	v.SetDefault("POSTGRES_PASSWORD", "apitaxi")
	v.SetDefault("POSTGRES_DB", "apitaxi")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("POSTGRES_MAX_CONNS", 20)
	v.SetDefault("POSTGRES_MIN_CONNS", 2)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_GEO_KEY", "geoindex")
	v.SetDefault("REDIS_NOT_AVAILABLE_KEY", "not_available")
	v.SetDefault("REDIS_LAST_UPDATE_KEY", "geoindex:last_update")

	v.SetDefault("CACHE_BACKEND", BackendRedis)
	v.SetDefault("GEO_PRECISION", 6)

	v.SetDefault("RECONCILE_INTERVAL", "5m")
	v.SetDefault("RECONCILE_SCAN_COUNT", 500)
	v.SetDefault("RECONCILE_PRUNE_ORPHANS", true)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         v.GetString("SERVER_HOST"),
		Port:         v.GetInt("SERVER_PORT"),
		ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  v.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     v.GetString("POSTGRES_HOST"),
		Port:     v.GetInt("POSTGRES_PORT"),
		User:     v.GetString("POSTGRES_USER"),
		Password: v.GetString("POSTGRES_PASSWORD"),
		DBName:   v.GetString("POSTGRES_DB"),
		SSLMode:  v.GetString("POSTGRES_SSLMODE"),
		MaxConns: v.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: v.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:            v.GetString("REDIS_HOST"),
		Port:            v.GetInt("REDIS_PORT"),
		Password:        v.GetString("REDIS_PASSWORD"),
		DB:              v.GetInt("REDIS_DB"),
		PoolSize:        v.GetInt("REDIS_POOL_SIZE"),
		GeoKey:          v.GetString("REDIS_GEO_KEY"),
		NotAvailableKey: v.GetString("REDIS_NOT_AVAILABLE_KEY"),
		LastUpdateKey:   v.GetString("REDIS_LAST_UPDATE_KEY"),
	}

	// ── Cache ───────────────────────────────────────────
	cfg.Cache = CacheConfig{
		Backend:      v.GetString("CACHE_BACKEND"),
		GeoPrecision: v.GetUint("GEO_PRECISION"),
	}
	if cfg.Cache.Backend != BackendRedis && cfg.Cache.Backend != BackendMemory {
		return nil, fmt.Errorf("config: CACHE_BACKEND must be %q or %q, got %q",
			BackendRedis, BackendMemory, cfg.Cache.Backend)
	}
	if cfg.Cache.GeoPrecision < 1 || cfg.Cache.GeoPrecision > 12 {
		return nil, fmt.Errorf("config: GEO_PRECISION must be in [1, 12], got %d", cfg.Cache.GeoPrecision)
	}

	// ── Reconcile ───────────────────────────────────────
	cfg.Reconcile = ReconcileConfig{
		Interval:     v.GetDuration("RECONCILE_INTERVAL"),
		ScanCount:    v.GetInt("RECONCILE_SCAN_COUNT"),
		PruneOrphans: v.GetBool("RECONCILE_PRUNE_ORPHANS"),
	}
	if cfg.Reconcile.ScanCount <= 0 {
		return nil, fmt.Errorf("config: RECONCILE_SCAN_COUNT must be positive, got %d", cfg.Reconcile.ScanCount)
	}

	// ── Log ─────────────────────────────────────────────
	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}
