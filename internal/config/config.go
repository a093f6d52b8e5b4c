// Package config reads gateway settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sqlgateway/internal/ratelimit"
)

// Introspection cache backends.
const (
	CacheMemory   = "memory"
	CacheBigcache = "bigcache"
	CacheRedis    = "redis"
)

// Secret store backends.
const (
	SecretsKeychain = "keychain"
	SecretsMemory   = "memory"
)

type Config struct {
	DataDir         string
	DataSourcesFile string
	Debug           bool
	SecretStore     string

	QueryTimeout time.Duration
	QueryMaxRows int

	RateLimit ratelimit.Limits

	Introspection IntrospectionConfig

	WorkflowMaxAge        time.Duration
	WorkflowSweepSchedule string

	SnowflakeIdleTimeout time.Duration
}

type IntrospectionConfig struct {
	CacheTTL      time.Duration
	CacheBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	limits := ratelimit.DefaultSQLLimits()

	v.SetDefault("DATA_DIR", filepath.Join(home, ".local", "share", "sqlgateway"))
	v.SetDefault("DATASOURCES_FILE", "")
	v.SetDefault("DEBUG", false)
	v.SetDefault("SECRET_STORE", SecretsKeychain)
	v.SetDefault("QUERY_DEFAULT_TIMEOUT", 60*time.Second)
	v.SetDefault("QUERY_DEFAULT_MAX_ROWS", 1000)
	v.SetDefault("RATE_LIMIT_MAX_CONCURRENT", limits.MaxConcurrent)
	v.SetDefault("RATE_LIMIT_MAX_PER_SECOND", limits.MaxPerSecond)
	v.SetDefault("RATE_LIMIT_MAX_PER_MINUTE", limits.MaxPerMinute)
	v.SetDefault("RATE_LIMIT_QUEUE_TIMEOUT", limits.QueueTimeout)
	v.SetDefault("INTROSPECTION_CACHE_TTL", 5*time.Minute)
	v.SetDefault("INTROSPECTION_CACHE_BACKEND", CacheMemory)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("WORKFLOW_MAX_AGE", time.Hour)
	v.SetDefault("WORKFLOW_SWEEP_SCHEDULE", "@every 5m")
	v.SetDefault("SNOWFLAKE_IDLE_TIMEOUT", 5*time.Minute)
}

// Load reads envFiles (missing files are skipped) into the process
// environment without overriding variables already set, then builds the
// configuration from the environment.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		DataDir:         v.GetString("DATA_DIR"),
		DataSourcesFile: v.GetString("DATASOURCES_FILE"),
		Debug:           v.GetBool("DEBUG"),
		SecretStore:     v.GetString("SECRET_STORE"),
		QueryTimeout:    v.GetDuration("QUERY_DEFAULT_TIMEOUT"),
		QueryMaxRows:    v.GetInt("QUERY_DEFAULT_MAX_ROWS"),
		RateLimit: ratelimit.Limits{
			MaxConcurrent: v.GetInt("RATE_LIMIT_MAX_CONCURRENT"),
			MaxPerSecond:  v.GetInt("RATE_LIMIT_MAX_PER_SECOND"),
			MaxPerMinute:  v.GetInt("RATE_LIMIT_MAX_PER_MINUTE"),
			QueueTimeout:  v.GetDuration("RATE_LIMIT_QUEUE_TIMEOUT"),
		},
		Introspection: IntrospectionConfig{
			CacheTTL:      v.GetDuration("INTROSPECTION_CACHE_TTL"),
			CacheBackend:  v.GetString("INTROSPECTION_CACHE_BACKEND"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		WorkflowMaxAge:        v.GetDuration("WORKFLOW_MAX_AGE"),
		WorkflowSweepSchedule: v.GetString("WORKFLOW_SWEEP_SCHEDULE"),
		SnowflakeIdleTimeout:  v.GetDuration("SNOWFLAKE_IDLE_TIMEOUT"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Introspection.CacheBackend {
	case CacheMemory, CacheBigcache, CacheRedis:
	default:
		return fmt.Errorf("INTROSPECTION_CACHE_BACKEND: unknown backend %q", c.Introspection.CacheBackend)
	}
	switch c.SecretStore {
	case SecretsKeychain, SecretsMemory:
	default:
		return fmt.Errorf("SECRET_STORE: unknown store %q", c.SecretStore)
	}
	if c.QueryMaxRows < 0 {
		return fmt.Errorf("QUERY_DEFAULT_MAX_ROWS must not be negative")
	}
	if c.QueryTimeout < 0 || c.RateLimit.QueueTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
