package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the annotation service processes.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Cleanup  CleanupConfig
	Analyzer AnalyzerConfig
}

type ServerConfig struct {
	Port    int
	BaseURL string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MinIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr          string
	QueueKey      string
	ProcessingKey string
}

type StorageConfig struct {
	DataDir string
}

type WorkerConfig struct {
	Count      int
	ClaimDelay time.Duration
	LeaseTTL   time.Duration
}

type CleanupConfig struct {
	RetentionDays int
	// Schedule is a cron expression; default fires daily at midnight UTC.
	Schedule string
	// SweepInterval drives the stale-lease recovery sweep.
	SweepInterval time.Duration
}

type AnalyzerConfig struct {
	Command string
}

// Load reads configuration from environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:    envInt("PORT", 8080),
			BaseURL: envString("BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MinIdleConns:    envInt("DATABASE_MIN_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Addr:          os.Getenv("REDIS_ADDR"),
			QueueKey:      envString("REDIS_QUEUE_KEY", "annotate:queue"),
			ProcessingKey: envString("REDIS_PROCESSING_KEY", "annotate:processing"),
		},
		Storage: StorageConfig{
			DataDir: envString("DATA_DIR", "/app/data"),
		},
		Worker: WorkerConfig{
			Count:      envInt("WORKERS", 4),
			ClaimDelay: envDuration("WORKER_CLAIM_DELAY", 5*time.Second),
			LeaseTTL:   envDuration("WORKER_LEASE_TTL", 30*time.Minute),
		},
		Cleanup: CleanupConfig{
			RetentionDays: envInt("CLEANUP_DAYS", 30),
			Schedule:      envString("CLEANUP_SCHEDULE", "0 0 * * *"),
			SweepInterval: envDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		Analyzer: AnalyzerConfig{
			Command: os.Getenv("ANALYZER_CMD"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.Cleanup.RetentionDays <= 0 {
		return fmt.Errorf("CLEANUP_DAYS must be positive, got %d", c.Cleanup.RetentionDays)
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("WORKER_LEASE_TTL must be positive, got %s", c.Worker.LeaseTTL)
	}
	return nil
}

// RetentionWindow is the duration after which a non-retained job expires.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Cleanup.RetentionDays) * 24 * time.Hour
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
