// Package config loads the service configuration from YAML with environment
// overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by the loader.
const (
	EnvConfigPath      = "CREDITLEDGER_CONFIG"
	EnvSchedulerSecret = "CREDITLEDGER_SCHEDULER_SECRET"
	EnvJWTSecret       = "CREDITLEDGER_JWT_SECRET"
	EnvDatabaseDSN     = "CREDITLEDGER_DATABASE_DSN"

	defaultConfigPath = "config.yaml"
)

// Storage drivers.
const (
	DriverGorm  = "gorm"
	DriverMongo = "mongo"
)

// AppConfig holds command-line inputs.
type AppConfig struct {
	ConfigPath string
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Credits   CreditsConfig   `yaml:"credits"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the storage driver.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

// RedisConfig enables the shared run history when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
	MaxRuns  int    `yaml:"max_runs"`
}

// AuthConfig holds bearer token secrets.
type AuthConfig struct {
	SchedulerSecret string `yaml:"scheduler_secret"`
	// SchedulerSecretHash is "sha256:<hex>" or a bcrypt hash.
	SchedulerSecretHash string `yaml:"scheduler_secret_hash"`
	JWTSecret           string `yaml:"jwt_secret"`
}

// CreditsConfig tunes the ledger and refresh pipeline.
type CreditsConfig struct {
	Timezone         string        `yaml:"timezone"`
	BatchSize        int           `yaml:"batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
	Retry            RetryConfig   `yaml:"retry"`
	Breaker          BreakerConfig `yaml:"breaker"`
	Jobs             JobsConfig    `yaml:"jobs"`
}

// RetryConfig mirrors resilience.RetryPolicy.
type RetryConfig struct {
	MaxRetries    uint64        `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	JitterPercent uint64        `yaml:"jitter_percent"`
}

// BreakerConfig mirrors resilience.BreakerSettings.
type BreakerConfig struct {
	Threshold uint32        `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// JobsConfig tunes the refresh job queue.
type JobsConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	RetentionDays int           `yaml:"retention_days"`
	// Lease bounds how long a job may stay processing before another
	// worker pass counts it as a failed attempt.
	Lease time.Duration `yaml:"lease"`
}

// SchedulerConfig controls the in-process scheduler.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Mode            string        `yaml:"mode"`
	WorkerInterval  time.Duration `yaml:"worker_interval"`
	WorkerMaxJobs   int           `yaml:"worker_max_jobs"`
	WorkerTime      time.Duration `yaml:"worker_process_time"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        DriverGorm,
			DSN:           "file:data/creditledger.db",
			MongoDatabase: "creditledger",
		},
		Credits: CreditsConfig{
			Timezone:         "UTC",
			BatchSize:        50,
			MaxBatchSize:     500,
			BatchConcurrency: 1,
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  200 * time.Millisecond,
			},
			Breaker: BreakerConfig{
				Threshold: 5,
				Timeout:   60 * time.Second,
			},
			Jobs: JobsConfig{
				MaxAttempts:   3,
				BaseBackoff:   time.Minute,
				MaxBackoff:    time.Hour,
				RetentionDays: 14,
				Lease:         10 * time.Minute,
			},
		},
		Scheduler: SchedulerConfig{
			Mode:            "sweep",
			WorkerInterval:  time.Minute,
			WorkerMaxJobs:   10,
			WorkerTime:      30 * time.Second,
			CleanupInterval: 6 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// ResolveConfigPath picks the flag value, then the environment, then the default.
func ResolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error. A .env file next to the process is loaded
// first when present.
func Load(path string) (Config, error) {
	if errEnv := godotenv.Load(); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", errEnv)
	}

	cfg := Default()
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	applyEnv(&cfg)
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvSchedulerSecret)); v != "" {
		cfg.Auth.SchedulerSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		cfg.Database.DSN = v
	}
}

// Validate checks values that would otherwise fail deep inside startup.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverGorm:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database.dsn is required for the gorm driver")
		}
	case DriverMongo:
		if strings.TrimSpace(c.Database.MongoURI) == "" {
			return errors.New("config: database.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if _, errLoc := c.Location(); errLoc != nil {
		return errLoc
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: unknown server mode %q", c.Server.Mode)
	}
	if c.Credits.Jobs.Lease != 0 && c.Credits.Jobs.Lease <= MaxWorkerProcessTime {
		return fmt.Errorf("config: credits.jobs.lease must exceed %s", MaxWorkerProcessTime)
	}
	switch c.Scheduler.Mode {
	case "", "sweep", "queue":
	default:
		return fmt.Errorf("config: unknown scheduler mode %q", c.Scheduler.Mode)
	}
	return nil
}

// MaxWorkerProcessTime is the longest budget a worker pass may request.
const MaxWorkerProcessTime = 5 * time.Minute

// Location resolves the configured day-boundary time zone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Credits.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: credits.timezone: %w", err)
	}
	return loc, nil
}
