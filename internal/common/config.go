package common

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// DatabaseConfig holds the record-store configuration. DSN selects the
// backend: a postgres:// URL uses pgx, anything else is treated as an
// embedded SQLite path.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// QueueConfig holds the task-queue configuration. The queue keeps its own
// store, separate from the record store.
type QueueConfig struct {
	Path        string        `yaml:"path"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	PollEvery   time.Duration `yaml:"poll_every"`
}

// WorkerConfig holds worker-pool configuration
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// StorageConfig selects the storage backend: "local" or "s3".
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	LocalDir  string `yaml:"local_dir"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// IngestConfig holds upload-watcher configuration
type IngestConfig struct {
	WatchDir     string `yaml:"watch_dir"`
	WatchOwnerID int64  `yaml:"watch_owner_id"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", "filetrack.db"),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Queue: QueueConfig{
			Path:        getEnv("QUEUE_PATH", "filetrack-queue.db"),
			MaxAttempts: getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvAsDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			PollEvery:   getEnvAsDuration("QUEUE_POLL_EVERY", time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:    getEnvAsInt("WORKER_CONCURRENCY", 4),
			ProcessTimeout: getEnvAsDuration("WORKER_PROCESS_TIMEOUT", 3*time.Minute),
		},
		Storage: StorageConfig{
			Backend:   getEnv("STORAGE_BACKEND", "local"),
			LocalDir:  getEnv("STORAGE_LOCAL_DIR", "./uploads"),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
			Bucket:    getEnv("S3_BUCKET", ""),
			UseSSL:    getEnvAsBool("S3_USE_SSL", false),
		},
		Ingest: IngestConfig{
			WatchDir:     getEnv("INGEST_WATCH_DIR", ""),
			WatchOwnerID: getEnvAsInt64("INGEST_WATCH_OWNER_ID", 0),
		},
	}
}

// LoadConfigFile overlays values from a YAML file onto cfg. Missing file is
// not an error when path is empty.
func LoadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	return dec.Decode(cfg)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Queue.Path == "" {
		return NewAppError("CONFIG_ERROR", "QUEUE_PATH is required", ErrInvalidInput)
	}
	if c.Queue.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.Worker.Concurrency < 1 {
		return NewAppError("CONFIG_ERROR", "WORKER_CONCURRENCY must be at least 1", ErrInvalidInput)
	}
	if c.Storage.Backend != "local" && c.Storage.Backend != "s3" {
		return NewAppError("CONFIG_ERROR", "STORAGE_BACKEND must be local or s3", ErrInvalidInput)
	}
	if c.Storage.Backend == "s3" && (c.Storage.Endpoint == "" || c.Storage.Bucket == "") {
		return NewAppError("CONFIG_ERROR", "S3_ENDPOINT and S3_BUCKET are required for the s3 backend", ErrInvalidInput)
	}
	return nil
}
