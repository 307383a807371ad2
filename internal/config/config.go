// Package config provides configuration management for the auction finalizer.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/auction-finalizer/internal/job"
)

// Queue backends
const (
	QueueBackendPostgres = "postgres"
	QueueBackendRedis    = "redis"
	QueueBackendSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Scanner  ScannerConfig
	Worker   WorkerConfig
	Chain    ChainConfig
	Indexer  IndexerConfig
	Relayer  RelayerConfig
	Logging  LoggingConfig
}

// ServerConfig holds the operational HTTP API configuration
type ServerConfig struct {
	Enabled bool
	Port    string
	Host    string
	// RequestsPerSecond caps operator API calls per client
	RequestsPerSecond int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	SQLite     SQLiteConfig
	ClickHouse ClickHouseConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	KeyPrefix      string
}

// SQLiteConfig holds the embedded queue database location
type SQLiteConfig struct {
	Path string
}

// ClickHouseConfig holds ClickHouse configuration. The attempt history sink
// is only wired when Enabled is set.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// QueueConfig holds durable job queue configuration
type QueueConfig struct {
	Backend       string
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	LeaseDuration time.Duration
	// TimeBucket is the width of the window folded into a job key. Two scans
	// inside one bucket produce the same key for the same auction.
	TimeBucket time.Duration
}

// ScannerConfig holds finalization scanner configuration
type ScannerConfig struct {
	Enabled         bool
	Interval        time.Duration
	ReadConcurrency int
	PageSize        int
	MaxPages        int
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency         int
	DequeueTimeout      time.Duration
	PollInterval        time.Duration
	ConfirmationTimeout time.Duration
	ReceiptPollInterval time.Duration
	Confirmations       uint64
	RecheckBeforeRetry  bool
	ReapInterval        time.Duration
}

// ChainConfig holds the EVM endpoint and contract configuration
type ChainConfig struct {
	RPCURLs         []string
	ContractAddress string
	ChainID         int64
	RPCCooldown     time.Duration
}

// IndexerConfig holds subgraph configuration
type IndexerConfig struct {
	URL     string
	Timeout time.Duration
}

// RelayerConfig holds relayer gateway configuration
type RelayerConfig struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	SubmissionsPerSec float64
	Burst             int
	// SharedBudget caps submissions per second across all replicas (0 disables it)
	SharedBudget int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Enabled:           getEnvAsBool("SERVER_ENABLED", true),
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			RequestsPerSecond: getEnvAsInt("SERVER_RPS", 20),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "auction_finalizer"),
				User:           getEnv("POSTGRES_USER", "finalizer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				KeyPrefix:      getEnv("REDIS_KEY_PREFIX", "finalizer"),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "finalizer-queue.db"),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "auction_finalizer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Queue: QueueConfig{
			Backend:       strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendPostgres)),
			MaxAttempts:   getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			BaseDelay:     getEnvAsDuration("QUEUE_BASE_DELAY", 5*time.Second),
			MaxDelay:      getEnvAsDuration("QUEUE_MAX_DELAY", 10*time.Minute),
			LeaseDuration: getEnvAsDuration("QUEUE_LEASE_DURATION", 2*time.Minute),
			TimeBucket:    getEnvAsDuration("QUEUE_TIME_BUCKET", job.DefaultTimeBucket),
		},
		Scanner: ScannerConfig{
			Enabled:         getEnvAsBool("SCANNER_ENABLED", true),
			Interval:        getEnvAsDuration("SCANNER_INTERVAL", 30*time.Second),
			ReadConcurrency: getEnvAsInt("SCANNER_READ_CONCURRENCY", 16),
			PageSize:        getEnvAsInt("SCANNER_PAGE_SIZE", 500),
			MaxPages:        getEnvAsInt("SCANNER_MAX_PAGES", 20),
		},
		Worker: WorkerConfig{
			Concurrency:         getEnvAsInt("WORKER_CONCURRENCY", 4),
			DequeueTimeout:      getEnvAsDuration("WORKER_DEQUEUE_TIMEOUT", 5*time.Second),
			PollInterval:        getEnvAsDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			ConfirmationTimeout: getEnvAsDuration("WORKER_CONFIRMATION_TIMEOUT", 30*time.Second),
			ReceiptPollInterval: getEnvAsDuration("WORKER_RECEIPT_POLL_INTERVAL", 2*time.Second),
			Confirmations:       uint64(getEnvAsInt("WORKER_CONFIRMATIONS", 1)), // #nosec G115 - validated below
			RecheckBeforeRetry:  getEnvAsBool("WORKER_RECHECK_BEFORE_RETRY", true),
			ReapInterval:        getEnvAsDuration("WORKER_REAP_INTERVAL", 15*time.Second),
		},
		Chain: ChainConfig{
			RPCURLs:         getEnvAsList("CHAIN_RPC_URLS", nil),
			ContractAddress: getEnv("AUCTION_CONTRACT_ADDRESS", ""),
			ChainID:         int64(getEnvAsInt("CHAIN_ID", 1)),
			RPCCooldown:     getEnvAsDuration("CHAIN_RPC_COOLDOWN", 60*time.Second),
		},
		Indexer: IndexerConfig{
			URL:     getEnv("INDEXER_URL", ""),
			Timeout: getEnvAsDuration("INDEXER_TIMEOUT", 10*time.Second),
		},
		Relayer: RelayerConfig{
			URL:               getEnv("RELAYER_URL", ""),
			APIKey:            getEnv("RELAYER_API_KEY", ""),
			Timeout:           getEnvAsDuration("RELAYER_TIMEOUT", 15*time.Second),
			SubmissionsPerSec: getEnvAsFloat("RELAYER_SUBMISSIONS_PER_SEC", 2),
			Burst:             getEnvAsInt("RELAYER_BURST", 1),
			SharedBudget:      getEnvAsInt("RELAYER_SHARED_BUDGET", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate checks settings that would break queue or worker guarantees
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Backend {
	case QueueBackendPostgres, QueueBackendRedis, QueueBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("QUEUE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Queue.BaseDelay <= 0 {
		errs = append(errs, errors.New("QUEUE_BASE_DELAY must be positive"))
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		errs = append(errs, errors.New("QUEUE_MAX_DELAY must not be below QUEUE_BASE_DELAY"))
	}
	if c.Queue.TimeBucket <= 0 {
		errs = append(errs, errors.New("QUEUE_TIME_BUCKET must be positive"))
	}
	// a lease shorter than one full attempt would hand the job to a second worker mid-flight
	if c.Queue.LeaseDuration <= c.Relayer.Timeout+c.Worker.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("QUEUE_LEASE_DURATION (%s) must exceed RELAYER_TIMEOUT + WORKER_CONFIRMATION_TIMEOUT (%s)",
			c.Queue.LeaseDuration, c.Relayer.Timeout+c.Worker.ConfirmationTimeout))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.Scanner.ReadConcurrency < 1 {
		errs = append(errs, errors.New("SCANNER_READ_CONCURRENCY must be at least 1"))
	}
	if c.Scanner.Interval <= 0 {
		errs = append(errs, errors.New("SCANNER_INTERVAL must be positive"))
	}
	if c.Relayer.SubmissionsPerSec <= 0 {
		errs = append(errs, errors.New("RELAYER_SUBMISSIONS_PER_SEC must be positive"))
	}

	return errors.Join(errs...)
}

// ValidateChain checks the settings needed by components that talk to the chain.
// The migrate tool and read-only CLI commands do not call it.
func (c *Config) ValidateChain() error {
	var errs []error
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, errors.New("CHAIN_RPC_URLS is required"))
	}
	if c.Chain.ContractAddress == "" {
		errs = append(errs, errors.New("AUCTION_CONTRACT_ADDRESS is required"))
	}
	if c.Indexer.URL == "" {
		errs = append(errs, errors.New("INDEXER_URL is required"))
	}
	if c.Relayer.URL == "" {
		errs = append(errs, errors.New("RELAYER_URL is required"))
	}
	return errors.Join(errs...)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
