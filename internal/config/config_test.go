package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("QUEUE_BACKEND", "Redis"); err != nil {
		t.Fatalf("Failed to set QUEUE_BACKEND: %v", err)
	}
	if err := os.Setenv("QUEUE_LEASE_DURATION", "90s"); err != nil {
		t.Fatalf("Failed to set QUEUE_LEASE_DURATION: %v", err)
	}
	if err := os.Setenv("CHAIN_RPC_URLS", "http://a:8545, ,http://b:8545"); err != nil {
		t.Fatalf("Failed to set CHAIN_RPC_URLS: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("QUEUE_BACKEND")
		_ = os.Unsetenv("QUEUE_LEASE_DURATION")
		_ = os.Unsetenv("CHAIN_RPC_URLS")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Queue.Backend != QueueBackendRedis {
		t.Errorf("Queue.Backend = %v, want %v", cfg.Queue.Backend, QueueBackendRedis)
	}
	if cfg.Queue.LeaseDuration != 90*time.Second {
		t.Errorf("Queue.LeaseDuration = %v, want %v", cfg.Queue.LeaseDuration, 90*time.Second)
	}
	if len(cfg.Chain.RPCURLs) != 2 || cfg.Chain.RPCURLs[1] != "http://b:8545" {
		t.Errorf("Chain.RPCURLs = %v, want two endpoints", cfg.Chain.RPCURLs)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %v, want default 5", cfg.Queue.MaxAttempts)
	}
}

func validConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Backend:       QueueBackendPostgres,
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			MaxDelay:      time.Minute,
			LeaseDuration: 2 * time.Minute,
			TimeBucket:    time.Hour,
		},
		Scanner: ScannerConfig{Interval: 30 * time.Second, ReadConcurrency: 4},
		Worker:  WorkerConfig{Concurrency: 2, ConfirmationTimeout: 30 * time.Second},
		Relayer: RelayerConfig{Timeout: 15 * time.Second, SubmissionsPerSec: 1},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Queue.Backend = "kafka" },
			wantErr: "unknown queue backend",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Queue.MaxAttempts = 0 },
			wantErr: "QUEUE_MAX_ATTEMPTS",
		},
		{
			name:    "max delay below base delay",
			mutate:  func(c *Config) { c.Queue.MaxDelay = time.Millisecond },
			wantErr: "QUEUE_MAX_DELAY",
		},
		{
			name:    "lease shorter than one attempt",
			mutate:  func(c *Config) { c.Queue.LeaseDuration = 40 * time.Second },
			wantErr: "QUEUE_LEASE_DURATION",
		},
		{
			name:    "lease equal to one attempt",
			mutate:  func(c *Config) { c.Queue.LeaseDuration = 45 * time.Second },
			wantErr: "QUEUE_LEASE_DURATION",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr: "WORKER_CONCURRENCY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChain(t *testing.T) {
	cfg := validConfig()
	err := cfg.ValidateChain()
	if err == nil {
		t.Fatal("ValidateChain() expected error for empty chain settings")
	}
	for _, key := range []string{"CHAIN_RPC_URLS", "AUCTION_CONTRACT_ADDRESS", "INDEXER_URL", "RELAYER_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("ValidateChain() error missing %s: %v", key, err)
		}
	}

	cfg.Chain.RPCURLs = []string{"http://localhost:8545"}
	cfg.Chain.ContractAddress = "0x0000000000000000000000000000000000000001"
	cfg.Indexer.URL = "http://indexer"
	cfg.Relayer.URL = "http://relayer"
	if err := cfg.ValidateChain(); err != nil {
		t.Errorf("ValidateChain() error = %v, want nil", err)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns duration when valid",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_DURATION_INVALID",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				if err := os.Setenv(tt.key, tt.envValue); err != nil {
					t.Fatalf("Failed to set env var: %v", err)
				}
				defer func() {
					_ = os.Unsetenv(tt.key)
				}()
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	if err := os.Setenv("TEST_BOOL", "false"); err != nil {
		t.Fatalf("Failed to set env var: %v", err)
	}
	defer func() { _ = os.Unsetenv("TEST_BOOL") }()

	if got := getEnvAsBool("TEST_BOOL", true); got {
		t.Errorf("getEnvAsBool() = %v, want false", got)
	}
	if got := getEnvAsBool("TEST_BOOL_NOTSET", true); !got {
		t.Errorf("getEnvAsBool() = %v, want default true", got)
	}
}
