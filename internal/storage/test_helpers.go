package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/auction-finalizer/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// testPostgresConfig points at the local development database
func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "auction_finalizer_test"),
		User:           envOr("POSTGRES_USER", "finalizer"),
		Password:       envOr("POSTGRES_PASSWORD", "finalizer_dev_password"),
		MaxConnections: 5,
		MigrationsPath: "../../migrations/postgres",
	}
}

// testClickHouseConfig points at the local development ClickHouse
func testClickHouseConfig() *config.ClickHouseConfig {
	return &config.ClickHouseConfig{
		Enabled:  true,
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "default"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: envOr("CLICKHOUSE_PASSWORD", ""),
	}
}
