// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/auction-finalizer/internal/app"
	"github.com/auction-finalizer/internal/config"
	"github.com/auction-finalizer/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse, sqlite")
		path   = flag.String("path", "", "Migrations directory (defaults per database)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch *dbType {
	case "postgres":
		err = runPostgresMigrations(cfg, *action, *path)
	case "clickhouse":
		err = runClickHouseMigrations(ctx, cfg, *action, *path)
	case "sqlite":
		err = initSQLiteQueue(cfg, *action)
	default:
		err = fmt.Errorf("unknown database type: %s", *dbType)
	}
	if err != nil {
		log.Fatalf("%s migration failed: %v", *dbType, err)
	}
}

func runPostgresMigrations(cfg *config.Config, action, migrationsPath string) error {
	databaseURL := cfg.Database.Postgres.URL()
	if migrationsPath == "" {
		migrationsPath = cfg.Database.Postgres.MigrationsPath
	}

	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Println("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(ctx context.Context, cfg *config.Config, action, migrationsPath string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}
	if migrationsPath == "" {
		migrationsPath = "migrations/clickhouse"
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	log.Println("Connecting to ClickHouse...")
	db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing ClickHouse connection: %v", err)
		}
	}()

	log.Println("Running ClickHouse migrations...")
	n, err := storage.RunClickHouseMigrations(ctx, db, migrationsPath)
	if err != nil {
		return err
	}

	log.Printf("ClickHouse migrations completed successfully (%d statements)", n)
	return nil
}

// initSQLiteQueue creates the embedded queue schema. Opening the queue applies it.
func initSQLiteQueue(cfg *config.Config, action string) error {
	if action != "up" {
		return fmt.Errorf("SQLite queue only supports 'up' action")
	}
	q, err := storage.OpenSQLiteJobQueue(cfg.Database.SQLite.Path, app.QueueOptions(cfg, nil))
	if err != nil {
		return err
	}
	log.Printf("SQLite queue schema ready at %s", cfg.Database.SQLite.Path)
	return q.Close()
}
