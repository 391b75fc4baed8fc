// Package db opens the database, applies the schema and seeds the catalog.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/go-jobshop/internal/config"
	"github.com/diewo77/go-jobshop/internal/models"
	migrate "github.com/golang-migrate/migrate/v4"
	// The following blank imports register the postgres driver and file source for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	connectAttempts = 10
	retryDelay      = 2 * time.Second
)

// MigrationsSource is where golang-migrate looks for SQL files.
var MigrationsSource = "file://migrations"

// requiredTables must exist once the schema is applied.
var requiredTables = []string{"departments", "orders", "order_parts", "order_charges", "order_checklist", "quotes"}

// Connect opens the configured database, retrying while it comes up.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	dialector, dsn, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var db *gorm.DB
	for i := 1; i <= connectAttempts; i++ {
		db, err = gorm.Open(dialector, gcfg)
		if err == nil {
			break
		}
		log.Warn("retrying database connection", "attempt", i, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database after retries: %w", err)
	}
	if err := db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	log.Info("database connected", "driver", cfg.Driver, "dsn", MaskDSN(dsn))
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, string, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		dsn := cfg.DSN()
		return sqlite.Open(dsn), dsn, nil
	case config.DriverPostgres, "":
		dsn := NormalizeDSN(cfg.DSN())
		if dsn == "" {
			return nil, "", errors.New("database DSN is empty, check DATABASE_DSN or DB_* settings")
		}
		return postgres.Open(dsn), dsn, nil
	}
	return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// Migrate applies the schema. With useSQL on postgres it runs the
// golang-migrate files; otherwise it falls back to gorm AutoMigrate.
func Migrate(ctx context.Context, db *gorm.DB, cfg config.DatabaseConfig, useSQL bool, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if useSQL && cfg.Driver == config.DriverSQLite {
		log.Warn("sql migrations target postgres; using AutoMigrate for sqlite")
		useSQL = false
	}
	if useSQL {
		if err := runSQLMigrations(ToURLDSN(NormalizeDSN(cfg.DSN()))); err != nil {
			return fmt.Errorf("sql migrations failed: %w", err)
		}
		log.Info("sql migrations applied", "source", MigrationsSource)
	} else {
		tx := db.WithContext(ctx)
		for _, m := range models.All() {
			if err := tx.AutoMigrate(m); err != nil {
				return fmt.Errorf("automigrate %T: %w", m, err)
			}
		}
		log.Info("schema auto-migrated", "models", len(models.All()))
	}
	for _, table := range requiredTables {
		if !db.Migrator().HasTable(table) {
			return errors.New("missing table after migration: " + table)
		}
	}
	return nil
}

func runSQLMigrations(dsn string) error {
	m, err := migrate.New(MigrationsSource, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
