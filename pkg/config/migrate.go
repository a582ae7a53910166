package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	log "github.com/sirupsen/logrus"
)

func newMigrate(dir string) (*migrate.Migrate, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	db, err := DB.DB()
	if err != nil {
		return nil, fmt.Errorf("get database connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	if dir == "" {
		dir = "migrations"
	}
	return migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(dir), "postgres", driver)
}

// ExecuteMigrations runs all pending database migrations
func ExecuteMigrations(dir string) error {
	m, err := newMigrate(dir)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("Database migrations completed successfully")
	return nil
}

// RollbackMigration rolls back the last migration
func RollbackMigration(dir string) error {
	m, err := newMigrate(dir)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("rollback migration: %w", err)
	}
	log.Info("Migration rolled back successfully")
	return nil
}
