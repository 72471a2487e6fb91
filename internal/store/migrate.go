package store

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"

	"github.com/donkeylabs/execore/internal/platform/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration under migrations/ using goose,
// against the driver named by cfg.DatabaseDriver. It is safe to call on
// every boot: goose tracks applied versions in its own bookkeeping table and
// no-ops when the schema is already current.
func Migrate(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("store: migrate: underlying sql.DB: %w", err)
	}

	dialect := "postgres"
	if cfg.DatabaseDriver == "sqlite" || cfg.DatabaseDriver == "sqlite3" {
		dialect = "sqlite3"
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("store: migrate: set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: up: %w", err)
	}
	return nil
}

// MigrateDown rolls back exactly one migration. Exposed for the execored
// migrate --down CLI path; not used in the normal boot sequence.
func MigrateDown(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("store: migrate down: underlying sql.DB: %w", err)
	}
	dialect := "postgres"
	if cfg.DatabaseDriver == "sqlite" || cfg.DatabaseDriver == "sqlite3" {
		dialect = "sqlite3"
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Down(sqlDB, "migrations")
}
