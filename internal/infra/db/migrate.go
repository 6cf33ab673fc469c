package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

func (s *Store) migrate(dsn string) error {
	if s.driver == DriverSQLite {
		if err := s.DB.AutoMigrate(&AuditEntryModel{}, &ReportVersionModel{}); err != nil {
			return fmt.Errorf("automigrate: %w", err)
		}
		return nil
	}
	return MigratePostgres(dsn)
}

// MigratePostgres applies the embedded schema. dsn must be a postgres:// URL.
func MigratePostgres(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
