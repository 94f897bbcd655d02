package platform

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies all pending "up" migrations found under
// migrationsDir against the database reachable at databaseURL.
//
// It opens its own *sql.DB-backed driver rather than reusing the pgxpool,
// since golang-migrate drives the database/sql interface.
func RunMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), withSSLParam(databaseURL))
	if err != nil {
		return fmt.Errorf("initializing migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// withSSLParam is a pass-through hook kept separate from RunMigrations so
// sslmode handling can be special-cased per deployment without touching the
// call site.
func withSSLParam(databaseURL string) string {
	return databaseURL
}
