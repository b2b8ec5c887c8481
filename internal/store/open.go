package store

import (
	"fmt"
	"log/slog"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the Store for driver. path is used by SQLite, dsn by PostgreSQL.
func Open(driver, path, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(path)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("driver %q requires a dsn", driver)
		}
		return NewPostgresStore(dsn, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
