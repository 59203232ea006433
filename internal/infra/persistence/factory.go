// Package persistence selects a concrete store backend. There is exactly one
// source of truth per process: an open failure is surfaced to the caller,
// never silently degraded to another backend.
package persistence

import (
	"fmt"
	"os"

	"lineagecore/internal/infra/persistence/memory"
	"lineagecore/internal/infra/persistence/postgres"
	"lineagecore/internal/infra/persistence/sqlite"
	"lineagecore/pkg/domain"
)

// Driver identifies a concrete store backend.
type Driver string

// Supported store drivers.
const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open selects a store implementation using environment variables.
//
//	LINEAGECORE_STORE_DRIVER: memory|sqlite|postgres (default sqlite)
//	LINEAGECORE_SQLITE_PATH: database file when driver=sqlite (default lineagecore.db)
//	LINEAGECORE_POSTGRES_DSN: connection string when driver=postgres
func Open() (domain.Store, error) {
	driver := os.Getenv("LINEAGECORE_STORE_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		return sqlite.NewStore(os.Getenv("LINEAGECORE_SQLITE_PATH"))
	case DriverPostgres:
		return postgres.NewStore(os.Getenv("LINEAGECORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown store driver %s", driver)
	}
}
