// Package persistence selects a concrete storage backend from the
// environment and pairs it with the matching row-level security applier.
package persistence

import (
	"context"
	"fmt"
	"os"

	"billingcore/internal/infra/persistence/memory"
	"billingcore/internal/infra/persistence/postgres"
	"billingcore/internal/infra/persistence/sqlite"
	"billingcore/internal/rls"
	"billingcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Store is the combined surface the transaction engine needs from a backend.
type Store interface {
	domain.IdentityStore
	domain.EffectStore
	WithTransaction(ctx context.Context, fn func(db domain.DBTX) error) error
	Close() error
}

// Open selects a backend using environment variables and returns it together
// with the row-level security applier that backend supports. Postgres gets
// the SQL session-context applier; the embedded backends have no roles or
// session claims, so they get the validating no-op.
//
//	BILLINGCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	BILLINGCORE_SQLITE_PATH: path to sqlite file (default ./billingcore.db)
//	BILLINGCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func Open() (Store, rls.Applier, error) {
	driver := os.Getenv("BILLINGCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), rls.Nop{}, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(os.Getenv("BILLINGCORE_SQLITE_PATH"))
		if err != nil {
			return nil, nil, err
		}
		return store, rls.Nop{}, nil
	case StoragePostgres:
		store, err := postgres.NewStore(os.Getenv("BILLINGCORE_POSTGRES_DSN"))
		if err != nil {
			return nil, nil, err
		}
		return store, rls.SQLApplier{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
