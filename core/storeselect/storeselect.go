// Package storeselect opens the store.Store backend named by a
// gateway/settldconfig.StoreConfig, the way services/otc-gateway/main.go
// opens its gorm.DB before handing it to models.AutoMigrate.
package storeselect

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"settld/core/store"
	"settld/core/storepg"
	"settld/gateway/settldconfig"
)

// Open constructs the configured store.Store backend. "memory" returns a
// fresh in-process store.Memory; "pg" opens cfg.DatabaseURL via gorm,
// scoping the session to cfg.PGSchema before running AutoMigrate; "sqlite"
// opens cfg.DatabaseURL (a file path, or ":memory:") via the pure-Go
// glebarez/sqlite gorm dialect, for local dev and CI without cgo.
func Open(cfg settldconfig.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "pg":
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("storeselect: open postgres: %w", err)
		}
		if cfg.PGSchema != "" && cfg.PGSchema != "public" {
			if err := db.Exec(fmt.Sprintf("SET search_path TO %s", cfg.PGSchema)).Error; err != nil {
				return nil, fmt.Errorf("storeselect: set search_path: %w", err)
			}
		}
		pg, err := storepg.New(db)
		if err != nil {
			return nil, fmt.Errorf("storeselect: %w", err)
		}
		return pg, nil
	case "sqlite":
		path := cfg.DatabaseURL
		if path == "" {
			path = ":memory:"
		}
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("storeselect: open sqlite: %w", err)
		}
		lite, err := storepg.NewSQLite(db)
		if err != nil {
			return nil, fmt.Errorf("storeselect: %w", err)
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("storeselect: unknown backend %q", cfg.Backend)
	}
}
