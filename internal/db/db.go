// Package db opens the GORM connection for the model catalog, users, API
// keys, token usage ledger, and audit log, and runs AutoMigrate.
//
// Grounded on BaSui01-agentflow's llm/db_init.go / cmd/agentflow/main.go
// openDatabase driver switch: a db_type config value selects the dialector,
// everything else (connection pool, migration) is identical across drivers.
package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ygo74/openai-proxy/internal/domain"
)

// Type selects the SQL dialect (§6.3 db_type).
type Type string

const (
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
)

// Config carries the connection parameters read from the JSON config
// document (§6.3 db_type / db_url).
type Config struct {
	Type Type
	URL  string
}

// Open opens a *gorm.DB for cfg.Type and runs AutoMigrate for every domain
// entity. The returned handle is safe for concurrent use; each HTTP request
// obtains its own session via WithContext (§3 Ownership, §5 Unit-of-Work).
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case TypeSQLite, "":
		dsn := cfg.URL
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case TypePostgres:
		if cfg.URL == "" {
			return nil, fmt.Errorf("db: db_url is required for db_type=postgres")
		}
		dialector = postgres.Open(cfg.URL)
	default:
		return nil, fmt.Errorf("db: unknown db_type %q", cfg.Type)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", cfg.Type, err)
	}

	if err := gdb.AutoMigrate(
		&domain.Model{},
		&domain.Group{},
		&domain.User{},
		&domain.APIKey{},
		&domain.TokenUsage{},
		&domain.AuditLog{},
	); err != nil {
		return nil, fmt.Errorf("db: automigrate: %w", err)
	}

	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
