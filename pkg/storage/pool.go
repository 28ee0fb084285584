package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig holds connection pool configuration for the job store.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 25
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle pool.
	// Default: 10
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	// Default: 5 minutes
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns sensible defaults for connection pooling. A
// backfill deployment runs few concurrent runners, so the pool stays small.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// ConfigurePool applies pool settings to the database backing a GormStorage.
func ConfigurePool(db *gorm.DB, cfg PoolConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return nil
}
