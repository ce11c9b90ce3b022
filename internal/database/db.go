package database

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"
	"taskpulse/internal/config"
	"taskpulse/pkg/logger"
)

var (
	pool *sql.DB
	once sync.Once
)

// DB returns the global database connection pool (initialized on first use).
func DB(ctx context.Context) *sql.DB {
	once.Do(func() {
		cfg := config.Get()
		if cfg.DatabaseURL == "" {
			logger.Error(ctx, "DATABASE_URL is not set")
			return
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error(ctx, "Failed to open database", "error", err)
			return
		}
		db.SetMaxOpenConns(cfg.DBPoolSize)
		db.SetMaxIdleConns(cfg.DBPoolSize / 2)
		pool = db
		logger.Info(ctx, "Database pool initialized", "max_open", cfg.DBPoolSize)
	})
	return pool
}

// InitDB initializes the DB pool and returns it (for main).
func InitDB(ctx context.Context) *sql.DB {
	return DB(ctx)
}

// MigrateOrCreateSchema creates the activity log table if missing. The table
// is append-only: the consumer inserts, the query API reads, nothing updates.
func MigrateOrCreateSchema(ctx context.Context) error {
	db := DB(ctx)
	if db == nil {
		return sql.ErrConnDone
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS activity_log (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			details JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_activity_user_ts ON activity_log (user_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_activity_user_type ON activity_log (user_id, event_type);
	`)
	if err != nil {
		logger.Error(ctx, "Schema migration failed", "error", err)
		return err
	}
	return nil
}
