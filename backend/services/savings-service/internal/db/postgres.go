package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	libdb "powersave/backend/libs/db"
)

//go:embed schema.sql
var schema string

// NewPostgres returns shared DB connection.
func NewPostgres(dsn string, opts libdb.PoolOptions) (*sql.DB, error) {
	return libdb.NewPostgresDB(dsn, opts)
}

// Migrate creates the service tables when they are missing. Every statement
// is idempotent so it is safe to run on each start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
