package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// CreatePartialUniqueIndexes creates PostgreSQL partial unique indexes that
// Ent/Atlas cannot express. These must match the constraints in
// 000001_init.up.sql.
func CreatePartialUniqueIndexes(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	// A thread may have at most one live agent run at a time. Terminal runs
	// (completed, failed, stopped) are excluded so history can accumulate.
	_, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS agentrun_thread_id_live
		ON agent_runs (thread_id)
		WHERE status IN ('running', 'stopping')`)
	if err != nil {
		return fmt.Errorf("failed to create live-run index: %w", err)
	}

	return nil
}
