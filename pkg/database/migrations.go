package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateSearchIndexes creates the PostgreSQL-specific indexes the plain
// migrations do not express: a GIN index over event payloads for ad-hoc
// queries into the log, and a full-text index over finding root causes.
func CreateSearchIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_investigation_events_data_gin
		ON investigation_events USING gin(data)`)
	if err != nil {
		return fmt.Errorf("failed to create event data GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_findings_root_cause_gin
		ON findings USING gin(to_tsvector('english', COALESCE(root_cause, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create root_cause full-text index: %w", err)
	}

	return nil
}
