package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		id TEXT PRIMARY KEY,
		upload_id TEXT NOT NULL,
		object_key TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size BIGINT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		total_parts INTEGER NOT NULL,
		uploaded_parts BIGINT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		campaign_id TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS upload_sessions_status_expires_idx
		ON upload_sessions (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		asset_type TEXT NOT NULL,
		title TEXT NOT NULL,
		filename TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		status TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		storage_bucket TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		stream_id TEXT NOT NULL DEFAULT '',
		playback_url TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		error_metadata JSONB,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS assets_owner_created_idx
		ON assets (owner_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS transcode_jobs (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets (id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL,
		storage_bucket TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		stream_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS transcode_jobs_claim_idx
		ON transcode_jobs (status, priority, created_at)`,
}

// MigratePostgres applies the schema statements idempotently. It is invoked
// on startup before the repository serves traffic.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrationStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
