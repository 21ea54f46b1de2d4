package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"clipflow/internal/models"
)

// Snapshot is a point-in-time copy of every record in a JSON datastore,
// flattened for import into Postgres.
type Snapshot struct {
	Sessions []models.UploadSession
	Assets   []models.Asset
	Jobs     []models.TranscodeJob
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Sessions int
	Assets   int
	Jobs     int
}

// Counts returns the record totals of the snapshot.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Sessions: len(s.Sessions),
		Assets:   len(s.Assets),
		Jobs:     len(s.Jobs),
	}
}

// LoadSnapshotFromJSON reads a JSON datastore file and returns its records
// ordered by ID so imports are deterministic.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read datastore: %w", err)
	}

	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Snapshot{}, fmt.Errorf("decode datastore: %w", err)
	}

	snapshot := Snapshot{
		Sessions: make([]models.UploadSession, 0, len(data.Sessions)),
		Assets:   make([]models.Asset, 0, len(data.Assets)),
		Jobs:     make([]models.TranscodeJob, 0, len(data.Jobs)),
	}
	for _, session := range data.Sessions {
		snapshot.Sessions = append(snapshot.Sessions, session)
	}
	for _, asset := range data.Assets {
		snapshot.Assets = append(snapshot.Assets, asset)
	}
	for _, job := range data.Jobs {
		snapshot.Jobs = append(snapshot.Jobs, job)
	}
	sort.Slice(snapshot.Sessions, func(i, j int) bool { return snapshot.Sessions[i].ID < snapshot.Sessions[j].ID })
	sort.Slice(snapshot.Assets, func(i, j int) bool { return snapshot.Assets[i].ID < snapshot.Assets[j].ID })
	sort.Slice(snapshot.Jobs, func(i, j int) bool { return snapshot.Jobs[i].ID < snapshot.Jobs[j].ID })
	return snapshot, nil
}

// ImportSnapshotToPostgres applies the schema migrations and copies every
// snapshot record into the database. Rows that already exist are left
// untouched so reruns are safe.
func ImportSnapshotToPostgres(ctx context.Context, pool *pgxpool.Pool, snapshot Snapshot) error {
	if err := MigratePostgres(ctx, pool); err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, session := range snapshot.Sessions {
		metadata, err := encodeMetadata(session.Metadata)
		if err != nil {
			return err
		}
		parts := make([]int64, len(session.UploadedParts))
		for i, p := range session.UploadedParts {
			parts[i] = int64(p)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO upload_sessions (
				id, upload_id, object_key, file_name, file_size, mime_type, total_parts,
				uploaded_parts, status, owner_id, campaign_id, metadata, expires_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			session.ID, session.UploadID, session.ObjectKey, session.FileName,
			session.FileSize, session.MimeType, session.TotalParts, parts,
			session.Status, session.OwnerID, session.CampaignID, metadata,
			session.ExpiresAt, session.CreatedAt,
		); err != nil {
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
	}

	for _, asset := range snapshot.Assets {
		metadata, err := encodeMetadata(asset.Metadata)
		if err != nil {
			return err
		}
		errMeta, err := encodeMetadata(asset.ErrorMetadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO assets (
				id, asset_type, title, filename, size_bytes, status, storage_key,
				storage_bucket, mime_type, owner_id, stream_id, playback_url,
				thumbnail_url, duration_seconds, resolution, error_metadata, metadata,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (id) DO NOTHING`,
			asset.ID, asset.Type, asset.Title, asset.Filename, asset.SizeBytes,
			asset.Status, asset.StorageKey, asset.StorageBucket, asset.MimeType,
			asset.OwnerID, asset.StreamID, asset.PlaybackURL, asset.ThumbnailURL,
			asset.DurationSeconds, asset.Resolution, errMeta, metadata,
			asset.CreatedAt, asset.UpdatedAt,
		); err != nil {
			return fmt.Errorf("import asset %s: %w", asset.ID, err)
		}
	}

	for _, job := range snapshot.Jobs {
		if _, err := tx.Exec(ctx, `INSERT INTO transcode_jobs (
				id, asset_id, storage_key, storage_bucket, status, priority,
				attempts, max_attempts, last_error, stream_id, created_at, started_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`,
			job.ID, job.AssetID, job.StorageKey, job.StorageBucket, job.Status,
			job.Priority, job.Attempts, job.MaxAttempts, job.LastError,
			job.StreamID, job.CreatedAt, job.StartedAt, job.CompletedAt,
		); err != nil {
			return fmt.Errorf("import job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}
