package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipflow/internal/models"
)

const sessionColumns = `id, upload_id, object_key, file_name, file_size, mime_type,
	total_parts, uploaded_parts, status, owner_id, campaign_id, metadata, expires_at, created_at`

const assetColumns = `id, asset_type, title, filename, size_bytes, status, storage_key,
	storage_bucket, mime_type, owner_id, stream_id, playback_url, thumbnail_url,
	duration_seconds, resolution, error_metadata, metadata, created_at, updated_at`

const jobColumns = `id, asset_id, storage_key, storage_bucket, status, priority,
	attempts, max_attempts, last_error, stream_id, created_at, started_at, completed_at`

// claim order: HIGH before NORMAL before LOW, oldest first within a rank.
const jobClaimOrder = `CASE priority WHEN 'HIGH' THEN 2 WHEN 'NORMAL' THEN 1 ELSE 0 END DESC,
	created_at ASC, id ASC`

type postgresRepository struct {
	pool        *pgxpool.Pool
	cfg         PostgresConfig
	maxAttempts int
	clock       func() time.Time
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &postgresRepository{
		pool:        pool,
		cfg:         cfg,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
	}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) now() time.Time {
	return r.clock().UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.UploadSession, error) {
	var (
		session  models.UploadSession
		parts    []int64
		metadata []byte
	)
	err := row.Scan(
		&session.ID, &session.UploadID, &session.ObjectKey, &session.FileName,
		&session.FileSize, &session.MimeType, &session.TotalParts, &parts,
		&session.Status, &session.OwnerID, &session.CampaignID, &metadata,
		&session.ExpiresAt, &session.CreatedAt,
	)
	if err != nil {
		return models.UploadSession{}, err
	}
	if len(parts) > 0 {
		session.UploadedParts = make([]int, len(parts))
		for i, p := range parts {
			session.UploadedParts[i] = int(p)
		}
	}
	if err := decodeMetadata(metadata, &session.Metadata); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

func scanAsset(row rowScanner) (models.Asset, error) {
	var (
		asset    models.Asset
		errMeta  []byte
		metadata []byte
	)
	err := row.Scan(
		&asset.ID, &asset.Type, &asset.Title, &asset.Filename, &asset.SizeBytes,
		&asset.Status, &asset.StorageKey, &asset.StorageBucket, &asset.MimeType,
		&asset.OwnerID, &asset.StreamID, &asset.PlaybackURL, &asset.ThumbnailURL,
		&asset.DurationSeconds, &asset.Resolution, &errMeta, &metadata,
		&asset.CreatedAt, &asset.UpdatedAt,
	)
	if err != nil {
		return models.Asset{}, err
	}
	if err := decodeMetadata(errMeta, &asset.ErrorMetadata); err != nil {
		return models.Asset{}, err
	}
	if err := decodeMetadata(metadata, &asset.Metadata); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func scanJob(row rowScanner) (models.TranscodeJob, error) {
	var job models.TranscodeJob
	err := row.Scan(
		&job.ID, &job.AssetID, &job.StorageKey, &job.StorageBucket, &job.Status,
		&job.Priority, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&job.StreamID, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return models.TranscodeJob{}, err
	}
	return job, nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return encoded, nil
}

func decodeMetadata(raw []byte, dest *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if len(decoded) > 0 {
		*dest = decoded
	}
	return nil
}

func (r *postgresRepository) CreateUploadSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, error) {
	if strings.TrimSpace(params.UploadID) == "" {
		return models.UploadSession{}, errors.New("uploadId is required")
	}
	if strings.TrimSpace(params.ObjectKey) == "" {
		return models.UploadSession{}, errors.New("objectKey is required")
	}
	if strings.TrimSpace(params.FileName) == "" {
		return models.UploadSession{}, errors.New("fileName is required")
	}
	if params.FileSize <= 0 {
		return models.UploadSession{}, errors.New("fileSize must be positive")
	}
	if params.TotalParts < 1 {
		return models.UploadSession{}, errors.New("totalParts must be at least 1")
	}

	id, err := generateID()
	if err != nil {
		return models.UploadSession{}, err
	}
	now := r.now()
	expiresAt := params.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultSessionTTL)
	}
	metadata, err := encodeMetadata(params.Metadata)
	if err != nil {
		return models.UploadSession{}, err
	}

	row := r.pool.QueryRow(ctx, `INSERT INTO upload_sessions (
			id, upload_id, object_key, file_name, file_size, mime_type, total_parts,
			uploaded_parts, status, owner_id, campaign_id, metadata, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', $8, $9, $10, $11, $12, $13)
		RETURNING `+sessionColumns,
		id, params.UploadID, params.ObjectKey, params.FileName, params.FileSize,
		params.MimeType, params.TotalParts, models.SessionInProgress, params.OwnerID,
		params.CampaignID, metadata, expiresAt, now,
	)
	session, err := scanSession(row)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("create upload session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) GetUploadSession(ctx context.Context, id string) (models.UploadSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.UploadSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("get upload session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) CompleteUploadSession(ctx context.Context, params CompleteSessionParams) (CompleteSessionResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return CompleteSessionResult{}, fmt.Errorf("begin complete session: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var (
		status    models.SessionStatus
		expiresAt time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT status, expires_at FROM upload_sessions WHERE id = $1 FOR UPDATE`,
		params.SessionID,
	).Scan(&status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CompleteSessionResult{}, fmt.Errorf("session %s: %w", params.SessionID, ErrNotFound)
	}
	if err != nil {
		return CompleteSessionResult{}, fmt.Errorf("lock session: %w", err)
	}

	now := r.now()
	switch {
	case status == models.SessionCompleted:
		return CompleteSessionResult{}, ErrSessionCompleted
	case status == models.SessionExpired:
		return CompleteSessionResult{}, ErrSessionExpired
	case now.After(expiresAt):
		if _, err := tx.Exec(ctx,
			`UPDATE upload_sessions SET status = $1 WHERE id = $2`,
			models.SessionExpired, params.SessionID,
		); err != nil {
			return CompleteSessionResult{}, fmt.Errorf("expire session: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return CompleteSessionResult{}, fmt.Errorf("commit expire: %w", err)
		}
		return CompleteSessionResult{}, ErrSessionExpired
	}

	uploaded := make([]int64, len(params.UploadedParts))
	for i, p := range params.UploadedParts {
		uploaded[i] = int64(p)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE upload_sessions SET status = $1, uploaded_parts = $2 WHERE id = $3`,
		models.SessionCompleted, uploaded, params.SessionID,
	); err != nil {
		return CompleteSessionResult{}, fmt.Errorf("complete session: %w", err)
	}

	asset := params.Asset
	if asset.ID == "" {
		id, err := generateID()
		if err != nil {
			return CompleteSessionResult{}, err
		}
		asset.ID = id
	}
	if asset.Status == "" {
		if params.Enqueue {
			asset.Status = models.AssetProcessing
		} else {
			asset.Status = models.AssetReady
		}
	}
	asset.CreatedAt = now
	asset.UpdatedAt = now

	metadata, err := encodeMetadata(asset.Metadata)
	if err != nil {
		return CompleteSessionResult{}, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO assets (
			id, asset_type, title, filename, size_bytes, status, storage_key,
			storage_bucket, mime_type, owner_id, stream_id, playback_url,
			thumbnail_url, duration_seconds, resolution, error_metadata, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', '', '', 0, '', NULL, $11, $12, $13)`,
		asset.ID, asset.Type, asset.Title, asset.Filename, asset.SizeBytes,
		asset.Status, asset.StorageKey, asset.StorageBucket, asset.MimeType,
		asset.OwnerID, metadata, now, now,
	); err != nil {
		return CompleteSessionResult{}, fmt.Errorf("create asset: %w", err)
	}

	result := CompleteSessionResult{Asset: asset}
	if params.Enqueue {
		priority := params.Priority
		if priority == "" {
			priority = models.PriorityNormal
		}
		jobID, err := generateID()
		if err != nil {
			return CompleteSessionResult{}, err
		}
		row := tx.QueryRow(ctx, `INSERT INTO transcode_jobs (
				id, asset_id, storage_key, storage_bucket, status, priority,
				attempts, max_attempts, last_error, stream_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, '', '', $8)
			RETURNING `+jobColumns,
			jobID, asset.ID, asset.StorageKey, asset.StorageBucket,
			models.JobPending, priority, r.maxAttempts, now,
		)
		job, err := scanJob(row)
		if err != nil {
			return CompleteSessionResult{}, fmt.Errorf("enqueue job: %w", err)
		}
		result.Job = &job
	}

	if err := tx.Commit(ctx); err != nil {
		return CompleteSessionResult{}, fmt.Errorf("commit complete session: %w", err)
	}
	return result, nil
}

func (r *postgresRepository) ExpireUploadSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE upload_sessions SET status = $1 WHERE status = $2 AND expires_at < $3`,
		models.SessionExpired, models.SessionInProgress, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire upload sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) ListAssets(ctx context.Context, filter ListAssetsFilter) ([]models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets`
	var (
		clauses []string
		args    []any
	)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		clauses = append(clauses, fmt.Sprintf("asset_type = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := make([]models.Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

func (r *postgresRepository) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	sets := []string{}
	args := []any{}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.StreamID != nil {
		add("stream_id", *update.StreamID)
	}
	if update.PlaybackURL != nil {
		add("playback_url", *update.PlaybackURL)
	}
	if update.ThumbnailURL != nil {
		add("thumbnail_url", *update.ThumbnailURL)
	}
	if update.DurationSeconds != nil {
		add("duration_seconds", *update.DurationSeconds)
	}
	if update.Resolution != nil {
		add("resolution", *update.Resolution)
	}
	if update.ErrorMetadata != nil {
		encoded, err := encodeMetadata(update.ErrorMetadata)
		if err != nil {
			return models.Asset{}, err
		}
		add("error_metadata", encoded)
	}
	add("updated_at", r.now())

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE assets SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), assetColumns,
	)
	row := r.pool.QueryRow(ctx, query, args...)
	asset, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("update asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) EnqueueTranscodeJob(ctx context.Context, assetID string, priority models.JobPriority) (models.TranscodeJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var storageKey, storageBucket string
	err = tx.QueryRow(ctx,
		`SELECT storage_key, storage_bucket FROM assets WHERE id = $1`,
		assetID,
	).Scan(&storageKey, &storageBucket)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("enqueue lookup: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs
		WHERE asset_id = $1 AND status IN ($2, $3)
		LIMIT 1 FOR UPDATE`,
		assetID, models.JobPending, models.JobProcessing,
	)
	existing, err := scanJob(row)
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return models.TranscodeJob{}, fmt.Errorf("commit enqueue: %w", commitErr)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, fmt.Errorf("enqueue existing lookup: %w", err)
	}

	if priority == "" {
		priority = models.PriorityNormal
	}
	jobID, err := generateID()
	if err != nil {
		return models.TranscodeJob{}, err
	}
	row = tx.QueryRow(ctx, `INSERT INTO transcode_jobs (
			id, asset_id, storage_key, storage_bucket, status, priority,
			attempts, max_attempts, last_error, stream_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, '', '', $8)
		RETURNING `+jobColumns,
		jobID, assetID, storageKey, storageBucket, models.JobPending, priority,
		r.maxAttempts, r.now(),
	)
	job, err := scanJob(row)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return job, nil
}

// ClaimNextJob performs selection and transition in a single statement so
// concurrent workers skip rows already locked by a sibling claim.
func (r *postgresRepository) ClaimNextJob(ctx context.Context) (models.TranscodeJob, error) {
	row := r.pool.QueryRow(ctx, `UPDATE transcode_jobs SET
			status = $1, attempts = attempts + 1, started_at = $2
		WHERE id = (
			SELECT id FROM transcode_jobs
			WHERE status = $3
			ORDER BY `+jobClaimOrder+`
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.JobProcessing, r.now(), models.JobPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, ErrNoPendingJobs
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) GetJob(ctx context.Context, id string) (models.TranscodeJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.TranscodeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM transcode_jobs`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += " WHERE status = $1"
	}
	query += " ORDER BY " + jobClaimOrder
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.TranscodeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *postgresRepository) CompleteJob(ctx context.Context, jobID string, result JobResult) (models.TranscodeJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("begin complete job: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	now := r.now()
	row := tx.QueryRow(ctx, `UPDATE transcode_jobs SET
			status = $1, completed_at = $2, stream_id = $3, last_error = ''
		WHERE id = $4 AND status = $5
		RETURNING `+jobColumns,
		models.JobCompleted, now, result.StreamID, jobID, models.JobProcessing,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, r.classifyJobConflict(ctx, jobID)
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("complete job: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE assets SET
			status = $1, stream_id = $2, playback_url = $3, thumbnail_url = $4,
			duration_seconds = $5, resolution = $6, error_metadata = NULL, updated_at = $7
		WHERE id = $8`,
		models.AssetReady, result.StreamID, result.PlaybackURL, result.ThumbnailURL,
		result.DurationSeconds, result.Resolution, now, job.AssetID,
	); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("publish asset: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("commit complete job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) ReleaseJob(ctx context.Context, jobID, lastError string, terminal bool) (models.TranscodeJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("begin release job: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcode_jobs WHERE id = $1 FOR UPDATE`,
		jobID,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("lock job: %w", err)
	}
	if job.Status != models.JobProcessing {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotProcessing)
	}

	now := r.now()
	job.LastError = lastError
	job.StartedAt = nil
	if terminal || job.Attempts >= job.MaxAttempts {
		job.Status = models.JobFailed
		job.CompletedAt = &now
		errMeta, err := encodeMetadata(map[string]string{
			"error":    lastError,
			"failedAt": now.Format(time.RFC3339),
			"attempts": strconv.Itoa(job.Attempts),
		})
		if err != nil {
			return models.TranscodeJob{}, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE assets SET status = $1, error_metadata = $2, updated_at = $3 WHERE id = $4`,
			models.AssetError, errMeta, now, job.AssetID,
		); err != nil {
			return models.TranscodeJob{}, fmt.Errorf("mark asset errored: %w", err)
		}
	} else {
		job.Status = models.JobPending
	}

	if _, err := tx.Exec(ctx, `UPDATE transcode_jobs SET
			status = $1, last_error = $2, started_at = NULL, completed_at = $3
		WHERE id = $4`,
		job.Status, job.LastError, job.CompletedAt, jobID,
	); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("release job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("commit release job: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) RequeueFailedJob(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("begin requeue: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `UPDATE transcode_jobs SET
			status = $1, attempts = 0, started_at = NULL, completed_at = NULL
		WHERE id = $2 AND status = $3
		RETURNING `+jobColumns,
		models.JobPending, jobID, models.JobFailed,
	)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetJob(ctx, jobID); getErr != nil {
			return models.TranscodeJob{}, getErr
		}
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFailed)
	}
	if err != nil {
		return models.TranscodeJob{}, fmt.Errorf("requeue job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE assets SET status = $1, error_metadata = NULL, updated_at = $2 WHERE id = $3`,
		models.AssetProcessing, r.now(), job.AssetID,
	); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("reset asset: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.TranscodeJob{}, fmt.Errorf("commit requeue: %w", err)
	}
	return job, nil
}

func (r *postgresRepository) RecoverStalledJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().Add(-olderThan)
	tag, err := r.pool.Exec(ctx, `UPDATE transcode_jobs SET status = $1, started_at = NULL
		WHERE status = $2 AND (started_at IS NULL OR started_at <= $3)`,
		models.JobPending, models.JobProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) QueueStats(ctx context.Context) (QueueStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM transcode_jobs GROUP BY status`,
	)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var (
			status models.JobStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, fmt.Errorf("scan queue stats: %w", err)
		}
		switch status {
		case models.JobPending:
			stats.Pending = count
		case models.JobProcessing:
			stats.Processing = count
		case models.JobCompleted:
			stats.Completed = count
		case models.JobFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (r *postgresRepository) classifyJobConflict(ctx context.Context, jobID string) error {
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", jobID, ErrJobNotProcessing)
}
