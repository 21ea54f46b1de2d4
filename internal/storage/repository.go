package storage

import (
	"context"
	"time"

	"clipflow/internal/models"
)

// CreateSessionParams captures the attributes recorded when an upload
// session is opened.
type CreateSessionParams struct {
	UploadID   string
	ObjectKey  string
	FileName   string
	FileSize   int64
	MimeType   string
	TotalParts int
	OwnerID    string
	CampaignID string
	Metadata   map[string]string
	ExpiresAt  time.Time
}

// CompleteSessionParams carries everything needed to atomically finish an
// upload session: the asset to materialize and, when the media type requires
// transcoding, the queue priority for the follow-up job.
type CompleteSessionParams struct {
	SessionID string
	// UploadedParts records the part numbers the caller reported in the
	// completion manifest, kept on the session for audit.
	UploadedParts []int
	Asset         models.Asset
	Enqueue       bool
	Priority      models.JobPriority
}

// CompleteSessionResult reports the asset created for a finished session and
// the transcode job enqueued for it, when any.
type CompleteSessionResult struct {
	Asset models.Asset
	Job   *models.TranscodeJob
}

// AssetUpdate mutates asset fields after transcoding progresses. Nil fields
// are left untouched.
type AssetUpdate struct {
	Status          *models.AssetStatus
	StreamID        *string
	PlaybackURL     *string
	ThumbnailURL    *string
	DurationSeconds *float64
	Resolution      *string
	ErrorMetadata   map[string]string
}

// ListAssetsFilter narrows ListAssets output.
type ListAssetsFilter struct {
	OwnerID string
	Status  models.AssetStatus
	Type    models.AssetType
	Limit   int
}

// JobResult records the provider outputs applied when a job completes.
type JobResult struct {
	StreamID        string
	PlaybackURL     string
	ThumbnailURL    string
	DurationSeconds float64
	Resolution      string
}

// QueueStats summarizes the transcode queue for operators.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Repository exposes the datastore operations required by upload handlers
// and the transcode queue. Both the JSON-file store and the Postgres store
// satisfy it.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUploadSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, error)
	GetUploadSession(ctx context.Context, id string) (models.UploadSession, error)
	// CompleteUploadSession transitions an IN_PROGRESS session to COMPLETED,
	// creates its asset, and optionally enqueues a transcode job as one
	// atomic step. Completed sessions yield ErrSessionCompleted, expired
	// ones ErrSessionExpired.
	CompleteUploadSession(ctx context.Context, params CompleteSessionParams) (CompleteSessionResult, error)
	// ExpireUploadSessions marks overdue IN_PROGRESS sessions EXPIRED and
	// returns how many were swept.
	ExpireUploadSessions(ctx context.Context, now time.Time) (int, error)

	GetAsset(ctx context.Context, id string) (models.Asset, error)
	ListAssets(ctx context.Context, filter ListAssetsFilter) ([]models.Asset, error)
	UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error)

	// EnqueueTranscodeJob is idempotent per asset: when a non-terminal job
	// already exists for the asset it is returned unchanged.
	EnqueueTranscodeJob(ctx context.Context, assetID string, priority models.JobPriority) (models.TranscodeJob, error)
	// ClaimNextJob atomically selects the highest-priority oldest PENDING
	// job, marks it PROCESSING, and increments its attempt counter. An empty
	// queue yields ErrNoPendingJobs.
	ClaimNextJob(ctx context.Context) (models.TranscodeJob, error)
	GetJob(ctx context.Context, id string) (models.TranscodeJob, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.TranscodeJob, error)
	// CompleteJob finishes a PROCESSING job and applies the provider result
	// to its asset in the same step.
	CompleteJob(ctx context.Context, jobID string, result JobResult) (models.TranscodeJob, error)
	// ReleaseJob returns a PROCESSING job to the queue after a failure. The
	// job goes back to PENDING while attempts remain; otherwise it is marked
	// FAILED and its asset transitions to ERROR. Terminal failures skip the
	// remaining attempts.
	ReleaseJob(ctx context.Context, jobID, lastError string, terminal bool) (models.TranscodeJob, error)
	// RequeueFailedJob resets a FAILED job for another round of attempts.
	RequeueFailedJob(ctx context.Context, jobID string) (models.TranscodeJob, error)
	// RecoverStalledJobs returns PROCESSING jobs older than the cutoff to
	// PENDING, reclaiming work orphaned by a crashed worker.
	RecoverStalledJobs(ctx context.Context, olderThan time.Duration) (int, error)
	QueueStats(ctx context.Context) (QueueStats, error)
}

var _ Repository = (*Storage)(nil)
