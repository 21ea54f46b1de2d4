package models

import (
	"strings"
	"time"
)

// AssetType classifies an ingested object. Only video assets require
// transcoding before playback.
type AssetType string

const (
	AssetTypeVideo    AssetType = "VIDEO"
	AssetTypeImage    AssetType = "IMAGE"
	AssetTypeDocument AssetType = "DOCUMENT"
)

// ParseAssetType validates a caller-supplied asset type.
func ParseAssetType(value string) (AssetType, bool) {
	switch AssetType(strings.ToUpper(strings.TrimSpace(value))) {
	case AssetTypeVideo:
		return AssetTypeVideo, true
	case AssetTypeImage:
		return AssetTypeImage, true
	case AssetTypeDocument:
		return AssetTypeDocument, true
	default:
		return "", false
	}
}

// NeedsTranscode reports whether assets of this type enter the transcode
// queue after upload completion.
func (t AssetType) NeedsTranscode() bool {
	return t == AssetTypeVideo
}

// SessionStatus tracks the lifecycle of a multipart upload session.
// IN_PROGRESS is the only non-terminal state.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionExpired    SessionStatus = "EXPIRED"
)

// AssetStatus tracks the processing state of a finalized asset.
type AssetStatus string

const (
	AssetProcessing AssetStatus = "PROCESSING"
	AssetReady      AssetStatus = "READY"
	AssetError      AssetStatus = "ERROR"
)

// JobStatus tracks a transcode queue entry. COMPLETED and FAILED are
// terminal.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobPriority orders queue selection. Higher ranks are claimed first;
// within a rank jobs are claimed oldest first.
type JobPriority string

const (
	PriorityLow    JobPriority = "LOW"
	PriorityNormal JobPriority = "NORMAL"
	PriorityHigh   JobPriority = "HIGH"
)

// ParsePriority validates a caller-supplied priority, defaulting to NORMAL
// when the value is empty.
func ParsePriority(value string) (JobPriority, bool) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return PriorityNormal, true
	}
	switch JobPriority(trimmed) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return JobPriority(trimmed), true
	default:
		return "", false
	}
}

// Rank returns the numeric ordering weight for the priority.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// UploadSession captures one negotiated multipart upload. The session is
// created when the client calls start, mutated exactly once when the upload
// completes or is discovered expired, and retained afterwards for audit.
type UploadSession struct {
	ID            string            `json:"id"`
	UploadID      string            `json:"uploadId"`
	ObjectKey     string            `json:"objectKey"`
	FileName      string            `json:"fileName"`
	FileSize      int64             `json:"fileSize"`
	MimeType      string            `json:"mimeType"`
	TotalParts    int               `json:"totalParts"`
	UploadedParts []int             `json:"uploadedParts,omitempty"`
	Status        SessionStatus     `json:"status"`
	OwnerID       string            `json:"ownerId"`
	CampaignID    string            `json:"campaignId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Expired reports whether the session's completion deadline has passed.
func (s UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Asset is a finalized ingested object. Video assets stay in PROCESSING
// until the transcode worker publishes playback metadata; other kinds are
// READY immediately.
type Asset struct {
	ID              string            `json:"id"`
	Type            AssetType         `json:"assetType"`
	Title           string            `json:"title"`
	Filename        string            `json:"filename"`
	SizeBytes       int64             `json:"sizeBytes"`
	Status          AssetStatus       `json:"status"`
	StorageKey      string            `json:"storageKey"`
	StorageBucket   string            `json:"storageBucket"`
	MimeType        string            `json:"mimeType"`
	OwnerID         string            `json:"ownerId"`
	StreamID        string            `json:"streamId,omitempty"`
	PlaybackURL     string            `json:"playbackUrl,omitempty"`
	ThumbnailURL    string            `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64           `json:"durationSeconds,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	ErrorMetadata   map[string]string `json:"errorMetadata,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// DefaultMaxAttempts bounds how many times a transcode job may be claimed
// before it is marked FAILED.
const DefaultMaxAttempts = 3

// TranscodeJob is one queue entry, one-to-one with a video asset while the
// job is non-terminal. The row is claimed and mutated only through the
// repository's atomic transition operations.
type TranscodeJob struct {
	ID            string      `json:"id"`
	AssetID       string      `json:"assetId"`
	StorageKey    string      `json:"storageKey"`
	StorageBucket string      `json:"storageBucket"`
	Status        JobStatus   `json:"status"`
	Priority      JobPriority `json:"priority"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"maxAttempts"`
	LastError     string      `json:"lastError,omitempty"`
	StreamID      string      `json:"streamId,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
}
