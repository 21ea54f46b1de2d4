// Package stream integrates with an external transcoding provider that pulls
// source files from the object store, produces playback renditions, and
// reports readiness through a polling API.
package stream

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotReady reports that the provider has accepted an asset but has not
// finished producing playback renditions yet.
var ErrNotReady = errors.New("stream: asset not ready")

// IngestRequest asks the provider to pull a source file and begin
// transcoding it.
type IngestRequest struct {
	// SourceURL must be fetchable by the provider, typically a presigned
	// download URL.
	SourceURL string
	// Name becomes the display name attached to the provider-side asset.
	Name string
	// ThumbnailTimestampPct selects where in the clip the poster frame is
	// sampled, as a fraction of total duration.
	ThumbnailTimestampPct float64
	// Metadata is forwarded verbatim for provider-side correlation.
	Metadata map[string]string
}

// IngestResult carries the provider-assigned identifiers for a new ingest.
type IngestResult struct {
	UID          string
	PlaybackURL  string
	ThumbnailURL string
}

// Details describes the provider's current view of an asset.
type Details struct {
	UID             string
	Ready           bool
	State           string
	DurationSeconds float64
	PlaybackURL     string
	ThumbnailURL    string
	Width           int
	Height          int
	ErrorCode       string
	ErrorMessage    string
}

// Failed reports whether the provider gave up on the asset.
func (d Details) Failed() bool {
	return d.State == "error"
}

// Resolution renders the source dimensions as WxH, empty when the provider
// has not probed the input yet.
func (d Details) Resolution() string {
	if d.Width <= 0 || d.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Client is the provider surface the transcode worker depends on.
type Client interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	Details(ctx context.Context, uid string) (Details, error)
}

// APIError is a non-2xx response from the provider API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("stream api: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stream api: status %d", e.StatusCode)
}
