// Package api exposes the ingestion pipeline over HTTP: multipart upload
// negotiation, asset lookup, and queue administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clipflow/internal/notify"
	"clipflow/internal/objectstore"
	"clipflow/internal/observability/metrics"
	"clipflow/internal/storage"
)

// ObjectClient is the object storage surface the handlers depend on.
type ObjectClient interface {
	Bucket() string
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignPartUpload(key, uploadID string, partNumber int) (string, error)
	PresignDownload(key string, expiry time.Duration) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []objectstore.CompletedPart) (string, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	DeleteObject(ctx context.Context, key string) error
}

// QueueKicker nudges the scheduler to sweep immediately after a high
// priority enqueue.
type QueueKicker interface {
	Kick()
}

type Handler struct {
	Store          storage.Repository
	Objects        ObjectClient
	Queue          QueueKicker
	Notifier       *notify.Dispatcher
	Metrics        *metrics.Recorder
	DownloadExpiry time.Duration

	now func() time.Time
}

const defaultDownloadExpiry = time.Hour

func NewHandler(store storage.Repository, objects ObjectClient) *Handler {
	return &Handler{
		Store:          store,
		Objects:        objects,
		DownloadExpiry: defaultDownloadExpiry,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func storageErrorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrSessionCompleted):
		return http.StatusConflict
	case errors.Is(err, storage.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, storage.ErrUploadMismatch):
		return http.StatusConflict
	case errors.Is(err, storage.ErrJobNotFailed), errors.Is(err, storage.ErrJobNotProcessing):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]string{"status": status})
}
