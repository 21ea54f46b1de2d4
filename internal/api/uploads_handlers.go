package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"clipflow/internal/models"
	"clipflow/internal/notify"
	"clipflow/internal/objectstore"
	"clipflow/internal/observability/logging"
	"clipflow/internal/storage"
)

const maxUploadSizeBytes = 30 << 30

type startUploadRequest struct {
	FileName   string            `json:"fileName"`
	FileSize   int64             `json:"fileSize"`
	MimeType   string            `json:"mimeType"`
	AssetType  string            `json:"assetType"`
	OwnerID    string            `json:"ownerId"`
	CampaignID string            `json:"campaignId"`
	Metadata   map[string]string `json:"metadata"`
}

type startUploadResponse struct {
	SessionID  string   `json:"sessionId"`
	UploadID   string   `json:"uploadId"`
	ObjectKey  string   `json:"objectKey"`
	Bucket     string   `json:"bucket"`
	PartSize   int64    `json:"partSize"`
	TotalParts int      `json:"totalParts"`
	PartURLs   []string `json:"partUrls"`
	ExpiresAt  string   `json:"expiresAt"`
}

type completeUploadPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type completeUploadRequest struct {
	UploadID  string               `json:"uploadId"`
	Parts     []completeUploadPart `json:"parts"`
	AssetType string               `json:"assetType"`
	Priority  string               `json:"priority"`
}

type completeUploadResponse struct {
	Asset assetResponse `json:"asset"`
	Job   *jobResponse  `json:"job,omitempty"`
}

type sessionResponse struct {
	ID            string            `json:"id"`
	ObjectKey     string            `json:"objectKey"`
	FileName      string            `json:"fileName"`
	FileSize      int64             `json:"fileSize"`
	MimeType      string            `json:"mimeType,omitempty"`
	TotalParts    int               `json:"totalParts"`
	UploadedParts []int             `json:"uploadedParts,omitempty"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"ownerId,omitempty"`
	CampaignID    string            `json:"campaignId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ExpiresAt     string            `json:"expiresAt"`
	CreatedAt     string            `json:"createdAt"`
}

func newSessionResponse(session models.UploadSession) sessionResponse {
	resp := sessionResponse{
		ID:         session.ID,
		ObjectKey:  session.ObjectKey,
		FileName:   session.FileName,
		FileSize:   session.FileSize,
		MimeType:   session.MimeType,
		TotalParts: session.TotalParts,
		Status:     string(session.Status),
		OwnerID:    session.OwnerID,
		CampaignID: session.CampaignID,
		ExpiresAt:  session.ExpiresAt.Format(time.RFC3339Nano),
		CreatedAt:  session.CreatedAt.Format(time.RFC3339Nano),
	}
	if session.UploadedParts != nil {
		resp.UploadedParts = append([]int(nil), session.UploadedParts...)
	}
	if session.Metadata != nil {
		meta := make(map[string]string, len(session.Metadata))
		for k, v := range session.Metadata {
			meta[k] = v
		}
		resp.Metadata = meta
	}
	return resp
}

// Uploads handles the upload collection endpoint: POST negotiates a new
// multipart upload session.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req startUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("fileName is required"))
		return
	}
	if req.FileSize <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("fileSize must be positive"))
		return
	}
	if req.FileSize > maxUploadSizeBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("fileSize exceeds %d bytes", int64(maxUploadSizeBytes)))
		return
	}
	if _, ok := models.ParseAssetType(req.AssetType); !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid assetType %q", req.AssetType))
		return
	}

	now := h.clock()
	objectKey := objectstore.ObjectKey(req.CampaignID, req.FileName, now)
	totalParts := int((req.FileSize + objectstore.DefaultPartSize - 1) / objectstore.DefaultPartSize)

	uploadID, err := h.Objects.CreateMultipartUpload(r.Context(), objectKey, req.MimeType)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("initiate upload: %w", err))
		return
	}

	partURLs := make([]string, 0, totalParts)
	for part := 1; part <= totalParts; part++ {
		signed, err := h.Objects.PresignPartUpload(objectKey, uploadID, part)
		if err != nil {
			h.abortUpload(r, objectKey, uploadID)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("presign part %d: %w", part, err))
			return
		}
		partURLs = append(partURLs, signed)
	}

	session, err := h.Store.CreateUploadSession(r.Context(), storage.CreateSessionParams{
		UploadID:   uploadID,
		ObjectKey:  objectKey,
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		MimeType:   req.MimeType,
		TotalParts: totalParts,
		OwnerID:    strings.TrimSpace(req.OwnerID),
		CampaignID: strings.TrimSpace(req.CampaignID),
		Metadata:   objectstore.SanitizeMetadata(req.Metadata),
	})
	if err != nil {
		h.abortUpload(r, objectKey, uploadID)
		writeError(w, storageErrorStatus(err), err)
		return
	}

	h.recorder().ObserveUploadEvent("started")
	h.Notifier.Emit(notify.Event{
		Type:      notify.EventUploadStart,
		SessionID: session.ID,
		OwnerID:   session.OwnerID,
	})

	writeJSON(w, http.StatusCreated, startUploadResponse{
		SessionID:  session.ID,
		UploadID:   uploadID,
		ObjectKey:  objectKey,
		Bucket:     h.Objects.Bucket(),
		PartSize:   objectstore.DefaultPartSize,
		TotalParts: totalParts,
		PartURLs:   partURLs,
		ExpiresAt:  session.ExpiresAt.Format(time.RFC3339Nano),
	})
}

// UploadByID routes /api/uploads/{id} and /api/uploads/{id}/complete.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session id missing"))
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		session, err := h.Store.GetUploadSession(r.Context(), sessionID)
		if err != nil {
			writeError(w, storageErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(session))
		return
	}

	if len(parts) == 2 && parts[1] == "complete" {
		h.completeUpload(w, r, sessionID)
		return
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload path"))
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority, ok := models.ParsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid priority %q", req.Priority))
		return
	}
	assetType, ok := models.ParseAssetType(req.AssetType)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid assetType %q", req.AssetType))
		return
	}
	if strings.TrimSpace(req.UploadID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("uploadId is required"))
		return
	}

	session, err := h.Store.GetUploadSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}

	// Every session and handle check runs before the storage backend is asked
	// to finalize: a finalized multipart upload cannot be rolled back.
	now := h.clock()
	switch {
	case session.Status == models.SessionCompleted:
		writeError(w, storageErrorStatus(storage.ErrSessionCompleted), storage.ErrSessionCompleted)
		return
	case session.Status == models.SessionExpired:
		writeError(w, storageErrorStatus(storage.ErrSessionExpired), storage.ErrSessionExpired)
		return
	case session.Expired(now):
		if _, err := h.Store.ExpireUploadSessions(r.Context(), now); err != nil {
			if logger := logging.LoggerFromContext(r.Context()); logger != nil {
				logger.Warn("expire upload sessions", "error", err)
			}
		}
		h.recorder().ObserveUploadEvent("expired")
		h.Notifier.Emit(notify.Event{
			Type:      notify.EventUploadLapsed,
			SessionID: session.ID,
			OwnerID:   session.OwnerID,
		})
		writeError(w, storageErrorStatus(storage.ErrSessionExpired), storage.ErrSessionExpired)
		return
	}
	if req.UploadID != session.UploadID {
		writeError(w, storageErrorStatus(storage.ErrUploadMismatch), storage.ErrUploadMismatch)
		return
	}

	manifest, err := buildPartManifest(req.Parts, session.TotalParts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if _, err := h.Objects.CompleteMultipartUpload(r.Context(), session.ObjectKey, session.UploadID, manifest); err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("finalize upload: %w", err))
		return
	}

	partNumbers := make([]int, 0, len(manifest))
	for _, part := range manifest {
		partNumbers = append(partNumbers, part.PartNumber)
	}
	result, err := h.Store.CompleteUploadSession(r.Context(), storage.CompleteSessionParams{
		SessionID:     session.ID,
		UploadedParts: partNumbers,
		Asset: models.Asset{
			Type:          assetType,
			Title:         objectstore.TitleFromFileName(session.FileName),
			Filename:      session.FileName,
			SizeBytes:     session.FileSize,
			StorageKey:    session.ObjectKey,
			StorageBucket: h.Objects.Bucket(),
			MimeType:      session.MimeType,
			OwnerID:       session.OwnerID,
			Metadata:      session.Metadata,
		},
		Enqueue:  assetType.NeedsTranscode(),
		Priority: priority,
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionExpired) {
			// The session raced past its deadline between the check above
			// and this write. The finalized object has no session or asset
			// claiming it, so remove it from the bucket.
			h.discardObject(r, session.ObjectKey)
			h.recorder().ObserveUploadEvent("expired")
			h.Notifier.Emit(notify.Event{
				Type:      notify.EventUploadLapsed,
				SessionID: session.ID,
				OwnerID:   session.OwnerID,
			})
		} else if logger := logging.LoggerFromContext(r.Context()); logger != nil {
			logger.Error("upload finalized in storage but session completion failed",
				"session_id", session.ID, "object_key", session.ObjectKey, "error", err)
		}
		writeError(w, storageErrorStatus(err), err)
		return
	}

	h.recorder().ObserveUploadEvent("completed")
	h.Notifier.Emit(notify.Event{
		Type:      notify.EventUploadDone,
		SessionID: session.ID,
		AssetID:   result.Asset.ID,
		OwnerID:   session.OwnerID,
	})
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		logger.Info("upload completed", "session_id", session.ID, "asset_id", result.Asset.ID)
	}

	resp := completeUploadResponse{Asset: newAssetResponse(result.Asset)}
	if result.Job != nil {
		h.recorder().ObserveQueueEvent(string(result.Job.Priority), "enqueued")
		job := newJobResponse(*result.Job)
		resp.Job = &job
		if h.Queue != nil && result.Job.Priority == models.PriorityHigh {
			h.Queue.Kick()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func buildPartManifest(parts []completeUploadPart, totalParts int) ([]objectstore.CompletedPart, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("parts are required")
	}
	if len(parts) != totalParts {
		return nil, fmt.Errorf("expected %d parts, got %d", totalParts, len(parts))
	}
	seen := make(map[int]bool, len(parts))
	manifest := make([]objectstore.CompletedPart, 0, len(parts))
	for _, part := range parts {
		if part.PartNumber < 1 || part.PartNumber > totalParts {
			return nil, fmt.Errorf("part number %d out of range", part.PartNumber)
		}
		if seen[part.PartNumber] {
			return nil, fmt.Errorf("duplicate part number %d", part.PartNumber)
		}
		if strings.TrimSpace(part.ETag) == "" {
			return nil, fmt.Errorf("etag missing for part %d", part.PartNumber)
		}
		seen[part.PartNumber] = true
		manifest = append(manifest, objectstore.CompletedPart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}
	sort.Slice(manifest, func(i, j int) bool {
		return manifest[i].PartNumber < manifest[j].PartNumber
	})
	return manifest, nil
}

func (h *Handler) abortUpload(r *http.Request, objectKey, uploadID string) {
	if err := h.Objects.AbortMultipartUpload(r.Context(), objectKey, uploadID); err != nil {
		if logger := logging.LoggerFromContext(r.Context()); logger != nil {
			logger.Warn("abort multipart upload", "object_key", objectKey, "error", err)
		}
	}
}

func (h *Handler) discardObject(r *http.Request, objectKey string) {
	if err := h.Objects.DeleteObject(r.Context(), objectKey); err != nil {
		if logger := logging.LoggerFromContext(r.Context()); logger != nil {
			logger.Warn("delete orphaned object", "object_key", objectKey, "error", err)
		}
	}
}
