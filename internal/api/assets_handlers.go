package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clipflow/internal/models"
	"clipflow/internal/storage"
)

type assetResponse struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Title           string            `json:"title"`
	Filename        string            `json:"filename"`
	SizeBytes       int64             `json:"sizeBytes"`
	Status          string            `json:"status"`
	StorageKey      string            `json:"storageKey"`
	StorageBucket   string            `json:"storageBucket"`
	MimeType        string            `json:"mimeType,omitempty"`
	OwnerID         string            `json:"ownerId,omitempty"`
	StreamID        string            `json:"streamId,omitempty"`
	PlaybackURL     string            `json:"playbackUrl,omitempty"`
	ThumbnailURL    string            `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64           `json:"durationSeconds,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	ErrorMetadata   map[string]string `json:"errorMetadata,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       string            `json:"createdAt"`
	UpdatedAt       string            `json:"updatedAt"`
}

func newAssetResponse(asset models.Asset) assetResponse {
	resp := assetResponse{
		ID:              asset.ID,
		Type:            string(asset.Type),
		Title:           asset.Title,
		Filename:        asset.Filename,
		SizeBytes:       asset.SizeBytes,
		Status:          string(asset.Status),
		StorageKey:      asset.StorageKey,
		StorageBucket:   asset.StorageBucket,
		MimeType:        asset.MimeType,
		OwnerID:         asset.OwnerID,
		StreamID:        asset.StreamID,
		PlaybackURL:     asset.PlaybackURL,
		ThumbnailURL:    asset.ThumbnailURL,
		DurationSeconds: asset.DurationSeconds,
		Resolution:      asset.Resolution,
		CreatedAt:       asset.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       asset.UpdatedAt.Format(time.RFC3339Nano),
	}
	if asset.ErrorMetadata != nil {
		meta := make(map[string]string, len(asset.ErrorMetadata))
		for k, v := range asset.ErrorMetadata {
			meta[k] = v
		}
		resp.ErrorMetadata = meta
	}
	if asset.Metadata != nil {
		meta := make(map[string]string, len(asset.Metadata))
		for k, v := range asset.Metadata {
			meta[k] = v
		}
		resp.Metadata = meta
	}
	return resp
}

type assetListResponse struct {
	Assets []assetResponse `json:"assets"`
}

type downloadResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt"`
}

// Assets handles GET /api/assets with optional ownerId, status, type and
// limit filters.
func (h *Handler) Assets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	filter := storage.ListAssetsFilter{
		OwnerID: strings.TrimSpace(r.URL.Query().Get("ownerId")),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.AssetStatus(strings.ToUpper(strings.TrimSpace(raw)))
		switch status {
		case models.AssetProcessing, models.AssetReady, models.AssetError:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", raw))
			return
		}
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		assetType, ok := models.ParseAssetType(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid type %q", raw))
			return
		}
		filter.Type = assetType
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	assets, err := h.Store.ListAssets(r.Context(), filter)
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}
	resp := assetListResponse{Assets: make([]assetResponse, 0, len(assets))}
	for _, asset := range assets {
		resp.Assets = append(resp.Assets, newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AssetByID routes /api/assets/{id} and /api/assets/{id}/download.
func (h *Handler) AssetByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/assets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("asset id missing"))
		return
	}
	assetID := parts[0]

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	asset, err := h.Store.GetAsset(r.Context(), assetID)
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}

	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, newAssetResponse(asset))
		return
	}
	if len(parts) == 2 && parts[1] == "download" {
		expiry := h.DownloadExpiry
		if expiry <= 0 {
			expiry = defaultDownloadExpiry
		}
		signed, err := h.Objects.PresignDownload(asset.StorageKey, expiry)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("presign download: %w", err))
			return
		}
		writeJSON(w, http.StatusOK, downloadResponse{
			URL:       signed,
			ExpiresAt: h.clock().Add(expiry).Format(time.RFC3339Nano),
		})
		return
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("unknown asset path"))
}
