package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clipflow/internal/models"
	"clipflow/internal/notify"
)

type jobResponse struct {
	ID            string `json:"id"`
	AssetID       string `json:"assetId"`
	StorageKey    string `json:"storageKey"`
	StorageBucket string `json:"storageBucket"`
	Status        string `json:"status"`
	Priority      string `json:"priority"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"maxAttempts"`
	LastError     string `json:"lastError,omitempty"`
	StreamID      string `json:"streamId,omitempty"`
	CreatedAt     string `json:"createdAt"`
	StartedAt     string `json:"startedAt,omitempty"`
	CompletedAt   string `json:"completedAt,omitempty"`
}

func newJobResponse(job models.TranscodeJob) jobResponse {
	resp := jobResponse{
		ID:            job.ID,
		AssetID:       job.AssetID,
		StorageKey:    job.StorageKey,
		StorageBucket: job.StorageBucket,
		Status:        string(job.Status),
		Priority:      string(job.Priority),
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		LastError:     job.LastError,
		StreamID:      job.StreamID,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339Nano)
	}
	return resp
}

type queueStatsResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type jobListResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

// QueueStats handles GET /api/queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	stats, err := h.Store.QueueStats(r.Context())
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	})
}

// QueueJobs routes /api/queue/jobs and /api/queue/jobs/{id}[/requeue].
func (h *Handler) QueueJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/jobs")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && parts[0] == "" {
		h.listJobs(w, r)
		return
	}

	jobID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		job, err := h.Store.GetJob(r.Context(), jobID)
		if err != nil {
			writeError(w, storageErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(job))
	case len(parts) == 2 && parts[1] == "requeue":
		h.requeueJob(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue path"))
	}
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed := models.JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
		switch parsed {
		case models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed:
			status = parsed
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status %q", raw))
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	jobs, err := h.Store.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}
	resp := jobListResponse{Jobs: make([]jobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) requeueJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	job, err := h.Store.RequeueFailedJob(r.Context(), jobID)
	if err != nil {
		writeError(w, storageErrorStatus(err), err)
		return
	}

	h.recorder().ObserveQueueEvent(string(job.Priority), "requeued")
	h.Notifier.Emit(notify.Event{
		Type:    notify.EventJobRequeued,
		JobID:   job.ID,
		AssetID: job.AssetID,
	})
	if h.Queue != nil {
		h.Queue.Kick()
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}
