package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"clipflow/internal/models"
)

func enqueueJobLocked(data dataset, asset models.Asset, priority models.JobPriority, maxAttempts int, now time.Time) (models.TranscodeJob, error) {
	// One live job per asset: re-enqueueing while a job is pending or
	// processing returns the existing entry.
	for _, job := range data.Jobs {
		if job.AssetID == asset.ID && !job.Status.Terminal() {
			return job, nil
		}
	}

	id, err := generateID()
	if err != nil {
		return models.TranscodeJob{}, err
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	job := models.TranscodeJob{
		ID:            id,
		AssetID:       asset.ID,
		StorageKey:    asset.StorageKey,
		StorageBucket: asset.StorageBucket,
		Status:        models.JobPending,
		Priority:      priority,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
	}
	data.Jobs[id] = job
	return job, nil
}

func (s *Storage) EnqueueTranscodeJob(ctx context.Context, assetID string, priority models.JobPriority) (models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	asset, ok := updatedData.Assets[assetID]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}

	job, err := enqueueJobLocked(updatedData, asset, priority, s.maxAttempts, s.now())
	if err != nil {
		return models.TranscodeJob{}, err
	}

	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return cloneJob(job), nil
}

// ClaimNextJob selects and transitions the next runnable job under the write
// lock, so two concurrent workers can never claim the same entry.
func (s *Storage) ClaimNextJob(ctx context.Context) (models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.TranscodeJob
	for id := range s.data.Jobs {
		job := s.data.Jobs[id]
		if job.Status != models.JobPending {
			continue
		}
		if best == nil || jobBefore(job, *best) {
			claimed := job
			best = &claimed
		}
	}
	if best == nil {
		return models.TranscodeJob{}, ErrNoPendingJobs
	}

	updatedData := cloneDataset(s.data)
	job := updatedData.Jobs[best.ID]
	now := s.now()
	job.Status = models.JobProcessing
	job.Attempts++
	job.StartedAt = &now
	updatedData.Jobs[job.ID] = job

	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return cloneJob(job), nil
}

// jobBefore orders the queue: higher priority first, then oldest creation,
// with the ID as a stable tie-break.
func jobBefore(a, b models.TranscodeJob) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Storage) GetJob(ctx context.Context, id string) (models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.Jobs[id]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *Storage) ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.TranscodeJob, 0, len(s.data.Jobs))
	for _, job := range s.data.Jobs {
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobBefore(jobs[i], jobs[j])
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Storage) CompleteJob(ctx context.Context, jobID string, result JobResult) (models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	job, ok := updatedData.Jobs[jobID]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != models.JobProcessing {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotProcessing)
	}

	now := s.now()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.StreamID = result.StreamID
	job.LastError = ""
	updatedData.Jobs[jobID] = job

	if asset, exists := updatedData.Assets[job.AssetID]; exists {
		asset.Status = models.AssetReady
		asset.StreamID = result.StreamID
		asset.PlaybackURL = result.PlaybackURL
		asset.ThumbnailURL = result.ThumbnailURL
		asset.DurationSeconds = result.DurationSeconds
		asset.Resolution = result.Resolution
		asset.ErrorMetadata = nil
		asset.UpdatedAt = now
		updatedData.Assets[asset.ID] = asset
	}

	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return cloneJob(job), nil
}

func (s *Storage) ReleaseJob(ctx context.Context, jobID, lastError string, terminal bool) (models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	job, ok := updatedData.Jobs[jobID]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != models.JobProcessing {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotProcessing)
	}

	now := s.now()
	job.LastError = lastError
	job.StartedAt = nil
	if terminal || job.Attempts >= job.MaxAttempts {
		job.Status = models.JobFailed
		job.CompletedAt = &now
		if asset, exists := updatedData.Assets[job.AssetID]; exists {
			asset.Status = models.AssetError
			asset.ErrorMetadata = map[string]string{
				"error":    lastError,
				"failedAt": now.Format(time.RFC3339),
				"attempts": strconv.Itoa(job.Attempts),
			}
			asset.UpdatedAt = now
			updatedData.Assets[asset.ID] = asset
		}
	} else {
		job.Status = models.JobPending
	}
	updatedData.Jobs[jobID] = job

	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return cloneJob(job), nil
}

func (s *Storage) RequeueFailedJob(ctx context.Context, jobID string) (models.TranscodeJob, error) {
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	job, ok := updatedData.Jobs[jobID]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != models.JobFailed {
		return models.TranscodeJob{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFailed)
	}

	now := s.now()
	job.Status = models.JobPending
	job.Attempts = 0
	job.StartedAt = nil
	job.CompletedAt = nil
	updatedData.Jobs[jobID] = job

	if asset, exists := updatedData.Assets[job.AssetID]; exists {
		asset.Status = models.AssetProcessing
		asset.ErrorMetadata = nil
		asset.UpdatedAt = now
		updatedData.Assets[asset.ID] = asset
	}

	if err := s.persistDataset(updatedData); err != nil {
		return models.TranscodeJob{}, err
	}
	s.data = updatedData

	return cloneJob(job), nil
}

func (s *Storage) RecoverStalledJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	cutoff := s.now().Add(-olderThan)
	recovered := 0
	for id, job := range updatedData.Jobs {
		if job.Status != models.JobProcessing {
			continue
		}
		if job.StartedAt != nil && job.StartedAt.After(cutoff) {
			continue
		}
		job.Status = models.JobPending
		job.StartedAt = nil
		updatedData.Jobs[id] = job
		recovered++
	}
	if recovered == 0 {
		return 0, nil
	}

	if err := s.persistDataset(updatedData); err != nil {
		return 0, err
	}
	s.data = updatedData

	return recovered, nil
}

func (s *Storage) QueueStats(ctx context.Context) (QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats QueueStats
	for _, job := range s.data.Jobs {
		switch job.Status {
		case models.JobPending:
			stats.Pending++
		case models.JobProcessing:
			stats.Processing++
		case models.JobCompleted:
			stats.Completed++
		case models.JobFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
