package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clipflow/internal/models"
)

// DefaultSessionTTL is applied when a session is created without an explicit
// deadline.
const DefaultSessionTTL = 24 * time.Hour

func (s *Storage) CreateUploadSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return models.UploadSession{}, err
	}

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

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := generateID()
	if err != nil {
		return models.UploadSession{}, err
	}

	now := s.now()
	expiresAt := params.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultSessionTTL)
	}

	session := models.UploadSession{
		ID:         id,
		UploadID:   params.UploadID,
		ObjectKey:  params.ObjectKey,
		FileName:   params.FileName,
		FileSize:   params.FileSize,
		MimeType:   params.MimeType,
		TotalParts: params.TotalParts,
		Status:     models.SessionInProgress,
		OwnerID:    params.OwnerID,
		CampaignID: params.CampaignID,
		Metadata:   params.Metadata,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	}

	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		return models.UploadSession{}, err
	}

	return cloneSession(session), nil
}

func (s *Storage) GetUploadSession(ctx context.Context, id string) (models.UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return models.UploadSession{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(session), nil
}

func (s *Storage) CompleteUploadSession(ctx context.Context, params CompleteSessionParams) (CompleteSessionResult, error) {
	if err := ctx.Err(); err != nil {
		return CompleteSessionResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	session, ok := updatedData.Sessions[params.SessionID]
	if !ok {
		return CompleteSessionResult{}, fmt.Errorf("session %s: %w", params.SessionID, ErrNotFound)
	}

	now := s.now()
	switch {
	case session.Status == models.SessionCompleted:
		return CompleteSessionResult{}, ErrSessionCompleted
	case session.Status == models.SessionExpired:
		return CompleteSessionResult{}, ErrSessionExpired
	case session.Expired(now):
		session.Status = models.SessionExpired
		updatedData.Sessions[session.ID] = session
		if err := s.persistDataset(updatedData); err != nil {
			return CompleteSessionResult{}, err
		}
		s.data = updatedData
		return CompleteSessionResult{}, ErrSessionExpired
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

	session.Status = models.SessionCompleted
	if len(params.UploadedParts) > 0 {
		session.UploadedParts = append([]int(nil), params.UploadedParts...)
	}
	updatedData.Sessions[session.ID] = session
	updatedData.Assets[asset.ID] = asset

	result := CompleteSessionResult{Asset: cloneAsset(asset)}
	if params.Enqueue {
		job, err := enqueueJobLocked(updatedData, asset, params.Priority, s.maxAttempts, now)
		if err != nil {
			return CompleteSessionResult{}, err
		}
		cloned := cloneJob(job)
		result.Job = &cloned
	}

	if err := s.persistDataset(updatedData); err != nil {
		return CompleteSessionResult{}, err
	}
	s.data = updatedData

	return result, nil
}

func (s *Storage) ExpireUploadSessions(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)

	expired := 0
	for id, session := range updatedData.Sessions {
		if session.Status != models.SessionInProgress || !session.Expired(now) {
			continue
		}
		session.Status = models.SessionExpired
		updatedData.Sessions[id] = session
		expired++
	}
	if expired == 0 {
		return 0, nil
	}

	if err := s.persistDataset(updatedData); err != nil {
		return 0, err
	}
	s.data = updatedData

	return expired, nil
}
