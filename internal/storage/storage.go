package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clipflow/internal/models"
)

type dataset struct {
	Sessions map[string]models.UploadSession `json:"sessions"`
	Assets   map[string]models.Asset         `json:"assets"`
	Jobs     map[string]models.TranscodeJob  `json:"jobs"`
}

// Storage is a JSON-file-backed repository guarded by a RWMutex. Every
// mutation works on a cloned dataset and persists it before swapping the
// in-memory view, so failed writes never leave partial state behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
	maxAttempts     int
}

func newDataset() dataset {
	return dataset{
		Sessions: make(map[string]models.UploadSession),
		Assets:   make(map[string]models.Asset),
		Jobs:     make(map[string]models.TranscodeJob),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.UploadSession)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.Asset)
	}
	if s.data.Jobs == nil {
		s.data.Jobs = make(map[string]models.TranscodeJob)
	}
}

// NewStorage loads (or initializes) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:    path,
		clock:       func() time.Time { return time.Now().UTC() },
		maxAttempts: models.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if store.maxAttempts <= 0 {
		store.maxAttempts = models.DefaultMaxAttempts
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for id, session := range src.Sessions {
		clone.Sessions[id] = cloneSession(session)
	}
	for id, asset := range src.Assets {
		clone.Assets[id] = cloneAsset(asset)
	}
	for id, job := range src.Jobs {
		clone.Jobs[id] = cloneJob(job)
	}

	return clone
}

func cloneSession(session models.UploadSession) models.UploadSession {
	cloned := session
	if session.UploadedParts != nil {
		cloned.UploadedParts = append([]int(nil), session.UploadedParts...)
	}
	if session.Metadata != nil {
		cloned.Metadata = make(map[string]string, len(session.Metadata))
		for k, v := range session.Metadata {
			cloned.Metadata[k] = v
		}
	}
	return cloned
}

func cloneAsset(asset models.Asset) models.Asset {
	cloned := asset
	if asset.Metadata != nil {
		cloned.Metadata = make(map[string]string, len(asset.Metadata))
		for k, v := range asset.Metadata {
			cloned.Metadata[k] = v
		}
	}
	return cloned
}

func cloneJob(job models.TranscodeJob) models.TranscodeJob {
	cloned := job
	if job.StartedAt != nil {
		started := *job.StartedAt
		cloned.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func (s *Storage) now() time.Time {
	if s.clock != nil {
		return s.clock().UTC()
	}
	return time.Now().UTC()
}

// Ping verifies the backing file is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return nil
}
