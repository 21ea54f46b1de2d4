package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clipflow/internal/models"
)

func TestLoadSnapshotFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	payload := `{
		"sessions": {
			"s2": {"id": "s2", "uploadId": "u2", "objectKey": "uploads/a.mp4", "fileName": "a.mp4", "fileSize": 10, "totalParts": 1, "status": "COMPLETED", "expiresAt": "2026-01-01T00:00:00Z", "createdAt": "2026-01-01T00:00:00Z"},
			"s1": {"id": "s1", "uploadId": "u1", "objectKey": "uploads/b.mp4", "fileName": "b.mp4", "fileSize": 20, "totalParts": 2, "status": "IN_PROGRESS", "expiresAt": "2026-01-01T00:00:00Z", "createdAt": "2026-01-01T00:00:00Z"}
		},
		"assets": {
			"a1": {"id": "a1", "assetType": "VIDEO", "title": "a", "filename": "a.mp4", "sizeBytes": 10, "status": "PROCESSING", "storageKey": "uploads/a.mp4", "storageBucket": "media", "createdAt": "2026-01-01T00:00:00Z", "updatedAt": "2026-01-01T00:00:00Z"}
		},
		"jobs": {
			"j1": {"id": "j1", "assetId": "a1", "storageKey": "uploads/a.mp4", "storageBucket": "media", "status": "PENDING", "priority": "HIGH", "attempts": 0, "maxAttempts": 3, "createdAt": "2026-01-01T00:00:00Z"}
		}
	}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write datastore: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}

	counts := snapshot.Counts()
	if counts.Sessions != 2 || counts.Assets != 1 || counts.Jobs != 1 {
		t.Fatalf("counts = %+v, want 2 sessions, 1 asset, 1 job", counts)
	}
	if snapshot.Sessions[0].ID != "s1" || snapshot.Sessions[1].ID != "s2" {
		t.Fatalf("sessions not ordered by id: %q, %q", snapshot.Sessions[0].ID, snapshot.Sessions[1].ID)
	}
	if snapshot.Jobs[0].Priority != models.PriorityHigh {
		t.Fatalf("job priority = %q, want HIGH", snapshot.Jobs[0].Priority)
	}
}

func TestLoadSnapshotFromPersistedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	session, err := store.CreateUploadSession(context.Background(), CreateSessionParams{
		UploadID:   "upload-1",
		ObjectKey:  "uploads/uncategorized/clip.mp4",
		FileName:   "clip.mp4",
		FileSize:   2048,
		MimeType:   "video/mp4",
		TotalParts: 1,
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateUploadSession: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	if got := snapshot.Counts().Sessions; got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}
	if snapshot.Sessions[0].ID != session.ID {
		t.Fatalf("session id = %q, want %q", snapshot.Sessions[0].ID, session.ID)
	}
}
