package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipflow/internal/models"
	"clipflow/internal/notify"
	"clipflow/internal/observability/metrics"
	"clipflow/internal/storage"
	"clipflow/internal/stream"
)

type fakeObjects struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeObjects) PresignDownload(key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://signed.example.com/" + key, nil
}

type fakeStream struct {
	mu         sync.Mutex
	uid        string
	ingestErr  error
	detailsErr error
	details    stream.Details
	ingests    []stream.IngestRequest
}

func (f *fakeStream) Ingest(_ context.Context, req stream.IngestRequest) (stream.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return stream.IngestResult{}, f.ingestErr
	}
	f.ingests = append(f.ingests, req)
	return stream.IngestResult{UID: f.uid}, nil
}

func (f *fakeStream) Details(_ context.Context, uid string) (stream.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailsErr != nil {
		return stream.Details{}, f.detailsErr
	}
	details := f.details
	if details.UID == "" {
		details.UID = uid
	}
	return details, nil
}

type capturingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturingNotifier) Name() string {
	return "capture"
}

func (c *capturingNotifier) Publish(_ context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturingNotifier) received() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Event, len(c.events))
	copy(out, c.events)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueueStorage(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "clipflow.json"))
	if err != nil {
		t.Fatalf("NewStorage returned error: %v", err)
	}
	return store
}

func seedClaimedJob(t *testing.T, store *storage.Storage) models.TranscodeJob {
	t.Helper()
	session, err := store.CreateUploadSession(context.Background(), storage.CreateSessionParams{
		UploadID:   "upload-handle-1",
		ObjectKey:  "uploads/campaign-7/1709640000000-clip.mp4",
		FileName:   "clip.mp4",
		FileSize:   42 << 20,
		MimeType:   "video/mp4",
		TotalParts: 5,
		OwnerID:    "user-1",
	})
	if err != nil {
		t.Fatalf("CreateUploadSession returned error: %v", err)
	}
	result, err := store.CompleteUploadSession(context.Background(), storage.CompleteSessionParams{
		SessionID: session.ID,
		Asset: models.Asset{
			Type:          models.AssetTypeVideo,
			Title:         "clip",
			Filename:      "clip.mp4",
			SizeBytes:     session.FileSize,
			StorageKey:    session.ObjectKey,
			StorageBucket: "media",
			MimeType:      "video/mp4",
			OwnerID:       "user-1",
		},
		Enqueue: true,
	})
	if err != nil {
		t.Fatalf("CompleteUploadSession returned error: %v", err)
	}
	claimed, err := store.ClaimNextJob(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	_ = result
	return claimed
}

func newTestWorker(t *testing.T, store *storage.Storage, objects *fakeObjects, provider *fakeStream, capture *capturingNotifier) *Worker {
	t.Helper()
	recorder := metrics.New()
	var dispatcher *notify.Dispatcher
	if capture != nil {
		dispatcher = notify.NewDispatcher(quietLogger(), recorder, capture)
	}
	worker, err := NewWorker(WorkerConfig{
		Repository: store,
		Objects:    objects,
		Stream:     provider,
		Notifier:   dispatcher,
		Logger:     quietLogger(),
		Metrics:    recorder,
		PollEvery:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWorker returned error: %v", err)
	}
	return worker
}

func TestWorkerCompletesJob(t *testing.T) {
	store := newQueueStorage(t)
	job := seedClaimedJob(t, store)

	objects := &fakeObjects{}
	provider := &fakeStream{
		uid: "stream-uid-1",
		details: stream.Details{
			Ready:           true,
			State:           "ready",
			DurationSeconds: 81.5,
			PlaybackURL:     "https://cdn.example.com/stream-uid-1/manifest.m3u8",
			ThumbnailURL:    "https://cdn.example.com/stream-uid-1/thumb.jpg",
			Width:           1920,
			Height:          1080,
		},
	}
	capture := &capturingNotifier{}
	worker := newTestWorker(t, store, objects, provider, capture)

	worker.Process(context.Background(), job)
	worker.notifier.Flush()

	done, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if done.Status != models.JobCompleted {
		t.Fatalf("job status = %s, want %s", done.Status, models.JobCompleted)
	}
	if done.StreamID != "stream-uid-1" {
		t.Fatalf("job streamId = %q", done.StreamID)
	}

	asset, err := store.GetAsset(context.Background(), job.AssetID)
	if err != nil {
		t.Fatalf("GetAsset returned error: %v", err)
	}
	if asset.Status != models.AssetReady {
		t.Fatalf("asset status = %s, want %s", asset.Status, models.AssetReady)
	}
	if asset.Resolution != "1920x1080" {
		t.Fatalf("asset resolution = %q", asset.Resolution)
	}
	if asset.PlaybackURL != "https://cdn.example.com/stream-uid-1/manifest.m3u8" {
		t.Fatalf("asset playbackUrl = %q", asset.PlaybackURL)
	}

	if len(objects.keys) != 1 || objects.keys[0] != job.StorageKey {
		t.Fatalf("presigned keys = %v", objects.keys)
	}
	if len(provider.ingests) != 1 {
		t.Fatalf("ingests = %d, want 1", len(provider.ingests))
	}
	if provider.ingests[0].Name != "clip" {
		t.Fatalf("ingest name = %q, want clip", provider.ingests[0].Name)
	}
	if provider.ingests[0].SourceURL != "https://signed.example.com/"+job.StorageKey {
		t.Fatalf("ingest sourceUrl = %q", provider.ingests[0].SourceURL)
	}

	events := capture.received()
	if len(events) != 1 || events[0].Type != notify.EventAssetReady {
		t.Fatalf("events = %+v, want one asset.ready", events)
	}
	if events[0].StreamID != "stream-uid-1" || events[0].OwnerID != "user-1" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestWorkerReleasesJobOnRetryableError(t *testing.T) {
	store := newQueueStorage(t)
	job := seedClaimedJob(t, store)

	provider := &fakeStream{
		uid:       "stream-uid-1",
		ingestErr: &stream.APIError{StatusCode: 503, Message: "upstream unavailable"},
	}
	worker := newTestWorker(t, store, &fakeObjects{}, provider, nil)

	worker.Process(context.Background(), job)

	released, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if released.Status != models.JobPending {
		t.Fatalf("job status = %s, want %s", released.Status, models.JobPending)
	}
	if released.LastError == "" {
		t.Fatal("expected lastError to be recorded")
	}

	asset, err := store.GetAsset(context.Background(), job.AssetID)
	if err != nil {
		t.Fatalf("GetAsset returned error: %v", err)
	}
	if asset.Status != models.AssetProcessing {
		t.Fatalf("asset status = %s, want %s", asset.Status, models.AssetProcessing)
	}
}

func TestWorkerRetriesProviderRejectionBeforeFailing(t *testing.T) {
	store := newQueueStorage(t)
	job := seedClaimedJob(t, store)

	provider := &fakeStream{
		uid:       "stream-uid-1",
		ingestErr: &stream.APIError{StatusCode: 400, Code: 10004, Message: "unsupported input"},
	}
	capture := &capturingNotifier{}
	worker := newTestWorker(t, store, &fakeObjects{}, provider, capture)

	worker.Process(context.Background(), job)

	// A provider rejection on the first attempt leaves the job claimable.
	released, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if released.Status != models.JobPending {
		t.Fatalf("job status after first rejection = %s, want %s", released.Status, models.JobPending)
	}
	if released.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", released.Attempts)
	}

	for attempt := 2; attempt <= models.DefaultMaxAttempts; attempt++ {
		claimed, err := store.ClaimNextJob(context.Background())
		if err != nil {
			t.Fatalf("claim %d returned error: %v", attempt, err)
		}
		worker.Process(context.Background(), claimed)
	}
	worker.notifier.Flush()

	failed, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if failed.Status != models.JobFailed {
		t.Fatalf("job status = %s, want %s", failed.Status, models.JobFailed)
	}
	if failed.Attempts != models.DefaultMaxAttempts {
		t.Fatalf("attempts = %d, want %d", failed.Attempts, models.DefaultMaxAttempts)
	}

	asset, err := store.GetAsset(context.Background(), job.AssetID)
	if err != nil {
		t.Fatalf("GetAsset returned error: %v", err)
	}
	if asset.Status != models.AssetError {
		t.Fatalf("asset status = %s, want %s", asset.Status, models.AssetError)
	}
	if asset.ErrorMetadata["attempts"] != "3" {
		t.Fatalf("asset errorMetadata = %v, want attempts 3", asset.ErrorMetadata)
	}

	events := capture.received()
	if len(events) != 1 || events[0].Type != notify.EventAssetFailed {
		t.Fatalf("events = %+v, want one asset.failed", events)
	}
	if events[0].Error == "" {
		t.Fatal("expected failure event to carry the error")
	}
}

func TestWorkerReleasesJobOnProviderErrorState(t *testing.T) {
	store := newQueueStorage(t)
	job := seedClaimedJob(t, store)

	provider := &fakeStream{
		uid: "stream-uid-1",
		details: stream.Details{
			State:        "error",
			ErrorCode:    "ERR_DECODE",
			ErrorMessage: "could not decode video",
		},
	}
	worker := newTestWorker(t, store, &fakeObjects{}, provider, nil)

	worker.Process(context.Background(), job)

	released, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if released.Status != models.JobPending {
		t.Fatalf("job status = %s, want %s", released.Status, models.JobPending)
	}
	if released.LastError == "" {
		t.Fatal("expected lastError to carry the provider failure")
	}
}
