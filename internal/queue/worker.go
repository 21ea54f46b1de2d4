// Package queue drives the transcode pipeline: a scheduler sweeps the
// pending job queue and hands each claimed job to a worker, which presigns
// the source object, submits it to the stream provider, and records the
// outcome.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"clipflow/internal/models"
	"clipflow/internal/notify"
	"clipflow/internal/observability/logging"
	"clipflow/internal/observability/metrics"
	"clipflow/internal/storage"
	"clipflow/internal/stream"
)

// ObjectStore is the subset of the object storage client the worker needs
// to hand a source object to the stream provider.
type ObjectStore interface {
	PresignDownload(key string, expiry time.Duration) (string, error)
}

// WorkerConfig carries the collaborators and tuning knobs for a Worker.
type WorkerConfig struct {
	Repository  storage.Repository
	Objects     ObjectStore
	Stream      stream.Client
	Notifier    *notify.Dispatcher
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	PollEvery   time.Duration
	IngestAfter time.Duration
}

const (
	defaultPollEvery   = 2 * time.Second
	defaultIngestAfter = 30 * time.Minute

	// sourceURLExpiry bounds how long the provider can pull the source
	// object after the job is claimed.
	sourceURLExpiry = time.Hour
)

// Worker processes one claimed transcode job end to end.
type Worker struct {
	repo        storage.Repository
	objects     ObjectStore
	stream      stream.Client
	notifier    *notify.Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Recorder
	pollEvery   time.Duration
	ingestAfter time.Duration
}

// NewWorker wires a worker from its configuration, filling unset fields
// with usable defaults.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("stream client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	pollEvery := cfg.PollEvery
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	ingestAfter := cfg.IngestAfter
	if ingestAfter <= 0 {
		ingestAfter = defaultIngestAfter
	}
	return &Worker{
		repo:        cfg.Repository,
		objects:     cfg.Objects,
		stream:      cfg.Stream,
		notifier:    cfg.Notifier,
		logger:      logging.WithComponent(logger, "transcode-worker"),
		metrics:     recorder,
		pollEvery:   pollEvery,
		ingestAfter: ingestAfter,
	}, nil
}

// Process runs the claimed job to a terminal or retriable outcome. The job
// must already be in the PROCESSING state.
func (w *Worker) Process(ctx context.Context, job models.TranscodeJob) {
	w.metrics.WorkerStarted()
	defer w.metrics.WorkerFinished()

	ctx = logging.ContextWithAssetID(ctx, job.AssetID)
	logger := logging.WithContext(ctx, w.logger).With(
		"job_id", job.ID,
		"attempt", job.Attempts,
		"priority", string(job.Priority),
	)

	asset, err := w.repo.GetAsset(ctx, job.AssetID)
	if err != nil {
		logger.Error("load asset for job", "error", err)
		w.release(ctx, logger, job, asset, err)
		return
	}

	sourceURL, err := w.objects.PresignDownload(job.StorageKey, sourceURLExpiry)
	if err != nil {
		logger.Error("presign source object", "error", err)
		w.release(ctx, logger, job, asset, err)
		return
	}

	ingested, err := w.stream.Ingest(ctx, stream.IngestRequest{
		SourceURL: sourceURL,
		Name:      asset.Title,
		Metadata:  asset.Metadata,
	})
	if err != nil {
		logger.Warn("submit to stream provider", "error", err)
		w.release(ctx, logger, job, asset, err)
		return
	}
	logger = logger.With("stream_id", ingested.UID)

	awaitCtx, cancel := context.WithTimeout(ctx, w.ingestAfter)
	defer cancel()
	details, err := stream.Await(awaitCtx, w.stream, ingested.UID, w.pollEvery)
	if err != nil {
		logger.Warn("await stream readiness", "error", err)
		w.release(ctx, logger, job, asset, err)
		return
	}

	playback := details.PlaybackURL
	if playback == "" {
		playback = ingested.PlaybackURL
	}
	thumbnail := details.ThumbnailURL
	if thumbnail == "" {
		thumbnail = ingested.ThumbnailURL
	}

	completed, err := w.repo.CompleteJob(ctx, job.ID, storage.JobResult{
		StreamID:        details.UID,
		PlaybackURL:     playback,
		ThumbnailURL:    thumbnail,
		DurationSeconds: details.DurationSeconds,
		Resolution:      details.Resolution(),
	})
	if err != nil {
		logger.Error("record job completion", "error", err)
		return
	}

	w.metrics.ObserveQueueEvent(string(job.Priority), "completed")
	w.notifier.Emit(notify.Event{
		Type:     notify.EventAssetReady,
		AssetID:  job.AssetID,
		JobID:    job.ID,
		StreamID: details.UID,
		OwnerID:  asset.OwnerID,
	})
	logger.Info("transcode complete",
		"duration_seconds", details.DurationSeconds,
		"resolution", details.Resolution(),
		"attempts", completed.Attempts,
	)
}

// release hands the job back to the queue. Every failure is treated as
// retriable; the repository flips the job to FAILED once the attempt
// budget is spent.
func (w *Worker) release(ctx context.Context, logger *slog.Logger, job models.TranscodeJob, asset models.Asset, cause error) {
	released, err := w.repo.ReleaseJob(ctx, job.ID, cause.Error(), false)
	if err != nil {
		logger.Error("release job", "error", err)
		return
	}
	if released.Status == models.JobFailed {
		w.metrics.ObserveQueueEvent(string(job.Priority), "failed")
		w.notifier.Emit(notify.Event{
			Type:    notify.EventAssetFailed,
			AssetID: job.AssetID,
			JobID:   job.ID,
			OwnerID: asset.OwnerID,
			Error:   cause.Error(),
		})
		logger.Error("job failed", "attempts", released.Attempts, "error", cause)
		return
	}
	w.metrics.ObserveQueueEvent(string(job.Priority), "retried")
	logger.Info("job released for retry", "attempts", released.Attempts)
}
